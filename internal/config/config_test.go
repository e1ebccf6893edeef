package config

import (
	"testing"
	"time"
)

func clearRouterEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"ROUTER_HTTP_ADDR", "ROUTER_DB_DRIVER", "ROUTER_DB_DSN",
		"SUBSTRATE_TRANSPORT", "SUBSTRATE_REDIS_ADDR",
		"ROUTER_CHAT_SIGNING_SECRET", "ROUTER_API_KEYS",
		"ROUTER_JWKS_URL", "ROUTER_TRUSTED_PROXY_ENABLED",
		"ROUTER_GENERIC_ENDPOINT_ENABLED", "ROUTER_SYNC_TIMEOUT",
		"ROUTER_ASYNC_TIMEOUT", "ROUTER_SESSION_IDLE_TTL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestRouterFromEnvDefaults(t *testing.T) {
	clearRouterEnv(t)

	cfg := RouterFromEnv()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr :8080, got %q", cfg.HTTPAddr)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("expected default store driver sqlite, got %q", cfg.Store.Driver)
	}
	if cfg.Substrate.Transport != "broker" {
		t.Fatalf("expected default transport broker, got %q", cfg.Substrate.Transport)
	}
	if cfg.GenericEndpointEnabled {
		t.Fatalf("generic endpoint must default to disabled")
	}
	if cfg.TrustedProxyEnabled {
		t.Fatalf("trusted proxy must default to disabled")
	}
	if cfg.SyncTimeout != 120*time.Second || cfg.AsyncTimeout != 120*time.Second {
		t.Fatalf("expected 120s default timeouts, got sync=%s async=%s", cfg.SyncTimeout, cfg.AsyncTimeout)
	}
}

func TestRouterFromEnvOverrides(t *testing.T) {
	clearRouterEnv(t)
	t.Setenv("ROUTER_HTTP_ADDR", " :9090 ")
	t.Setenv("ROUTER_API_KEYS", "tool-key-1=widget-tool, tool-key-2=other-tool")
	t.Setenv("ROUTER_GENERIC_ENDPOINT_ENABLED", "true")
	t.Setenv("ROUTER_SYNC_TIMEOUT", "5s")

	cfg := RouterFromEnv()
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected overridden http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.APIKeys["tool-key-1"] != "widget-tool" || cfg.APIKeys["tool-key-2"] != "other-tool" {
		t.Fatalf("expected both api keys parsed, got %v", cfg.APIKeys)
	}
	if !cfg.GenericEndpointEnabled {
		t.Fatalf("expected generic endpoint enabled override to take effect")
	}
	if cfg.SyncTimeout != 5*time.Second {
		t.Fatalf("expected 5s sync timeout override, got %s", cfg.SyncTimeout)
	}
}

func TestRouterConfigValidateRejectsMissingSigningSecret(t *testing.T) {
	cfg := RouterFromEnv()
	cfg.ChatSigningSecret = ""
	cfg.APIKeys = map[string]string{"k": "v"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing chat signing secret")
	}
}

func TestRouterConfigValidateRequiresACredentialValidator(t *testing.T) {
	cfg := RouterFromEnv()
	cfg.ChatSigningSecret = "secret"
	cfg.APIKeys = nil
	cfg.JWKSURL = ""
	cfg.TrustedProxyEnabled = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when no credential validator is configured")
	}
}

func TestRouterConfigValidateAcceptsAValidConfig(t *testing.T) {
	cfg := RouterFromEnv()
	cfg.ChatSigningSecret = "secret"
	cfg.APIKeys = map[string]string{"k": "v"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestSubstrateConfigValidateRequiresRedisAddrForBroker(t *testing.T) {
	cfg := SubstrateConfig{Transport: "broker", RedisAddr: ""}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing redis addr")
	}
}

func TestSubstrateConfigValidateRequiresURLsForDirectHTTP(t *testing.T) {
	cfg := SubstrateConfig{Transport: "direct_http"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing direct_http URLs")
	}
	cfg.AgentWorkerURL = "http://worker:8081"
	cfg.IntegrationDispatchURL = "http://dispatcher:8082"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid direct_http config, got error: %v", err)
	}
}

func TestParseKeyValueList(t *testing.T) {
	got := parseKeyValueList(" a=1 , b=2,malformed , c=3")
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("expected %s=%s, got %s=%s", k, v, k, got[k])
		}
	}
}
