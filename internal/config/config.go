// Package config assembles the env-var-first Config struct each binary
// needs, following the teacher's FromEnv/Validate shape: flat fields,
// one lookup per field, a blank value falling back to a documented
// default, and a Validate method rejecting impossible combinations
// before the service starts accepting traffic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig parameterizes internal/store's GORM backend.
type StoreConfig struct {
	Driver string // "sqlite" | "postgres"
	DSN    string
}

func (c StoreConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store driver must be sqlite or postgres, got %q", c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("store DSN must not be empty")
	}
	return nil
}

func storeConfigFromEnv(prefix string) StoreConfig {
	return StoreConfig{
		Driver: envOr(prefix+"_DB_DRIVER", "sqlite"),
		DSN:    envOr(prefix+"_DB_DSN", "self-service-agent.db"),
	}
}

// SubstrateConfig parameterizes internal/substrate's strategy selection.
type SubstrateConfig struct {
	Transport              string // "broker" | "direct_http"
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	Source                 string
	AgentWorkerURL         string
	IntegrationDispatchURL string
}

func (c SubstrateConfig) Validate() error {
	switch c.Transport {
	case "", "broker":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("broker transport requires a redis address")
		}
	case "direct_http":
		if strings.TrimSpace(c.AgentWorkerURL) == "" {
			return fmt.Errorf("direct_http transport requires an agent worker URL")
		}
		if strings.TrimSpace(c.IntegrationDispatchURL) == "" {
			return fmt.Errorf("direct_http transport requires an integration dispatcher URL")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

func substrateConfigFromEnv(source string) SubstrateConfig {
	db, _ := strconv.Atoi(envOr("SUBSTRATE_REDIS_DB", "0"))
	return SubstrateConfig{
		Transport:              envOr("SUBSTRATE_TRANSPORT", "broker"),
		RedisAddr:              envOr("SUBSTRATE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:          os.Getenv("SUBSTRATE_REDIS_PASSWORD"),
		RedisDB:                db,
		Source:                 source,
		AgentWorkerURL:         os.Getenv("SUBSTRATE_AGENT_WORKER_URL"),
		IntegrationDispatchURL: os.Getenv("SUBSTRATE_INTEGRATION_DISPATCH_URL"),
	}
}

// TelemetryConfig is shared by all three binaries.
type TelemetryConfig struct {
	ServiceName    string
	MetricsAddr    string
	OTLPEndpoint   string // empty disables span export beyond stdout
	LogLevel       string
}

func telemetryConfigFromEnv(serviceName string) TelemetryConfig {
	return TelemetryConfig{
		ServiceName:  serviceName,
		MetricsAddr:  envOr("METRICS_ADDR", ":9090"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
	}
}

// RouterConfig is cmd/router's assembled configuration.
type RouterConfig struct {
	HTTPAddr string
	Store    StoreConfig
	Substrate SubstrateConfig
	Telemetry TelemetryConfig

	ChatSigningSecret string
	APIKeys           map[string]string // key value -> identity (tool surface + web/cli service accounts)
	JWKSURL           string
	JWTAudience       string
	JWTIssuer         string
	TrustedProxyEnabled bool
	TrustedProxyHeader  string

	GenericEndpointEnabled bool
	SyncTimeout            time.Duration
	AsyncTimeout           time.Duration
	SessionIdleTTL         time.Duration
}

func RouterFromEnv() RouterConfig {
	return RouterConfig{
		HTTPAddr:  envOr("ROUTER_HTTP_ADDR", ":8080"),
		Store:     storeConfigFromEnv("ROUTER"),
		Substrate: substrateConfigFromEnv("router"),
		Telemetry: telemetryConfigFromEnv("router"),

		ChatSigningSecret:   os.Getenv("ROUTER_CHAT_SIGNING_SECRET"),
		APIKeys:             parseKeyValueList(os.Getenv("ROUTER_API_KEYS")),
		JWKSURL:             os.Getenv("ROUTER_JWKS_URL"),
		JWTAudience:         os.Getenv("ROUTER_JWT_AUDIENCE"),
		JWTIssuer:           os.Getenv("ROUTER_JWT_ISSUER"),
		TrustedProxyEnabled: parseBoolEnv("ROUTER_TRUSTED_PROXY_ENABLED", false),
		TrustedProxyHeader:  envOr("ROUTER_TRUSTED_PROXY_HEADER", "X-Forwarded-User"),

		GenericEndpointEnabled: parseBoolEnv("ROUTER_GENERIC_ENDPOINT_ENABLED", false),
		SyncTimeout:            parseDurationEnv("ROUTER_SYNC_TIMEOUT", 120*time.Second),
		AsyncTimeout:           parseDurationEnv("ROUTER_ASYNC_TIMEOUT", 120*time.Second),
		SessionIdleTTL:         parseDurationEnv("ROUTER_SESSION_IDLE_TTL", 30*time.Minute),
	}
}

func (c RouterConfig) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("ROUTER_HTTP_ADDR must not be empty")
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Substrate.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ChatSigningSecret) == "" {
		return fmt.Errorf("ROUTER_CHAT_SIGNING_SECRET must not be empty: chat surfaces cannot verify signatures without it")
	}
	if len(c.APIKeys) == 0 && c.JWKSURL == "" && !c.TrustedProxyEnabled {
		return fmt.Errorf("at least one credential validator must be configured (ROUTER_API_KEYS, ROUTER_JWKS_URL, or ROUTER_TRUSTED_PROXY_ENABLED)")
	}
	if c.SyncTimeout <= 0 || c.AsyncTimeout <= 0 || c.SessionIdleTTL <= 0 {
		return fmt.Errorf("ROUTER_SYNC_TIMEOUT, ROUTER_ASYNC_TIMEOUT and ROUTER_SESSION_IDLE_TTL must be > 0")
	}
	return nil
}

// AgentWorkerConfig is cmd/agentworker's assembled configuration.
type AgentWorkerConfig struct {
	HTTPAddr  string
	Store     StoreConfig
	Substrate SubstrateConfig
	Telemetry TelemetryConfig

	ModelProvider  string // "anthropic" | "openai"
	ModelName      string
	ModelAPIKey    string
	DefaultAgentID string
	KnownAgentIDs  []string
}

func AgentWorkerFromEnv() AgentWorkerConfig {
	return AgentWorkerConfig{
		HTTPAddr:  envOr("AGENTWORKER_HTTP_ADDR", ":8081"),
		Store:     storeConfigFromEnv("AGENTWORKER"),
		Substrate: substrateConfigFromEnv("agentworker"),
		Telemetry: telemetryConfigFromEnv("agentworker"),

		ModelProvider:  envOr("AGENTWORKER_MODEL_PROVIDER", "anthropic"),
		ModelName:      os.Getenv("AGENTWORKER_MODEL_NAME"),
		ModelAPIKey:    os.Getenv("AGENTWORKER_MODEL_API_KEY"),
		DefaultAgentID: envOr("AGENTWORKER_DEFAULT_AGENT_ID", "default"),
		KnownAgentIDs:  parseList(os.Getenv("AGENTWORKER_KNOWN_AGENT_IDS")),
	}
}

func (c AgentWorkerConfig) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Substrate.Validate(); err != nil {
		return err
	}
	switch c.ModelProvider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("AGENTWORKER_MODEL_PROVIDER must be anthropic or openai, got %q", c.ModelProvider)
	}
	if strings.TrimSpace(c.ModelAPIKey) == "" {
		return fmt.Errorf("AGENTWORKER_MODEL_API_KEY must not be empty")
	}
	if strings.TrimSpace(c.DefaultAgentID) == "" {
		return fmt.Errorf("AGENTWORKER_DEFAULT_AGENT_ID must not be empty")
	}
	return nil
}

// DispatcherConfig is cmd/dispatcher's assembled configuration.
type DispatcherConfig struct {
	HTTPAddr  string
	Store     StoreConfig
	Substrate SubstrateConfig
	Telemetry TelemetryConfig

	RetrySweepInterval time.Duration
	ChatBotToken       string
	ChatDefaultChannel string
	SMTPAddr           string
	SMTPFrom           string
	SMTPUsername       string
	SMTPPassword       string
	WebhookRatePerSec  float64
}

func DispatcherFromEnv() DispatcherConfig {
	ratePerSec, _ := strconv.ParseFloat(envOr("DISPATCHER_WEBHOOK_RATE_PER_SEC", "5"), 64)
	return DispatcherConfig{
		HTTPAddr:  envOr("DISPATCHER_HTTP_ADDR", ":8082"),
		Store:     storeConfigFromEnv("DISPATCHER"),
		Substrate: substrateConfigFromEnv("dispatcher"),
		Telemetry: telemetryConfigFromEnv("dispatcher"),

		RetrySweepInterval: parseDurationEnv("DISPATCHER_RETRY_SWEEP_INTERVAL", 5*time.Second),
		ChatBotToken:       os.Getenv("DISPATCHER_CHAT_BOT_TOKEN"),
		ChatDefaultChannel: os.Getenv("DISPATCHER_CHAT_DEFAULT_CHANNEL"),
		SMTPAddr:           os.Getenv("DISPATCHER_SMTP_ADDR"),
		SMTPFrom:           os.Getenv("DISPATCHER_SMTP_FROM"),
		SMTPUsername:       os.Getenv("DISPATCHER_SMTP_USERNAME"),
		SMTPPassword:       os.Getenv("DISPATCHER_SMTP_PASSWORD"),
		WebhookRatePerSec:  ratePerSec,
	}
}

func (c DispatcherConfig) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Substrate.Validate(); err != nil {
		return err
	}
	if c.RetrySweepInterval <= 0 {
		return fmt.Errorf("DISPATCHER_RETRY_SWEEP_INTERVAL must be > 0")
	}
	if c.WebhookRatePerSec <= 0 {
		return fmt.Errorf("DISPATCHER_WEBHOOK_RATE_PER_SEC must be > 0")
	}
	return nil
}

// ApplyYAMLOverlay loads a flat key/value YAML file at path and sets any
// of them into the process environment that isn't already set, before
// the caller's *FromEnv runs (crab-sdk/config's FromYAMLAndEnv pattern:
// YAML supplies defaults, environment variables always win). A missing
// path is not an error — the YAML overlay is optional.
func ApplyYAMLOverlay(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config overlay %s: %w", path, err)
	}
	overlay := map[string]string{}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parse config overlay %s: %w", path, err)
	}
	for k, v := range overlay {
		if _, set := os.LookupEnv(k); !set {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// parseList splits a comma-separated env value, trimming blanks.
func parseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKeyValueList parses "key1=value1,key2=value2" into a map, the
// shape ROUTER_API_KEYS uses to carry the static API-key identity table.
func parseKeyValueList(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range parseList(raw) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if key != "" && val != "" {
			out[key] = val
		}
	}
	return out
}
