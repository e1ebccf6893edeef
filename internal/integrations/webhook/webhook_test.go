package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/dispatcher"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
)

func configJSON(t *testing.T, cfg Config) string {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return string(raw)
}

func TestDeliverPostsPayloadAndSucceedsOn2xx(t *testing.T) {
	var gotHeader, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Idempotency-Key")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := New(100)
	cfg := store.EffectiveConfig{Kind: "webhook", ConfigJSON: configJSON(t, Config{URL: srv.URL})}
	payload := dispatcher.DeliveryPayload{RequestID: "req-1", Content: "hello", IdempotencyKey: "req-1:webhook:1"}

	outcome := h.Deliver(context.Background(), cfg, payload)
	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if gotHeader != "req-1:webhook:1" {
		t.Fatalf("X-Idempotency-Key = %q", gotHeader)
	}
	if gotBody == "" {
		t.Fatal("expected a non-empty request body")
	}
}

func TestDeliverClassifies5xxAsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := New(100)
	cfg := store.EffectiveConfig{ConfigJSON: configJSON(t, Config{URL: srv.URL})}
	outcome := h.Deliver(context.Background(), cfg, dispatcher.DeliveryPayload{RequestID: "req-2"})
	if outcome.Success {
		t.Fatal("expected failure for a 500 response")
	}
	if !outcome.Retryable {
		t.Fatal("expected a 500 response to be retryable")
	}
}

func TestDeliverClassifies4xxAsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := New(100)
	cfg := store.EffectiveConfig{ConfigJSON: configJSON(t, Config{URL: srv.URL})}
	outcome := h.Deliver(context.Background(), cfg, dispatcher.DeliveryPayload{RequestID: "req-3"})
	if outcome.Success {
		t.Fatal("expected failure for a 400 response")
	}
	if outcome.Retryable {
		t.Fatal("expected a 400 response to be non-retryable")
	}
}

func TestDeliverRejectsMissingURL(t *testing.T) {
	h := New(100)
	outcome := h.Deliver(context.Background(), store.EffectiveConfig{ConfigJSON: configJSON(t, Config{})}, dispatcher.DeliveryPayload{})
	if outcome.Success || outcome.Retryable {
		t.Fatalf("expected a non-retryable config error, got %+v", outcome)
	}
}

func TestApplyAuthSetsBearerHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	applyAuth(req, AuthConfig{Type: "bearer", Token: "s3cr3t"})
	if got := req.Header.Get("Authorization"); got != "Bearer s3cr3t" {
		t.Fatalf("Authorization header = %q", got)
	}
}

func TestApplyAuthSetsAPIKeyHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	applyAuth(req, AuthConfig{Type: "api_key", APIKeyHeader: "X-Api-Key", APIKeyValue: "abc"})
	if got := req.Header.Get("X-Api-Key"); got != "abc" {
		t.Fatalf("X-Api-Key header = %q", got)
	}
}
