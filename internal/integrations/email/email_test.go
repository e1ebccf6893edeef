package email

import (
	"context"
	"strings"
	"testing"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/dispatcher"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
)

func TestDeliverRejectsMissingToAddress(t *testing.T) {
	h := New("smtp.example.invalid:25", "bot@example.com", "", "")
	outcome := h.Deliver(context.Background(), store.EffectiveConfig{ConfigJSON: `{}`}, dispatcher.DeliveryPayload{RequestID: "req-1"})
	if outcome.Success || outcome.Retryable {
		t.Fatalf("expected a non-retryable config error for a missing to address, got %+v", outcome)
	}
}

func TestDeliverRejectsUnconfiguredSMTPAddress(t *testing.T) {
	h := New("", "bot@example.com", "", "")
	outcome := h.Deliver(context.Background(), store.EffectiveConfig{ConfigJSON: `{"to":"user@example.com"}`}, dispatcher.DeliveryPayload{RequestID: "req-2"})
	if outcome.Success || outcome.Retryable {
		t.Fatalf("expected a non-retryable config error for an unconfigured smtp address, got %+v", outcome)
	}
}

func TestDeliverRejectsMalformedConfigJSON(t *testing.T) {
	h := New("smtp.example.invalid:25", "bot@example.com", "", "")
	outcome := h.Deliver(context.Background(), store.EffectiveConfig{ConfigJSON: `not-json`}, dispatcher.DeliveryPayload{RequestID: "req-3"})
	if outcome.Success || outcome.Retryable {
		t.Fatalf("expected a non-retryable error for malformed config json, got %+v", outcome)
	}
}

func TestDeliverTreatsDialFailureAsRetryable(t *testing.T) {
	h := New("127.0.0.1:1", "bot@example.com", "", "")
	outcome := h.Deliver(context.Background(), store.EffectiveConfig{ConfigJSON: `{"to":"user@example.com"}`}, dispatcher.DeliveryPayload{RequestID: "req-4"})
	if outcome.Success {
		t.Fatal("expected failure dialing a closed local port")
	}
	if !outcome.Retryable {
		t.Fatal("expected a transport-level smtp failure to be retryable")
	}
}

func TestBuildMessageIncludesHeaders(t *testing.T) {
	msg := buildMessage("bot@example.com", "user@example.com", "replies@example.com", "subject line", dispatcher.DeliveryPayload{
		Content:        "body text",
		IdempotencyKey: "req-5:email:1",
	})
	got := string(msg)
	for _, want := range []string{
		"From: bot@example.com",
		"To: user@example.com",
		"Reply-To: replies@example.com",
		"Subject: subject line",
		"X-Idempotency-Key: req-5:email:1",
		"body text",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("built message missing %q, got:\n%s", want, got)
		}
	}
}
