// Package testsink implements the "test" delivery kind (spec.md §4.6):
// a structured log line on stdout only, used in development and the
// conformance test matrix (spec.md §8) to observe fan-out without a real
// downstream. Grounded on the shape of the teacher's orphaned
// internal/subscribers/logging subscriber (a logger-backed no-op sink).
package testsink

import (
	"context"
	"log/slog"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/dispatcher"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
)

// Handler logs every delivery it receives and always succeeds.
type Handler struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger}
}

func (h *Handler) Deliver(_ context.Context, cfg store.EffectiveConfig, payload dispatcher.DeliveryPayload) dispatcher.Outcome {
	h.logger.Info("test delivery",
		"request_id", payload.RequestID,
		"session_id", payload.SessionID,
		"user_id", payload.UserID,
		"agent_id", payload.AgentID,
		"idempotency_key", payload.IdempotencyKey,
		"content", payload.Content,
	)
	return dispatcher.Outcome{Success: true}
}

var _ dispatcher.Handler = (*Handler)(nil)
