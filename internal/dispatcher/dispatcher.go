// Package dispatcher implements the Integration Dispatcher (spec.md
// §4.6): it consumes response.ready, resolves a user's enabled delivery
// kinds, fans out to per-kind handlers in parallel, and retries failures
// with a persistent, cron-driven sweep.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/ids"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/substrate"
)

const maxBodyBytes int64 = 1 << 20

// Outcome is the result of a single delivery attempt, the common return
// value of every kind's Handler (spec.md §4.6 "deliver(effective_config,
// payload) -> Outcome").
type Outcome struct {
	Success   bool
	Retryable bool
	Error     string
}

// DeliveryPayload is the canonical envelope every handler receives
// (spec.md §4.6 "Webhook ... Payload is a canonical JSON envelope").
type DeliveryPayload struct {
	RequestID      string         `json:"request_id"`
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	AgentID        string         `json:"agent_id"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Handler delivers one DeliveryPayload to a single integration kind.
type Handler interface {
	Deliver(ctx context.Context, cfg store.EffectiveConfig, payload DeliveryPayload) Outcome
}

// Config parameterizes the dispatcher's retry sweep.
type Config struct {
	RetrySweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetrySweepInterval <= 0 {
		c.RetrySweepInterval = 5 * time.Second
	}
	return c
}

// Server consumes response.ready (broker) or serves /deliver (direct
// HTTP), resolves fan-out, and dispatches to the registered per-kind
// handlers.
type Server struct {
	logger     *slog.Logger
	store      store.Store
	strategy   substrate.CommunicationStrategy
	handlers   map[string]Handler
	cfg        Config
	instanceID string
}

func NewServer(logger *slog.Logger, st store.Store, strategy substrate.CommunicationStrategy, handlers map[string]Handler, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:     logger,
		store:      st,
		strategy:   strategy,
		handlers:   handlers,
		cfg:        cfg.withDefaults(),
		instanceID: ids.New(),
	}
}

// Handler builds the direct-HTTP transport's mux: substrate.DirectHTTPStrategy.PublishResponse
// posts to /deliver, and /api/v1/deliveries/{request_id} reports delivery
// status (spec.md §7).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/deliver", s.handleDeliver)
	mux.HandleFunc("/api/v1/deliveries/", s.handleDeliveryStatus)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	var resp events.ResponseReadyData
	if err := json.Unmarshal(raw, &resp); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	// Direct HTTP has no separate event id; the request id stands in for
	// the at-least-once redelivery key the broker's envelope id carries.
	if err := s.Dispatch(r.Context(), resp.RequestID, resp); err != nil {
		s.logger.Error("dispatch failed", "request_id", resp.RequestID, "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestID := strings.TrimPrefix(r.URL.Path, "/api/v1/deliveries/")
	if requestID == "" {
		http.Error(w, "request id is required", http.StatusBadRequest)
		return
	}
	rows, err := s.store.ListDeliveryLogsForRequest(r.Context(), requestID)
	if err != nil {
		http.Error(w, "failed to load delivery logs", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"request_id": requestID, "deliveries": rows})
}

// Run subscribes to response.ready on the broker transport until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.strategy.Subscribe(ctx, events.TypeResponseReady, s.handleEnvelope)
}

func (s *Server) handleEnvelope(ctx context.Context, env events.Envelope) error {
	var resp events.ResponseReadyData
	if err := env.DecodeData(&resp); err != nil {
		return fmt.Errorf("decode response.ready payload: %w", err)
	}
	return s.Dispatch(ctx, env.ID, resp)
}

// Dispatch implements spec.md §4.6 steps 1-4 for one response.ready
// delivery: claim, resolve fan-out, dispatch in parallel, log outcomes.
func (s *Server) Dispatch(ctx context.Context, claimID string, resp events.ResponseReadyData) error {
	claimed, err := s.store.ClaimEvent(ctx, claimID, s.instanceID)
	if err != nil {
		return fmt.Errorf("claim event %s: %w", claimID, err)
	}
	if !claimed {
		s.logger.Debug("event already claimed by another replica, skipping", "claim_id", claimID)
		return nil
	}
	// ClaimEvent reports claimed=true again when this same instance sees a
	// redelivered event, so an existing DeliveryLog for the request marks
	// the response as already dispatched.
	prior, err := s.store.ListDeliveryLogsForRequest(ctx, resp.RequestID)
	if err != nil {
		return fmt.Errorf("load delivery logs for %s: %w", resp.RequestID, err)
	}
	if len(prior) > 0 {
		s.logger.Debug("response already dispatched, skipping redelivery", "claim_id", claimID, "request_id", resp.RequestID)
		return nil
	}

	sess, err := s.store.GetSession(ctx, resp.SessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", resp.SessionID, err)
	}

	configs, err := s.store.ListEnabledKindsForUser(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("resolve fan-out for user %s: %w", sess.UserID, err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, cfg := range configs {
		cfg := cfg
		handler, ok := s.handlers[cfg.Kind]
		if !ok {
			s.logger.Warn("unknown integration kind, dropping", "kind", cfg.Kind, "request_id", resp.RequestID)
			continue
		}
		group.Go(func() error {
			return s.dispatchOne(groupCtx, handler, cfg, sess.UserID, resp)
		})
	}
	return group.Wait()
}

func (s *Server) dispatchOne(ctx context.Context, handler Handler, cfg store.EffectiveConfig, userID string, resp events.ResponseReadyData) error {
	attemptIndex, err := s.store.NextAttemptIndex(ctx, resp.RequestID, cfg.Kind)
	if err != nil {
		return fmt.Errorf("allocate attempt index for %s/%s: %w", resp.RequestID, cfg.Kind, err)
	}

	payload := DeliveryPayload{
		RequestID:      resp.RequestID,
		SessionID:      resp.SessionID,
		UserID:         userID,
		AgentID:        resp.AgentID,
		Content:        resp.Content,
		Metadata:       resp.CompletionMetadata,
		ErrorKind:      resp.ErrorKind,
		IdempotencyKey: idempotencyKey(resp.RequestID, cfg.Kind, attemptIndex),
	}

	outcome := handler.Deliver(ctx, cfg, payload)
	return s.recordOutcome(ctx, resp.RequestID, userID, cfg, attemptIndex, outcome)
}

func (s *Server) recordOutcome(ctx context.Context, requestID, userID string, cfg store.EffectiveConfig, attemptIndex int, outcome Outcome) error {
	now := time.Now().UTC()
	row := store.DeliveryLog{
		RequestID:    requestID,
		UserID:       userID,
		Kind:         cfg.Kind,
		AttemptIndex: attemptIndex,
		StartedAt:    now,
		CompletedAt:  &now,
	}
	switch {
	case outcome.Success:
		row.Outcome = store.DeliveryOutcomeSuccess
	case outcome.Retryable && attemptIndex < cfg.RetryCount:
		row.Outcome = store.DeliveryOutcomeFailed
		row.ErrorText = outcome.Error
		next := now.Add(retryDelay(cfg, attemptIndex))
		row.NextAttemptAt = &next
	default:
		row.Outcome = store.DeliveryOutcomeFailed
		row.ErrorText = outcome.Error
	}

	if err := s.store.AppendDeliveryLog(ctx, row); err != nil {
		return fmt.Errorf("append delivery log for %s/%s: %w", requestID, cfg.Kind, err)
	}
	if !outcome.Success {
		s.logger.Warn("delivery failed", "request_id", requestID, "kind", cfg.Kind, "attempt", attemptIndex, "retryable", outcome.Retryable, "error", outcome.Error)
	}
	return nil
}

// retryDelay computes the wait before the next attempt per
// cfg.RetryBackoff (spec.md §9 open question #3).
func retryDelay(cfg store.EffectiveConfig, attemptIndex int) time.Duration {
	base := time.Duration(cfg.RetryDelaySeconds) * time.Second
	if base <= 0 {
		base = 30 * time.Second
	}
	if cfg.RetryBackoff == store.RetryBackoffExponential {
		shift := attemptIndex - 1
		if shift < 0 {
			shift = 0
		}
		if shift > 10 {
			shift = 10 // bound the exponent so a long-failing delivery cannot overflow the duration
		}
		return base << shift
	}
	return base * time.Duration(attemptIndex)
}

func idempotencyKey(requestID, kind string, attemptIndex int) string {
	return fmt.Sprintf("%s:%s:%d", requestID, kind, attemptIndex)
}

// RunRetrySweep re-claims and re-dispatches every DeliveryLog row whose
// next_attempt_at is due, implementing spec.md §4.6 step 5's persistent
// retry scheduling. It blocks until ctx is cancelled.
func (s *Server) RunRetrySweep(ctx context.Context) {
	c := cronlib.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.RetrySweepInterval), func() {
		s.sweepDueRetries(ctx)
	}); err != nil {
		s.logger.Error("retry sweep: invalid schedule, falling back to no sweep", "interval", s.cfg.RetrySweepInterval, "error", err)
		return
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()
	<-ctx.Done()
}

func (s *Server) sweepDueRetries(ctx context.Context) {
	due, err := s.store.ListDueRetries(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("retry sweep: failed to list due retries", "error", err)
		return
	}
	for _, row := range due {
		row := row
		claimID := fmt.Sprintf("retry:%s", idempotencyKey(row.RequestID, row.Kind, row.AttemptIndex))
		claimed, err := s.store.ClaimEvent(ctx, claimID, s.instanceID)
		if err != nil || !claimed {
			continue
		}
		if err := s.retryOne(ctx, row); err != nil {
			s.logger.Error("retry sweep: attempt failed", "request_id", row.RequestID, "kind", row.Kind, "error", err)
		}
	}
}

func (s *Server) retryOne(ctx context.Context, row store.DeliveryLog) error {
	log, err := s.store.GetRequestLog(ctx, row.RequestID)
	if err != nil {
		return fmt.Errorf("load request log %s: %w", row.RequestID, err)
	}
	var resp events.ResponseReadyData
	if log.ResponseJSON == "" {
		return fmt.Errorf("request log %s has no recorded response to retry", row.RequestID)
	}
	if err := json.Unmarshal([]byte(log.ResponseJSON), &resp); err != nil {
		return fmt.Errorf("decode stored response for %s: %w", row.RequestID, err)
	}

	cfg, err := s.store.GetUserEffectiveConfig(ctx, row.UserID, row.Kind)
	if err != nil {
		return fmt.Errorf("reload effective config for %s/%s: %w", row.UserID, row.Kind, err)
	}
	if !cfg.Enabled {
		return nil
	}
	handler, ok := s.handlers[row.Kind]
	if !ok {
		return fmt.Errorf("no handler registered for kind %q", row.Kind)
	}
	return s.dispatchOne(ctx, handler, cfg, row.UserID, resp)
}
