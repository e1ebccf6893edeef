package agentworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/apierr"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/model"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/substrate"
)

const maxBodyBytes int64 = 1 << 20

// Config parameterizes the Agent Worker's runtime invocation.
type Config struct {
	DefaultAgentID string
	KnownAgentIDs  []string
	ModelName      string
	RuntimeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RuntimeTimeout <= 0 {
		c.RuntimeTimeout = 60 * time.Second
	}
	if c.DefaultAgentID == "" {
		c.DefaultAgentID = "default"
	}
	return c
}

// Server consumes request.created (broker transport) or serves /process
// (direct HTTP transport), invokes the model Provider boundary, and
// produces response.ready (spec.md §4.4).
type Server struct {
	logger      *slog.Logger
	store       store.Store
	strategy    substrate.CommunicationStrategy
	provider    model.Provider
	cfg         Config
	knownAgents map[string]bool
}

func NewServer(logger *slog.Logger, st store.Store, strategy substrate.CommunicationStrategy, provider model.Provider, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	known := make(map[string]bool, len(cfg.KnownAgentIDs)+1)
	known[cfg.DefaultAgentID] = true
	for _, id := range cfg.KnownAgentIDs {
		known[id] = true
	}
	return &Server{logger: logger, store: st, strategy: strategy, provider: provider, cfg: cfg, knownAgents: known}
}

// Handler exposes the direct-HTTP transport's synchronous /process
// endpoint; substrate.DirectHTTPStrategy.SendRequest posts here and
// waits for the response body instead of a request.created event.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/process", s.handleProcess)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
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
	var normalized events.NormalizedRequest
	if err := json.Unmarshal(raw, &normalized); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	resp := s.Process(r.Context(), normalized)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Run subscribes to request.created on the broker transport and
// processes every envelope until ctx is cancelled. Direct-HTTP
// deployments never call Run; they only serve Handler.
func (s *Server) Run(ctx context.Context) error {
	return s.strategy.Subscribe(ctx, events.TypeRequestCreated, s.handleEnvelope)
}

// handleEnvelope processes one request.created delivery and publishes
// its response.ready itself: on the broker transport this publish is how
// both the Router's AwaitResponse and the Integration Dispatcher receive
// the completed turn (spec.md §4.5).
func (s *Server) handleEnvelope(ctx context.Context, env events.Envelope) error {
	var normalized events.NormalizedRequest
	if err := env.DecodeData(&normalized); err != nil {
		return fmt.Errorf("decode request.created payload: %w", err)
	}
	resp := s.Process(ctx, normalized)
	if err := s.strategy.PublishResponse(ctx, resp); err != nil {
		s.logger.Error("failed to publish response.ready", "request_id", normalized.RequestID, "error", err)
		return err
	}
	return nil
}

// Process implements the four responsibilities spec.md §4.4 assigns the
// Agent Worker, shared by both transports. It never returns an error: a
// failure becomes a response.ready carrying an ErrorKind, never a silent
// drop.
func (s *Server) Process(ctx context.Context, normalized events.NormalizedRequest) events.ResponseReadyData {
	if resp, ok := s.shortCircuitIfCompleted(ctx, normalized.RequestID); ok {
		return resp
	}

	sess, err := s.store.GetSession(ctx, normalized.SessionID)
	if err != nil {
		s.logger.Error("agent worker could not load session", "session_id", normalized.SessionID, "error", err)
		return events.ResponseReadyData{
			RequestID: normalized.RequestID,
			SessionID: normalized.SessionID,
			ErrorKind: string(apierr.KindInternal),
		}
	}

	agentID := sess.CurrentAgentID
	if agentID == "" {
		agentID = s.cfg.DefaultAgentID
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RuntimeTimeout)
	defer cancel()

	// A response may carry a routing directive handing the turn to a
	// different specialized agent (spec.md §4.4 step 3); re-dispatch
	// internally at most once so a single misbehaving handoff loop
	// cannot spin forever.
	const maxHops = 2
	var completion model.CompletionResponse
	for hop := 0; hop < maxHops; hop++ {
		completion, err = s.provider.Complete(runCtx, model.CompletionRequest{
			Model:        s.cfg.ModelName,
			SystemPrompt: systemPromptFor(agentID),
			Messages:     []model.Message{{Role: model.RoleUser, Content: normalized.Content}},
		})
		if err != nil {
			kind := apierr.KindInternal
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				kind = apierr.KindTimeout
			}
			s.logger.Error("agent runtime invocation failed", "request_id", normalized.RequestID, "agent_id", agentID, "error", err)
			return events.ResponseReadyData{
				RequestID: normalized.RequestID,
				SessionID: normalized.SessionID,
				AgentID:   agentID,
				ErrorKind: string(kind),
			}
		}

		directive := detectRoutingDirective(completion.Content, s.cfg.DefaultAgentID, s.knownAgents)
		if directive == "" || directive == agentID {
			break
		}
		if updateErr := s.store.UpdateSessionAgent(ctx, sess.ID, directive, ""); updateErr != nil {
			s.logger.Error("failed to persist routing decision", "session_id", sess.ID, "error", updateErr)
		}
		agentID = directive
	}

	return events.ResponseReadyData{
		RequestID: normalized.RequestID,
		SessionID: normalized.SessionID,
		AgentID:   agentID,
		Content:   completion.Content,
		CompletionMetadata: map[string]any{
			"model":         completion.Model,
			"stop_reason":   completion.StopReason,
			"input_tokens":  completion.Usage.InputTokens,
			"output_tokens": completion.Usage.OutputTokens,
		},
	}
}

// shortCircuitIfCompleted implements the idempotency requirement of
// spec.md §4.4: a redelivered request.created for an already-completed
// RequestLog returns the prior response deterministically instead of
// invoking the runtime again.
func (s *Server) shortCircuitIfCompleted(ctx context.Context, requestID string) (events.ResponseReadyData, bool) {
	log, err := s.store.GetRequestLog(ctx, requestID)
	if err != nil || log.Status != store.RequestLogStatusCompleted || log.ResponseJSON == "" {
		return events.ResponseReadyData{}, false
	}
	var resp events.ResponseReadyData
	if err := json.Unmarshal([]byte(log.ResponseJSON), &resp); err != nil {
		return events.ResponseReadyData{}, false
	}
	return resp, true
}

func systemPromptFor(agentID string) string {
	return fmt.Sprintf("You are the %q self-service assistant agent.", agentID)
}
