// Package router implements the Request Router (spec.md §4.1): it
// terminates inbound HTTP endpoints per surface, authenticates,
// normalizes into a NormalizedRequest, allocates or reuses a session,
// and either awaits the resulting response.ready synchronously (web,
// cli) or acknowledges and completes the turn in the background (chat,
// tool, generic).
package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/apierr"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/auth"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/substrate"
)

const maxBodyBytes int64 = 1 << 20 // 1 MiB inbound body ceiling

// Config parameterizes the router's surfaces and timeouts.
type Config struct {
	ChatSigningSecret string
	SyncTimeout       time.Duration // default await_response timeout for web/cli
	AsyncTimeout      time.Duration // background completion timeout for chat/tool/generic
	IdleTTL           time.Duration
	GenericEnabled    bool
}

func (c Config) withDefaults() Config {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 120 * time.Second
	}
	if c.AsyncTimeout <= 0 {
		c.AsyncTimeout = 120 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	return c
}

// Server wires the store, substrate strategy, and credential resolver
// into the Router's HTTP surface.
type Server struct {
	logger   *slog.Logger
	store    store.Store
	strategy substrate.CommunicationStrategy
	resolver *auth.Resolver
	cfg      Config
}

func NewServer(logger *slog.Logger, st store.Store, strategy substrate.CommunicationStrategy, resolver *auth.Resolver, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, store: st, strategy: strategy, resolver: resolver, cfg: cfg.withDefaults()}
}

// Handler builds the *http.ServeMux for this Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/requests/chat_event", s.handleChat)
	mux.HandleFunc("/api/v1/requests/chat_interactive", s.handleChat)
	mux.HandleFunc("/api/v1/requests/chat_slash", s.handleChat)
	mux.HandleFunc("/api/v1/requests/web", s.handleDirect(events.SurfaceWeb, true))
	mux.HandleFunc("/api/v1/requests/cli", s.handleDirect(events.SurfaceCLI, true))
	mux.HandleFunc("/api/v1/requests/tool", s.handleTool)
	if s.cfg.GenericEnabled {
		mux.HandleFunc("/api/v1/requests/generic", s.handleDirect(events.SurfaceGeneric, false))
	}
	mux.HandleFunc("/api/v1/requests/stream", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleHealthDetailed)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.KindBadRequest, "method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// handleHealthDetailed reports component reachability without leaking
// credentials or user identifiers (spec.md §6).
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.KindBadRequest, "method not allowed"))
		return
	}
	components := map[string]string{"store": "ok", "substrate": "ok"}
	if _, err := s.store.GetSession(r.Context(), "__healthcheck__"); err != nil && err != store.ErrNotFound {
		components["store"] = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "components": components})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a taxonomy-tagged error to its HTTP status without
// leaking Detail or Cause across the boundary (spec.md §7).
func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), map[string]string{"error": string(kind)})
}

func trimmed(v string) string { return strings.TrimSpace(v) }

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("requests/stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := trimmed(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		_ = conn.WriteJSON(map[string]string{"error": "session_id query parameter is required"})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	err = s.strategy.Subscribe(ctx, events.TypeResponseReady, func(_ context.Context, env events.Envelope) error {
		var resp events.ResponseReadyData
		if decodeErr := env.DecodeData(&resp); decodeErr != nil {
			return decodeErr
		}
		if resp.SessionID != sessionID {
			return nil
		}
		return conn.WriteJSON(resp)
	})
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": "streaming is unavailable on this transport"})
		return
	}
	<-ctx.Done()
}
