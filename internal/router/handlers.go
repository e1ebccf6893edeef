package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/apierr"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
)

type directRequestBody struct {
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type toolRequestBody struct {
	UserID         string          `json:"user_id"`
	Content        string          `json:"content"`
	ToolID         string          `json:"tool_id"`
	ToolInstanceID string          `json:"tool_instance_id,omitempty"`
	TriggerEvent   string          `json:"trigger_event"`
	ToolContext    json.RawMessage `json:"tool_context,omitempty"`
}

type chatEventBody struct {
	ExternalUserID string `json:"user_id"`
	ChannelID      string `json:"channel_id"`
	ThreadID       string `json:"thread_id,omitempty"`
	Content        string `json:"content"`
}

// handleDirect serves web/cli/generic: bearer-authenticated, synchronous
// (awaits=true) or fire-and-forget (awaits=false for generic).
func (s *Server) handleDirect(surface events.Surface, awaitSync bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, apierr.New(apierr.KindBadRequest, "method not allowed"))
			return
		}

		identity, err := s.resolver.Resolve(r.Context(), r)
		if err != nil {
			writeError(w, err)
			return
		}

		raw, err := readBody(r)
		if err != nil {
			writeError(w, apierr.BadRequest("failed to read request body"))
			return
		}
		var body directRequestBody
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&body); err != nil {
			writeError(w, apierr.Field("body", "invalid json"))
			return
		}

		// The presented user_id MUST equal the authenticated subject
		// (spec.md §4.1 step 1).
		if trimmed(body.UserID) != "" && trimmed(body.UserID) != identity.UserID {
			writeError(w, apierr.Unauthorized("user_id does not match authenticated subject"))
			return
		}
		if err := validateContent(body.Content); err != nil {
			writeError(w, err)
			return
		}

		normalized := events.NormalizedRequest{
			UserID:    identity.UserID,
			Surface:   surface,
			Content:   body.Content,
			CreatedAt: time.Now().UTC(),
		}

		if awaitSync {
			resp, err := s.processSync(r.Context(), identity.UserID, surface, normalized)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}

		requestID, sessionID, err := s.processAsync(r.Context(), identity.UserID, surface, normalized, true)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     "accepted",
			"request_id": requestID,
			"session_id": sessionID,
		})
	}
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.KindBadRequest, "method not allowed"))
		return
	}

	identity, err := s.resolver.Resolve(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	raw, err := readBody(r)
	if err != nil {
		writeError(w, apierr.BadRequest("failed to read request body"))
		return
	}
	var body toolRequestBody
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&body); err != nil {
		writeError(w, apierr.Field("body", "invalid json"))
		return
	}
	if trimmed(body.ToolID) == "" {
		writeError(w, apierr.Field("tool_id", "tool_id is required"))
		return
	}
	if trimmed(body.TriggerEvent) == "" {
		writeError(w, apierr.Field("trigger_event", "trigger_event is required"))
		return
	}
	if err := validateContent(body.Content); err != nil {
		writeError(w, err)
		return
	}

	userID := identity.UserID
	if trimmed(body.UserID) != "" {
		userID = body.UserID
	}

	normalized := events.NormalizedRequest{
		UserID:         userID,
		Surface:        events.SurfaceTool,
		Content:        body.Content,
		ToolID:         body.ToolID,
		ToolInstanceID: body.ToolInstanceID,
		TriggerEvent:   body.TriggerEvent,
		ToolContext:    body.ToolContext,
		CreatedAt:      time.Now().UTC(),
	}

	requestID, sessionID, err := s.processAsync(r.Context(), userID, events.SurfaceTool, normalized, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"request_id": requestID,
		"session_id": sessionID,
	})
}

// handleChat serves chat_event, chat_interactive, and chat_slash: all
// three require surface-signature verification and must ack within 3s,
// with the turn completed asynchronously (spec.md §4.1).
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.KindBadRequest, "method not allowed"))
		return
	}

	raw, err := readBody(r)
	if err != nil {
		writeError(w, apierr.BadRequest("failed to read request body"))
		return
	}

	if err := verifyChatSignature(s.cfg.ChatSigningSecret, r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"), raw); err != nil {
		writeError(w, err)
		return
	}

	var body chatEventBody
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&body); err != nil {
		writeError(w, apierr.Field("body", "invalid json"))
		return
	}
	if trimmed(body.ExternalUserID) == "" {
		writeError(w, apierr.Field("user_id", "user_id is required"))
		return
	}
	if err := validateContent(body.Content); err != nil {
		writeError(w, err)
		return
	}

	normalized := events.NormalizedRequest{
		UserID:         body.ExternalUserID,
		Surface:        events.SurfaceChat,
		ChannelID:      body.ChannelID,
		ThreadID:       body.ThreadID,
		ExternalUserID: body.ExternalUserID,
		Content:        body.Content,
		CreatedAt:      time.Now().UTC(),
	}

	requestID, sessionID, err := s.processAsync(r.Context(), body.ExternalUserID, events.SurfaceChat, normalized, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "accepted",
		"request_id": requestID,
		"session_id": sessionID,
	})
}

func validateContent(content string) error {
	if trimmed(content) == "" {
		return apierr.Field("content", "content is required")
	}
	if len(content) > events.MaxContentBytes {
		return apierr.Field("content", "content exceeds maximum size")
	}
	return nil
}

// processSync implements the web/cli path: allocate session, run the
// turn inline, and return the agent's response directly to the caller.
func (s *Server) processSync(ctx context.Context, userID string, surface events.Surface, normalized events.NormalizedRequest) (map[string]any, error) {
	sess, lockToken, err := s.allocateSession(ctx, store.SessionLookup{
		UserID: userID, Surface: surface,
		ChannelID: normalized.ChannelID, ThreadID: normalized.ThreadID,
		IdleTTL: s.cfg.IdleTTL,
	})
	if err != nil {
		return nil, err
	}
	normalized.SessionID = sess.ID

	requestID, err := s.beginTurn(ctx, sess, normalized)
	if err != nil {
		_ = s.store.ReleaseTurn(ctx, sess.ID, lockToken)
		return nil, err
	}
	normalized.RequestID = requestID

	resp, err := s.finishTurn(ctx, sess, lockToken, normalized, s.cfg.SyncTimeout, false)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": sess.ID,
		"request_id": requestID,
		"content":    resp.Content,
		"agent_id":   resp.AgentID,
		"metadata":   resp.CompletionMetadata,
	}, nil
}

// processAsync implements the chat/tool/generic path: allocate the
// session and log the request inline (so the caller gets a stable
// request id to ack with), then complete the turn from a background
// goroutine.
func (s *Server) processAsync(ctx context.Context, userID string, surface events.Surface, normalized events.NormalizedRequest, publishToDispatcher bool) (requestID, sessionID string, err error) {
	sess, lockToken, err := s.allocateSession(ctx, store.SessionLookup{
		UserID: userID, Surface: surface,
		ChannelID: normalized.ChannelID, ThreadID: normalized.ThreadID,
		IdleTTL: s.cfg.IdleTTL,
	})
	if err != nil {
		return "", "", err
	}
	normalized.SessionID = sess.ID

	requestID, err = s.beginTurn(ctx, sess, normalized)
	if err != nil {
		_ = s.store.ReleaseTurn(ctx, sess.ID, lockToken)
		return "", "", err
	}
	normalized.RequestID = requestID

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), s.cfg.AsyncTimeout)
		defer cancel()
		if _, err := s.finishTurn(bgCtx, sess, lockToken, normalized, s.cfg.AsyncTimeout, publishToDispatcher); err != nil {
			s.logger.Error("async turn failed", "request_id", requestID, "error", err)
		}
	}()

	return requestID, sess.ID, nil
}
