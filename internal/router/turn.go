package router

import (
	"context"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/apierr"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
)

// allocateSession resolves the session for this turn and acquires its
// turn lock, implementing spec.md §4.1's three-step session allocation.
// A second in-flight request on the same session reports apierr.Conflict
// (invariant S2).
func (s *Server) allocateSession(ctx context.Context, lookup store.SessionLookup) (store.Session, string, error) {
	sess, _, err := s.store.GetOrCreateSession(ctx, lookup)
	if err != nil {
		return store.Session{}, "", apierr.Internal("failed to allocate session", err)
	}
	token, err := s.store.AcquireTurn(ctx, sess.ID)
	if err == store.ErrAlreadyInFlight {
		return store.Session{}, "", apierr.Conflict("a turn is already in flight for this session")
	}
	if err != nil {
		return store.Session{}, "", apierr.Internal("failed to acquire turn lock", err)
	}
	return sess, token, nil
}

// beginTurn logs the normalized request under the session's turn lock
// and returns the assigned request id. The caller owns releasing the
// turn lock via finishTurn, whether that happens inline (sync surfaces)
// or from a background goroutine (async surfaces).
func (s *Server) beginTurn(ctx context.Context, sess store.Session, normalized events.NormalizedRequest) (string, error) {
	requestID, err := s.store.AppendLog(ctx, sess.ID, normalized)
	if err != nil {
		return "", apierr.Internal("failed to log request", err)
	}
	return requestID, nil
}

// finishTurn sends the normalized request, awaits its response, records
// the outcome, and releases the turn lock. It is the single code path
// shared by the synchronous (web/cli, called inline) and asynchronous
// (chat/tool/generic, called from a goroutine) surfaces so both present
// identical observable behavior (spec.md §4.5 invariant).
func (s *Server) finishTurn(ctx context.Context, sess store.Session, lockToken string, normalized events.NormalizedRequest, timeout time.Duration, publishToDispatcher bool) (events.ResponseReadyData, error) {
	defer func() {
		_ = s.store.ReleaseTurn(context.Background(), sess.ID, lockToken)
	}()

	if err := s.strategy.SendRequest(ctx, normalized); err != nil {
		_ = s.store.FailLog(context.Background(), normalized.RequestID, "send_failed")
		return events.ResponseReadyData{}, apierr.Unavailable("failed to dispatch request")
	}

	resp, err := s.strategy.AwaitResponse(ctx, normalized.RequestID, timeout)
	if err != nil {
		_ = s.store.FailLog(context.Background(), normalized.RequestID, "timeout")
		return events.ResponseReadyData{}, apierr.Timeout("timed out waiting for a response")
	}

	processingMS := time.Since(normalized.CreatedAt).Milliseconds()
	if err := s.store.CompleteLog(context.Background(), normalized.RequestID, resp, processingMS); err != nil {
		s.logger.Error("failed to record completed request log", "request_id", normalized.RequestID, "error", err)
	}

	if publishToDispatcher {
		if err := s.strategy.PublishResponse(context.Background(), resp); err != nil {
			s.logger.Error("failed to hand response to integration dispatcher", "request_id", normalized.RequestID, "error", err)
		}
	}
	return resp, nil
}
