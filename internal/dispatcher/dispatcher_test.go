package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/ids"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
)

// fakeHandler records every payload it receives and returns a
// pre-programmed Outcome sequence, one per call.
type fakeHandler struct {
	mu       sync.Mutex
	outcomes []Outcome
	calls    []DeliveryPayload
}

func (h *fakeHandler) Deliver(_ context.Context, _ store.EffectiveConfig, payload DeliveryPayload) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, payload)
	idx := len(h.calls) - 1
	if idx < len(h.outcomes) {
		return h.outcomes[idx]
	}
	return h.outcomes[len(h.outcomes)-1]
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// fakeStrategy satisfies substrate.CommunicationStrategy with no-op
// behavior; Dispatch is exercised directly in these tests, not through
// Run/Subscribe.
type fakeStrategy struct{}

func (fakeStrategy) SendRequest(context.Context, events.NormalizedRequest) error { return nil }
func (fakeStrategy) AwaitResponse(context.Context, string, time.Duration) (events.ResponseReadyData, error) {
	return events.ResponseReadyData{}, nil
}
func (fakeStrategy) PublishResponse(context.Context, events.ResponseReadyData) error { return nil }
func (fakeStrategy) Subscribe(context.Context, events.Type, func(context.Context, events.Envelope) error) error {
	return nil
}
func (fakeStrategy) Close() error { return nil }

func newTestSessionForUser(t *testing.T, st store.Store, userID string) store.Session {
	t.Helper()
	sess, _, err := st.GetOrCreateSession(context.Background(), store.SessionLookup{
		UserID:  userID,
		Surface: events.SurfaceWeb,
	})
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	return sess
}

func newServerWithHandlers(handlers map[string]Handler) (*Server, store.Store) {
	st := store.NewMemoryStore()
	return NewServer(nil, st, fakeStrategy{}, handlers, Config{}), st
}

func TestDispatchFansOutToEveryEnabledKind(t *testing.T) {
	srv, st := newServerWithHandlers(nil)
	sess := newTestSessionForUser(t, st, "alice")

	webhook := &fakeHandler{outcomes: []Outcome{{Success: true}}}
	test := &fakeHandler{outcomes: []Outcome{{Success: true}}}
	srv.handlers = map[string]Handler{"webhook": webhook, "test": test}

	if err := st.UpsertIntegrationDefault(context.Background(), store.IntegrationDefault{
		Kind: "webhook", Enabled: true, RetryCount: 3, RetryDelaySeconds: 30,
	}); err != nil {
		t.Fatalf("UpsertIntegrationDefault webhook: %v", err)
	}
	if err := st.UpsertIntegrationDefault(context.Background(), store.IntegrationDefault{
		Kind: "test", Enabled: true, RetryCount: 3, RetryDelaySeconds: 30,
	}); err != nil {
		t.Fatalf("UpsertIntegrationDefault test: %v", err)
	}

	resp := events.ResponseReadyData{RequestID: ids.New(), SessionID: sess.ID, AgentID: "default", Content: "hello"}
	if err := srv.Dispatch(context.Background(), ids.New(), resp); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if webhook.callCount() != 1 {
		t.Fatalf("webhook handler called %d times, want 1", webhook.callCount())
	}
	if test.callCount() != 1 {
		t.Fatalf("test handler called %d times, want 1", test.callCount())
	}

	rows, err := st.ListDeliveryLogsForRequest(context.Background(), resp.RequestID)
	if err != nil {
		t.Fatalf("ListDeliveryLogsForRequest: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 delivery log rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Outcome != store.DeliveryOutcomeSuccess {
			t.Errorf("row kind=%s outcome=%s, want success", row.Kind, row.Outcome)
		}
	}
}

func TestDispatchSkipsUnknownKind(t *testing.T) {
	srv, st := newServerWithHandlers(map[string]Handler{})
	sess := newTestSessionForUser(t, st, "bob")

	if err := st.UpsertIntegrationDefault(context.Background(), store.IntegrationDefault{
		Kind: "chat", Enabled: true, RetryCount: 3, RetryDelaySeconds: 30,
	}); err != nil {
		t.Fatalf("UpsertIntegrationDefault: %v", err)
	}

	resp := events.ResponseReadyData{RequestID: ids.New(), SessionID: sess.ID, AgentID: "default", Content: "hi"}
	if err := srv.Dispatch(context.Background(), ids.New(), resp); err != nil {
		t.Fatalf("Dispatch with no registered handler should not error: %v", err)
	}

	rows, err := st.ListDeliveryLogsForRequest(context.Background(), resp.RequestID)
	if err != nil {
		t.Fatalf("ListDeliveryLogsForRequest: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no delivery log rows for an unregistered kind, got %d", len(rows))
	}
}

func TestDispatchSkipsAlreadyClaimedEvent(t *testing.T) {
	webhook := &fakeHandler{outcomes: []Outcome{{Success: true}}}
	srv, st := newServerWithHandlers(map[string]Handler{"webhook": webhook})
	sess := newTestSessionForUser(t, st, "carol")

	if err := st.UpsertIntegrationDefault(context.Background(), store.IntegrationDefault{
		Kind: "webhook", Enabled: true, RetryCount: 3, RetryDelaySeconds: 30,
	}); err != nil {
		t.Fatalf("UpsertIntegrationDefault: %v", err)
	}

	claimID := ids.New()
	resp := events.ResponseReadyData{RequestID: ids.New(), SessionID: sess.ID, AgentID: "default", Content: "hi"}

	if err := srv.Dispatch(context.Background(), claimID, resp); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if err := srv.Dispatch(context.Background(), claimID, resp); err != nil {
		t.Fatalf("second Dispatch on the same claim id: %v", err)
	}

	if webhook.callCount() != 1 {
		t.Fatalf("handler called %d times, want exactly 1 (second delivery should be skipped as already claimed)", webhook.callCount())
	}
}

func TestRecordOutcomeSetsNextAttemptAtOnRetryableFailureWithinBudget(t *testing.T) {
	srv, st := newServerWithHandlers(nil)
	cfg := store.EffectiveConfig{Kind: "webhook", RetryCount: 3, RetryDelaySeconds: 10, RetryBackoff: store.RetryBackoffLinear}

	requestID := ids.New()
	if err := srv.recordOutcome(context.Background(), requestID, "dana", cfg, 1, Outcome{Success: false, Retryable: true, Error: "boom"}); err != nil {
		t.Fatalf("recordOutcome: %v", err)
	}

	rows, err := st.ListDeliveryLogsForRequest(context.Background(), requestID)
	if err != nil {
		t.Fatalf("ListDeliveryLogsForRequest: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].NextAttemptAt == nil {
		t.Fatal("expected NextAttemptAt to be set for a retryable failure within budget")
	}
}

func TestRecordOutcomeLeavesNextAttemptAtNilOnceRetriesExhausted(t *testing.T) {
	srv, st := newServerWithHandlers(nil)
	cfg := store.EffectiveConfig{Kind: "webhook", RetryCount: 2, RetryDelaySeconds: 10, RetryBackoff: store.RetryBackoffLinear}

	requestID := ids.New()
	if err := srv.recordOutcome(context.Background(), requestID, "erin", cfg, 2, Outcome{Success: false, Retryable: true, Error: "boom"}); err != nil {
		t.Fatalf("recordOutcome: %v", err)
	}

	rows, err := st.ListDeliveryLogsForRequest(context.Background(), requestID)
	if err != nil {
		t.Fatalf("ListDeliveryLogsForRequest: %v", err)
	}
	if rows[0].NextAttemptAt != nil {
		t.Fatal("expected no further retry once attemptIndex reaches RetryCount")
	}
}

func TestRetryDelayLinearScalesByAttempt(t *testing.T) {
	cfg := store.EffectiveConfig{RetryDelaySeconds: 10, RetryBackoff: store.RetryBackoffLinear}
	if got := retryDelay(cfg, 3); got != 30*time.Second {
		t.Fatalf("retryDelay = %v, want 30s", got)
	}
}

func TestRetryDelayExponentialDoubles(t *testing.T) {
	cfg := store.EffectiveConfig{RetryDelaySeconds: 10, RetryBackoff: store.RetryBackoffExponential}
	if got := retryDelay(cfg, 1); got != 10*time.Second {
		t.Fatalf("retryDelay(attempt=1) = %v, want 10s", got)
	}
	if got := retryDelay(cfg, 3); got != 40*time.Second {
		t.Fatalf("retryDelay(attempt=3) = %v, want 40s", got)
	}
}

func TestSweepDueRetriesRedispatchesDueRows(t *testing.T) {
	handler := &fakeHandler{outcomes: []Outcome{{Success: true}}}
	srv, st := newServerWithHandlers(map[string]Handler{"webhook": handler})
	sess := newTestSessionForUser(t, st, "frank")

	requestID, err := st.AppendLog(context.Background(), sess.ID, events.NormalizedRequest{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	resp := events.ResponseReadyData{RequestID: requestID, SessionID: sess.ID, AgentID: "default", Content: "retry me"}
	if err := st.CompleteLog(context.Background(), requestID, resp, 0); err != nil {
		t.Fatalf("CompleteLog: %v", err)
	}
	if err := st.UpsertIntegrationDefault(context.Background(), store.IntegrationDefault{
		Kind: "webhook", Enabled: true, RetryCount: 3, RetryDelaySeconds: 30,
	}); err != nil {
		t.Fatalf("UpsertIntegrationDefault: %v", err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	if err := st.AppendDeliveryLog(context.Background(), store.DeliveryLog{
		RequestID: requestID, UserID: sess.UserID, Kind: "webhook", AttemptIndex: 1,
		Outcome: store.DeliveryOutcomeFailed, StartedAt: past, NextAttemptAt: &past,
	}); err != nil {
		t.Fatalf("AppendDeliveryLog: %v", err)
	}

	srv.sweepDueRetries(context.Background())

	if handler.callCount() != 1 {
		t.Fatalf("expected the retry sweep to redispatch once, got %d calls", handler.callCount())
	}
}
