package agentworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/model"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
)

// fakeProvider returns canned completions keyed by the invocation index,
// so a test can script a routing handoff across two calls.
type fakeProvider struct {
	responses []model.CompletionResponse
	errs      []error
	calls     int
}

func (p *fakeProvider) Complete(_ context.Context, _ model.CompletionRequest) (model.CompletionResponse, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return model.CompletionResponse{}, p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	return p.responses[len(p.responses)-1], nil
}

// fakeStrategy is a minimal CommunicationStrategy double recording
// published responses; only PublishResponse is exercised by the agent
// worker.
type fakeStrategy struct {
	published []events.ResponseReadyData
}

func (f *fakeStrategy) SendRequest(context.Context, events.NormalizedRequest) error { return nil }
func (f *fakeStrategy) AwaitResponse(context.Context, string, time.Duration) (events.ResponseReadyData, error) {
	return events.ResponseReadyData{}, nil
}
func (f *fakeStrategy) PublishResponse(_ context.Context, resp events.ResponseReadyData) error {
	f.published = append(f.published, resp)
	return nil
}
func (f *fakeStrategy) Subscribe(context.Context, events.Type, func(context.Context, events.Envelope) error) error {
	return nil
}
func (f *fakeStrategy) Close() error { return nil }

func newTestSession(t *testing.T, st store.Store) store.Session {
	t.Helper()
	sess, _, err := st.GetOrCreateSession(context.Background(), store.SessionLookup{
		UserID:  "alice",
		Surface: events.SurfaceWeb,
	})
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	return sess
}

func TestProcessReturnsPlainResponse(t *testing.T) {
	st := store.NewMemoryStore()
	sess := newTestSession(t, st)
	requestID, err := st.AppendLog(context.Background(), sess.ID, events.NormalizedRequest{RequestID: "unused", Content: "hi"})
	if err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	provider := &fakeProvider{responses: []model.CompletionResponse{{Content: "hello there", Model: "test-model"}}}
	srv := NewServer(nil, st, &fakeStrategy{}, provider, Config{DefaultAgentID: "routing-agent"})

	resp := srv.Process(context.Background(), events.NormalizedRequest{
		RequestID: requestID,
		SessionID: sess.ID,
		UserID:    "alice",
		Content:   "hi",
	})
	if resp.ErrorKind != "" {
		t.Fatalf("unexpected error kind %q", resp.ErrorKind)
	}
	if resp.Content != "hello there" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.AgentID != "routing-agent" {
		t.Fatalf("agent_id = %q, want default agent", resp.AgentID)
	}
	if provider.calls != 1 {
		t.Fatalf("expected exactly one provider invocation, got %d", provider.calls)
	}
}

func TestProcessFollowsRouteToDirective(t *testing.T) {
	st := store.NewMemoryStore()
	sess := newTestSession(t, st)
	requestID, err := st.AppendLog(context.Background(), sess.ID, events.NormalizedRequest{Content: "order me a laptop"})
	if err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	provider := &fakeProvider{responses: []model.CompletionResponse{
		{Content: "ROUTE_TO: laptop-refresh"},
		{Content: "here is your laptop refresh plan"},
	}}
	srv := NewServer(nil, st, &fakeStrategy{}, provider, Config{
		DefaultAgentID: "routing-agent",
		KnownAgentIDs:  []string{"laptop-refresh"},
	})

	resp := srv.Process(context.Background(), events.NormalizedRequest{
		RequestID: requestID,
		SessionID: sess.ID,
		UserID:    "alice",
		Content:   "order me a laptop",
	})
	if resp.AgentID != "laptop-refresh" {
		t.Fatalf("agent_id = %q, want laptop-refresh", resp.AgentID)
	}
	if resp.Content != "here is your laptop refresh plan" {
		t.Fatalf("content = %q", resp.Content)
	}
	if provider.calls != 2 {
		t.Fatalf("expected two provider invocations across the handoff, got %d", provider.calls)
	}

	updated, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.CurrentAgentID != "laptop-refresh" {
		t.Fatalf("session current_agent_id = %q, want laptop-refresh", updated.CurrentAgentID)
	}
}

func TestProcessShortCircuitsOnAlreadyCompletedLog(t *testing.T) {
	st := store.NewMemoryStore()
	sess := newTestSession(t, st)
	requestID, err := st.AppendLog(context.Background(), sess.ID, events.NormalizedRequest{Content: "hi"})
	if err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	prior := events.ResponseReadyData{RequestID: requestID, SessionID: sess.ID, AgentID: "routing-agent", Content: "already answered"}
	if err := st.CompleteLog(context.Background(), requestID, prior, 10); err != nil {
		t.Fatalf("CompleteLog: %v", err)
	}

	provider := &fakeProvider{responses: []model.CompletionResponse{{Content: "should not be called"}}}
	srv := NewServer(nil, st, &fakeStrategy{}, provider, Config{DefaultAgentID: "routing-agent"})

	resp := srv.Process(context.Background(), events.NormalizedRequest{RequestID: requestID, SessionID: sess.ID, Content: "hi"})
	if resp.Content != "already answered" {
		t.Fatalf("content = %q, want the redelivered prior response", resp.Content)
	}
	if provider.calls != 0 {
		t.Fatalf("expected no runtime invocation on redelivery, got %d calls", provider.calls)
	}
}

func TestProcessEmitsTimeoutErrorKindOnRuntimeFailure(t *testing.T) {
	st := store.NewMemoryStore()
	sess := newTestSession(t, st)
	requestID, err := st.AppendLog(context.Background(), sess.ID, events.NormalizedRequest{Content: "hi"})
	if err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	provider := &fakeProvider{errs: []error{context.DeadlineExceeded}}
	srv := NewServer(nil, st, &fakeStrategy{}, provider, Config{DefaultAgentID: "routing-agent", RuntimeTimeout: time.Millisecond})

	resp := srv.Process(context.Background(), events.NormalizedRequest{RequestID: requestID, SessionID: sess.ID, Content: "hi"})
	if resp.ErrorKind != "timeout" {
		t.Fatalf("expected error kind %q, got %q", "timeout", resp.ErrorKind)
	}
}

func TestHandleEnvelopePublishesResponse(t *testing.T) {
	st := store.NewMemoryStore()
	sess := newTestSession(t, st)
	requestID, err := st.AppendLog(context.Background(), sess.ID, events.NormalizedRequest{Content: "hi"})
	if err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	provider := &fakeProvider{responses: []model.CompletionResponse{{Content: "hi back"}}}
	strategy := &fakeStrategy{}
	srv := NewServer(nil, st, strategy, provider, Config{DefaultAgentID: "routing-agent"})

	normalized := events.NormalizedRequest{RequestID: requestID, SessionID: sess.ID, Content: "hi"}
	env, err := events.NewEnvelope("evt-1", "test", events.TypeRequestCreated, sess.ID, normalized)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := srv.handleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("handleEnvelope: %v", err)
	}
	if len(strategy.published) != 1 {
		t.Fatalf("expected exactly one published response, got %d", len(strategy.published))
	}
	if strategy.published[0].Content != "hi back" {
		t.Fatalf("published content = %q", strategy.published[0].Content)
	}
}

func TestHandleProcessServesDirectHTTPTransport(t *testing.T) {
	st := store.NewMemoryStore()
	sess := newTestSession(t, st)
	requestID, err := st.AppendLog(context.Background(), sess.ID, events.NormalizedRequest{Content: "hi"})
	if err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	provider := &fakeProvider{responses: []model.CompletionResponse{{Content: "direct reply"}}}
	srv := NewServer(nil, st, &fakeStrategy{}, provider, Config{DefaultAgentID: "routing-agent"})

	normalized := events.NormalizedRequest{RequestID: requestID, SessionID: sess.ID, Content: "hi"}
	raw, _ := json.Marshal(normalized)

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Post(httpSrv.URL+"/process", "application/json", strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("POST /process: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got events.ResponseReadyData
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Content != "direct reply" {
		t.Fatalf("content = %q", got.Content)
	}
}
