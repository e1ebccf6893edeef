package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
)

// DirectHTTPStrategy processes requests synchronously via direct HTTP
// calls to the agent worker and integration dispatcher, for single-
// process or low-volume deployments that forgo a broker (spec.md §4.5,
// structurally translated from DirectHttpStrategy in
// original_source/request-manager/src/request_manager/communication_strategy.py).
type DirectHTTPStrategy struct {
	client         *http.Client
	agentWorkerURL string
	integrationURL string

	mu                    sync.Mutex
	lastResponseBySession map[string]events.ResponseReadyData
}

func NewDirectHTTPStrategy(cfg Config) (*DirectHTTPStrategy, error) {
	if cfg.AgentWorkerURL == "" {
		return nil, fmt.Errorf("substrate: direct_http transport requires AgentWorkerURL")
	}
	if cfg.IntegrationDispatchURL == "" {
		return nil, fmt.Errorf("substrate: direct_http transport requires IntegrationDispatchURL")
	}
	return &DirectHTTPStrategy{
		client:                &http.Client{Timeout: 120 * time.Second},
		agentWorkerURL:        cfg.AgentWorkerURL,
		integrationURL:        cfg.IntegrationDispatchURL,
		lastResponseBySession: map[string]events.ResponseReadyData{},
	}, nil
}

// SendRequest posts the normalized request to the agent worker and
// blocks for its synchronous response, which AwaitResponse then returns
// (the Python original notes this strategy never truly "awaits": the
// work happens inline here instead).
func (d *DirectHTTPStrategy) SendRequest(ctx context.Context, req events.NormalizedRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.agentWorkerURL+"/process", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("substrate: agent worker request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("substrate: agent worker returned status %d", resp.StatusCode)
	}

	var result events.ResponseReadyData
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("substrate: decode agent worker response: %w", err)
	}
	d.mu.Lock()
	d.lastResponseBySession[result.RequestID] = result
	d.mu.Unlock()
	return nil
}

// AwaitResponse returns the response SendRequest already fetched
// synchronously; direct HTTP mode has no separate wait phase.
func (d *DirectHTTPStrategy) AwaitResponse(_ context.Context, requestID string, _ time.Duration) (events.ResponseReadyData, error) {
	d.mu.Lock()
	resp, ok := d.lastResponseBySession[requestID]
	delete(d.lastResponseBySession, requestID)
	d.mu.Unlock()
	if !ok {
		return events.ResponseReadyData{}, fmt.Errorf("substrate: no synchronous response recorded for request %s", requestID)
	}
	return resp, nil
}

func (d *DirectHTTPStrategy) PublishResponse(ctx context.Context, resp events.ResponseReadyData) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.integrationURL+"/deliver", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp2, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("substrate: integration dispatcher request failed: %w", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK && resp2.StatusCode != http.StatusAccepted {
		return fmt.Errorf("substrate: integration dispatcher returned status %d", resp2.StatusCode)
	}
	return nil
}

// Subscribe is unsupported in direct HTTP mode: there is no broker to
// subscribe to, matching the Python original's "should not be called"
// warning for wait_for_response under DirectHttpStrategy.
func (d *DirectHTTPStrategy) Subscribe(_ context.Context, _ events.Type, _ func(context.Context, events.Envelope) error) error {
	return fmt.Errorf("substrate: direct_http transport has no broker to subscribe to")
}

func (d *DirectHTTPStrategy) Close() error { return nil }

var _ CommunicationStrategy = (*DirectHTTPStrategy)(nil)
