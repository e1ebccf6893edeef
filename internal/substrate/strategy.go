// Package substrate implements the Communication Substrate (spec.md
// §4.5): a pluggable transport between the Request Router, Agent
// Worker, and Integration Dispatcher, selectable between an
// eventing/broker strategy and a synchronous direct-HTTP strategy.
package substrate

import (
	"context"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
)

// CommunicationStrategy is the transport-agnostic contract every
// strategy implements, structurally translated from
// original_source/request-manager/src/request_manager/communication_strategy.py's
// CommunicationStrategy ABC.
type CommunicationStrategy interface {
	// SendRequest hands a normalized request to the agent runtime,
	// publishing a request.created event (broker) or invoking the agent
	// worker directly (direct HTTP).
	SendRequest(ctx context.Context, req events.NormalizedRequest) error

	// AwaitResponse blocks until a response.ready event for requestID
	// arrives or timeout elapses. Direct-HTTP strategies never call this;
	// they resolve the response inline in SendRequest.
	AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (events.ResponseReadyData, error)

	// PublishResponse hands a completed response to the Integration
	// Dispatcher, publishing response.ready (broker) or invoking the
	// dispatcher directly (direct HTTP).
	PublishResponse(ctx context.Context, resp events.ResponseReadyData) error

	// Subscribe registers handler for every envelope of the given type.
	// Direct-HTTP strategies return an error since they have no
	// broker to subscribe to.
	Subscribe(ctx context.Context, typ events.Type, handler func(context.Context, events.Envelope) error) error

	Close() error
}

// Config selects and parameterizes a strategy (spec.md §9 "transport"
// config key).
type Config struct {
	Transport string // "broker" | "direct_http"

	// Broker strategy settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Source        string // CloudEvents source attribute, e.g. "router"

	// Direct HTTP strategy settings.
	AgentWorkerURL         string
	IntegrationDispatchURL string
}

// NewStrategy builds the CommunicationStrategy cfg.Transport names,
// structurally translating get_communication_strategy()'s
// eventing-vs-direct-http branch.
func NewStrategy(cfg Config) (CommunicationStrategy, error) {
	switch cfg.Transport {
	case "", "broker":
		return NewBrokerStrategy(cfg)
	case "direct_http":
		return NewDirectHTTPStrategy(cfg)
	default:
		return nil, ErrUnknownTransport
	}
}
