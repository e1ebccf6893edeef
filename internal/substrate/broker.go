package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/ids"
)

// ErrUnknownTransport is returned by NewStrategy for an unrecognized
// Config.Transport value.
var ErrUnknownTransport = errors.New("substrate: unknown transport")

// ErrResponseTimeout is returned by BrokerStrategy.AwaitResponse when no
// response.ready event arrives within the requested timeout.
var ErrResponseTimeout = errors.New("substrate: timed out waiting for response")

func channelForType(typ events.Type) string {
	return "ssa-events:" + string(typ)
}

func responseChannel(requestID string) string {
	return "ssa-response:" + requestID
}

// BrokerStrategy is the eventing strategy: Redis pub/sub carries
// CloudEvents-shaped envelopes between the router, agent worker, and
// dispatcher, each independently deployed and horizontally scaled
// (spec.md §4.5, §5).
type BrokerStrategy struct {
	client *redis.Client
	source string
}

func NewBrokerStrategy(cfg Config) (*BrokerStrategy, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	source := cfg.Source
	if source == "" {
		source = "request-management-core"
	}
	return &BrokerStrategy{client: client, source: source}, nil
}

func (b *BrokerStrategy) publish(ctx context.Context, typ events.Type, subject string, data any, channel string) error {
	env, err := events.NewEnvelope(ids.NewEventID(), b.source, typ, subject, data)
	if err != nil {
		return fmt.Errorf("substrate: build envelope: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("substrate: marshal envelope: %w", err)
	}
	return b.client.Publish(ctx, channel, raw).Err()
}

func (b *BrokerStrategy) SendRequest(ctx context.Context, req events.NormalizedRequest) error {
	return b.publish(ctx, events.TypeRequestCreated, req.SessionID, req, channelForType(events.TypeRequestCreated))
}

// AwaitResponse subscribes to the per-request response channel. The
// pending-key-plus-pub/sub rendezvous lets a caller start waiting after
// the response has already been published, by first checking the
// ssa-pending:<request id> key for an already-delivered response before
// blocking on the channel.
func (b *BrokerStrategy) AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (events.ResponseReadyData, error) {
	pendingKey := "ssa-pending:" + requestID
	if raw, err := b.client.Get(ctx, pendingKey).Result(); err == nil {
		var resp events.ResponseReadyData
		if jsonErr := json.Unmarshal([]byte(raw), &resp); jsonErr == nil {
			return resp, nil
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := b.client.Subscribe(waitCtx, responseChannel(requestID))
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(waitCtx)
		if err != nil {
			var netErr net.Error
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
				return events.ResponseReadyData{}, ErrResponseTimeout
			}
			return events.ResponseReadyData{}, err
		}
		var env events.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		var resp events.ResponseReadyData
		if err := env.DecodeData(&resp); err != nil {
			continue
		}
		if resp.RequestID != requestID {
			continue
		}
		return resp, nil
	}
}

// PublishResponse writes the response under the pending key (so a
// late-arriving AwaitResponse still observes it) and publishes to the
// response channel for anyone already waiting, then additionally
// publishes the broad response.ready event for other subscribers
// (e.g. the Integration Dispatcher).
func (b *BrokerStrategy) PublishResponse(ctx context.Context, resp events.ResponseReadyData) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("substrate: marshal response: %w", err)
	}
	pendingKey := "ssa-pending:" + resp.RequestID
	if err := b.client.Set(ctx, pendingKey, raw, 10*time.Minute).Err(); err != nil {
		return fmt.Errorf("substrate: set pending response: %w", err)
	}

	env, err := events.NewEnvelope(ids.NewEventID(), b.source, events.TypeResponseReady, resp.SessionID, resp)
	if err != nil {
		return err
	}
	envRaw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, responseChannel(resp.RequestID), envRaw).Err(); err != nil {
		return err
	}
	return b.client.Publish(ctx, channelForType(events.TypeResponseReady), envRaw).Err()
}

func (b *BrokerStrategy) Subscribe(ctx context.Context, typ events.Type, handler func(context.Context, events.Envelope) error) error {
	sub := b.client.Subscribe(ctx, channelForType(typ))
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env events.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				_ = handler(ctx, env)
			}
		}
	}()
	return nil
}

func (b *BrokerStrategy) Close() error {
	return b.client.Close()
}

var _ CommunicationStrategy = (*BrokerStrategy)(nil)
