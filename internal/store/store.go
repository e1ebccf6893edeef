// Package store implements the Session/Request Store (spec.md §4.3): a
// durable, transactional key-value-plus-index layer over a relational
// back-end, owning Session, RequestLog, UserIntegrationConfig,
// IntegrationDefault, and DeliveryLog rows.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
)

var (
	// ErrNotFound mirrors the teacher's session.ErrNotFound sentinel.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyInFlight is returned by AcquireTurn when the session's
	// turn lock is already held (spec.md §4.3, invariant S2).
	ErrAlreadyInFlight = errors.New("turn already in flight")
	// ErrLockTokenMismatch is returned by ReleaseTurn when the caller
	// does not hold the current lock token.
	ErrLockTokenMismatch = errors.New("lock token mismatch")
)

// SessionLookup identifies which session a NormalizedRequest belongs to,
// prior to a session id being assigned.
type SessionLookup struct {
	UserID         string
	Surface        events.Surface
	ChannelID      string
	ThreadID       string
	ExternalUserID string
	WorkspaceID    string
	IdleTTL        time.Duration
}

// EffectiveConfig is the overlay of a UserIntegrationConfig on an
// IntegrationDefault (spec.md §3, invariant P4: "user override or system
// default, never both").
type EffectiveConfig struct {
	Kind              string
	Enabled           bool
	ConfigJSON        string
	Priority          int
	RetryCount        int
	RetryDelaySeconds int
	RetryBackoff      RetryBackoff
	Source            string // "user" | "default" | "none"
}

// Store is the contract-level interface spec.md §4.3 describes.
type Store interface {
	GetOrCreateSession(ctx context.Context, lookup SessionLookup) (Session, bool, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)

	AcquireTurn(ctx context.Context, sessionID string) (lockToken string, err error)
	ReleaseTurn(ctx context.Context, sessionID, lockToken string) error

	AppendLog(ctx context.Context, sessionID string, normalized events.NormalizedRequest) (requestID string, err error)
	CompleteLog(ctx context.Context, requestID string, response events.ResponseReadyData, processingTimeMS int64) error
	FailLog(ctx context.Context, requestID, reason string) error
	GetRequestLog(ctx context.Context, requestID string) (RequestLog, error)

	UpdateSessionContext(ctx context.Context, sessionID string, delta map[string]any) error
	UpdateSessionAgent(ctx context.Context, sessionID, agentID, agentSessionHandle string) error

	GetUserEffectiveConfig(ctx context.Context, userID, kind string) (EffectiveConfig, error)
	ListEnabledKindsForUser(ctx context.Context, userID string) ([]EffectiveConfig, error)
	UpsertUserIntegrationConfig(ctx context.Context, cfg UserIntegrationConfig) error
	UpsertIntegrationDefault(ctx context.Context, def IntegrationDefault) error

	ClaimEvent(ctx context.Context, eventID, claimedBy string) (claimed bool, err error)

	AppendDeliveryLog(ctx context.Context, row DeliveryLog) error
	NextAttemptIndex(ctx context.Context, requestID, kind string) (int, error)
	ListDueRetries(ctx context.Context, before time.Time) ([]DeliveryLog, error)
	ListDeliveryLogsForRequest(ctx context.Context, requestID string) ([]DeliveryLog, error)

	Close() error
}

func effectiveFromDefault(def IntegrationDefault) EffectiveConfig {
	return EffectiveConfig{
		Kind:              def.Kind,
		Enabled:           def.Enabled,
		ConfigJSON:        def.ConfigJSON,
		Priority:          def.Priority,
		RetryCount:        def.RetryCount,
		RetryDelaySeconds: def.RetryDelaySeconds,
		RetryBackoff:      def.RetryBackoff,
		Source:            "default",
	}
}

func effectiveFromUser(cfg UserIntegrationConfig) EffectiveConfig {
	return EffectiveConfig{
		Kind:              cfg.Kind,
		Enabled:           cfg.Enabled,
		ConfigJSON:        cfg.ConfigJSON,
		Priority:          cfg.Priority,
		RetryCount:        cfg.RetryCount,
		RetryDelaySeconds: cfg.RetryDelaySeconds,
		RetryBackoff:      cfg.RetryBackoff,
		Source:            "user",
	}
}

func effectiveDisabled(kind string) EffectiveConfig {
	return EffectiveConfig{Kind: kind, Enabled: false, Source: "none"}
}

func mergeContext(existingJSON string, delta map[string]any) (string, error) {
	merged := map[string]any{}
	if existingJSON != "" {
		if err := json.Unmarshal([]byte(existingJSON), &merged); err != nil {
			return "", err
		}
	}
	for k, v := range delta {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
