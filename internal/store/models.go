package store

import "time"

// SessionStatus is the lifecycle state of a Session (spec.md §3).
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusInactive  SessionStatus = "inactive"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
)

// RequestLogStatus is the lifecycle state of a RequestLog (spec.md §3).
type RequestLogStatus string

const (
	RequestLogStatusPending    RequestLogStatus = "pending"
	RequestLogStatusDispatched RequestLogStatus = "dispatched"
	RequestLogStatusCompleted  RequestLogStatus = "completed"
	RequestLogStatusFailed     RequestLogStatus = "failed"
)

// DeliveryOutcome is the result of one DeliveryLog attempt.
type DeliveryOutcome string

const (
	DeliveryOutcomeSuccess DeliveryOutcome = "success"
	DeliveryOutcomeFailed  DeliveryOutcome = "failed"
	DeliveryOutcomePending DeliveryOutcome = "pending"
)

// RetryBackoff selects the shape of delay between delivery attempts
// (spec.md §9 open question #3: "the spec treats it as per-integration-
// default config").
type RetryBackoff string

const (
	RetryBackoffLinear      RetryBackoff = "linear"
	RetryBackoffExponential RetryBackoff = "exponential"
)

// Session is the unit of conversational continuity (spec.md §3).
type Session struct {
	ID                 string `gorm:"primaryKey;size:32"`
	UserID             string `gorm:"size:255;not null;index"`
	Surface            string `gorm:"size:16;not null"`
	ChannelID          string `gorm:"size:255"`
	ThreadID           string `gorm:"size:255"`
	ExternalUserID     string `gorm:"size:255"`
	WorkspaceID        string `gorm:"size:255"`
	CurrentAgentID     string `gorm:"size:255"`
	AgentSessionHandle string `gorm:"size:255"`
	Status             SessionStatus `gorm:"size:16;not null;index"`
	ContextJSON        string `gorm:"type:text"`
	IntegrationMetaJSON string `gorm:"type:text"`
	UserContextJSON    string `gorm:"type:text"`
	RequestCount       int64  `gorm:"not null;default:0"`
	InFlight           bool   `gorm:"not null;default:false"`
	LockToken          string `gorm:"size:32"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
	LastActivityAt     time.Time `gorm:"not null;index"`
}

func (Session) TableName() string { return "sessions" }

// RequestLog is a single user turn (spec.md §3).
type RequestLog struct {
	ID                  string `gorm:"primaryKey;size:32"`
	SessionID           string `gorm:"size:32;not null;index"`
	NormalizedJSON      string `gorm:"type:text;not null"`
	ResponseJSON        string `gorm:"type:text"`
	AgentID             string `gorm:"size:255"`
	ProcessingTimeMS    int64
	TransportEventID    string `gorm:"size:64"`
	TransportEventType  string `gorm:"size:64"`
	Status              RequestLogStatus `gorm:"size:16;not null;index"`
	CreatedAt           time.Time `gorm:"not null"`
	CompletedAt         *time.Time
}

func (RequestLog) TableName() string { return "request_logs" }

// UserIntegrationConfig is a per-user override of default delivery
// behavior, unique on (user_id, kind) (spec.md §3 invariant C1).
type UserIntegrationConfig struct {
	ID                string `gorm:"primaryKey;size:32"`
	UserID            string `gorm:"size:255;not null;uniqueIndex:ux_user_kind"`
	Kind              string `gorm:"size:32;not null;uniqueIndex:ux_user_kind"`
	Enabled           bool   `gorm:"not null"`
	ConfigJSON        string `gorm:"type:text"`
	Priority          int    `gorm:"not null;default:0"`
	RetryCount        int    `gorm:"not null;default:3"`
	RetryDelaySeconds int    `gorm:"not null;default:30"`
	RetryBackoff      RetryBackoff `gorm:"size:16;not null;default:linear"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (UserIntegrationConfig) TableName() string { return "user_integration_configs" }

// IntegrationDefault is the system-wide fallback for a kind (spec.md §3).
type IntegrationDefault struct {
	Kind                string `gorm:"primaryKey;size:32"`
	Enabled             bool   `gorm:"not null;default:true"`
	ConfigJSON          string `gorm:"type:text"`
	Priority            int    `gorm:"not null;default:0"`
	RetryCount          int    `gorm:"not null;default:3"`
	RetryDelaySeconds   int    `gorm:"not null;default:30"`
	RetryBackoff        RetryBackoff `gorm:"size:16;not null;default:linear"`
	AutoEnablePredicate string `gorm:"size:255"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (IntegrationDefault) TableName() string { return "integration_defaults" }

// DeliveryLog is one delivery attempt record (spec.md §3), append-only
// (invariant D1).
type DeliveryLog struct {
	ID            string `gorm:"primaryKey;size:32"`
	RequestID     string `gorm:"size:32;not null;index"`
	UserID        string `gorm:"size:255;not null"`
	Kind          string `gorm:"size:32;not null"`
	AttemptIndex  int    `gorm:"not null"`
	Outcome       DeliveryOutcome `gorm:"size:16;not null"`
	ErrorText     string `gorm:"type:text"`
	StartedAt     time.Time `gorm:"not null"`
	CompletedAt   *time.Time
	NextAttemptAt *time.Time `gorm:"index"`
}

func (DeliveryLog) TableName() string { return "delivery_logs" }

// EventClaim is dispatcher-internal bookkeeping implementing the atomic
// event claim of spec.md §4.6 step 1. It is not one of spec.md §3's four
// named entities; see DESIGN.md for why it is still Store-owned.
type EventClaim struct {
	EventID   string `gorm:"primaryKey;size:64"`
	ClaimedBy string `gorm:"size:255;not null"`
	ClaimedAt time.Time `gorm:"not null"`
}

func (EventClaim) TableName() string { return "event_claims" }

// AllModels lists every GORM model for AutoMigrate call sites.
func AllModels() []any {
	return []any{
		&Session{},
		&RequestLog{},
		&UserIntegrationConfig{},
		&IntegrationDefault{},
		&DeliveryLog{},
		&EventClaim{},
	}
}
