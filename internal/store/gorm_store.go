package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/ids"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the relational implementation of Store, backed by GORM
// over SQLite or Postgres (driver-selectable via OpenGorm).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and runs AutoMigrate for all models.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	db, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) GetOrCreateSession(ctx context.Context, lookup SessionLookup) (Session, bool, error) {
	var result Session
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		cutoff := now.Add(-lookup.IdleTTL)
		if lookup.IdleTTL <= 0 {
			cutoff = time.Time{}
		}

		q := tx.Where("user_id = ? AND surface = ? AND status = ?", lookup.UserID, string(lookup.Surface), SessionStatusActive)
		if lookup.ChannelID != "" {
			q = q.Where("channel_id = ?", lookup.ChannelID)
		}
		if lookup.ThreadID != "" {
			q = q.Where("thread_id = ?", lookup.ThreadID)
		}
		if !cutoff.IsZero() {
			q = q.Where("last_activity_at >= ?", cutoff)
		}

		var existing Session
		err := q.Order("last_activity_at DESC").First(&existing).Error
		switch {
		case err == nil:
			result = existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to create
		default:
			return err
		}

		fresh := Session{
			ID:             ids.NewSessionID(),
			UserID:         lookup.UserID,
			Surface:        string(lookup.Surface),
			ChannelID:      lookup.ChannelID,
			ThreadID:       lookup.ThreadID,
			ExternalUserID: lookup.ExternalUserID,
			WorkspaceID:    lookup.WorkspaceID,
			Status:         SessionStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastActivityAt: now,
		}
		if err := tx.Create(&fresh).Error; err != nil {
			return err
		}
		result = fresh
		created = true
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}
	return result, created, nil
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).First(&sess, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// AcquireTurn implements the row-level conditional update spec.md §4.3
// describes: "in_flight = false -> true AND last_activity = now; reject
// otherwise". The session row itself is the lock carrier.
func (s *GormStore) AcquireTurn(ctx context.Context, sessionID string) (string, error) {
	token := ids.New()
	now := time.Now().UTC()

	result := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND in_flight = ?", sessionID, false).
		Updates(map[string]any{
			"in_flight":        true,
			"lock_token":       token,
			"last_activity_at": now,
			"updated_at":       now,
		})
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		var sess Session
		if err := s.db.WithContext(ctx).First(&sess, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", ErrNotFound
			}
			return "", err
		}
		return "", ErrAlreadyInFlight
	}
	return token, nil
}

func (s *GormStore) ReleaseTurn(ctx context.Context, sessionID, lockToken string) error {
	result := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND lock_token = ?", sessionID, lockToken).
		Updates(map[string]any{
			"in_flight":  false,
			"lock_token": "",
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLockTokenMismatch
	}
	return nil
}

func (s *GormStore) AppendLog(ctx context.Context, sessionID string, normalized events.NormalizedRequest) (string, error) {
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	row := RequestLog{
		ID:             ids.NewRequestID(),
		SessionID:      sessionID,
		NormalizedJSON: string(raw),
		Status:         RequestLogStatusPending,
		CreatedAt:      now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).Where("id = ?", sessionID).
			Updates(map[string]any{
				"request_count": gorm.Expr("request_count + 1"),
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		return "", err
	}
	return row.ID, nil
}

// CompleteLog transitions a RequestLog to completed. It is idempotent on
// repeat delivery of the same response (spec.md §4.3): if the log is
// already completed, the call is a no-op success rather than an error,
// satisfying at-least-once delivery of response events.
func (s *GormStore) CompleteLog(ctx context.Context, requestID string, response events.ResponseReadyData, processingTimeMS int64) error {
	var existing RequestLog
	if err := s.db.WithContext(ctx).First(&existing, "id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if existing.Status == RequestLogStatusCompleted {
		return nil
	}

	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&RequestLog{}).Where("id = ?", requestID).
		Updates(map[string]any{
			"response_json":      string(raw),
			"agent_id":           response.AgentID,
			"status":             RequestLogStatusCompleted,
			"processing_time_ms": processingTimeMS,
			"completed_at":       now,
		}).Error
}

func (s *GormStore) FailLog(ctx context.Context, requestID, reason string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&RequestLog{}).
		Where("id = ? AND status != ?", requestID, RequestLogStatusCompleted).
		Updates(map[string]any{
			"status":       RequestLogStatusFailed,
			"completed_at": now,
		}).Error
}

func (s *GormStore) GetRequestLog(ctx context.Context, requestID string) (RequestLog, error) {
	var row RequestLog
	err := s.db.WithContext(ctx).First(&row, "id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RequestLog{}, ErrNotFound
	}
	return row, err
}

// UpdateSessionContext merge-updates the opaque context bag at field
// granularity, last-writer-wins (spec.md §4.3).
func (s *GormStore) UpdateSessionContext(ctx context.Context, sessionID string, delta map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess Session
		if err := tx.First(&sess, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		merged, err := mergeContext(sess.ContextJSON, delta)
		if err != nil {
			return err
		}
		return tx.Model(&Session{}).Where("id = ?", sessionID).
			Updates(map[string]any{
				"context_json": merged,
				"updated_at":   time.Now().UTC(),
			}).Error
	})
}

// UpdateSessionAgent persists the Agent Worker's routing decision (spec.md
// §4.4 step 3): the session's current_agent_id and, when the runtime
// returned one, its conversation handle.
func (s *GormStore) UpdateSessionAgent(ctx context.Context, sessionID, agentID, agentSessionHandle string) error {
	updates := map[string]any{
		"current_agent_id": agentID,
		"updated_at":       time.Now().UTC(),
	}
	if agentSessionHandle != "" {
		updates["agent_session_handle"] = agentSessionHandle
	}
	result := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", sessionID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUserEffectiveConfig overlays the user override on the system default
// (spec.md §3, invariant P4).
func (s *GormStore) GetUserEffectiveConfig(ctx context.Context, userID, kind string) (EffectiveConfig, error) {
	var userCfg UserIntegrationConfig
	err := s.db.WithContext(ctx).Where("user_id = ? AND kind = ?", userID, kind).First(&userCfg).Error
	if err == nil {
		return effectiveFromUser(userCfg), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return EffectiveConfig{}, err
	}

	var def IntegrationDefault
	err = s.db.WithContext(ctx).First(&def, "kind = ?", kind).Error
	if err == nil {
		return effectiveFromDefault(def), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return EffectiveConfig{}, err
	}
	return effectiveDisabled(kind), nil
}

// ListEnabledKindsForUser resolves the full fan-out set for a user,
// sorted by priority descending (spec.md §4.6 step 2).
func (s *GormStore) ListEnabledKindsForUser(ctx context.Context, userID string) ([]EffectiveConfig, error) {
	var defaults []IntegrationDefault
	if err := s.db.WithContext(ctx).Find(&defaults).Error; err != nil {
		return nil, err
	}
	var userCfgs []UserIntegrationConfig
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&userCfgs).Error; err != nil {
		return nil, err
	}
	byKind := map[string]UserIntegrationConfig{}
	for _, c := range userCfgs {
		byKind[c.Kind] = c
	}

	seen := map[string]bool{}
	out := make([]EffectiveConfig, 0, len(defaults)+len(userCfgs))
	for _, def := range defaults {
		seen[def.Kind] = true
		if uc, ok := byKind[def.Kind]; ok {
			out = append(out, effectiveFromUser(uc))
			continue
		}
		out = append(out, effectiveFromDefault(def))
	}
	for _, uc := range userCfgs {
		if seen[uc.Kind] {
			continue
		}
		out = append(out, effectiveFromUser(uc))
	}

	enabled := out[:0]
	for _, cfg := range out {
		if cfg.Enabled {
			enabled = append(enabled, cfg)
		}
	}
	for i := 0; i < len(enabled); i++ {
		for j := i + 1; j < len(enabled); j++ {
			if enabled[j].Priority > enabled[i].Priority {
				enabled[i], enabled[j] = enabled[j], enabled[i]
			}
		}
	}
	return enabled, nil
}

func (s *GormStore) UpsertUserIntegrationConfig(ctx context.Context, cfg UserIntegrationConfig) error {
	if err := validateConfigJSON(cfg.Kind, cfg.ConfigJSON); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = ids.New()
	}
	now := time.Now().UTC()
	cfg.UpdatedAt = now
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "config_json", "priority", "retry_count", "retry_delay_seconds", "retry_backoff", "updated_at"}),
	}).Create(&cfg).Error
}

func (s *GormStore) UpsertIntegrationDefault(ctx context.Context, def IntegrationDefault) error {
	if err := validateConfigJSON(def.Kind, def.ConfigJSON); err != nil {
		return err
	}
	now := time.Now().UTC()
	def.UpdatedAt = now
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "config_json", "priority", "retry_count", "retry_delay_seconds", "retry_backoff", "auto_enable_predicate", "updated_at"}),
	}).Create(&def).Error
}

// ClaimEvent implements spec.md §4.6 step 1's atomic event claim: insert
// a claim row keyed by event id; if another instance already claimed,
// report unclaimed rather than erroring.
func (s *GormStore) ClaimEvent(ctx context.Context, eventID, claimedBy string) (bool, error) {
	claim := EventClaim{EventID: eventID, ClaimedBy: claimedBy, ClaimedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&claim).Error
	if err != nil {
		return false, err
	}
	var found EventClaim
	if err := s.db.WithContext(ctx).First(&found, "event_id = ?", eventID).Error; err != nil {
		return false, err
	}
	return found.ClaimedBy == claimedBy, nil
}

func (s *GormStore) AppendDeliveryLog(ctx context.Context, row DeliveryLog) error {
	if row.ID == "" {
		row.ID = ids.New()
	}
	if row.StartedAt.IsZero() {
		row.StartedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// NextAttemptIndex returns the next contiguous attempt index for
// (request_id, kind) (spec.md §3, invariant D2).
func (s *GormStore) NextAttemptIndex(ctx context.Context, requestID, kind string) (int, error) {
	var maxIdx int64
	err := s.db.WithContext(ctx).Model(&DeliveryLog{}).
		Where("request_id = ? AND kind = ?", requestID, kind).
		Select("COALESCE(MAX(attempt_index), 0)").Scan(&maxIdx).Error
	if err != nil {
		return 0, err
	}
	return int(maxIdx) + 1, nil
}

func (s *GormStore) ListDueRetries(ctx context.Context, before time.Time) ([]DeliveryLog, error) {
	var rows []DeliveryLog
	err := s.db.WithContext(ctx).
		Where("outcome = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", DeliveryOutcomeFailed, before).
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) ListDeliveryLogsForRequest(ctx context.Context, requestID string) ([]DeliveryLog, error) {
	var rows []DeliveryLog
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).Order("kind, attempt_index").Find(&rows).Error
	return rows, err
}

var _ Store = (*GormStore)(nil)
