package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/events"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/ids"
)

// MemoryStore is an in-process Store implementation used in development
// and tests, grounded on the teacher's session.MemoryStore mutex-guarded
// map pattern.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	logs     map[string]RequestLog
	userCfgs map[string]UserIntegrationConfig // key: userID+":"+kind
	defaults map[string]IntegrationDefault
	claims   map[string]EventClaim
	delivery []DeliveryLog
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		logs:     make(map[string]RequestLog),
		userCfgs: make(map[string]UserIntegrationConfig),
		defaults: make(map[string]IntegrationDefault),
		claims:   make(map[string]EventClaim),
	}
}

func userKindKey(userID, kind string) string { return userID + ":" + kind }

func (s *MemoryStore) GetOrCreateSession(_ context.Context, lookup SessionLookup) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Session{}, false, fmt.Errorf("store is closed")
	}

	now := time.Now().UTC()
	cutoff := now.Add(-lookup.IdleTTL)

	var best *Session
	for key := range s.sessions {
		sess := s.sessions[key]
		if sess.UserID != lookup.UserID || sess.Surface != string(lookup.Surface) || sess.Status != SessionStatusActive {
			continue
		}
		if lookup.ChannelID != "" && sess.ChannelID != lookup.ChannelID {
			continue
		}
		if lookup.ThreadID != "" && sess.ThreadID != lookup.ThreadID {
			continue
		}
		if lookup.IdleTTL > 0 && sess.LastActivityAt.Before(cutoff) {
			continue
		}
		if best == nil || sess.LastActivityAt.After(best.LastActivityAt) {
			cp := sess
			best = &cp
		}
	}
	if best != nil {
		return *best, false, nil
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
	s.sessions[fresh.ID] = fresh
	return fresh, true, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) AcquireTurn(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	if sess.InFlight {
		return "", ErrAlreadyInFlight
	}
	token := ids.New()
	sess.InFlight = true
	sess.LockToken = token
	sess.LastActivityAt = time.Now().UTC()
	sess.UpdatedAt = sess.LastActivityAt
	s.sessions[sessionID] = sess
	return token, nil
}

func (s *MemoryStore) ReleaseTurn(_ context.Context, sessionID, lockToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.LockToken != lockToken {
		return ErrLockTokenMismatch
	}
	sess.InFlight = false
	sess.LockToken = ""
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemoryStore) AppendLog(_ context.Context, sessionID string, normalized events.NormalizedRequest) (string, error) {
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	now := time.Now().UTC()
	row := RequestLog{
		ID:             ids.NewRequestID(),
		SessionID:      sessionID,
		NormalizedJSON: string(raw),
		Status:         RequestLogStatusPending,
		CreatedAt:      now,
	}
	s.logs[row.ID] = row
	sess.RequestCount++
	sess.UpdatedAt = now
	s.sessions[sessionID] = sess
	return row.ID, nil
}

func (s *MemoryStore) CompleteLog(_ context.Context, requestID string, response events.ResponseReadyData, processingTimeMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.logs[requestID]
	if !ok {
		return ErrNotFound
	}
	if row.Status == RequestLogStatusCompleted {
		return nil
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	row.ResponseJSON = string(raw)
	row.AgentID = response.AgentID
	row.Status = RequestLogStatusCompleted
	row.ProcessingTimeMS = processingTimeMS
	row.CompletedAt = &now
	s.logs[requestID] = row
	return nil
}

func (s *MemoryStore) FailLog(_ context.Context, requestID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.logs[requestID]
	if !ok {
		return ErrNotFound
	}
	if row.Status == RequestLogStatusCompleted {
		return nil
	}
	now := time.Now().UTC()
	row.Status = RequestLogStatusFailed
	row.CompletedAt = &now
	s.logs[requestID] = row
	return nil
}

func (s *MemoryStore) GetRequestLog(_ context.Context, requestID string) (RequestLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.logs[requestID]
	if !ok {
		return RequestLog{}, ErrNotFound
	}
	return row, nil
}

func (s *MemoryStore) UpdateSessionContext(_ context.Context, sessionID string, delta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	merged, err := mergeContext(sess.ContextJSON, delta)
	if err != nil {
		return err
	}
	sess.ContextJSON = merged
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemoryStore) UpdateSessionAgent(_ context.Context, sessionID, agentID, agentSessionHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.CurrentAgentID = agentID
	if agentSessionHandle != "" {
		sess.AgentSessionHandle = agentSessionHandle
	}
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemoryStore) GetUserEffectiveConfig(_ context.Context, userID, kind string) (EffectiveConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uc, ok := s.userCfgs[userKindKey(userID, kind)]; ok {
		return effectiveFromUser(uc), nil
	}
	if def, ok := s.defaults[kind]; ok {
		return effectiveFromDefault(def), nil
	}
	return effectiveDisabled(kind), nil
}

func (s *MemoryStore) ListEnabledKindsForUser(_ context.Context, userID string) ([]EffectiveConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	out := make([]EffectiveConfig, 0, len(s.defaults)+len(s.userCfgs))
	for kind, def := range s.defaults {
		seen[kind] = true
		if uc, ok := s.userCfgs[userKindKey(userID, kind)]; ok {
			out = append(out, effectiveFromUser(uc))
			continue
		}
		out = append(out, effectiveFromDefault(def))
	}
	for key, uc := range s.userCfgs {
		if uc.UserID != userID || seen[uc.Kind] {
			continue
		}
		_ = key
		out = append(out, effectiveFromUser(uc))
	}

	enabled := out[:0]
	for _, cfg := range out {
		if cfg.Enabled {
			enabled = append(enabled, cfg)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Priority > enabled[j].Priority })
	return enabled, nil
}

func (s *MemoryStore) UpsertUserIntegrationConfig(_ context.Context, cfg UserIntegrationConfig) error {
	if err := validateConfigJSON(cfg.Kind, cfg.ConfigJSON); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = ids.New()
	}
	cfg.UpdatedAt = time.Now().UTC()
	s.userCfgs[userKindKey(cfg.UserID, cfg.Kind)] = cfg
	return nil
}

func (s *MemoryStore) UpsertIntegrationDefault(_ context.Context, def IntegrationDefault) error {
	if err := validateConfigJSON(def.Kind, def.ConfigJSON); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	def.UpdatedAt = now
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	s.defaults[def.Kind] = def
	return nil
}

func (s *MemoryStore) ClaimEvent(_ context.Context, eventID, claimedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.claims[eventID]; ok {
		return existing.ClaimedBy == claimedBy, nil
	}
	s.claims[eventID] = EventClaim{EventID: eventID, ClaimedBy: claimedBy, ClaimedAt: time.Now().UTC()}
	return true, nil
}

func (s *MemoryStore) AppendDeliveryLog(_ context.Context, row DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == "" {
		row.ID = ids.New()
	}
	if row.StartedAt.IsZero() {
		row.StartedAt = time.Now().UTC()
	}
	s.delivery = append(s.delivery, row)
	return nil
}

func (s *MemoryStore) NextAttemptIndex(_ context.Context, requestID, kind string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, row := range s.delivery {
		if row.RequestID == requestID && row.Kind == kind && row.AttemptIndex > max {
			max = row.AttemptIndex
		}
	}
	return max + 1, nil
}

func (s *MemoryStore) ListDueRetries(_ context.Context, before time.Time) ([]DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeliveryLog
	for _, row := range s.delivery {
		if row.Outcome == DeliveryOutcomeFailed && row.NextAttemptAt != nil && !row.NextAttemptAt.After(before) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDeliveryLogsForRequest(_ context.Context, requestID string) ([]DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeliveryLog
	for _, row := range s.delivery {
		if row.RequestID == requestID {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].AttemptIndex < out[j].AttemptIndex
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
