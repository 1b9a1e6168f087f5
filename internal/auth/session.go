package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal/internal/models"
	"portal/internal/store"
)

type SessionStore interface {
	CreateSession(ctx context.Context, sess models.Session) error
	GetActiveSession(ctx context.Context, id string, now time.Time) (models.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeactivateSession(ctx context.Context, id string) error
	DeactivateUserSessions(ctx context.Context, userID string) (int64, error)
	GetUserByID(ctx context.Context, id string) (models.User, error)
}

// SessionManager owns server-side sessions. Callers hold the raw session id;
// only its digest is persisted.
type SessionManager struct {
	store SessionStore
	ttl   time.Duration
	now   func() time.Time
}

func NewSessionManager(st SessionStore, ttl time.Duration) *SessionManager {
	return &SessionManager{store: st, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func (m *SessionManager) WithClock(now func() time.Time) *SessionManager {
	m.now = now
	return m
}

func (m *SessionManager) TTL() time.Duration { return m.ttl }

// CreateSession returns the raw session id to hand to the client.
func (m *SessionManager) CreateSession(ctx context.Context, userID, ip, userAgent string) (string, models.Session, error) {
	raw, err := NewSessionID()
	if err != nil {
		return "", models.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	now := m.now()
	sess := models.Session{
		ID:           HashToken(raw),
		UserID:       userID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		Active:       true,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		LastActivity: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", models.Session{}, fmt.Errorf("store session: %w", err)
	}
	return raw, sess, nil
}

// GetSession reports false for unknown, invalidated and expired sessions alike.
func (m *SessionManager) GetSession(ctx context.Context, rawID string) (models.Session, bool, error) {
	if rawID == "" {
		return models.Session{}, false, nil
	}
	now := m.now()
	sess, err := m.store.GetActiveSession(ctx, HashToken(rawID), now)
	if errors.Is(err, store.ErrNotFound) {
		return models.Session{}, false, nil
	}
	if err != nil {
		return models.Session{}, false, err
	}
	if !sess.ValidAt(now) {
		return models.Session{}, false, nil
	}
	return sess, true, nil
}

// GetCurrentUser resolves the session owner and refreshes last activity.
// Inactive owners resolve to false.
func (m *SessionManager) GetCurrentUser(ctx context.Context, rawID string) (models.User, models.Session, bool, error) {
	sess, ok, err := m.GetSession(ctx, rawID)
	if err != nil || !ok {
		return models.User{}, models.Session{}, false, err
	}
	u, err := m.store.GetUserByID(ctx, sess.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, models.Session{}, false, nil
	}
	if err != nil {
		return models.User{}, models.Session{}, false, err
	}
	now := m.now()
	if err := m.store.TouchSession(ctx, sess.ID, now); err != nil {
		return models.User{}, models.Session{}, false, err
	}
	sess.LastActivity = now
	return u, sess, true, nil
}

func (m *SessionManager) InvalidateSession(ctx context.Context, rawID string) error {
	if rawID == "" {
		return nil
	}
	return m.store.DeactivateSession(ctx, HashToken(rawID))
}

func (m *SessionManager) InvalidateAllUserSessions(ctx context.Context, userID string) (int64, error) {
	return m.store.DeactivateUserSessions(ctx, userID)
}
