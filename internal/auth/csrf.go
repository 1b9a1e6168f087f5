package auth

import (
	"context"
	"fmt"
	"time"

	"portal/internal/models"
)

type CSRFStore interface {
	InsertCSRFToken(ctx context.Context, tok models.CSRFToken) error
	ConsumeCSRFToken(ctx context.Context, tokenHash string, now time.Time) (bool, error)
}

// CSRFManager issues one-time anti-forgery tokens. The optional session
// association is recorded but never checked.
type CSRFManager struct {
	store CSRFStore
	ttl   time.Duration
	now   func() time.Time
}

func NewCSRFManager(st CSRFStore, ttl time.Duration) *CSRFManager {
	return &CSRFManager{store: st, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func (m *CSRFManager) WithClock(now func() time.Time) *CSRFManager {
	m.now = now
	return m
}

func (m *CSRFManager) TTL() time.Duration { return m.ttl }

func (m *CSRFManager) CreateCSRFToken(ctx context.Context, rawSessionID string) (string, error) {
	tok, err := NewCSRFToken()
	if err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	now := m.now()
	rec := models.CSRFToken{TokenHash: HashToken(tok), ExpiresAt: now.Add(m.ttl), CreatedAt: now}
	if rawSessionID != "" {
		sid := HashToken(rawSessionID)
		rec.SessionID = &sid
	}
	if err := m.store.InsertCSRFToken(ctx, rec); err != nil {
		return "", fmt.Errorf("store csrf token: %w", err)
	}
	return tok, nil
}

// VerifyCSRFToken consumes token. It reports false for missing, expired and
// already used tokens.
func (m *CSRFManager) VerifyCSRFToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	return m.store.ConsumeCSRFToken(ctx, HashToken(token), m.now())
}
