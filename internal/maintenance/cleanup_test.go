package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"portal/internal/db"
	"portal/internal/models"
	"portal/internal/store"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "portal.db"), 1, 1, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqdb.Close() })
	require.NoError(t, db.ApplyMigrations(sqdb, db.SQLite))
	return store.New(sqdb, db.SQLite)
}

func TestCleanupRemovesExpiredRows(t *testing.T) {
	st := newStore(t)
	ctx := testContext(t)

	require.NoError(t, st.ReplaceOTP(ctx, models.OTPCode{Email: "a@b.id", CodeHash: "old", Purpose: models.PurposeLogin, ExpiresAt: t0.Add(-time.Minute), CreatedAt: t0.Add(-6 * time.Minute)}))
	require.NoError(t, st.ReplaceOTP(ctx, models.OTPCode{Email: "c@d.id", CodeHash: "live", Purpose: models.PurposeLogin, ExpiresAt: t0.Add(time.Minute), CreatedAt: t0}))
	require.NoError(t, st.InsertCSRFToken(ctx, models.CSRFToken{TokenHash: "stale", ExpiresAt: t0.Add(-time.Second), CreatedAt: t0.Add(-time.Hour)}))
	require.NoError(t, st.InsertCSRFToken(ctx, models.CSRFToken{TokenHash: "fresh", ExpiresAt: t0.Add(time.Hour), CreatedAt: t0}))
	require.NoError(t, st.CreateSession(ctx, models.Session{ID: "s1", UserID: "u1", Active: true, CreatedAt: t0.Add(-2 * time.Hour), ExpiresAt: t0.Add(-time.Hour), LastActivity: t0.Add(-2 * time.Hour)}))
	require.NoError(t, st.CreateSession(ctx, models.Session{ID: "s2", UserID: "u1", Active: true, CreatedAt: t0, ExpiresAt: t0.Add(time.Hour), LastActivity: t0}))
	require.NoError(t, st.InsertLoginAttempt(ctx, models.LoginAttempt{IPAddress: "10.0.0.1", CreatedAt: t0.Add(-48 * time.Hour)}))
	require.NoError(t, st.InsertLoginAttempt(ctx, models.LoginAttempt{IPAddress: "10.0.0.1", CreatedAt: t0.Add(-time.Hour)}))

	c := NewCleaner(st, 24*time.Hour, zap.NewNop()).WithClock(func() time.Time { return t0 })
	rep, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{OTPCodes: 1, CSRFTokens: 1, LoginAttempts: 1, SessionsExpired: 1}, rep)

	ok, err := st.ConsumeCSRFToken(ctx, "fresh", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = st.GetActiveSession(ctx, "s2", t0)
	require.NoError(t, err)

	v, ok, err := st.GetSetting(ctx, settingLastRunAt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(t0.UnixMilli(), 10), v)

	rep, err = c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

type failingStore struct {
	*store.Store
}

func (failingStore) DeleteExpiredCSRF(context.Context, time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

func TestCleanupContinuesPastFailedStep(t *testing.T) {
	st := newStore(t)
	ctx := testContext(t)
	require.NoError(t, st.ReplaceOTP(ctx, models.OTPCode{Email: "a@b.id", CodeHash: "old", Purpose: models.PurposeLogin, ExpiresAt: t0.Add(-time.Minute), CreatedAt: t0.Add(-6 * time.Minute)}))

	c := NewCleaner(failingStore{st}, time.Hour, zap.NewNop()).WithClock(func() time.Time { return t0 })
	rep, err := c.Cleanup(ctx)
	require.ErrorContains(t, err, "csrf tokens: disk full")
	assert.EqualValues(t, 1, rep.OTPCodes)

	v, ok, err := st.GetSetting(ctx, settingLastRunError)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, v, "disk full")
}

func TestRunStopsOnCancel(t *testing.T) {
	st := newStore(t)
	ctx, cancel := context.WithCancel(testContext(t))
	done := make(chan error, 1)
	go func() { done <- NewCleaner(st, time.Hour, zap.NewNop()).Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		_, ok, _ := st.GetSetting(context.Background(), settingLastRunAt)
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.NoError(t, NewCleaner(st, time.Hour, zap.NewNop()).Run(testContext(t), 0))
}
