package rate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"portal/internal/models"
)

// SettingMaxLoginAttempts overrides the configured threshold when present.
const SettingMaxLoginAttempts = "max_login_attempts"

type AttemptStore interface {
	InsertLoginAttempt(ctx context.Context, a models.LoginAttempt) error
	CountFailedAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountFailedAttemptsByEmail(ctx context.Context, email string, since time.Time) (int, error)
	OldestFailedAttempt(ctx context.Context, ip, email string, since time.Time) (time.Time, bool, error)
}

type SettingsProvider interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

type Decision struct {
	Allowed           bool
	RemainingAttempts int
	RetryAfterSeconds int
}

// Limiter admits credential attempts by counting failed login attempts per IP
// and per email inside a trailing window. The stricter of the two counts wins.
type Limiter struct {
	attempts   AttemptStore
	settings   SettingsProvider
	defaultMax int
	window     time.Duration
	now        func() time.Time
}

func NewLimiter(attempts AttemptStore, settings SettingsProvider, defaultMax int, window time.Duration) *Limiter {
	return &Limiter{
		attempts:   attempts,
		settings:   settings,
		defaultMax: defaultMax,
		window:     window,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) Window() time.Duration { return l.window }

// MaxAttempts reads the threshold setting on every call. Missing or
// unparsable values fall back to the configured default.
func (l *Limiter) MaxAttempts(ctx context.Context) int {
	if l.settings == nil {
		return l.defaultMax
	}
	v, ok, err := l.settings.GetSetting(ctx, SettingMaxLoginAttempts)
	if err != nil || !ok {
		return l.defaultMax
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return l.defaultMax
	}
	return n
}

// Check is read-only. email may be empty.
func (l *Limiter) Check(ctx context.Context, ip, email string) (Decision, error) {
	now := l.now()
	since := now.Add(-l.window)
	limit := l.MaxAttempts(ctx)

	count, err := l.attempts.CountFailedAttemptsByIP(ctx, ip, since)
	if err != nil {
		return Decision{}, fmt.Errorf("count attempts by ip: %w", err)
	}
	if email != "" {
		byEmail, err := l.attempts.CountFailedAttemptsByEmail(ctx, email, since)
		if err != nil {
			return Decision{}, fmt.Errorf("count attempts by email: %w", err)
		}
		if byEmail > count {
			count = byEmail
		}
	}

	d := Decision{Allowed: count < limit, RemainingAttempts: limit - count}
	if d.RemainingAttempts < 0 {
		d.RemainingAttempts = 0
	}
	if d.Allowed {
		return d, nil
	}

	oldest, ok, err := l.attempts.OldestFailedAttempt(ctx, ip, email, since)
	if err != nil {
		return Decision{}, fmt.Errorf("oldest attempt: %w", err)
	}
	if ok {
		d.RetryAfterSeconds = ceilSeconds(oldest.Add(l.window).Sub(now))
	}
	return d, nil
}

// Record appends to the attempt log. An empty email is stored as NULL.
func (l *Limiter) Record(ctx context.Context, email, ip, userAgent string, success bool) error {
	a := models.LoginAttempt{IPAddress: ip, UserAgent: userAgent, Success: success, CreatedAt: l.now()}
	if email != "" {
		a.Email = &email
	}
	return l.attempts.InsertLoginAttempt(ctx, a)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
