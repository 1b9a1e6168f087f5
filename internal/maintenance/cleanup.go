package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	settingLastRunAt    = "cleanup_last_run_at"
	settingLastRunError = "cleanup_last_run_error"
)

type Store interface {
	DeleteExpiredOTPs(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredCSRF(ctx context.Context, now time.Time) (int64, error)
	DeleteAttemptsBefore(ctx context.Context, before time.Time) (int64, error)
	DeactivateExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	UpsertSetting(ctx context.Context, key, value string, now time.Time) error
}

// Report counts the rows touched by one cleanup pass.
type Report struct {
	OTPCodes        int64 `json:"otp_codes"`
	CSRFTokens      int64 `json:"csrf_tokens"`
	LoginAttempts   int64 `json:"login_attempts"`
	SessionsExpired int64 `json:"sessions_expired"`
}

// Cleaner removes expired OTP codes and CSRF tokens, deactivates expired
// sessions and prunes login attempts older than the retention period.
type Cleaner struct {
	st        Store
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewCleaner(st Store, retention time.Duration, log *zap.Logger) *Cleaner {
	return &Cleaner{
		st:        st,
		retention: retention,
		log:       log.Named("cleanup"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (c *Cleaner) WithClock(now func() time.Time) *Cleaner {
	c.now = now
	return c
}

// Cleanup runs one pass. Steps run independently; the first error is
// returned after all of them were attempted.
func (c *Cleaner) Cleanup(ctx context.Context) (Report, error) {
	now := c.now()
	var (
		rep  Report
		errs []error
	)
	step := func(name string, dst *int64, fn func() (int64, error)) {
		n, err := fn()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}
	step("otp codes", &rep.OTPCodes, func() (int64, error) { return c.st.DeleteExpiredOTPs(ctx, now) })
	step("csrf tokens", &rep.CSRFTokens, func() (int64, error) { return c.st.DeleteExpiredCSRF(ctx, now) })
	step("login attempts", &rep.LoginAttempts, func() (int64, error) { return c.st.DeleteAttemptsBefore(ctx, now.Add(-c.retention)) })
	step("sessions", &rep.SessionsExpired, func() (int64, error) { return c.st.DeactivateExpiredSessions(ctx, now) })

	err := errors.Join(errs...)
	c.recordRun(ctx, now, err)
	if err != nil {
		c.log.Error("cleanup failed", zap.Error(err))
		return rep, err
	}
	c.log.Info("cleanup finished",
		zap.Int64("otp_codes", rep.OTPCodes),
		zap.Int64("csrf_tokens", rep.CSRFTokens),
		zap.Int64("login_attempts", rep.LoginAttempts),
		zap.Int64("sessions_expired", rep.SessionsExpired),
	)
	return rep, nil
}

// Run calls Cleanup every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = c.Cleanup(ctx)
		}
	}
}

func (c *Cleaner) recordRun(ctx context.Context, at time.Time, runErr error) {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := c.st.UpsertSetting(ctx, settingLastRunAt, strconv.FormatInt(at.UnixMilli(), 10), at); err != nil {
		c.log.Warn("record cleanup run", zap.Error(err))
		return
	}
	if err := c.st.UpsertSetting(ctx, settingLastRunError, msg, at); err != nil {
		c.log.Warn("record cleanup run", zap.Error(err))
	}
}
