package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"portal/internal/audit"
	"portal/internal/auth"
	"portal/internal/models"
	"portal/internal/notify"
	"portal/internal/rate"
	"portal/internal/store"
)

var (
	emailRx = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	codeRx  = regexp.MustCompile(`^[0-9]{6}$`)
)

// maxEmailLen is the longest address SMTP can carry (RFC 5321 path limit).
const maxEmailLen = 254

// OTPRequestedMessage is returned whether or not the email is registered.
const OTPRequestedMessage = "If the email is registered, an OTP code has been sent."

type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
}

// Client identifies the caller of a credential operation.
type Client struct {
	IP        string
	UserAgent string
}

type Deps struct {
	Users    UserStore
	OTP      *auth.OTPManager
	Sessions *auth.SessionManager
	CSRF     *auth.CSRFManager
	Limiter  *rate.Limiter
	Sender   notify.Sender
	Notifier notify.Dispatcher
	Audit    audit.Sink
	Log      *zap.Logger
}

// Service runs the two-step OTP login and logout over the auth managers.
type Service struct {
	users    UserStore
	otp      *auth.OTPManager
	sessions *auth.SessionManager
	csrf     *auth.CSRFManager
	limiter  *rate.Limiter
	sender   notify.Sender
	notifier notify.Dispatcher
	audit    audit.Sink
	log      *zap.Logger
	now      func() time.Time
}

func New(d Deps) *Service {
	s := &Service{
		users:    d.Users,
		otp:      d.OTP,
		sessions: d.Sessions,
		csrf:     d.CSRF,
		limiter:  d.Limiter,
		sender:   d.Sender,
		notifier: d.Notifier,
		audit:    d.Audit,
		log:      d.Log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.audit == nil {
		s.audit = audit.NoopSink{}
	}
	if s.notifier == nil {
		s.notifier = notify.NewPoolDispatcher(s.sender, 1, 20*time.Second, s.log)
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type OTPRequest struct {
	Email     string `json:"email"`
	ExpiresIn int    `json:"expires_in"`
}

type Login struct {
	SessionID string
	Session   models.Session
	User      models.User
}

// IssueCSRF creates a one-time token, associated with the caller's session
// when there is one.
func (s *Service) IssueCSRF(ctx context.Context, rawSessionID string) (string, error) {
	return s.csrf.CreateCSRFToken(ctx, rawSessionID)
}

// RequestOTP is the first login step. Unregistered and inactive emails get
// the same result as registered ones.
func (s *Service) RequestOTP(ctx context.Context, email, csrfToken string, c Client) (OTPRequest, error) {
	if err := s.checkCSRF(ctx, csrfToken); err != nil {
		return OTPRequest{}, err
	}
	if !validEmail(email) {
		return OTPRequest{}, ErrInvalidEmail
	}
	email = normalizeEmail(email)
	if _, err := s.admit(ctx, email, c); err != nil {
		return OTPRequest{}, err
	}

	res := OTPRequest{Email: email, ExpiresIn: int(s.otp.TTL().Seconds())}
	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.fail(ctx, email, c, "unknown_email"); err != nil {
			return OTPRequest{}, err
		}
		return res, nil
	}
	if err != nil {
		return OTPRequest{}, fmt.Errorf("lookup user: %w", err)
	}

	code, err := s.otp.CreateOTP(ctx, u.Email, models.PurposeLogin)
	if err != nil {
		return OTPRequest{}, err
	}
	if err := s.sender.SendOTP(ctx, u.Email, code, models.PurposeLogin, s.otp.TTL()); err != nil {
		s.log.Error("otp delivery failed", zap.String("email", u.Email), zap.Error(err))
		return OTPRequest{}, ErrDelivery
	}
	s.audit.Publish(ctx, audit.Event{Type: audit.EventOTPRequested, Email: u.Email, UserID: u.ID, IP: c.IP, UserAgent: c.UserAgent, At: s.now()})
	return res, nil
}

// VerifyOTP is the second login step. On success the returned Login carries
// the raw session id for the cookie.
func (s *Service) VerifyOTP(ctx context.Context, email, code, csrfToken string, c Client) (Login, error) {
	if err := s.checkCSRF(ctx, csrfToken); err != nil {
		return Login{}, err
	}
	if !validEmail(email) {
		return Login{}, ErrInvalidEmail
	}
	if !codeRx.MatchString(code) {
		return Login{}, ErrInvalidCode
	}
	email = normalizeEmail(email)
	decision, err := s.admit(ctx, email, c)
	if err != nil {
		return Login{}, err
	}

	// An unknown email fails exactly like a wrong code.
	badCode := &InvalidCodeError{RemainingAttempts: max(0, decision.RemainingAttempts-1)}
	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.fail(ctx, email, c, "unknown_email"); err != nil {
			return Login{}, err
		}
		return Login{}, badCode
	}
	if err != nil {
		return Login{}, fmt.Errorf("lookup user: %w", err)
	}

	ok, err := s.otp.VerifyOTP(ctx, u.Email, code, models.PurposeLogin)
	if err != nil {
		return Login{}, fmt.Errorf("verify otp: %w", err)
	}
	if !ok {
		if err := s.fail(ctx, email, c, "invalid_code"); err != nil {
			return Login{}, err
		}
		return Login{}, badCode
	}

	raw, sess, err := s.sessions.CreateSession(ctx, u.ID, c.IP, c.UserAgent)
	if err != nil {
		return Login{}, err
	}
	now := s.now()
	if err := s.users.UpdateLastLogin(ctx, u.ID, now); err != nil {
		return Login{}, fmt.Errorf("update last login: %w", err)
	}
	u.LastLoginAt = &now
	if err := s.limiter.Record(ctx, email, c.IP, c.UserAgent, true); err != nil {
		return Login{}, fmt.Errorf("record attempt: %w", err)
	}
	s.audit.Publish(ctx, audit.Event{Type: audit.EventLoginSuccess, Email: email, UserID: u.ID, IP: c.IP, UserAgent: c.UserAgent, At: now})
	s.notifier.Dispatch(notify.LoginNotificationJob(u.Email, notify.LoginInfo{IP: c.IP, UserAgent: c.UserAgent, At: now}))

	return Login{SessionID: raw, Session: sess, User: u}, nil
}

// Logout invalidates the session if there is one. It never fails towards
// the caller.
func (s *Service) Logout(ctx context.Context, rawSessionID string, c Client) {
	if rawSessionID == "" {
		return
	}
	if err := s.sessions.InvalidateSession(ctx, rawSessionID); err != nil {
		s.log.Error("invalidate session", zap.Error(err))
		return
	}
	s.audit.Publish(ctx, audit.Event{Type: audit.EventLogout, IP: c.IP, UserAgent: c.UserAgent, At: s.now()})
}

// CurrentUser resolves an active session to its active owner.
func (s *Service) CurrentUser(ctx context.Context, rawSessionID string) (models.User, models.Session, bool, error) {
	return s.sessions.GetCurrentUser(ctx, rawSessionID)
}

// RevokeUserSessions invalidates every session of userID. csrfToken is
// consumed first.
func (s *Service) RevokeUserSessions(ctx context.Context, actor models.User, userID, csrfToken string, c Client) (int64, error) {
	if err := s.checkCSRF(ctx, csrfToken); err != nil {
		return 0, err
	}
	n, err := s.sessions.InvalidateAllUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.log.Info("sessions revoked", zap.String("actor", actor.ID), zap.String("user_id", userID), zap.Int64("count", n))
	s.audit.Publish(ctx, audit.Event{Type: audit.EventSessionsRevoked, UserID: userID, IP: c.IP, UserAgent: c.UserAgent, Reason: "revoked by " + actor.ID, At: s.now()})
	return n, nil
}

func (s *Service) checkCSRF(ctx context.Context, token string) error {
	ok, err := s.csrf.VerifyCSRFToken(ctx, token)
	if err != nil {
		return fmt.Errorf("verify csrf: %w", err)
	}
	if !ok {
		return ErrCSRF
	}
	return nil
}

func (s *Service) admit(ctx context.Context, email string, c Client) (rate.Decision, error) {
	d, err := s.limiter.Check(ctx, c.IP, email)
	if err != nil {
		return rate.Decision{}, err
	}
	if !d.Allowed {
		return d, &RateLimitedError{RetryAfter: d.RetryAfterSeconds}
	}
	return d, nil
}

func (s *Service) fail(ctx context.Context, email string, c Client, reason string) error {
	if err := s.limiter.Record(ctx, email, c.IP, c.UserAgent, false); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	s.audit.Publish(ctx, audit.Event{Type: audit.EventLoginFailed, Email: email, IP: c.IP, UserAgent: c.UserAgent, Reason: reason, At: s.now()})
	return nil
}

func validEmail(email string) bool {
	email = strings.TrimSpace(email)
	return len(email) <= maxEmailLen &&
		!strings.ContainsFunc(email, unicode.IsControl) &&
		emailRx.MatchString(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
