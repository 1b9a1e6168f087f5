package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"portal/internal/db"
	"portal/internal/models"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

// Widths of client-supplied columns in the narrowest schema (mysql).
const (
	maxEmailLen     = 255
	maxIPLen        = 64
	maxUserAgentLen = 512
)

const replaceOTPAttempts = 3

// Store persists users, settings and the credential lifecycle tables.
// Timestamps are stored as UTC unix milliseconds.
type Store struct {
	db      *sql.DB
	dialect db.Dialect
}

func New(conn *sql.DB, dialect db.Dialect) *Store { return &Store{db: conn, dialect: dialect} }

func (s *Store) q(query string) string { return db.Rebind(s.dialect, query) }

func (s *Store) CreateUser(ctx context.Context, email, name string, role models.Role, now time.Time) (models.User, error) {
	now = now.UTC()
	u := models.User{
		ID:        uuid.NewString(),
		Email:     normalizeEmail(email),
		Name:      strings.TrimSpace(name),
		Role:      role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO users(id,email,name,role,is_active,email_verified,last_login,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?)`),
		u.ID, u.Email, u.Name, string(u.Role), 1, 0, nil, ms(now), ms(now),
	)
	if err != nil && isUniqueErr(err) {
		return models.User{}, ErrConflict
	}
	return u, err
}

// EnsureAdmin provisions an active, verified admin for email, promoting an
// existing user when present.
func (s *Store) EnsureAdmin(ctx context.Context, email, name string, now time.Time) error {
	email = normalizeEmail(email)
	if email == "" {
		return nil
	}
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM users WHERE email=?`), email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			s.q(`INSERT INTO users(id,email,name,role,is_active,email_verified,last_login,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?)`),
			uuid.NewString(), email, strings.TrimSpace(name), string(models.RoleAdmin), 1, 1, nil, ms(now), ms(now),
		)
		return err
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`UPDATE users SET role=?, is_active=1, email_verified=1, updated_at=? WHERE id=?`),
		string(models.RoleAdmin), ms(now), id,
	)
	return err
}

func (s *Store) SetUserActive(ctx context.Context, userID string, active bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET is_active=?, updated_at=? WHERE id=?`), boolToInt(active), ms(now), userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const userColumns = `id,email,name,role,is_active,email_verified,last_login,created_at,updated_at`

// GetUserByEmail returns the active user registered under email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE email=? AND is_active=1`), normalizeEmail(email))
	return scanUser(row)
}

// GetUserByID returns the active user with id.
func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id=? AND is_active=1`), id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (models.User, error) {
	var u models.User
	var role string
	var active, verified int
	var lastLogin sql.NullInt64
	var created, updated int64
	err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &active, &verified, &lastLogin, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	u.Role = models.Role(role)
	u.Active = active == 1
	u.EmailVerified = verified == 1
	u.CreatedAt = fromMS(created)
	u.UpdatedAt = fromMS(updated)
	if lastLogin.Valid {
		t := fromMS(lastLogin.Int64)
		u.LastLoginAt = &t
	}
	return u, nil
}

func (s *Store) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET last_login=?, updated_at=? WHERE id=?`), ms(at), ms(at), userID)
	return err
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT setting_value FROM app_settings WHERE setting_key=?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) UpsertSetting(ctx context.Context, key, value string, now time.Time) error {
	query := `INSERT INTO app_settings(setting_key,setting_value,updated_at) VALUES(?,?,?)
		 ON CONFLICT(setting_key) DO UPDATE SET setting_value=excluded.setting_value, updated_at=excluded.updated_at`
	if s.dialect == db.MySQL {
		query = `INSERT INTO app_settings(setting_key,setting_value,updated_at) VALUES(?,?,?)
		 ON DUPLICATE KEY UPDATE setting_value=VALUES(setting_value), updated_at=VALUES(updated_at)`
	}
	_, err := s.db.ExecContext(ctx, s.q(query), key, value, ms(now))
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO sessions(id,user_id,ip_address,user_agent,is_active,created_at,expires_at,last_activity) VALUES(?,?,?,?,?,?,?,?)`),
		sess.ID, sess.UserID, clientText(sess.IPAddress, maxIPLen), clientText(sess.UserAgent, maxUserAgentLen), boolToInt(sess.Active), ms(sess.CreatedAt), ms(sess.ExpiresAt), ms(sess.LastActivity),
	)
	return err
}

// GetActiveSession returns the session with id if it is active and expires after now.
func (s *Store) GetActiveSession(ctx context.Context, id string, now time.Time) (models.Session, error) {
	var sess models.Session
	var active int
	var created, expires, last int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id,user_id,ip_address,user_agent,is_active,created_at,expires_at,last_activity FROM sessions WHERE id=? AND is_active=1 AND expires_at>?`),
		id, ms(now),
	).Scan(&sess.ID, &sess.UserID, &sess.IPAddress, &sess.UserAgent, &active, &created, &expires, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	sess.Active = active == 1
	sess.CreatedAt = fromMS(created)
	sess.ExpiresAt = fromMS(expires)
	sess.LastActivity = fromMS(last)
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET last_activity=? WHERE id=? AND is_active=1`), ms(at), id)
	return err
}

func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET is_active=0 WHERE id=?`), id)
	return err
}

func (s *Store) DeactivateUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET is_active=0 WHERE user_id=? AND is_active=1`), userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeactivateExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET is_active=0 WHERE is_active=1 AND expires_at<=?`), ms(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReplaceOTP marks every unused code for (email, purpose) as used and stores
// otp in the same transaction. At most one unused code per (email, purpose)
// is enforced by a unique index; a concurrent replacement that loses the race
// is retried.
func (s *Store) ReplaceOTP(ctx context.Context, otp models.OTPCode) error {
	if otp.ID == "" {
		otp.ID = uuid.NewString()
	}
	var err error
	for i := 0; i < replaceOTPAttempts; i++ {
		if err = s.replaceOTP(ctx, otp); err == nil || !isRetryableErr(err) {
			return err
		}
	}
	return err
}

func (s *Store) replaceOTP(ctx context.Context, otp models.OTPCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		s.q(`UPDATE otp_codes SET is_used=1 WHERE email=? AND purpose=? AND is_used=0`),
		otp.Email, string(otp.Purpose),
	); err != nil {
		return fmt.Errorf("invalidate otp: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO otp_codes(id,email,code_hash,purpose,is_used,expires_at,created_at) VALUES(?,?,?,?,?,?,?)`),
		otp.ID, otp.Email, otp.CodeHash, string(otp.Purpose), 0, ms(otp.ExpiresAt), ms(otp.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert otp: %w", err)
	}
	return tx.Commit()
}

// ConsumeOTP marks the matching unused, unexpired code as used. It reports
// false when no row qualified. The check and the mark are one statement.
func (s *Store) ConsumeOTP(ctx context.Context, email string, purpose models.Purpose, codeHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE otp_codes SET is_used=1 WHERE email=? AND purpose=? AND code_hash=? AND is_used=0 AND expires_at>?`),
		email, string(purpose), codeHash, ms(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteExpiredOTPs(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM otp_codes WHERE expires_at<=?`), ms(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) InsertCSRFToken(ctx context.Context, tok models.CSRFToken) error {
	var sessionID any
	if tok.SessionID != nil {
		sessionID = *tok.SessionID
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO csrf_tokens(token_hash,session_id,expires_at,created_at) VALUES(?,?,?,?)`),
		tok.TokenHash, sessionID, ms(tok.ExpiresAt), ms(tok.CreatedAt),
	)
	return err
}

// ConsumeCSRFToken deletes the token if it has not expired and reports whether it did.
func (s *Store) ConsumeCSRFToken(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM csrf_tokens WHERE token_hash=? AND expires_at>?`), tokenHash, ms(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteExpiredCSRF(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM csrf_tokens WHERE expires_at<=?`), ms(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) InsertLoginAttempt(ctx context.Context, a models.LoginAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var email any
	if a.Email != nil {
		email = clientText(*a.Email, maxEmailLen)
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO login_attempts(id,email,ip_address,user_agent,success,created_at) VALUES(?,?,?,?,?,?)`),
		a.ID, email, clientText(a.IPAddress, maxIPLen), clientText(a.UserAgent, maxUserAgentLen), boolToInt(a.Success), ms(a.CreatedAt),
	)
	return err
}

func (s *Store) CountFailedAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(1) FROM login_attempts WHERE ip_address=? AND success=0 AND created_at>?`),
		clientText(ip, maxIPLen), ms(since),
	).Scan(&n)
	return n, err
}

func (s *Store) CountFailedAttemptsByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(1) FROM login_attempts WHERE email=? AND success=0 AND created_at>?`),
		clientText(email, maxEmailLen), ms(since),
	).Scan(&n)
	return n, err
}

// OldestFailedAttempt returns the earliest failed attempt after since that
// matches ip or, when non-empty, email.
func (s *Store) OldestFailedAttempt(ctx context.Context, ip, email string, since time.Time) (time.Time, bool, error) {
	ip, email = clientText(ip, maxIPLen), clientText(email, maxEmailLen)
	var oldest sql.NullInt64
	var err error
	if email == "" {
		err = s.db.QueryRowContext(ctx,
			s.q(`SELECT MIN(created_at) FROM login_attempts WHERE success=0 AND created_at>? AND ip_address=?`),
			ms(since), ip,
		).Scan(&oldest)
	} else {
		err = s.db.QueryRowContext(ctx,
			s.q(`SELECT MIN(created_at) FROM login_attempts WHERE success=0 AND created_at>? AND (ip_address=? OR email=?)`),
			ms(since), ip, email,
		).Scan(&oldest)
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return fromMS(oldest.Int64), true, nil
}

func (s *Store) DeleteAttemptsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM login_attempts WHERE created_at<?`), ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isUniqueErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func isRetryableErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return isUniqueErr(err) ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked")
}

// clientText makes a request-derived value storable in every dialect: valid
// UTF-8, no NUL bytes, at most n characters.
func clientText(v string, n int) string {
	v = strings.ReplaceAll(strings.ToValidUTF8(v, "\uFFFD"), "\x00", "")
	if utf8.RuneCountInString(v) <= n {
		return v
	}
	return string([]rune(v)[:n])
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }
