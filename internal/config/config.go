package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"portal/internal/db"
)

type Config struct {
	Env        string
	ListenAddr string

	DBDriver          string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	SessionCookieName  string
	CSRFCookieName     string
	SessionTTLHours    int
	CSRFTTLHours       int
	OTPTTLMinutes      int
	OTPPepper          string
	CookieSecureMode   string
	TrustProxy         bool
	CORSAllowedOrigins []string

	RateLimitMaxAttempts   int
	RateLimitWindowMinutes int

	MailSender             string
	MailFrom               string
	MailFromName           string
	SMTPHost               string
	SMTPPort               int
	SMTPUser               string
	SMTPPass               string
	SMTPTLS                bool
	SMTPStartTLS           bool
	SMTPInsecureSkipVerify bool

	NotifyWorkers    int
	NotifyTimeoutSec int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	NotifyQueueKey   string

	AuditKafkaBrokers []string
	AuditKafkaTopic   string

	CleanupIntervalMin    int
	AttemptRetentionHours int

	BootstrapAdminEmail string
	BootstrapAdminName  string

	LogLevel  string
	LogFormat string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
}

func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		Env:                      strings.ToLower(env("APP_ENV", "development")),
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		DBDriver:                 strings.ToLower(env("APP_DB_DRIVER", "sqlite")),
		DBDSN:                    env("APP_DB_DSN", "./data/portal.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		SessionCookieName:        env("SESSION_COOKIE_NAME", "session_id"),
		CSRFCookieName:           env("CSRF_COOKIE_NAME", "csrf_token"),
		SessionTTLHours:          envInt("SESSION_TTL_HOURS", 24),
		CSRFTTLHours:             envInt("CSRF_TTL_HOURS", 24),
		OTPTTLMinutes:            envInt("OTP_TTL_MINUTES", 5),
		OTPPepper:                env("OTP_PEPPER", ""),
		CookieSecureMode:         strings.ToLower(strings.TrimSpace(os.Getenv("COOKIE_SECURE_MODE"))),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		RateLimitMaxAttempts:     envInt("RATE_LIMIT_MAX_ATTEMPTS", 5),
		RateLimitWindowMinutes:   envInt("RATE_LIMIT_WINDOW_MINUTES", 15),
		MailSender:               strings.ToLower(env("MAIL_SENDER", "log")),
		MailFrom:                 env("MAIL_FROM", "noreply@example.go.id"),
		MailFromName:             env("MAIL_FROM_NAME", "Portal Website & Aplikasi"),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		SMTPUser:                 env("SMTP_USER", ""),
		SMTPPass:                 env("SMTP_PASS", ""),
		SMTPTLS:                  envBool("SMTP_TLS", false),
		SMTPStartTLS:             envBool("SMTP_STARTTLS", true),
		SMTPInsecureSkipVerify:   envBool("SMTP_INSECURE_SKIP_VERIFY", false),
		NotifyWorkers:            envInt("NOTIFY_WORKERS", 4),
		NotifyTimeoutSec:         envInt("NOTIFY_TIMEOUT_SEC", 20),
		RedisAddr:                env("REDIS_ADDR", ""),
		RedisPassword:            env("REDIS_PASSWORD", ""),
		RedisDB:                  envInt("REDIS_DB", 0),
		NotifyQueueKey:           env("NOTIFY_QUEUE_KEY", "portal:notify"),
		AuditKafkaBrokers:        envCSV("AUDIT_KAFKA_BROKERS"),
		AuditKafkaTopic:          env("AUDIT_KAFKA_TOPIC", "portal.auth-events"),
		CleanupIntervalMin:       envInt("CLEANUP_INTERVAL_MIN", 0),
		AttemptRetentionHours:    envInt("ATTEMPT_RETENTION_HOURS", 24),
		BootstrapAdminEmail:      env("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminName:       env("BOOTSTRAP_ADMIN_NAME", "Administrator"),
		LogLevel:                 strings.ToLower(env("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(env("LOG_FORMAT", "console")),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
	}

	if cfg.CookieSecureMode == "" {
		// COOKIE_SECURE is the older boolean form.
		if v := strings.TrimSpace(os.Getenv("COOKIE_SECURE")); v != "" {
			if envBool("COOKIE_SECURE", false) {
				cfg.CookieSecureMode = "always"
			} else {
				cfg.CookieSecureMode = "never"
			}
		} else if cfg.IsProduction() {
			cfg.CookieSecureMode = "always"
		} else {
			cfg.CookieSecureMode = "auto"
		}
	}

	if d, err := db.ParseDialect(cfg.DBDriver); err == nil {
		cfg.DBDriver = string(d)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SessionTTLHours <= 0 || c.CSRFTTLHours <= 0 || c.OTPTTLMinutes <= 0 {
		return fmt.Errorf("session, csrf and otp lifetimes must be positive")
	}
	if c.DBMaxOpenConns <= 0 || c.DBMaxIdleConns < 0 {
		return fmt.Errorf("invalid DB pool config")
	}
	if _, err := db.ParseDialect(c.DBDriver); err != nil {
		return fmt.Errorf("APP_DB_DRIVER must be one of: sqlite, mysql, pgx (postgres): %w", err)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("APP_DB_DSN is required")
	}
	if strings.TrimSpace(c.OTPPepper) == "" || len(c.OTPPepper) < 24 {
		return fmt.Errorf("OTP_PEPPER must be set to a strong value (>=24 chars)")
	}
	if c.RateLimitMaxAttempts <= 0 || c.RateLimitWindowMinutes <= 0 {
		return fmt.Errorf("rate limit attempts and window must be positive")
	}
	switch c.CookieSecureMode {
	case "always", "never", "auto":
	default:
		return fmt.Errorf("COOKIE_SECURE_MODE must be one of: always, never, auto")
	}
	if c.IsProduction() && c.CookieSecureMode == "never" {
		return fmt.Errorf("COOKIE_SECURE_MODE=never is not allowed in production")
	}
	switch c.MailSender {
	case "log", "smtp":
	default:
		return fmt.Errorf("MAIL_SENDER must be one of: log, smtp")
	}
	if c.MailSender == "smtp" && c.SMTPPort <= 0 {
		return fmt.Errorf("invalid SMTP port")
	}
	if c.NotifyWorkers <= 0 {
		return fmt.Errorf("NOTIFY_WORKERS must be positive")
	}
	if c.NotifyTimeoutSec <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT_SEC must be positive")
	}
	if len(c.AuditKafkaBrokers) > 0 && strings.TrimSpace(c.AuditKafkaTopic) == "" {
		return fmt.Errorf("AUDIT_KAFKA_TOPIC is required when AUDIT_KAFKA_BROKERS is set")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c Config) CSRFTTL() time.Duration {
	return time.Duration(c.CSRFTTLHours) * time.Hour
}

func (c Config) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLMinutes) * time.Minute
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMinutes) * time.Minute
}

func (c Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSec) * time.Second
}

// ResolveCookieSecure decides the Secure attribute for cookies set on r.
func (c Config) ResolveCookieSecure(r *http.Request) bool {
	switch c.CookieSecureMode {
	case "always":
		return true
	case "never":
		return false
	}
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if c.TrustProxy {
		proto := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0])
		return strings.EqualFold(proto, "https")
	}
	return false
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
