package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"portal/internal/auth"
	"portal/internal/config"
	"portal/internal/db"
	"portal/internal/models"
	"portal/internal/notify"
	"portal/internal/rate"
	"portal/internal/service"
	"portal/internal/store"
)

const testPepper = "this_is_a_valid_long_otp_pepper_123456"

type codeSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *codeSender) SendOTP(ctx context.Context, to, code string, purpose models.Purpose, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[to] = code
	return nil
}

func (s *codeSender) SendLoginNotification(ctx context.Context, to string, info notify.LoginInfo) error {
	return nil
}

func (s *codeSender) code(to string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[to]
}

type discardDispatcher struct{}

func (discardDispatcher) Dispatch(notify.Job) {}

type testEnv struct {
	router http.Handler
	st     *store.Store
	sender *codeSender
	cfg    config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqdb.Close() })
	require.NoError(t, db.ApplyMigrations(sqdb, db.SQLite))
	st := store.New(sqdb, db.SQLite)

	cfg := config.Config{
		SessionCookieName:      "session_id",
		CSRFCookieName:         "csrf_token",
		SessionTTLHours:        24,
		CSRFTTLHours:           24,
		OTPTTLMinutes:          5,
		OTPPepper:              testPepper,
		CookieSecureMode:       "always",
		RateLimitMaxAttempts:   5,
		RateLimitWindowMinutes: 15,
	}
	sender := &codeSender{codes: map[string]string{}}
	svc := service.New(service.Deps{
		Users:    st,
		OTP:      auth.NewOTPManager(st, cfg.OTPPepper, cfg.OTPTTL()),
		Sessions: auth.NewSessionManager(st, cfg.SessionTTL()),
		CSRF:     auth.NewCSRFManager(st, cfg.CSRFTTL()),
		Limiter:  rate.NewLimiter(st, st, cfg.RateLimitMaxAttempts, cfg.RateLimitWindow()),
		Sender:   sender,
		Notifier: discardDispatcher{},
		Log:      zap.NewNop(),
	})

	ctx := testContext(t)
	_, err = st.CreateUser(ctx, "admin@merauke.go.id", "Admin Merauke", models.RoleAdmin, time.Now())
	require.NoError(t, err)
	_, err = st.CreateUser(ctx, "staff@merauke.go.id", "Staff", models.RoleUser, time.Now())
	require.NoError(t, err)

	return &testEnv{router: NewRouter(cfg, svc, st, zap.NewNop()), st: st, sender: sender, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:40000"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "router-test")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) csrf(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/api/auth/csrf", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		CSRFToken string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.CSRFToken, 64)
	return out.CSRFToken
}

func (e *testEnv) login(t *testing.T, email string) *http.Cookie {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/request-otp", map[string]string{"email": email, "csrf_token": e.csrf(t)})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": email, "otp": e.sender.code(email), "csrf_token": e.csrf(t)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := findCookie(rec, "session_id")
	require.NotNil(t, c)
	return c
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCSRFEndpointSetsScriptReadableCookie(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/auth/csrf", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	c := findCookie(rec, "csrf_token")
	require.NotNil(t, c)
	assert.False(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, 86400, c.MaxAge)
	assert.Equal(t, decodeMap(t, rec)["csrf_token"], c.Value)
}

func TestLoginFlowIssuesSessionCookie(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/request-otp", map[string]string{"email": "admin@merauke.go.id", "csrf_token": env.csrf(t)})
	require.Equal(t, http.StatusOK, rec.Code)
	code := env.sender.code("admin@merauke.go.id")
	require.Regexp(t, `^[0-9]{6}$`, code)

	rec = env.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": "admin@merauke.go.id", "otp": code, "csrf_token": env.csrf(t)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	c := findCookie(rec, "session_id")
	require.NotNil(t, c)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, 86400, c.MaxAge)
	assert.NotContains(t, rec.Body.String(), c.Value)

	body := decodeMap(t, rec)
	user := body["user"].(map[string]any)
	assert.Equal(t, "admin@merauke.go.id", user["email"])
	assert.Equal(t, "admin", user["role"])
	assert.ElementsMatch(t, []string{"id", "email", "name", "role"}, keys(user))

	u, err := env.st.GetUserByEmail(testContext(t), "admin@merauke.go.id")
	require.NoError(t, err)
	assert.NotNil(t, u.LastLoginAt)

	rec = env.do(t, http.MethodGet, "/api/auth/session", nil, c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec)["authenticated"])

	rec = env.do(t, http.MethodGet, "/api/backend/me", nil, c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, u.ID, decodeMap(t, rec)["id"])
}

func TestCSRFHeaderFallback(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/request-otp", bytes.NewBufferString(`{"email":"admin@merauke.go.id"}`))
	req.RemoteAddr = "10.0.0.1:40000"
	req.Header.Set("X-CSRF-Token", env.csrf(t))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestOTPEnumerationResistance(t *testing.T) {
	env := newTestEnv(t)

	known := env.do(t, http.MethodPost, "/api/auth/request-otp", map[string]string{"email": "admin@merauke.go.id", "csrf_token": env.csrf(t)})
	unknown := env.do(t, http.MethodPost, "/api/auth/request-otp", map[string]string{"email": "ghost@merauke.go.id", "csrf_token": env.csrf(t)})

	require.Equal(t, http.StatusOK, known.Code)
	assert.Equal(t, known.Code, unknown.Code)
	k, u := decodeMap(t, known), decodeMap(t, unknown)
	assert.ElementsMatch(t, keys(k), keys(u))
	assert.Equal(t, k["message"], u["message"])
	assert.Equal(t, k["expires_in"], u["expires_in"])
}

func TestInvalidCSRFRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/auth/request-otp", map[string]string{"email": "admin@merauke.go.id", "csrf_token": "nope"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "csrf_invalid", decodeMap(t, rec)["code"])
	assert.Empty(t, env.sender.code("admin@merauke.go.id"))

	rec = env.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": "admin@merauke.go.id", "otp": "123456"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMalformedInput(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/auth/request-otp", map[string]string{"email": "admin", "csrf_token": env.csrf(t)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_email", decodeMap(t, rec)["code"])

	rec = env.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": "admin@merauke.go.id", "otp": "12ab56", "csrf_token": env.csrf(t)})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/verify-otp", bytes.NewBufferString("{"))
	out := httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	require.Equal(t, http.StatusBadRequest, out.Code)
}

func TestWrongCodeReportsRemainingAttempts(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/auth/request-otp", map[string]string{"email": "admin@merauke.go.id", "csrf_token": env.csrf(t)})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": "admin@merauke.go.id", "otp": wrong(env.sender.code("admin@merauke.go.id")), "csrf_token": env.csrf(t)})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "invalid_otp", body["code"])
	assert.EqualValues(t, 4, body["remaining_attempts"])
	assert.Nil(t, findCookie(rec, "session_id"))
}

func TestLockoutReturns429(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/auth/request-otp", map[string]string{"email": "admin@merauke.go.id", "csrf_token": env.csrf(t)})
	require.Equal(t, http.StatusOK, rec.Code)
	code := env.sender.code("admin@merauke.go.id")

	for i := 0; i < 5; i++ {
		rec = env.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": "admin@merauke.go.id", "otp": wrong(code), "csrf_token": env.csrf(t)})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": "admin@merauke.go.id", "otp": code, "csrf_token": env.csrf(t)})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "rate_limited", body["code"])
	retry, ok := body["retry_after"].(float64)
	require.True(t, ok)
	assert.Greater(t, retry, 0.0)
	assert.LessOrEqual(t, retry, 900.0)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Nil(t, findCookie(rec, "session_id"))
}

func TestLogoutClearsCookies(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "admin@merauke.go.id")

	rec := env.do(t, http.MethodPost, "/api/auth/logout", nil, session)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, name := range []string{"session_id", "csrf_token"} {
		c := findCookie(rec, name)
		require.NotNil(t, c, name)
		assert.Empty(t, c.Value)
		assert.Less(t, c.MaxAge, 0, "Max-Age=0 is parsed as a negative MaxAge")
		assert.Equal(t, "/", c.Path)
	}

	rec = env.do(t, http.MethodGet, "/api/auth/session", nil, session)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBackendRequiresAdminSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/backend/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	staff := env.login(t, "staff@merauke.go.id")
	rec = env.do(t, http.MethodGet, "/api/backend/me", nil, staff)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminRevokesUserSessions(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin@merauke.go.id")
	staff := env.login(t, "staff@merauke.go.id")
	u, err := env.st.GetUserByEmail(testContext(t), "staff@merauke.go.id")
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/backend/users/"+u.ID+"/sessions/revoke", nil, admin)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/backend/users/"+u.ID+"/sessions/revoke", nil)
	req.RemoteAddr = "10.0.0.1:40000"
	req.AddCookie(admin)
	req.Header.Set("X-CSRF-Token", env.csrf(t))
	out := httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code, out.Body.String())
	assert.EqualValues(t, 1, decodeMap(t, out)["revoked"])

	rec = env.do(t, http.MethodGet, "/api/auth/session", nil, staff)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health/live", nil).Code)
	rec := env.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeMap(t, rec)["status"])
	rec = env.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeMap(t, rec)["version"])
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func wrong(code string) string {
	if code == "111111" {
		return "222222"
	}
	return "111111"
}
