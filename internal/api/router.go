package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"portal/internal/config"
	"portal/internal/middleware"
	"portal/internal/rate"
	"portal/internal/service"
	"portal/internal/util"
	"portal/internal/version"
)

const maxBodyBytes = 16 << 10

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	cfg      config.Config
	svc      *service.Service
	db       Pinger
	throttle *rate.Throttle
	log      *zap.Logger
}

func NewRouter(cfg config.Config, svc *service.Service, db Pinger, log *zap.Logger) http.Handler {
	h := &Handlers{
		cfg:      cfg,
		svc:      svc,
		db:       db,
		throttle: rate.NewThrottle(),
		log:      log.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(log.Named("http"), cfg.TrustProxy))
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, version.Current())
	})

	r.Route("/api/auth", func(r chi.Router) {
		r.With(middleware.Throttle(h.throttle, "csrf", 60, time.Minute, cfg.TrustProxy)).Get("/csrf", h.CSRF)
		r.Get("/session", h.Session)
		r.With(middleware.Throttle(h.throttle, "request_otp", 20, time.Minute, cfg.TrustProxy)).Post("/request-otp", h.RequestOTP)
		r.With(middleware.Throttle(h.throttle, "verify_otp", 30, time.Minute, cfg.TrustProxy)).Post("/verify-otp", h.VerifyOTP)
		r.Post("/logout", h.Logout)
	})

	r.Route("/api/backend", func(r chi.Router) {
		r.Use(middleware.Authn(svc, cfg.SessionCookieName, h.log))
		r.Use(middleware.AdminOnly)
		r.Get("/me", h.Me)
		r.Post("/users/{id}/sessions/revoke", h.RevokeUserSessions)
	})

	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	ready := map[string]any{"checked_at": time.Now().UTC().Format(time.RFC3339)}
	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn("readiness check failed", zap.Error(err))
		ready["status"] = "degraded"
		ready["components"] = map[string]any{"database": map[string]any{"ok": false}}
		util.WriteJSON(w, http.StatusServiceUnavailable, ready)
		return
	}
	ready["status"] = "ready"
	ready["components"] = map[string]any{"database": map[string]any{"ok": true}}
	util.WriteJSON(w, http.StatusOK, ready)
}

func (h *Handlers) CSRF(w http.ResponseWriter, r *http.Request) {
	tok, err := h.svc.IssueCSRF(r.Context(), h.sessionCookie(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    tok,
		Path:     "/",
		HttpOnly: false,
		Secure:   h.cfg.ResolveCookieSecure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.cfg.CSRFTTL().Seconds()),
	})
	util.WriteJSON(w, http.StatusOK, map[string]string{"csrf_token": tok})
}

func (h *Handlers) Session(w http.ResponseWriter, r *http.Request) {
	raw := h.sessionCookie(r)
	if raw == "" {
		util.WriteError(w, http.StatusUnauthorized, "unauthorized", "not authenticated", middleware.RequestID(r.Context()))
		return
	}
	u, sess, ok, err := h.svc.CurrentUser(r.Context(), raw)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !ok {
		util.WriteError(w, http.StatusUnauthorized, "unauthorized", "not authenticated", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          u.Public(),
		"expires_at":    sess.ExpiresAt.Format(time.RFC3339),
	})
}

type requestOTPRequest struct {
	Email     string `json:"email"`
	CSRFToken string `json:"csrf_token"`
}

func (h *Handlers) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req requestOTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.RequestOTP(r.Context(), req.Email, csrfToken(r, req.CSRFToken), h.client(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"message":    service.OTPRequestedMessage,
		"email":      res.Email,
		"expires_in": res.ExpiresIn,
	})
}

type verifyOTPRequest struct {
	Email     string `json:"email"`
	OTP       string `json:"otp"`
	CSRFToken string `json:"csrf_token"`
}

func (h *Handlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	login, err := h.svc.VerifyOTP(r.Context(), req.Email, req.OTP, csrfToken(r, req.CSRFToken), h.client(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.setSessionCookie(w, r, login.SessionID)
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "login successful",
		"user":    login.User.Public(),
	})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Context(), h.sessionCookie(r), h.client(r))
	h.clearAuthCookies(w, r)
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	util.WriteJSON(w, http.StatusOK, u.Public())
}

func (h *Handlers) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.User(r.Context())
	userID := chi.URLParam(r, "id")
	n, err := h.svc.RevokeUserSessions(r.Context(), actor, userID, r.Header.Get("X-CSRF-Token"), h.client(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "revoked": n})
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		util.WriteError(w, http.StatusBadRequest, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return false
	}
	return true
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	out := service.Public(err)
	rid := middleware.RequestID(r.Context())
	if out.Status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("request_id", rid), zap.String("path", r.URL.Path), zap.Error(err))
	}
	util.WriteAPIError(w, out.Status, util.APIError{
		Code:              out.Code,
		Message:           out.Message,
		RequestID:         rid,
		RetryAfter:        out.RetryAfter,
		RemainingAttempts: out.RemainingAttempts,
	})
}

func (h *Handlers) client(r *http.Request) service.Client {
	return service.Client{IP: middleware.ClientIP(r, h.cfg.TrustProxy), UserAgent: r.UserAgent()}
}

func (h *Handlers) sessionCookie(r *http.Request) string {
	c, err := r.Cookie(h.cfg.SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// csrfToken prefers the body field and falls back to the X-CSRF-Token header.
func csrfToken(r *http.Request, fromBody string) string {
	if v := strings.TrimSpace(fromBody); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.ResolveCookieSecure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.cfg.SessionTTL().Seconds()),
	})
}

func (h *Handlers) clearAuthCookies(w http.ResponseWriter, r *http.Request) {
	secure := h.cfg.ResolveCookieSecure(r)
	expiredAt := time.Unix(1, 0).UTC()
	for _, c := range []struct {
		name     string
		httpOnly bool
	}{{h.cfg.SessionCookieName, true}, {h.cfg.CSRFCookieName, false}} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     "/",
			HttpOnly: c.httpOnly,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
			Expires:  expiredAt,
		})
	}
}
