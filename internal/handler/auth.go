package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/rapport/internal/metrics"
	"github.com/pavelanni/rapport/internal/model"
)

const (
	sessionCookieName = "session"
	csrfCookieName    = "csrf_token"
	csrfHeaderName    = "X-CSRF-Token"
)

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

// csrfMiddleware implements a double-submit cookie. Safe requests get a
// token cookie when they have none; other requests must echo the cookie in
// the X-CSRF-Token header or the csrf_token form field. The token is not
// rotated so concurrent long-polls and submissions share it.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(csrfCookieName)
		hasCookie := err == nil && cookie.Value != ""

		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			token := ""
			if hasCookie {
				token = cookie.Value
			} else {
				token, err = generateCSRFToken()
				if err != nil {
					slog.Error("failed to generate CSRF token", "error", err)
					writeError(w, r, http.StatusInternalServerError, "ErrInternal")
					return
				}
				http.SetCookie(w, &http.Cookie{
					Name:     csrfCookieName,
					Value:    token,
					Path:     h.cookiePath(),
					HttpOnly: false,
					Secure:   h.config.SecureCookies,
					SameSite: http.SameSiteLaxMode,
				})
			}
			ctx := model.ContextWithCSRFToken(r.Context(), token)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if !hasCookie {
			slog.Warn("CSRF cookie missing", "path", r.URL.Path)
			writeError(w, r, http.StatusForbidden, "ErrCSRF")
			return
		}
		sent := r.Header.Get(csrfHeaderName)
		if sent == "" {
			sent = r.FormValue("csrf_token")
		}
		if len(sent) != len(cookie.Value) || subtle.ConstantTimeCompare([]byte(sent), []byte(cookie.Value)) != 1 {
			slog.Warn("CSRF token mismatch", "path", r.URL.Path)
			writeError(w, r, http.StatusForbidden, "ErrCSRF")
			return
		}

		ctx := model.ContextWithCSRFToken(r.Context(), cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth is middleware that checks for a valid session cookie.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := h.sessionIdentity(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}
		ctx := model.ContextWithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionIdentity resolves the session cookie. A participant removed by a
// wipe is no longer logged in.
func (h *Handler) sessionIdentity(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	sess, err := h.auth.GetAuthSession(cookie.Value)
	if err != nil {
		slog.Error("failed to get auth session", "error", err)
		return "", false
	}
	if sess == nil {
		return "", false
	}
	if sess.Identity != model.Teacher {
		if _, ok := h.db.User(sess.Identity); !ok {
			return "", false
		}
	}
	return sess.Identity, true
}

func roleOf(identity string) model.Role {
	if identity == model.Teacher {
		return model.RoleTeacher
	}
	return model.RoleParticipant
}

// requireRole returns middleware that checks the identity has the given role.
func requireRole(allowed model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := model.IdentityFromContext(r.Context())
			if identity == "" {
				writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
				return
			}
			if roleOf(identity) != allowed {
				writeError(w, r, http.StatusForbidden, "ErrForbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type sessionResponse struct {
	Name      string     `json:"name,omitempty"`
	Role      model.Role `json:"role,omitempty"`
	CSRFToken string     `json:"csrf_token"`
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{CSRFToken: model.CSRFTokenFromContext(r.Context())}
	if identity, ok := h.sessionIdentity(r); ok {
		resp.Name, resp.Role = identity, roleOf(identity)
	}
	writeJSON(w, http.StatusOK, resp)
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if !decodeJSON(w, r, &req) {
			return
		}
	} else {
		req.Name, req.Password = r.FormValue("name"), r.FormValue("password")
	}
	name := strings.TrimSpace(req.Name)

	role, err := h.db.Login(name, req.Password)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues(string(roleOf(name)), "failure").Inc()
		writeStoreError(w, r, err)
		return
	}
	metrics.LoginAttempts.WithLabelValues(string(role), "success").Inc()

	token, err := h.auth.CreateAuthSession(name)
	if err != nil {
		slog.Error("failed to create auth session", "error", err)
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     h.cookiePath(),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.SecureCookies,
	})
	slog.Info("login", "user", name, "role", role)
	writeJSON(w, http.StatusOK, sessionResponse{
		Name:      name,
		Role:      role,
		CSRFToken: model.CSRFTokenFromContext(r.Context()),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.auth.DeleteAuthSession(cookie.Value); err != nil {
			slog.Warn("failed to delete auth session", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     h.cookiePath(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
	})
	w.WriteHeader(http.StatusNoContent)
}
