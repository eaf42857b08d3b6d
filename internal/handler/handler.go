package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/rapport/internal/authstore"
	appI18n "github.com/pavelanni/rapport/internal/i18n"
	"github.com/pavelanni/rapport/internal/llm"
	"github.com/pavelanni/rapport/internal/model"
	"github.com/pavelanni/rapport/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	db      *store.Database
	auth    *authstore.Store
	drafter *llm.Drafter
	config  model.Config
}

// New creates a new Handler. drafter may be nil when no model is configured.
func New(db *store.Database, auth *authstore.Store, drafter *llm.Drafter, cfg model.Config) *Handler {
	return &Handler{db: db, auth: auth, drafter: drafter, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(appI18n.Middleware)
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.csrfMiddleware)
		r.Get("/session", h.handleSession)
		r.Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/api/catalog", h.handleCatalog)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.RoleParticipant))
				r.Get("/api/progress", h.handleProgress)
				r.Get("/api/progress/wait", h.handleProgressWait)
				r.Post("/api/questions/{exo}/{variation}/messages", h.handleSubmit)
			})

			r.Route("/api/teacher", func(r chi.Router) {
				r.Use(requireRole(model.RoleTeacher))
				r.Get("/queue", h.handleQueue)
				r.Get("/queue/wait", h.handleQueueWait)
				r.Post("/questions/{owner}/{exo}/{variation}/reply", h.handleReply)
				r.Post("/questions/{owner}/{exo}/{variation}/skip", h.handleSkip)
				r.Get("/stats", h.handleStats)
				r.Get("/export", h.handleExport)
				r.Post("/wipe", h.handleWipe)
			})
		})
	})
}

// BasePathMiddleware exposes the configured URL prefix to handlers.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": h.db.Version()})
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, apiError{Error: appI18n.T(r.Context(), msgID), Code: msgID})
}

// writeStoreError maps a store sentinel to its HTTP status and message.
// Anything else is an internal error.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status, msgID := storeErrorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, r, status, msgID)
}

func storeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrEmptyName):
		return http.StatusBadRequest, "ErrEmptyName"
	case errors.Is(err, store.ErrEmptyMessage):
		return http.StatusBadRequest, "ErrEmptyMessage"
	case errors.Is(err, store.ErrTimerDisabled):
		return http.StatusBadRequest, "ErrTimerDisabled"
	case errors.Is(err, store.ErrInvalidLogin):
		return http.StatusUnauthorized, "ErrInvalidLogin"
	case errors.Is(err, store.ErrGateLocked):
		return http.StatusForbidden, "ErrGateLocked"
	case errors.Is(err, store.ErrUnknownUser):
		return http.StatusNotFound, "ErrUnknownUser"
	case errors.Is(err, store.ErrNoSuchQuestion):
		return http.StatusNotFound, "ErrNoSuchQuestion"
	case errors.Is(err, store.ErrAwaitingFeedback):
		return http.StatusConflict, "ErrAwaitingFeedback"
	case errors.Is(err, store.ErrNotAwaitingFeedback):
		return http.StatusConflict, "ErrNotAwaitingFeedback"
	case errors.Is(err, store.ErrSkipBeforeFeedback):
		return http.StatusConflict, "ErrSkipBeforeFeedback"
	}
	return http.StatusInternalServerError, "ErrInternal"
}

// decodeJSON reads a bounded JSON body into v. It writes the error response
// itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Debug("bad request body", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return false
	}
	return true
}

// questionParams parses the {exo} and {variation} path segments.
func questionParams(r *http.Request) (exo, variation int, ok bool) {
	exo, err := strconv.Atoi(chi.URLParam(r, "exo"))
	if err != nil {
		return 0, 0, false
	}
	variation, err = strconv.Atoi(chi.URLParam(r, "variation"))
	if err != nil {
		return 0, 0, false
	}
	return exo, variation, true
}

// sinceParam parses ?since=; a missing value waits for any change after 0.
func sinceParam(r *http.Request) (uint64, bool) {
	s := r.URL.Query().Get("since")
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}
