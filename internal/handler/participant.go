package handler

import (
	"context"
	"net/http"

	"github.com/pavelanni/rapport/internal/metrics"
	"github.com/pavelanni/rapport/internal/model"
	"github.com/pavelanni/rapport/internal/store"
)

type catalogEntry struct {
	Index        int             `json:"index"`
	Name         string          `json:"name"`
	Instructions string          `json:"instructions"`
	Variations   []string        `json:"variations"`
	DisableTimer bool            `json:"disable_timer"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Examples     []model.Example `json:"examples,omitempty"`
}

// handleCatalog lists the exercises. The teacher may ask for the full
// definitions, including what is sent to the model, with ?full=1.
func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "1" &&
		roleOf(model.IdentityFromContext(r.Context())) == model.RoleTeacher

	exercises := h.db.Catalog().Exercises()
	entries := make([]catalogEntry, len(exercises))
	for i, ex := range exercises {
		entries[i] = catalogEntry{
			Index:        i,
			Name:         ex.Name,
			Instructions: ex.Instructions,
			Variations:   ex.Variations,
			DisableTimer: ex.DisableTimer,
		}
		if full {
			entries[i].SystemPrompt = ex.SystemPrompt
			entries[i].Examples = ex.Examples
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exercises": entries})
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.db.Progress(model.IdentityFromContext(r.Context()))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type waitResponse struct {
	Changed bool   `json:"changed"`
	Version uint64 `json:"version"`
	Data    any    `json:"data,omitempty"`
}

// handleProgressWait blocks until the participant's own state changes or
// the wait timeout elapses.
func (h *Handler) handleProgressWait(w http.ResponseWriter, r *http.Request) {
	since, ok := sinceParam(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}
	name := model.IdentityFromContext(r.Context())

	ctx, cancel := h.waitContext(r)
	defer cancel()
	v, err := h.db.WaitForUserChange(ctx, name, since)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeJSON(w, http.StatusOK, waitResponse{Version: v})
		return
	}

	p, err := h.db.Progress(name)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, waitResponse{Changed: true, Version: p.Version, Data: p})
}

func (h *Handler) waitContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.config.WaitTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.config.WaitTimeout)
}

type submitRequest struct {
	Content  string `json:"content"`
	TimedOut bool   `json:"timed_out"`
}

type submitResponse struct {
	Message model.Message `json:"message"`
	Version uint64        `json:"version"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	exo, variation, ok := questionParams(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	name := model.IdentityFromContext(r.Context())
	msg, err := h.db.Submit(name, exo, variation, req.Content, store.SubmitOptions{TimedOut: req.TimedOut})
	if err != nil {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		writeStoreError(w, r, err)
		return
	}
	metrics.Submissions.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusCreated, submitResponse{Message: msg, Version: h.db.UserVersion(name)})
}
