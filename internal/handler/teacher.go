package handler

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	appI18n "github.com/pavelanni/rapport/internal/i18n"
	"github.com/pavelanni/rapport/internal/llm"
	"github.com/pavelanni/rapport/internal/metrics"
	"github.com/pavelanni/rapport/internal/model"
)

// draftConcurrency bounds parallel model calls for one queue request.
const draftConcurrency = 4

type queueItem struct {
	Owner            string          `json:"owner"`
	Exercise         int             `json:"exercise"`
	Variation        int             `json:"variation"`
	ExerciseName     string          `json:"exercise_name"`
	Stimulus         string          `json:"stimulus"`
	Since            time.Time       `json:"since"`
	Messages         []model.Message `json:"messages"`
	NeverGotFeedback bool            `json:"never_got_feedback"`
	Draft            string          `json:"draft,omitempty"`
	DraftError       string          `json:"draft_error,omitempty"`
}

type queueResponse struct {
	Version uint64      `json:"version"`
	Model   string      `json:"model"`
	Summary string      `json:"summary"`
	Items   []queueItem `json:"items"`
}

// selectModel resolves ?model=, falling back to the configured default.
// When a list of models is configured, only those are accepted.
func (h *Handler) selectModel(r *http.Request) (string, bool) {
	m := strings.TrimSpace(r.URL.Query().Get("model"))
	switch {
	case m == "":
		return h.config.DefaultModel, true
	case m == llm.NoModel:
		return m, true
	case len(h.config.Models) == 0 || slices.Contains(h.config.Models, m):
		return m, true
	}
	return "", false
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	modelName, ok := h.selectModel(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}
	writeJSON(w, http.StatusOK, h.buildQueue(r.Context(), modelName))
}

// handleQueueWait blocks until anything in the database changes or the wait
// timeout elapses.
func (h *Handler) handleQueueWait(w http.ResponseWriter, r *http.Request) {
	since, ok := sinceParam(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}
	modelName, ok := h.selectModel(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}

	ctx, cancel := h.waitContext(r)
	defer cancel()
	v, err := h.db.WaitForChange(ctx, since)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeJSON(w, http.StatusOK, waitResponse{Version: v})
		return
	}

	q := h.buildQueue(r.Context(), modelName)
	writeJSON(w, http.StatusOK, waitResponse{Changed: true, Version: q.Version, Data: q})
}

// buildQueue lists questions needing feedback, longest-waiting first, and
// attaches model drafts to first interactions.
func (h *Handler) buildQueue(ctx context.Context, modelName string) queueResponse {
	version := h.db.Version()
	questions := h.db.QuestionsNeedingFeedback()
	cat := h.db.Catalog()

	items := make([]queueItem, len(questions))
	for i, q := range questions {
		since, _ := q.NeedsResponseSince()
		items[i] = queueItem{
			Owner:            q.Owner,
			Exercise:         q.Exercise,
			Variation:        q.Variation,
			Since:            since,
			Messages:         q.Messages,
			NeverGotFeedback: q.NeverGotFeedback(),
		}
		if ex, ok := cat.Exercise(q.Exercise); ok {
			items[i].ExerciseName = ex.Name
		}
		items[i].Stimulus, _ = cat.Variation(q.Exercise, q.Variation)
	}

	if h.drafter != nil {
		var open []string
		for _, q := range questions {
			if q.NeverGotFeedback() {
				open = append(open, q.UID)
			}
		}
		h.drafter.Retain(open)

		notice := appI18n.T(ctx, "DraftUnavailable")
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(draftConcurrency)
		for i, q := range questions {
			if !llm.Wanted(q, modelName) {
				continue
			}
			ex, _ := cat.Exercise(q.Exercise)
			g.Go(func() error {
				text, ok := h.drafter.Draft(gctx, q, ex, items[i].Stimulus, modelName)
				if ok {
					items[i].Draft = text
				} else {
					items[i].DraftError = notice
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	return queueResponse{
		Version: version,
		Model:   modelName,
		Summary: appI18n.Tp(ctx, "QuestionsWaiting", len(items)),
		Items:   items,
	}
}

type replyRequest struct {
	Content string `json:"content"`
}

func (h *Handler) handleReply(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	exo, variation, ok := questionParams(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}
	var req replyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := h.db.Reply(owner, exo, variation, req.Content)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	metrics.TeacherReplies.Inc()
	writeJSON(w, http.StatusCreated, submitResponse{Message: msg, Version: h.db.Version()})
}

func (h *Handler) handleSkip(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	exo, variation, ok := questionParams(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}
	if err := h.db.Skip(owner, exo, variation); err != nil {
		writeStoreError(w, r, err)
		return
	}
	metrics.TeacherSkips.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.db.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   stats,
		"summary": appI18n.Tp(r.Context(), "QuestionsWaiting", stats.Waiting),
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, _ *http.Request) {
	export := model.ClassExport{
		GeneratedAt:  time.Now().UTC(),
		Participants: h.db.Export(),
		Stats:        h.db.Stats(),
	}
	w.Header().Set("Content-Disposition", `attachment; filename="rapport-export.json"`)
	writeJSON(w, http.StatusOK, export)
}

type wipeRequest struct {
	Confirm bool `json:"confirm"`
}

// handleWipe removes every participant and logs them out. The request must
// carry {"confirm": true}.
func (h *Handler) handleWipe(w http.ResponseWriter, r *http.Request) {
	var req wipeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Confirm {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}

	n := h.db.Wipe()
	if _, err := h.auth.DeleteSessionsExcept(model.Teacher); err != nil {
		slog.Warn("failed to drop participant sessions", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": n,
		"message": appI18n.Td(r.Context(), "WipeDone", map[string]any{"Count": n}),
	})
}
