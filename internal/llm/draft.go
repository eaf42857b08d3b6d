package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pavelanni/rapport/internal/metrics"
	"github.com/pavelanni/rapport/internal/model"
)

// NoModel disables drafts when given as the model name.
const NoModel = "none"

const (
	defaultFailureTTL   = 30 * time.Second
	defaultDraftTimeout = 20 * time.Second
)

// Suggester produces feedback suggestions. *Client implements it.
type Suggester interface {
	SuggestFeedback(ctx context.Context, ex model.Exercise, stimulus, submission, modelName string) (string, error)
}

type draftKey struct {
	uid, model, submission string
}

// Drafter fetches feedback drafts for the teacher queue. Successful drafts
// are kept until Retain drops their question; failures are remembered
// briefly so a broken endpoint is not hammered by every queue refresh.
type Drafter struct {
	s          Suggester
	timeout    time.Duration
	failureTTL time.Duration
	now        func() time.Time
	group      singleflight.Group

	mu     sync.Mutex
	drafts map[draftKey]string
	failed map[draftKey]time.Time
}

// NewDrafter wraps s. Each model call is bounded by timeout; zero or less
// selects a 20s default.
func NewDrafter(s Suggester, timeout time.Duration) *Drafter {
	if timeout <= 0 {
		timeout = defaultDraftTimeout
	}
	return &Drafter{
		s:          s,
		timeout:    timeout,
		failureTTL: defaultFailureTTL,
		now:        time.Now,
		drafts:     make(map[draftKey]string),
		failed:     make(map[draftKey]time.Time),
	}
}

// Wanted reports whether a draft should be requested for q: only the first
// interaction of a question gets one, and only when a model is selected.
func Wanted(q model.Question, modelName string) bool {
	modelName = strings.TrimSpace(modelName)
	return modelName != "" && modelName != NoModel && q.NeverGotFeedback() && len(q.Messages) > 0
}

// Draft returns a suggestion for q's first submission. ok is false when the
// model failed or timed out; the text is then empty.
func (d *Drafter) Draft(ctx context.Context, q model.Question, ex model.Exercise, stimulus, modelName string) (string, bool) {
	if d == nil || d.s == nil || !Wanted(q, modelName) {
		return "", false
	}
	key := draftKey{uid: q.UID, model: modelName, submission: q.Messages[0].Content}

	d.mu.Lock()
	if text, ok := d.drafts[key]; ok {
		d.mu.Unlock()
		metrics.Drafts.WithLabelValues("cached").Inc()
		return text, true
	}
	if at, ok := d.failed[key]; ok && d.now().Sub(at) < d.failureTTL {
		d.mu.Unlock()
		return "", false
	}
	d.mu.Unlock()

	// The shared call outlives any single caller: a teacher closing the page
	// must not fail the other waiters or be remembered as a model failure.
	shared := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key.uid+"\x00"+key.model+"\x00"+key.submission, func() (any, error) {
		return d.fetch(shared, key, ex, stimulus)
	})
	select {
	case <-ctx.Done():
		return "", false
	case res := <-ch:
		if res.Err != nil {
			return "", false
		}
		return res.Val.(string), true
	}
}

// Retain forgets drafts and failures of every question not in uids. The
// queue calls it with the questions that can still use a draft.
func (d *Drafter) Retain(uids []string) {
	if d == nil {
		return
	}
	keep := make(map[string]bool, len(uids))
	for _, uid := range uids {
		keep[uid] = true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.drafts {
		if !keep[k.uid] {
			delete(d.drafts, k)
		}
	}
	for k := range d.failed {
		if !keep[k.uid] {
			delete(d.failed, k)
		}
	}
}

// Len reports how many drafts are cached.
func (d *Drafter) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.drafts)
}

func (d *Drafter) fetch(ctx context.Context, key draftKey, ex model.Exercise, stimulus string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	text, err := d.s.SuggestFeedback(ctx, ex, stimulus, key.submission, key.model)
	metrics.DraftDuration.Observe(time.Since(start).Seconds())

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		metrics.Drafts.WithLabelValues(status).Inc()
		slog.Warn("feedback draft failed", "model", key.model, "question", key.uid, "error", err)
		d.failed[key] = d.now()
		return "", err
	}
	metrics.Drafts.WithLabelValues("ok").Inc()
	delete(d.failed, key)
	d.drafts[key] = text
	return text, nil
}
