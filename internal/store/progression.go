package store

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/rapport/internal/model"
)

// SubmitOptions qualifies a participant submission.
type SubmitOptions struct {
	// TimedOut marks a submission sent because the countdown ran out.
	// Empty content is then stored as model.TimeoutMarker.
	TimedOut bool
}

// Submit appends a participant message to one of their questions.
func (d *Database) Submit(name string, exo, variation int, content string, opts SubmitOptions) (model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[name]
	if !ok {
		return model.Message{}, ErrUnknownUser
	}
	q, ok := cell(u, exo, variation)
	if !ok {
		return model.Message{}, ErrNoSuchQuestion
	}

	blank := strings.TrimSpace(content) == ""
	if opts.TimedOut {
		if !d.timerEnabled(exo) {
			return model.Message{}, ErrTimerDisabled
		}
		if blank {
			content = model.TimeoutMarker
		}
	} else if blank {
		return model.Message{}, ErrEmptyMessage
	}

	// The gate only guards opening a question. Threads already started stay
	// writable even if a grown catalog put an untouched cell before them.
	if len(q.Messages) == 0 && !d.bypass[name] && !d.gateOpen(u, exo, variation) {
		return model.Message{}, ErrGateLocked
	}
	// A first submission must get feedback before the conversation goes on.
	if len(q.Messages) == 1 {
		return model.Message{}, ErrAwaitingFeedback
	}

	msg := model.Message{Author: name, Content: content, Timestamp: d.nextStamp(q)}
	q.Messages = append(q.Messages, msg)
	d.touch(name)
	return msg, nil
}

// Reply appends a teacher message to a question that is waiting for one.
func (d *Database) Reply(owner string, exo, variation int, content string) (model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return model.Message{}, ErrEmptyMessage
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	q, err := d.lookup(owner, exo, variation)
	if err != nil {
		return model.Message{}, err
	}
	if _, waiting := q.NeedsResponseSince(); !waiting {
		return model.Message{}, ErrNotAwaitingFeedback
	}

	msg := model.Message{Author: model.Teacher, Content: content, Timestamp: d.nextStamp(q)}
	q.Messages = append(q.Messages, msg)
	d.touch(owner)
	return msg, nil
}

// Skip flags the last participant message as handled without a reply. The
// very first interaction of a question cannot be skipped.
func (d *Database) Skip(owner string, exo, variation int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, err := d.lookup(owner, exo, variation)
	if err != nil {
		return err
	}
	if q.NeverGotFeedback() {
		return ErrSkipBeforeFeedback
	}
	if _, waiting := q.NeedsResponseSince(); !waiting {
		return ErrNotAwaitingFeedback
	}
	q.Messages[len(q.Messages)-1].SkippedByTeacher = true
	d.touch(owner)
	return nil
}

// Progress returns the part of a participant's grid they may see: every
// started question, plus untouched ones up to the first the gate keeps
// closed.
func (d *Database) Progress(name string) (model.Progress, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[name]
	if !ok {
		return model.Progress{}, ErrUnknownUser
	}
	p := model.Progress{Name: name, Version: d.userVersions[name]}

	locked := false
	for i, row := range u.Exos {
		ex, ok := d.catalog.Exercise(i)
		if !ok {
			break
		}
		view := model.ExerciseView{Index: i, Name: ex.Name, Instructions: ex.Instructions}
		for k, q := range row {
			if k >= len(ex.Variations) {
				break
			}
			if len(q.Messages) == 0 {
				if locked || (!d.bypass[name] && !d.gateOpen(u, i, k)) {
					locked = true
					continue
				}
			}
			view.Questions = append(view.Questions, model.QuestionView{
				Exercise:     i,
				Variation:    k,
				Stimulus:     ex.Variations[k],
				State:        q.State(),
				Messages:     append([]model.Message(nil), q.Messages...),
				CanSubmit:    len(q.Messages) != 1,
				TimerEnabled: d.timerEnabled(i),
			})
		}
		if len(view.Questions) > 0 {
			p.Exercises = append(p.Exercises, view)
		}
	}
	return p, nil
}

// Wipe removes every participant. The teacher password is kept.
func (d *Database) Wipe() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.order)
	wiped := d.order
	d.users = make(map[string]*model.User)
	d.order = nil
	d.touch(wiped...)
	slog.Warn("wiped all participants", "count", n)
	return n
}

// Reconcile grows every participant grid to the current catalog shape. Rows
// and messages are never removed. It returns how many users were extended.
func (d *Database) Reconcile() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	shape := d.catalog.Shape()
	extended := 0
	for _, name := range d.order {
		u := d.users[name]
		grown := false
		for i, n := range shape {
			if i >= len(u.Exos) {
				u.Exos = append(u.Exos, newRow(name, i, 0, n))
				grown = true
				continue
			}
			if have := len(u.Exos[i]); have < n {
				u.Exos[i] = append(u.Exos[i], newRow(name, i, have, n)...)
				grown = true
			}
		}
		if len(u.Exos) > len(shape) {
			slog.Warn("participant grid is larger than the catalog", "user", name,
				"grid", len(u.Exos), "catalog", len(shape))
		}
		if grown {
			extended++
			d.touch(name)
		}
	}
	return extended
}

// gateOpen reports whether the predecessor of (exo, variation) in traversal
// order satisfies the gate mode. Callers hold the lock.
func (d *Database) gateOpen(u *model.User, exo, variation int) bool {
	pi, pk, ok := predecessor(u.Exos, exo, variation)
	if !ok {
		return true
	}
	prev := u.Exos[pi][pk]
	if d.gate == GateFeedback {
		return !prev.NeverGotFeedback()
	}
	return prev.State() != model.StateUntouched
}

// predecessor walks back one step in exercise-major, variation-minor order,
// skipping exercises without variations.
func predecessor(grid [][]model.Question, exo, variation int) (int, int, bool) {
	if variation > 0 {
		return exo, variation - 1, true
	}
	for i := exo - 1; i >= 0; i-- {
		if n := len(grid[i]); n > 0 {
			return i, n - 1, true
		}
	}
	return 0, 0, false
}

func (d *Database) timerEnabled(exo int) bool {
	if !d.timer {
		return false
	}
	ex, ok := d.catalog.Exercise(exo)
	return ok && !ex.DisableTimer
}

// nextStamp never goes backwards within one thread.
func (d *Database) nextStamp(q *model.Question) time.Time {
	ts := d.stamp()
	if last, ok := q.LastMessageTime(); ok && ts.Before(last) {
		return last
	}
	return ts
}

func (d *Database) lookup(owner string, exo, variation int) (*model.Question, error) {
	u, ok := d.users[owner]
	if !ok {
		return nil, ErrUnknownUser
	}
	q, ok := cell(u, exo, variation)
	if !ok {
		return nil, ErrNoSuchQuestion
	}
	return q, nil
}

func cell(u *model.User, exo, variation int) (*model.Question, bool) {
	if exo < 0 || exo >= len(u.Exos) {
		return nil, false
	}
	row := u.Exos[exo]
	if variation < 0 || variation >= len(row) {
		return nil, false
	}
	return &row[variation], true
}
