package store

import (
	"sort"
	"time"

	"github.com/pavelanni/rapport/internal/model"
)

// QuestionsNeedingFeedback returns every question the teacher can act on,
// longest-waiting first. Equal timestamps keep user insertion order.
func (d *Database) QuestionsNeedingFeedback() []model.Question {
	d.mu.RLock()
	defer d.mu.RUnlock()

	type pending struct {
		q     model.Question
		since time.Time
	}
	var items []pending
	for _, name := range d.order {
		for _, row := range d.users[name].Exos {
			for _, q := range row {
				if since, ok := q.NeedsResponseSince(); ok {
					items = append(items, pending{q: q.Clone(), since: since})
				}
			}
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].since.Before(items[j].since)
	})

	out := make([]model.Question, len(items))
	for i, it := range items {
		out[i] = it.q
	}
	return out
}

// MeanResponseLatency averages, over every teacher message, the time since
// the earliest participant message it answered. ok is false when the teacher
// never replied.
func (d *Database) MeanResponseLatency() (time.Duration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var total time.Duration
	var n int
	for _, name := range d.order {
		for _, row := range d.users[name].Exos {
			for _, q := range row {
				var since time.Time
				waiting := false
				for _, m := range q.Messages {
					if m.FromTeacher() {
						if waiting {
							total += m.Timestamp.Sub(since)
							n++
							waiting = false
						}
						continue
					}
					if !waiting {
						since, waiting = m.Timestamp, true
					}
					if m.SkippedByTeacher {
						waiting = false
					}
				}
			}
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / time.Duration(n), true
}

// CompletionCounts reports, per catalog exercise, how many participants
// started it and how many got every variation answered or skipped.
func (d *Database) CompletionCounts() []model.ExerciseCompletion {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]model.ExerciseCompletion, 0, d.catalog.Len())
	for i, ex := range d.catalog.Exercises() {
		c := model.ExerciseCompletion{Exercise: i, Name: ex.Name}
		for _, name := range d.order {
			u := d.users[name]
			if i >= len(u.Exos) {
				continue
			}
			row := u.Exos[i]
			if len(row) > len(ex.Variations) {
				row = row[:len(ex.Variations)]
			}
			started, done := false, len(row) == len(ex.Variations)
			for _, q := range row {
				switch q.State() {
				case model.StateUntouched:
					done = false
				case model.StateAwaitingFeedback:
					started, done = true, false
				default:
					started = true
				}
			}
			if started {
				c.Started++
			}
			if started && done {
				c.Completed++
			}
		}
		out = append(out, c)
	}
	return out
}

// Stats bundles the aggregates shown to the teacher.
func (d *Database) Stats() model.Stats {
	s := model.Stats{
		Participants: len(d.Participants()),
		Waiting:      len(d.QuestionsNeedingFeedback()),
		Completion:   d.CompletionCounts(),
	}
	if mean, ok := d.MeanResponseLatency(); ok {
		secs := mean.Seconds()
		s.MeanLatencySeconds = &secs
	}
	return s
}

// Participants returns participant names in insertion order.
func (d *Database) Participants() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// User returns a copy of one participant.
func (d *Database) User(name string) (model.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[name]
	if !ok {
		return model.User{}, false
	}
	return u.Clone(), true
}

// Question returns a copy of one question.
func (d *Database) Question(owner string, exo, variation int) (model.Question, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q, err := d.lookup(owner, exo, variation)
	if err != nil {
		return model.Question{}, err
	}
	return q.Clone(), nil
}

// HasTeacherPassword reports whether the teacher identity was claimed.
func (d *Database) HasTeacherPassword() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.teacherPassword != nil
}

// Snapshot returns a deep copy of the whole state.
func (d *Database) Snapshot() model.Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := model.Snapshot{
		Users:         make([]model.User, 0, len(d.order)),
		FormatVersion: FormatVersion,
	}
	for _, name := range d.order {
		s.Users = append(s.Users, d.users[name].Clone())
	}
	if d.teacherPassword != nil {
		tp := *d.teacherPassword
		s.TeacherPassword = &tp
	}
	return s
}
