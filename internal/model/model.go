package model

import (
	"context"
	"time"
)

// Teacher is the reserved identity of the reviewer. It is also the author
// recorded on every feedback message.
const Teacher = "teacher"

// TimeoutMarker is stored as the content of a submission made after the
// exercise countdown ran out with nothing typed.
const TimeoutMarker = "[no answer: time ran out]"

// Role is what a successful login grants.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleTeacher     Role = "teacher"
)

// QuestionState is derived from a question's messages, never stored.
type QuestionState string

const (
	StateUntouched        QuestionState = "untouched"
	StateAwaitingFeedback QuestionState = "awaiting_feedback"
	StateAnswered         QuestionState = "answered"
	// StateSkipped gates like StateAnswered but is reported separately.
	StateSkipped QuestionState = "skipped"
)

// Example is a few-shot triplet used to prime the feedback model.
type Example struct {
	Original string `json:"original"`
	Student  string `json:"student"`
	Feedback string `json:"feedback"`
}

// Exercise is one entry of the exercise catalog.
type Exercise struct {
	Name         string    `json:"name"`
	Instructions string    `json:"instructions"`
	Variations   []string  `json:"variations"`
	SystemPrompt string    `json:"system_prompt"`
	Examples     []Example `json:"examples"`
	DisableTimer bool      `json:"disable_timer"`
}

// Message is one utterance in a question thread.
type Message struct {
	Author           string    `json:"author"`
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	SkippedByTeacher bool      `json:"skipped_by_teacher"`
}

// FromTeacher reports whether the teacher wrote the message.
func (m Message) FromTeacher() bool {
	return m.Author == Teacher
}

// Question is one participant's thread on one exercise variation.
type Question struct {
	Owner     string    `json:"owner"`
	Exercise  int       `json:"exercise"`
	Variation int       `json:"variation"`
	Messages  []Message `json:"messages"`
	UID       string    `json:"uid"`
}

// NeverGotFeedback is true when no message was written by the teacher.
func (q Question) NeverGotFeedback() bool {
	for _, m := range q.Messages {
		if m.FromTeacher() {
			return false
		}
	}
	return true
}

// NeedsResponseSince returns the time of the earliest participant message
// that has no teacher message or skip after it. ok is false when the
// question is not actionable by the teacher.
func (q Question) NeedsResponseSince() (since time.Time, ok bool) {
	for i := len(q.Messages) - 1; i >= 0; i-- {
		m := q.Messages[i]
		if m.FromTeacher() || m.SkippedByTeacher {
			break
		}
		since, ok = m.Timestamp, true
	}
	return since, ok
}

// LastMessageTime returns the timestamp of the final message; ok is false
// for an empty thread.
func (q Question) LastMessageTime() (time.Time, bool) {
	if len(q.Messages) == 0 {
		return time.Time{}, false
	}
	return q.Messages[len(q.Messages)-1].Timestamp, true
}

// State derives the progression state from the message sequence.
func (q Question) State() QuestionState {
	if len(q.Messages) == 0 {
		return StateUntouched
	}
	last := q.Messages[len(q.Messages)-1]
	switch {
	case last.FromTeacher():
		return StateAnswered
	case last.SkippedByTeacher:
		return StateSkipped
	default:
		return StateAwaitingFeedback
	}
}

// Clone returns a copy that shares no memory with q.
func (q Question) Clone() Question {
	c := q
	c.Messages = append([]Message(nil), q.Messages...)
	return c
}

// User is a participant and the full exercise x variation grid of questions.
type User struct {
	Name     string       `json:"name"`
	Password string       `json:"-"`
	Exos     [][]Question `json:"exos"`
}

// Clone returns a deep copy of u.
func (u User) Clone() User {
	c := User{Name: u.Name, Password: u.Password}
	if u.Exos != nil {
		c.Exos = make([][]Question, len(u.Exos))
	}
	for i, row := range u.Exos {
		c.Exos[i] = make([]Question, len(row))
		for k, q := range row {
			c.Exos[i][k] = q.Clone()
		}
	}
	return c
}

// Snapshot is a detached copy of the whole database, users in insertion order.
type Snapshot struct {
	Users           []User
	TeacherPassword *string
	FormatVersion   int
}

// ExerciseCompletion counts how far participants got in one exercise.
type ExerciseCompletion struct {
	Exercise  int    `json:"exercise"`
	Name      string `json:"name"`
	Started   int    `json:"started"`
	Completed int    `json:"completed"`
}

// QuestionView is one cell of a participant's progress grid.
type QuestionView struct {
	Exercise     int           `json:"exercise"`
	Variation    int           `json:"variation"`
	Stimulus     string        `json:"stimulus"`
	State        QuestionState `json:"state"`
	Messages     []Message     `json:"messages"`
	CanSubmit    bool          `json:"can_submit"`
	TimerEnabled bool          `json:"timer_enabled"`
}

// ExerciseView groups the visible variations of one exercise.
type ExerciseView struct {
	Index        int            `json:"index"`
	Name         string         `json:"name"`
	Instructions string         `json:"instructions"`
	Questions    []QuestionView `json:"questions"`
}

// Progress is what a participant is allowed to see right now.
type Progress struct {
	Name      string         `json:"name"`
	Exercises []ExerciseView `json:"exercises"`
	Version   uint64         `json:"version"`
}

// Config holds runtime parameters set via CLI flags.
type Config struct {
	DefaultModel  string        // empty or "none" disables drafts unless ?model= is given
	Models        []string      // allowed values for ?model=
	DraftTimeout  time.Duration // upper bound on one suggestion request
	PollInterval  time.Duration
	WaitTimeout   time.Duration // long-poll requests return after this
	BasePath      string        // URL prefix for sub-path deployments
	SecureCookies bool
}

// AuthSession is a login session persisted in the auth store.
type AuthSession struct {
	ID        string
	Identity  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type identityCtxKey struct{}

// ContextWithIdentity stores the logged-in identity in the request context.
func ContextWithIdentity(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, name)
}

// IdentityFromContext returns the logged-in identity, or "".
func IdentityFromContext(ctx context.Context) string {
	name, _ := ctx.Value(identityCtxKey{}).(string)
	return name
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}
