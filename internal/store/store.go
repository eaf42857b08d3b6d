// Package store holds the classroom state: every participant, their grid of
// question threads, the teacher secret, and the rules that decide who may
// write where. A Database is safe for concurrent use.
package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/rapport/internal/catalog"
	"github.com/pavelanni/rapport/internal/model"
)

var (
	ErrEmptyName           = errors.New("name is required")
	ErrInvalidLogin        = errors.New("invalid name or password")
	ErrUnknownUser         = errors.New("unknown participant")
	ErrNoSuchQuestion      = errors.New("no such question")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrGateLocked          = errors.New("previous question has not been answered yet")
	ErrAwaitingFeedback    = errors.New("first submission is waiting for feedback")
	ErrNotAwaitingFeedback = errors.New("question is not waiting for feedback")
	ErrSkipBeforeFeedback  = errors.New("cannot skip a question that never got feedback")
	ErrTimerDisabled       = errors.New("timer is disabled for this exercise")
)

// GateMode decides what the previous question must look like before the
// next one opens.
type GateMode string

const (
	// GateSubmitted opens a question once its predecessor has any message.
	GateSubmitted GateMode = "submitted"
	// GateFeedback opens a question once its predecessor got teacher feedback.
	GateFeedback GateMode = "feedback"
)

// ParseGateMode validates a gate mode name.
func ParseGateMode(s string) (GateMode, bool) {
	switch GateMode(strings.ToLower(strings.TrimSpace(s))) {
	case GateSubmitted, "":
		return GateSubmitted, true
	case GateFeedback:
		return GateFeedback, true
	}
	return "", false
}

// Option configures a Database.
type Option func(*Database)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Database) { d.now = now }
}

// WithGateBypass lists identities that may submit to any question regardless
// of progression, for administrative dry runs.
func WithGateBypass(names ...string) Option {
	return func(d *Database) {
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				d.bypass[n] = true
			}
		}
	}
}

// WithGateMode selects the progression rule.
func WithGateMode(m GateMode) Option {
	return func(d *Database) { d.gate = m }
}

// WithPasswordCost sets the bcrypt cost for stored secrets.
func WithPasswordCost(cost int) Option {
	return func(d *Database) { d.cost = cost }
}

// WithTimer enables or disables answer countdowns globally.
func WithTimer(enabled bool) Option {
	return func(d *Database) { d.timer = enabled }
}

// WithPollInterval sets how often waiters re-check the version counters.
func WithPollInterval(every time.Duration) Option {
	return func(d *Database) {
		if every > 0 {
			d.poll = every
		}
	}
}

// Database is the in-memory store of all participants.
type Database struct {
	mu              sync.RWMutex
	catalog         *catalog.Catalog
	users           map[string]*model.User
	order           []string
	teacherPassword *string
	userVersions    map[string]uint64

	// version counts mutations; the autosaver compares it instead of
	// diffing the whole state.
	version atomic.Uint64

	now    func() time.Time
	bypass map[string]bool
	gate   GateMode
	cost   int
	timer  bool
	poll   time.Duration
}

// New creates an empty database shaped by cat.
func New(cat *catalog.Catalog, opts ...Option) *Database {
	d := &Database{
		catalog:      cat,
		users:        make(map[string]*model.User),
		userVersions: make(map[string]uint64),
		now:          time.Now,
		bypass:       make(map[string]bool),
		gate:         GateSubmitted,
		cost:         bcrypt.DefaultCost,
		timer:        true,
		poll:         500 * time.Millisecond,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Catalog returns the exercise catalog the database was built with.
func (d *Database) Catalog() *catalog.Catalog {
	return d.catalog
}

// Version returns the global mutation counter.
func (d *Database) Version() uint64 {
	return d.version.Load()
}

// UserVersion returns the mutation counter of one participant.
func (d *Database) UserVersion(name string) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userVersions[name]
}

// WaitForChange blocks until the global version differs from since or ctx
// ends. It returns the version it last observed.
func (d *Database) WaitForChange(ctx context.Context, since uint64) (uint64, error) {
	return d.wait(ctx, since, d.Version)
}

// WaitForUserChange is WaitForChange restricted to one participant.
func (d *Database) WaitForUserChange(ctx context.Context, name string, since uint64) (uint64, error) {
	return d.wait(ctx, since, func() uint64 { return d.UserVersion(name) })
}

func (d *Database) wait(ctx context.Context, since uint64, current func() uint64) (uint64, error) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		if v := current(); v != since {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return current(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// touch records a mutation. Callers hold the write lock.
func (d *Database) touch(names ...string) {
	for _, n := range names {
		d.userVersions[n]++
	}
	d.version.Add(1)
}

// stamp returns the current time in the resolution the snapshot keeps.
func (d *Database) stamp() time.Time {
	return d.now().UTC().Truncate(time.Microsecond)
}

// Login authenticates name. The first teacher login fixes the teacher
// password; the first login of an unknown name creates the participant.
func (d *Database) Login(name, password string) (model.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyName
	}
	if name == model.Teacher {
		if err := d.loginTeacher(password); err != nil {
			return "", err
		}
		return model.RoleTeacher, nil
	}
	if err := d.loginParticipant(name, password); err != nil {
		return "", err
	}
	return model.RoleParticipant, nil
}

func (d *Database) loginTeacher(password string) error {
	d.mu.RLock()
	var stored string
	set := d.teacherPassword != nil
	if set {
		stored = *d.teacherPassword
	}
	d.mu.RUnlock()

	if set {
		rehash, err := checkSecret(stored, password)
		if err != nil {
			return err
		}
		if rehash {
			hash, err := d.hash(password)
			if err != nil {
				return err
			}
			d.mu.Lock()
			if d.teacherPassword != nil && *d.teacherPassword == stored {
				d.teacherPassword = &hash
				d.touch()
			}
			d.mu.Unlock()
		}
		return nil
	}

	hash, err := d.hash(password)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.teacherPassword != nil {
		// Someone claimed it between the two locks.
		_, err := checkSecret(*d.teacherPassword, password)
		return err
	}
	d.teacherPassword = &hash
	d.touch()
	return nil
}

func (d *Database) loginParticipant(name, password string) error {
	d.mu.RLock()
	var stored string
	u, exists := d.users[name]
	if exists {
		stored = u.Password
	}
	d.mu.RUnlock()

	if exists && stored != "" {
		rehash, err := checkSecret(stored, password)
		if err != nil {
			return err
		}
		if rehash {
			hash, err := d.hash(password)
			if err != nil {
				return err
			}
			d.mu.Lock()
			if u, ok := d.users[name]; ok && u.Password == stored {
				u.Password = hash
				d.touch(name)
			}
			d.mu.Unlock()
		}
		return nil
	}

	hash, err := d.hash(password)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[name]; ok {
		if u.Password != "" {
			_, err := checkSecret(u.Password, password)
			return err
		}
		// Unclaimed account from an upgraded legacy snapshot.
		u.Password = hash
		d.touch(name)
		return nil
	}
	d.users[name] = &model.User{
		Name:     name,
		Password: hash,
		Exos:     newGrid(name, d.catalog.Shape()),
	}
	d.order = append(d.order, name)
	d.touch(name)
	return nil
}

func (d *Database) hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// checkSecret compares password against a stored secret. Secrets written by
// older versions are kept in clear; rehash reports that such a secret matched
// and should be replaced by a hash.
func checkSecret(stored, password string) (rehash bool, err error) {
	if _, costErr := bcrypt.Cost([]byte(stored)); costErr == nil {
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) != nil {
			return false, ErrInvalidLogin
		}
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
		return false, ErrInvalidLogin
	}
	return true, nil
}

func newGrid(owner string, shape []int) [][]model.Question {
	grid := make([][]model.Question, len(shape))
	for i, n := range shape {
		grid[i] = newRow(owner, i, 0, n)
	}
	return grid
}

func newRow(owner string, exo, from, to int) []model.Question {
	row := make([]model.Question, 0, to-from)
	for k := from; k < to; k++ {
		row = append(row, model.Question{
			Owner:     owner,
			Exercise:  exo,
			Variation: k,
			UID:       uuid.NewString(),
		})
	}
	return row
}
