// Package backup persists database snapshots as timestamped JSON files and
// restores the newest one at startup.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/rapport/internal/catalog"
	"github.com/pavelanni/rapport/internal/metrics"
	"github.com/pavelanni/rapport/internal/store"
)

const shutdownSaveTimeout = 10 * time.Second

// Mirror receives a copy of every snapshot written to disk.
type Mirror interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// Option configures a Dir.
type Option func(*Dir)

// WithKeep prunes all but the n newest snapshots after each save. Zero keeps
// everything.
func WithKeep(n int) Option {
	return func(d *Dir) { d.keep = n }
}

// WithMirror uploads every saved snapshot to m.
func WithMirror(m Mirror) Option {
	return func(d *Dir) { d.mirror = m }
}

// WithClock replaces time.Now for file naming.
func WithClock(now func() time.Time) Option {
	return func(d *Dir) { d.now = now }
}

// Dir is a directory of snapshot files named <unix-seconds>.json.
type Dir struct {
	path   string
	keep   int
	mirror Mirror
	now    func() time.Time
}

// RestoreInfo describes where a restored database came from.
type RestoreInfo struct {
	Path   string
	Format store.Format
	// Err is set when the newest snapshot could not be used and the
	// database started empty.
	Err error
}

// New returns a Dir rooted at path. The directory is created on first save.
func New(path string, opts ...Option) *Dir {
	d := &Dir{path: path, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Path returns the directory holding the snapshots.
func (d *Dir) Path() string {
	return d.path
}

// Save writes a snapshot of db atomically and returns its path. Two saves in
// the same second write the same file; the later one wins.
func (d *Dir) Save(ctx context.Context, db *store.Database) (string, error) {
	path, data, err := d.write(db)
	if err != nil {
		metrics.Backups.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.Backups.WithLabelValues("ok").Inc()
	slog.Debug("snapshot saved", "path", path, "bytes", len(data))

	if err := d.prune(); err != nil {
		slog.Warn("failed to prune old snapshots", "dir", d.path, "error", err)
	}
	if d.mirror != nil {
		if err := d.mirror.Upload(ctx, filepath.Base(path), data); err != nil {
			metrics.Backups.WithLabelValues("mirror_error").Inc()
			slog.Warn("failed to mirror snapshot", "path", path, "error", err)
		}
	}
	return path, nil
}

func (d *Dir) write(db *store.Database) (string, []byte, error) {
	var buf bytes.Buffer
	if err := db.Encode(&buf); err != nil {
		return "", nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return "", nil, fmt.Errorf("create backup dir: %w", err)
	}

	tmp, err := os.CreateTemp(d.path, ".snapshot-*.tmp")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return "", nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", nil, fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", nil, fmt.Errorf("close snapshot: %w", err)
	}

	path := filepath.Join(d.path, strconv.FormatInt(d.now().Unix(), 10)+".json")
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", nil, fmt.Errorf("rename snapshot: %w", err)
	}
	return path, buf.Bytes(), nil
}

// snapshots lists snapshot files oldest first. Files not named <int>.json
// are ignored.
func (d *Dir) snapshots() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	type snap struct {
		name string
		at   int64
	}
	var found []snap
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		at, err := strconv.ParseInt(stem, 10, 64)
		if err != nil {
			continue
		}
		found = append(found, snap{name: e.Name(), at: at})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at < found[j].at })

	paths := make([]string, len(found))
	for i, s := range found {
		paths[i] = filepath.Join(d.path, s.name)
	}
	return paths, nil
}

// Latest returns the newest snapshot path. ok is false when there is none.
func (d *Dir) Latest() (path string, ok bool, err error) {
	paths, err := d.snapshots()
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(paths) == 0 {
		return "", false, nil
	}
	return paths[len(paths)-1], true, nil
}

func (d *Dir) prune() error {
	if d.keep <= 0 {
		return nil
	}
	paths, err := d.snapshots()
	if err != nil {
		return err
	}
	var errs []error
	for len(paths) > d.keep {
		if err := os.Remove(paths[0]); err != nil {
			errs = append(errs, err)
		}
		paths = paths[1:]
	}
	return errors.Join(errs...)
}

// Restore loads the newest snapshot, or returns an empty database when there
// is none or it cannot be decoded. Participant grids are extended to the
// current catalog.
func (d *Dir) Restore(cat *catalog.Catalog, opts ...store.Option) (*store.Database, RestoreInfo) {
	var info RestoreInfo
	path, ok, err := d.Latest()
	if err != nil {
		info.Err = err
		slog.Error("failed to list snapshots, starting empty", "dir", d.path, "error", err)
		return store.New(cat, opts...), info
	}
	if !ok {
		slog.Info("no snapshot found, starting empty", "dir", d.path)
		return store.New(cat, opts...), info
	}

	db, format, err := load(path, cat, opts...)
	if err != nil {
		info.Err = err
		slog.Error("failed to restore snapshot, starting empty", "path", path, "error", err)
		return store.New(cat, opts...), info
	}
	info.Path, info.Format = path, format
	if n := db.Reconcile(); n > 0 {
		slog.Info("extended participant grids to the current catalog", "users", n)
	}
	slog.Info("restored snapshot", "path", path, "format", format, "participants", len(db.Participants()))
	return db, info
}

func load(path string, cat *catalog.Catalog, opts ...store.Option) (*store.Database, store.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return store.Decode(f, cat, opts...)
}

// Run saves db every interval when its version moved since the last save,
// and once more when ctx ends. Mutations made in the last interval before a
// crash are lost.
func (d *Dir) Run(ctx context.Context, db *store.Database, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var saved uint64
	for {
		select {
		case <-ctx.Done():
			if db.Version() == saved {
				return
			}
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownSaveTimeout)
			if _, err := d.Save(sctx, db); err != nil {
				slog.Error("final snapshot failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			v := db.Version()
			if v == saved {
				continue
			}
			if _, err := d.Save(ctx, db); err != nil {
				slog.Error("autosave failed", "error", err)
				continue
			}
			saved = v
		}
	}
}
