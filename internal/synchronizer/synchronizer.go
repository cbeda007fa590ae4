// Package synchronizer reconciles a local directory tree with a remote drive
// folder: one-way (the remote is authoritative) or two-way.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/drivesync/internal/actions"
	"github.com/openmined/drivesync/internal/backoff"
	"github.com/openmined/drivesync/internal/ignore"
	"github.com/openmined/drivesync/internal/localfs"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/sidecar"
	"github.com/openmined/drivesync/internal/upload"
	"github.com/openmined/drivesync/internal/utils"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers = 4
	// MetaDir holds the pass lock and, by default, the sidecar and resume
	// records. It is never synced.
	MetaDir  = ".drivesync"
	lockName = "lock"
)

var (
	ErrSyncAlreadyRunning = errors.New("sync already running")
	ErrConflictDetected   = errors.New("conflict detected")
)

type Options struct {
	TwoWay bool
	// Scope limits the pass to one folder, relative to the drive root and the
	// local root alike. Empty syncs everything.
	Scope string
	// PreserveUnsynced keeps local entries the remote never had in one-way mode.
	PreserveUnsynced bool
}

type Synchronizer struct {
	fs       *localfs.FS
	store    *sidecar.Store
	uploader *upload.Uploader
	env      *actions.Env
	workers  int
	policy   ConflictPolicy
	ignore   *ignore.List
	muSync   sync.Mutex
}

type Option func(*Synchronizer)

func WithWorkers(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithConflictPolicy(p ConflictPolicy) Option {
	return func(s *Synchronizer) { s.policy = p }
}

// WithIgnore fixes the ignore list; by default it is reloaded from the root
// at the start of every pass.
func WithIgnore(l *ignore.List) Option {
	return func(s *Synchronizer) { s.ignore = l }
}

func WithRetrier(r *backoff.Retrier) Option {
	return func(s *Synchronizer) { s.env.Retrier = r }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.env.RequestTimeout = d }
}

func New(svc remote.Service, fsys *localfs.FS, store *sidecar.Store, uploader *upload.Uploader, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		fs:       fsys,
		store:    store,
		uploader: uploader,
		env:      &actions.Env{Service: svc},
		workers:  DefaultWorkers,
		policy:   PolicyRename,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.uploader == nil {
		s.uploader = &upload.Uploader{Service: svc, Retrier: s.env.Retrier, RequestTimeout: s.env.RequestTimeout}
	}
	return s
}

// Synchronize runs one pass. Per-entry failures land in the report; the
// returned error is set only when the pass could not run or was cancelled.
func (s *Synchronizer) Synchronize(ctx context.Context, opts Options) (*Report, error) {
	if !s.muSync.TryLock() {
		return nil, ErrSyncAlreadyRunning
	}
	defer s.muSync.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	tStart := time.Now()
	scope, err := cleanScope(opts.Scope)
	if err != nil {
		return nil, err
	}

	root, err := s.init(ctx, scope)
	if err != nil {
		return nil, err
	}

	list := s.ignore
	if list == nil {
		list = ignore.Load(s.fs)
	}

	p := &pass{
		Synchronizer: s,
		ctx:          ctx,
		opts:         opts,
		ignore:       list,
		report:       &Report{},
		sem:          semaphore.NewWeighted(int64(s.workers)),
	}
	slog.Info("sync start", "scope", scopeName(scope), "twoWay", opts.TwoWay, "workers", s.workers)

	// the root folder runs inline so listing failures abort the pass
	err = p.processFolder(folderJob{rel: scope, remoteID: root.ID})
	p.wg.Wait()
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", scopeName(scope), err)
	}
	p.report.finish(time.Since(tStart))

	r := p.report
	if r.Changes() > 0 || len(r.Failed) > 0 || len(r.Conflicts) > 0 {
		slog.Info("sync done",
			"created", len(r.Created),
			"updated", len(r.Updated),
			"deleted", len(r.Deleted),
			"renamed", len(r.Renamed),
			"conflicts", len(r.Conflicts),
			"skipped", len(r.Skipped),
			"failed", len(r.Failed),
			"tsTotal", r.Duration,
		)
	} else {
		slog.Debug("sync done", "changes", 0, "tsTotal", r.Duration)
	}

	if err := ctx.Err(); err != nil {
		return r, err
	}
	return r, nil
}

// lock takes the cross-process pass lock under the metadata directory.
func (s *Synchronizer) lock() (func(), error) {
	dir := s.fs.Abs(MetaDir)
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	fl := flock.New(filepath.Join(dir, lockName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, ErrSyncAlreadyRunning
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			slog.Warn("sync unlock", "path", fl.Path(), "error", err)
		}
	}, nil
}

// init resolves the scope to a remote folder and makes sure the matching
// local directory exists.
func (s *Synchronizer) init(ctx context.Context, scope string) (*remote.Item, error) {
	item, err := s.env.Stat(ctx, remote.ByPath(scope))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", scopeName(scope), err)
	}
	if !item.Folder {
		return nil, fmt.Errorf("resolve %s: not a folder", scopeName(scope))
	}

	e, ok, err := s.fs.Stat(scope)
	if err != nil {
		return nil, err
	}
	if ok && !e.Dir {
		return nil, fmt.Errorf("local %s is not a directory", scopeName(scope))
	}
	if !ok {
		if _, err := s.fs.Mkdir(scope); err != nil {
			return nil, err
		}
	}
	return item, nil
}

func cleanScope(scope string) (string, error) {
	scope = strings.Trim(filepath.ToSlash(scope), "/")
	if scope == "" {
		return "", nil
	}
	clean := path.Clean(scope)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("scope %q leaves the sync root", scope)
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

func scopeName(scope string) string {
	if scope == "" {
		return "/"
	}
	return scope
}
