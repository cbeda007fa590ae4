package upload

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/drivesync/internal/backoff"
	"github.com/openmined/drivesync/internal/remote"
)

// DefaultThreshold is the largest file sent in a single request.
const DefaultThreshold = 4 * 1024 * 1024

// Uploader picks between a single-request upload and a resumable session by
// file size, and resumes sessions recorded by an earlier attempt.
type Uploader struct {
	Service   remote.Service
	Threshold int64
	ChunkSize uint64
	// Store enables crash resume; nil disables it.
	Store          *SessionStore
	Retrier        *backoff.Retrier
	RequestTimeout time.Duration
	Now            func() time.Time
}

// Upload sends content under parent. It does not close content.
func (u *Uploader) Upload(ctx context.Context, content remote.Content, parent remote.Address, conflict remote.ConflictBehavior) (*remote.Item, error) {
	opts := u.options()
	desc := content.Descriptor()

	if desc.Size <= u.threshold() {
		return u.simple(ctx, content, parent, conflict, opts)
	}

	slog.Debug("upload resumable", "name", desc.Name, "size", humanize.IBytes(uint64(desc.Size)))
	if s := u.resume(ctx, parent, desc, conflict, opts); s != nil {
		return s.UploadFragments(ctx, content)
	}

	s, err := Create(ctx, u.Service, content, parent, conflict, opts)
	if err != nil {
		return nil, err
	}
	return s.UploadFragments(ctx, content)
}

func (u *Uploader) simple(ctx context.Context, content remote.Content, parent remote.Address, conflict remote.ConflictBehavior, opts Options) (*remote.Item, error) {
	var item *remote.Item
	err := opts.Retrier.Do(ctx, "upload simple", func(ctx context.Context) error {
		rctx, cancel := requestContext(ctx, opts.RequestTimeout)
		defer cancel()

		var err error
		item, err = u.Service.UploadSimple(rctx, content, parent, conflict)
		return err
	})
	return item, err
}

// resume returns a session continuing a recorded upload of the same file
// version, or nil when there is nothing usable to resume.
func (u *Uploader) resume(ctx context.Context, parent remote.Address, desc remote.ContentDescriptor, conflict remote.ConflictBehavior, opts Options) *Session {
	if u.Store == nil || desc.Path == "" {
		return nil
	}

	key := RecordKey(parent, desc)
	rec, err := u.Store.Load(key)
	if err != nil {
		slog.Warn("upload resume record", "name", desc.Name, "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}
	if !rec.Matches(desc) || rec.Conflict != conflict || rec.Expired(opts.Now()) {
		slog.Debug("upload resume record stale", "name", desc.Name)
		_ = u.Store.Remove(key)
		return nil
	}

	s, err := Resume(ctx, u.Service, rec, opts)
	if err != nil {
		slog.Debug("upload resume failed", "name", desc.Name, "error", err)
		_ = u.Store.Remove(key)
		return nil
	}
	return s
}

func (u *Uploader) options() Options {
	return Options{
		ChunkSize:      u.ChunkSize,
		Retrier:        u.Retrier,
		RequestTimeout: u.RequestTimeout,
		Store:          u.Store,
		Now:            u.Now,
	}.withDefaults()
}

func (u *Uploader) threshold() int64 {
	if u.Threshold <= 0 {
		return DefaultThreshold
	}
	return u.Threshold
}
