// Package upload sends file content to the remote drive, either in a single
// request or through a resumable upload session that survives timeouts,
// out-of-sync fragments and process restarts.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/drivesync/internal/backoff"
	"github.com/openmined/drivesync/internal/ranges"
	"github.com/openmined/drivesync/internal/remote"
)

const (
	// ChunkUnit is the fragment granularity required by the HTTP drive API.
	ChunkUnit        = 320 * 1024
	DefaultChunkSize = 32 * ChunkUnit
	// maxResyncs bounds consecutive position re-queries that make no progress.
	maxResyncs    = 3
	cancelTimeout = 30 * time.Second
)

type State int

const (
	StateCreated State = iota
	StateUploading
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateUploading:
		return "UPLOADING"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

type Options struct {
	ChunkSize uint64
	// Retrier retries each remote call; nil uses backoff.New with remote.IsTransient.
	Retrier *backoff.Retrier
	// RequestTimeout bounds every single remote call; zero means no bound.
	RequestTimeout time.Duration
	// Store persists the session so a later attempt can resume it; optional.
	Store *SessionStore
	Now   func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Retrier == nil {
		o.Retrier = backoff.New(backoff.DefaultMaxAttempts, remote.IsTransient)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Session drives one resumable upload. Fragments are sent one at a time in
// ascending order; a Session is not reusable once it reaches a terminal state.
type Session struct {
	svc      remote.Service
	opts     Options
	desc     remote.ContentDescriptor
	parent   remote.Address
	conflict remote.ConflictBehavior
	key      string

	mu       sync.Mutex
	state    State
	remote   *remote.UploadSession
	position uint64
}

// Create allocates a new upload session for content under parent.
func Create(ctx context.Context, svc remote.Service, content remote.Content, parent remote.Address, conflict remote.ConflictBehavior, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	desc := content.Descriptor()
	if desc.Size <= 0 {
		return nil, fmt.Errorf("upload %s: %w: resumable uploads need a non-empty file", desc.Name, ranges.ErrInvalidArgument)
	}

	var us *remote.UploadSession
	err := opts.Retrier.Do(ctx, "create upload session", func(ctx context.Context) error {
		rctx, cancel := requestContext(ctx, opts.RequestTimeout)
		defer cancel()

		var err error
		us, err = svc.CreateUploadSession(rctx, desc, parent, conflict)
		return err
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		svc:      svc,
		opts:     opts,
		desc:     desc,
		parent:   parent,
		conflict: conflict,
		key:      RecordKey(parent, desc),
		remote:   us,
	}
	if us.NextExpected != nil {
		s.position = us.NextExpected.Lower
	}

	slog.Debug("upload session created", "name", desc.Name, "size", desc.Size, "expiry", us.Expiry)
	s.save()
	return s, nil
}

// Resume rebuilds a session from a persisted record, asking the server where
// the upload stands.
func Resume(ctx context.Context, svc remote.Service, rec *Record, opts Options) (*Session, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = rec.ChunkSize
	}
	opts = opts.withDefaults()

	s := &Session{
		svc:      svc,
		opts:     opts,
		desc:     rec.descriptor(),
		parent:   rec.parentAddress(),
		conflict: rec.Conflict,
		key:      rec.Key,
		remote:   rec.Session,
		position: rec.Position,
	}

	fresh, err := s.query(ctx)
	if err != nil {
		return nil, err
	}
	if fresh.NextExpected == nil {
		return nil, fmt.Errorf("resume %s: %w: server holds every byte but the upload is not committed", rec.Name, ErrProgressMismatch)
	}
	s.remote = fresh
	// the server is authoritative after a restart
	s.position = fresh.NextExpected.Lower
	s.state = StateUploading

	slog.Debug("upload session resumed", "name", rec.Name, "offset", s.position, "size", rec.Size)
	return s, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position is the number of bytes the server has acknowledged.
func (s *Session) Position() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Session) Descriptor() remote.ContentDescriptor { return s.desc }

// UploadFragments sends the rest of content and returns the committed item.
// A range-not-satisfiable reply or a timed out fragment re-queries the server
// position and continues from there. Any other failure cancels the session.
func (s *Session) UploadFragments(ctx context.Context, content remote.Content) (*remote.Item, error) {
	if err := s.start(); err != nil {
		return nil, err
	}

	total := uint64(s.desc.Size)
	resyncs := 0
	for {
		if err := ctx.Err(); err != nil {
			s.abort(ctx, StateCancelled)
			return nil, err
		}

		plan, err := ranges.PlanFrom(s.Position(), s.opts.ChunkSize, total)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		r := plan[0]

		res, err := s.send(ctx, content, r)
		switch {
		case err == nil:
			if res.Completed() {
				s.complete()
				return res.Item, nil
			}
			if err := s.advance(res.NextExpected, true); err != nil {
				return nil, s.fail(ctx, err)
			}
			resyncs = 0

		case ctx.Err() != nil:
			s.abort(ctx, StateCancelled)
			return nil, ctx.Err()

		case needsResync(err):
			resyncs++
			if resyncs > maxResyncs {
				return nil, s.fail(ctx, err)
			}
			slog.Debug("upload resync", "name", s.desc.Name, "range", r, "error", err)
			before := s.Position()
			item, err := s.resync(ctx, r.IsLast())
			if err != nil {
				if ctx.Err() != nil {
					s.abort(ctx, StateCancelled)
					return nil, ctx.Err()
				}
				return nil, s.fail(ctx, err)
			}
			if item != nil {
				s.complete()
				return item, nil
			}
			if s.Position() > before {
				resyncs = 0
			}

		case r.IsLast() && remote.IsNotFound(err):
			// a retried final fragment finds the session already committed
			item, cerr := s.committed(ctx)
			if cerr != nil || item == nil {
				return nil, s.fail(ctx, err)
			}
			s.complete()
			return item, nil

		default:
			return nil, s.fail(ctx, err)
		}
	}
}

// Cancel deallocates the remote session. It is idempotent and never fails:
// the session may already have expired on the server.
func (s *Session) Cancel(ctx context.Context) {
	s.abort(ctx, StateCancelled)
}

func (s *Session) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("upload %s: %w (%s)", s.desc.Name, ErrSessionClosed, s.state)
	}
	s.state = StateUploading
	return nil
}

func (s *Session) send(ctx context.Context, content remote.Content, r ranges.Range) (*remote.FragmentResult, error) {
	var res *remote.FragmentResult
	err := s.fragmentRetrier().Do(ctx, "upload fragment", func(ctx context.Context) error {
		rctx, cancel := requestContext(ctx, s.opts.RequestTimeout)
		defer cancel()

		body := io.NewSectionReader(content, int64(r.Lower), int64(r.Length()))
		out, err := s.svc.UploadFragment(rctx, s.remote, r, body)
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("upload fragment %s: %w: empty reply", r, ErrProgressMismatch)
	}
	return res, nil
}

// fragmentRetrier leaves errors that call for a resync to the upload loop.
func (s *Session) fragmentRetrier() *backoff.Retrier {
	r := *s.opts.Retrier
	base := r.Retryable
	r.Retryable = func(err error) bool {
		return !needsResync(err) && base != nil && base(err)
	}
	return &r
}

func (s *Session) query(ctx context.Context) (*remote.UploadSession, error) {
	var fresh *remote.UploadSession
	err := s.opts.Retrier.Do(ctx, "get upload session", func(ctx context.Context) error {
		rctx, cancel := requestContext(ctx, s.opts.RequestTimeout)
		defer cancel()

		var err error
		fresh, err = s.svc.GetUploadSession(rctx, s.remote)
		return err
	})
	return fresh, err
}

// resync moves the position to where the server stands. When the final
// fragment was in flight the server may have committed the file and dropped
// the session; the committed item is returned in that case.
func (s *Session) resync(ctx context.Context, final bool) (*remote.Item, error) {
	fresh, err := s.query(ctx)
	gone := remote.IsNotFound(err) || (err == nil && fresh.NextExpected == nil)
	if final && gone {
		item, cerr := s.committed(ctx)
		if cerr != nil && ctx.Err() != nil {
			return nil, cerr
		}
		if item != nil {
			slog.Debug("upload committed before reply", "name", s.desc.Name, "id", item.ID)
			return item, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if fresh.NextExpected == nil {
		return nil, fmt.Errorf("resync %s: %w: no range left but no item returned", s.desc.Name, ErrProgressMismatch)
	}
	return nil, s.advance(fresh.NextExpected, false)
}

// committed looks under the parent for a file with this upload's name, size
// and hash. It returns nil without error when there is none.
func (s *Session) committed(ctx context.Context) (*remote.Item, error) {
	var children []*remote.Item
	err := s.opts.Retrier.Do(ctx, "list upload parent", func(ctx context.Context) error {
		rctx, cancel := requestContext(ctx, s.opts.RequestTimeout)
		defer cancel()

		var err error
		children, err = s.svc.ListChildren(rctx, s.parent, remote.ListOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, c := range children {
		if c.Folder || c.Name != s.desc.Name {
			continue
		}
		item := c
		if item.Hash == "" && s.desc.Hash != "" {
			// listings may leave the hash out
			if full, err := s.item(ctx, remote.ByID(c.ID)); err == nil {
				item = full
			}
		}
		if item.Size == s.desc.Size && (s.desc.Hash == "" || item.Hash == s.desc.Hash) {
			return item, nil
		}
	}
	return nil, nil
}

func (s *Session) item(ctx context.Context, addr remote.Address) (*remote.Item, error) {
	var item *remote.Item
	err := s.opts.Retrier.Do(ctx, "get item", func(ctx context.Context) error {
		rctx, cancel := requestContext(ctx, s.opts.RequestTimeout)
		defer cancel()

		var err error
		item, err = s.svc.GetItem(rctx, addr)
		return err
	})
	return item, err
}

// advance moves the acknowledged position to next.Lower. A server reply that
// goes backwards or past the end is rejected; after a sent fragment the
// position must strictly increase.
func (s *Session) advance(next *ranges.Range, mustGrow bool) error {
	if next == nil {
		return fmt.Errorf("upload %s: %w: server reported no next range before completion", s.desc.Name, ErrProgressMismatch)
	}

	s.mu.Lock()
	total := uint64(s.desc.Size)
	switch {
	case next.Lower >= total || next.Total != total:
		s.mu.Unlock()
		return fmt.Errorf("upload %s: %w: next range %s exceeds %d bytes", s.desc.Name, ErrProgressMismatch, next, total)
	case next.Lower < s.position:
		s.mu.Unlock()
		return fmt.Errorf("upload %s: %w: server went back from %d to %d", s.desc.Name, ErrProgressMismatch, s.position, next.Lower)
	case mustGrow && next.Lower == s.position:
		s.mu.Unlock()
		return fmt.Errorf("upload %s: %w: fragment at %d was not acknowledged", s.desc.Name, ErrProgressMismatch, s.position)
	}
	s.position = next.Lower
	s.remote.NextExpected = next
	s.mu.Unlock()

	s.save()
	return nil
}

func (s *Session) complete() {
	s.mu.Lock()
	s.state = StateCompleted
	s.position = uint64(s.desc.Size)
	s.remote.NextExpected = nil
	s.mu.Unlock()

	s.forget()
	slog.Debug("upload session completed", "name", s.desc.Name, "size", s.desc.Size)
}

func (s *Session) fail(ctx context.Context, err error) error {
	s.abort(ctx, StateFailed)
	return &ResumableUploadError{
		Name:   s.desc.Name,
		Offset: s.Position(),
		Total:  uint64(s.desc.Size),
		Err:    err,
	}
}

// abort moves the session to a terminal state and releases it on the server.
// Dealloc failures are logged and dropped.
func (s *Session) abort(ctx context.Context, final State) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = final
	us := s.remote
	s.mu.Unlock()

	s.forget()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := s.svc.CancelUploadSession(ctx, us); err != nil {
		slog.Debug("upload session cancel", "name", s.desc.Name, "error", err)
	}
}

func (s *Session) save() {
	if s.opts.Store == nil {
		return
	}
	s.mu.Lock()
	rec := newRecord(s.key, s.desc, s.parent, s.conflict, s.opts.ChunkSize, s.remote, s.position, s.opts.Now())
	s.mu.Unlock()

	if err := s.opts.Store.Save(rec); err != nil {
		slog.Warn("upload resume record", "name", s.desc.Name, "error", err)
	}
}

func (s *Session) forget() {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Remove(s.key); err != nil {
		slog.Warn("upload resume record", "name", s.desc.Name, "error", err)
	}
}

func needsResync(err error) bool {
	return remote.IsRangeNotSatisfiable(err) || remote.IsTimeout(err)
}

func requestContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
