// Package watcher reports local changes under the sync root so watch mode can
// start a pass soon after a file is touched instead of waiting for the timer.
package watcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	DefaultQuiet    = 500 * time.Millisecond
	eventBufferSize = 64
)

// FilterCallback returns true for relative paths whose events are dropped.
type FilterCallback func(rel string) bool

type Options struct {
	// Quiet is how long the tree must stay still before a batch is emitted.
	Quiet  time.Duration
	Filter FilterCallback
	Clock  clockwork.Clock
}

// Watcher coalesces bursts of filesystem events into batches of changed
// relative paths.
type Watcher struct {
	root    string
	quiet   time.Duration
	filter  FilterCallback
	clock   clockwork.Clock
	raw     chan notify.EventInfo
	changes chan []string
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending mapset.Set[string]
	timer   clockwork.Timer
	closed  bool
}

func New(root string, opts Options) *Watcher {
	if opts.Quiet <= 0 {
		opts.Quiet = DefaultQuiet
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Watcher{
		root:    root,
		quiet:   opts.Quiet,
		filter:  opts.Filter,
		clock:   opts.Clock,
		changes: make(chan []string, 1),
		done:    make(chan struct{}),
		pending: mapset.NewThreadUnsafeSet[string](),
	}
}

// Start watches the root recursively until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", w.root)

	w.raw = make(chan notify.EventInfo, eventBufferSize)
	events := notify.Create | notify.Remove | notify.Write | notify.Rename
	if err := notify.Watch(w.root+"/...", w.raw, events); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) Stop() {
	select {
	case <-w.done:
		return
	default:
	}
	close(w.done)
	if w.raw != nil {
		notify.Stop(w.raw)
	}
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	if !w.closed {
		w.closed = true
		close(w.changes)
	}
	slog.Info("file watcher stopped")
}

// Changes delivers sorted batches of changed paths. A batch is dropped when
// the previous one has not been read yet; the pending pass covers it.
func (w *Watcher) Changes() <-chan []string {
	return w.changes
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.handle(ev.Path())
		}
	}
}

// handle records one event and re-arms the quiet timer.
func (w *Watcher) handle(abs string) {
	rel, err := utils.SlashRel(w.root, abs)
	if err != nil || rel == "" {
		return
	}
	if w.filter != nil && w.filter(rel) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending.Add(rel)
	if w.timer == nil {
		w.timer = w.clock.AfterFunc(w.quiet, w.flush)
		return
	}
	w.timer.Reset(w.quiet)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.pending.Cardinality() == 0 {
		return
	}

	batch := w.pending.ToSlice()
	sort.Strings(batch)
	w.pending.Clear()

	select {
	case w.changes <- batch:
		slog.Debug("file watcher", "changed", len(batch))
	default:
		slog.Debug("file watcher dropped batch", "reason", "pass pending", "changed", len(batch))
	}
}
