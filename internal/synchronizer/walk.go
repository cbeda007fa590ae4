package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/drivesync/internal/actions"
	"github.com/openmined/drivesync/internal/compare"
	"github.com/openmined/drivesync/internal/ignore"
	"github.com/openmined/drivesync/internal/localfs"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/sidecar"
	"golang.org/x/sync/semaphore"
)

// folderJob is one folder whose children still need reconciling.
type folderJob struct {
	rel      string
	remoteID string
}

// pass is the state of one Synchronize call.
type pass struct {
	*Synchronizer
	ctx    context.Context
	opts   Options
	ignore *ignore.List
	report *Report
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

// entry joins what both sides and the sidecar know about one child name.
type entry struct {
	name  string
	local *localfs.Entry
	rec   *sidecar.Record
	item  *remote.Item
}

type stepError struct {
	op  string
	err error
}

func (e *stepError) Error() string { return e.op + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func step(op string, err error) error {
	if err == nil {
		return nil
	}
	return &stepError{op: op, err: err}
}

// enqueue schedules a folder. Folders run on at most Workers goroutines;
// entries inside one folder are handled in name order.
func (p *pass) enqueue(job folderJob) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		if err := p.processFolder(job); err != nil {
			p.fail(job.rel, step("list", err))
		}
	}()
}

func (p *pass) processFolder(job folderJob) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}

	items, err := p.env.List(p.ctx, remote.ByID(job.remoteID))
	if err != nil {
		return err
	}
	locals, err := p.fs.List(job.rel)
	if err != nil {
		return err
	}
	records, err := p.store.List(job.rel)
	if err != nil {
		return err
	}

	entries := p.pair(job, locals, records, items)
	if p.opts.TwoWay {
		p.detectRenames(job, entries)
	}

	for _, name := range sortedNames(entries) {
		if err := p.ctx.Err(); err != nil {
			return err
		}
		e, ok := entries[name]
		if !ok {
			continue
		}
		if err := p.reconcile(job, e); err != nil {
			p.fail(path.Join(job.rel, name), err)
		}
	}
	return nil
}

// pair matches remote children to local names: through the sidecar remote id
// first, then by name. Ignored paths drop out here.
func (p *pass) pair(job folderJob, locals []localfs.Entry, records []*sidecar.Record, items []*remote.Item) map[string]*entry {
	entries := make(map[string]*entry)
	get := func(name string) *entry {
		e, ok := entries[name]
		if !ok {
			e = &entry{name: name}
			entries[name] = e
		}
		return e
	}

	for i := range locals {
		l := locals[i]
		if p.ignore.ShouldIgnore(l.Path, l.Dir) {
			continue
		}
		get(l.Name).local = &l
	}

	byID := make(map[string]*sidecar.Record, len(records))
	for _, r := range records {
		if p.ignore.ShouldIgnore(r.Path, r.Folder) {
			continue
		}
		get(r.Name).rec = r
		byID[r.RemoteID] = r
	}

	paired := mapset.NewThreadUnsafeSet[string]()
	for _, it := range items {
		if r, ok := byID[it.ID]; ok {
			entries[r.Name].item = it
			paired.Add(it.ID)
		}
	}

	for _, it := range items {
		if paired.Contains(it.ID) {
			continue
		}
		rel := path.Join(job.rel, it.Name)
		if p.ignore.ShouldIgnore(rel, it.Folder) {
			continue
		}
		e := get(it.Name)
		if e.item != nil {
			// the name still belongs to an item being renamed away; the next
			// pass picks this one up
			slog.Debug("sync", "op", "defer", "path", rel, "remoteId", it.ID)
			p.report.skipped(rel)
			continue
		}
		e.item = it
	}
	return entries
}

// detectRenames turns a local rename into a remote one: a new local file
// whose hash matches a record whose local file vanished from the same folder.
func (p *pass) detectRenames(job folderJob, entries map[string]*entry) {
	gone := make(map[string]*entry)
	for _, e := range entries {
		if e.rec == nil || e.local != nil || e.item == nil || e.rec.Folder || e.rec.Hash == "" {
			continue
		}
		if e.rec.RemoteID != e.item.ID || compare.RemoteChanged(e.rec, e.item) {
			continue
		}
		gone[strings.ToLower(e.rec.Hash)] = e
	}
	if len(gone) == 0 {
		return
	}

	for _, name := range sortedNames(entries) {
		e, ok := entries[name]
		if !ok || e.rec != nil || e.item != nil || e.local == nil || e.local.Dir {
			continue
		}
		hash, err := p.fs.Hash(e.local.Path)
		if err != nil {
			continue
		}
		old, ok := gone[hash]
		if !ok {
			continue
		}
		delete(gone, hash)
		delete(entries, old.name)
		delete(entries, e.name)

		if err := p.renameRemote(old, e, hash); err != nil {
			p.fail(e.local.Path, err)
		}
	}
}

func (p *pass) renameRemote(old, renamed *entry, hash string) error {
	unlock := p.store.Lock(old.rec.Path)
	defer unlock()

	item, err := (&actions.Rename{Env: p.env, Target: remote.ByID(old.rec.RemoteID), NewName: renamed.name}).Call(p.ctx)
	if remote.IsConflict(err) {
		return fmt.Errorf("%w: %s already exists remotely", ErrConflictDetected, renamed.local.Path)
	}
	if err != nil {
		return step("rename remote", err)
	}

	if err := p.store.Delete(old.rec.Path); err != nil {
		return err
	}
	if err := p.store.Set(newRecord(renamed.local.Path, item, *renamed.local, hash)); err != nil {
		return err
	}
	slog.Info("sync", "op", "rename remote", "from", old.rec.Path, "path", renamed.local.Path)
	p.report.renamed(renamed.local.Path)
	return nil
}

// fail records a per-entry error. Conflicts are reported apart from
// failures, and nothing is recorded once the pass is cancelled.
func (p *pass) fail(rel string, err error) {
	if p.ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrConflictDetected) {
		slog.Warn("sync", "op", "conflict", "path", rel, "error", err)
		p.report.conflict(rel)
		return
	}

	op := "sync"
	var se *stepError
	if errors.As(err, &se) {
		op = se.op
	}
	slog.Error("sync", "op", op, "path", rel, "error", err)
	p.report.failed(rel, op, err)
}

func sortedNames(entries map[string]*entry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
