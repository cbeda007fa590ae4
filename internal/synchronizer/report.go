package synchronizer

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Failure is one entry the pass could not reconcile.
type Failure struct {
	Path string
	Op   string
	Err  error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.Path, f.Err)
}

// Report lists what a pass did, by relative path. Lists are sorted once the
// pass returns.
type Report struct {
	Created   []string
	Updated   []string
	Deleted   []string
	Renamed   []string
	Conflicts []string
	Skipped   []string
	Failed    []Failure
	Duration  time.Duration

	mu sync.Mutex
}

// Changes counts the entries that were created, updated, deleted or renamed
// on either side.
func (r *Report) Changes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Created) + len(r.Updated) + len(r.Deleted) + len(r.Renamed)
}

func (r *Report) HasFailures() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Failed) > 0
}

func (r *Report) add(list *[]string, p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*list = append(*list, p)
}

func (r *Report) created(p string)  { r.add(&r.Created, p) }
func (r *Report) updated(p string)  { r.add(&r.Updated, p) }
func (r *Report) deleted(p string)  { r.add(&r.Deleted, p) }
func (r *Report) renamed(p string)  { r.add(&r.Renamed, p) }
func (r *Report) conflict(p string) { r.add(&r.Conflicts, p) }
func (r *Report) skipped(p string)  { r.add(&r.Skipped, p) }

func (r *Report) failed(p, op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed = append(r.Failed, Failure{Path: p, Op: op, Err: err})
}

func (r *Report) finish(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range [][]string{r.Created, r.Updated, r.Deleted, r.Renamed, r.Conflicts, r.Skipped} {
		sort.Strings(l)
	}
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].Path < r.Failed[j].Path })
	r.Duration = d
}
