// Package taskregistry keeps the current set of camera tasks in sync with
// the platform.
package taskregistry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaolou86/sjaiengine/internal/clock"
	"github.com/xiaolou86/sjaiengine/internal/logging"
	"github.com/xiaolou86/sjaiengine/internal/models"
)

// Task is the registry's unit of work.
type Task = models.Task

// Fetcher retrieves the authoritative task list.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Task, error)
}

// SnapshotStore persists the last good task set across restarts.
type SnapshotStore interface {
	SaveTaskSnapshot(ctx context.Context, tasks []Task) error
	LoadTaskSnapshot(ctx context.Context) ([]Task, error)
}

// Snapshot is an immutable view of the task set.
type Snapshot struct {
	tasks     map[string]Task
	ids       []string
	fetchedAt time.Time
	stale     bool
}

func newSnapshot(tasks map[string]Task, at time.Time, stale bool) *Snapshot {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Snapshot{tasks: tasks, ids: ids, fetchedAt: at, stale: stale}
}

// Get returns the task with id.
func (s *Snapshot) Get(id string) (Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns the tasks ordered by id.
func (s *Snapshot) Tasks() []Task {
	out := make([]Task, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.tasks[id])
	}
	return out
}

// Len returns the number of tasks.
func (s *Snapshot) Len() int { return len(s.ids) }

// FetchedAt returns when the set was obtained. Zero for the empty start state.
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

// Stale reports whether the set was restored from the store rather than
// fetched in this process.
func (s *Snapshot) Stale() bool { return s.stale }

// Diff is the change between two task sets. A task whose fields changed
// under the same id appears in Removed (old value) and Added (new value).
type Diff struct {
	Added   []Task
	Removed []Task
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// Compare returns the diff from old to cur. Both results are ordered by id.
func Compare(old, cur *Snapshot) Diff {
	var d Diff
	for _, id := range cur.ids {
		nt := cur.tasks[id]
		ot, ok := old.tasks[id]
		if !ok {
			d.Added = append(d.Added, nt)
			continue
		}
		if ot != nt {
			d.Removed = append(d.Removed, ot)
			d.Added = append(d.Added, nt)
		}
	}
	for _, id := range old.ids {
		if _, ok := cur.tasks[id]; !ok {
			d.Removed = append(d.Removed, old.tasks[id])
		}
	}
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i].ID < d.Removed[j].ID })
	return d
}

// Registry holds the current snapshot. Readers never block: refresh builds a
// new snapshot and swaps it in atomically.
type Registry struct {
	fetcher Fetcher
	store   SnapshotStore
	clock   clock.Clock
	log     zerolog.Logger

	refreshMu sync.Mutex
	current   atomic.Pointer[Snapshot]
}

// New creates a registry starting from an empty snapshot. store may be nil.
func New(f Fetcher, store SnapshotStore, c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	r := &Registry{
		fetcher: f,
		store:   store,
		clock:   c,
		log:     logging.For("taskregistry"),
	}
	r.current.Store(newSnapshot(map[string]Task{}, time.Time{}, false))
	return r
}

// Snapshot returns the current task set.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Restore loads the persisted task set as a stale snapshot and returns the
// diff from the empty start state. It is a no-op without a store.
func (r *Registry) Restore(ctx context.Context) (Diff, error) {
	if r.store == nil {
		return Diff{}, nil
	}
	tasks, err := r.store.LoadTaskSnapshot(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("load task snapshot: %w", err)
	}
	if len(tasks) == 0 {
		return Diff{}, nil
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	next := newSnapshot(r.dedupe(tasks), r.clock.Now(), true)
	prev := r.current.Swap(next)
	r.log.Info().Int("tasks", next.Len()).Msg("restored persisted task set")
	return Compare(prev, next), nil
}

// Refresh fetches the task list, swaps it in and returns what changed. On
// failure the previous set stays in effect and the error wraps
// models.ErrRegistryFetchFailed.
func (r *Registry) Refresh(ctx context.Context) (Diff, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	tasks, err := r.fetcher.Fetch(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("%w: %v", models.ErrRegistryFetchFailed, err)
	}

	prev := r.current.Load()
	next := newSnapshot(r.dedupe(tasks), r.clock.Now(), false)
	diff := Compare(prev, next)
	r.current.Store(next)

	if r.store != nil && (!diff.Empty() || prev.stale) {
		if err := r.store.SaveTaskSnapshot(ctx, next.Tasks()); err != nil {
			r.log.Error().Err(err).Msg("persist task snapshot")
		}
	}
	return diff, nil
}

// dedupe indexes tasks by id; when an id repeats, the later entry wins.
func (r *Registry) dedupe(tasks []Task) map[string]Task {
	out := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if _, dup := out[t.ID]; dup {
			r.log.Warn().Str("task_id", t.ID).Msg("duplicate task id in task list, keeping the later entry")
		}
		out[t.ID] = t
	}
	return out
}
