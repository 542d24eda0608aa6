// Package orchestrator keeps one stream worker running per task in the
// registry, restarting workers that stop on their own.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaolou86/sjaiengine/internal/algorithm"
	"github.com/xiaolou86/sjaiengine/internal/clock"
	"github.com/xiaolou86/sjaiengine/internal/logging"
	"github.com/xiaolou86/sjaiengine/internal/metrics"
	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/retry"
	"github.com/xiaolou86/sjaiengine/internal/stream"
	"github.com/xiaolou86/sjaiengine/internal/taskregistry"
	"github.com/xiaolou86/sjaiengine/internal/worker"
)

// Registry is the task source the orchestrator follows.
type Registry interface {
	Restore(ctx context.Context) (taskregistry.Diff, error)
	Refresh(ctx context.Context) (taskregistry.Diff, error)
	Snapshot() *taskregistry.Snapshot
}

// Resolver builds the handler for a task's algorithm.
type Resolver interface {
	Resolve(id string, task models.Task) (algorithm.Handler, error)
}

// Config controls refresh cadence, worker limits and restart backoff.
type Config struct {
	RefreshInterval   time.Duration
	MaxWorkers        int
	RestartBackoff    time.Duration
	RestartMaxBackoff time.Duration
	Worker            worker.Config
}

// Deps are the orchestrator's collaborators. Recorder, Metrics and Clock may
// be nil.
type Deps struct {
	Registry   Registry
	Algorithms Resolver
	Opener     stream.Opener
	Sink       worker.Submitter
	Recorder   worker.Recorder
	Metrics    *metrics.Metrics
	Clock      clock.Clock
}

// WorkerInfo describes one task's worker for the control plane.
type WorkerInfo struct {
	Task        models.Task        `json:"task"`
	RunID       string             `json:"run_id"`
	State       models.WorkerState `json:"state"`
	Stats       models.WorkerStats `json:"stats"`
	Restarts    int                `json:"restarts"`
	NextRestart *time.Time         `json:"next_restart,omitempty"`
}

// Stats summarizes the orchestrator.
type Stats struct {
	Tasks      int       `json:"tasks"`
	Workers    int       `json:"workers"`
	Running    int       `json:"running"`
	Pending    int       `json:"pending"`
	Skipped    int       `json:"skipped"`
	MaxWorkers int       `json:"max_workers"`
	StaleTasks bool      `json:"stale_tasks"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// slot is the supervision record of one task. Its mutable fields are
// guarded by Orchestrator.mu.
type slot struct {
	task   models.Task
	cancel context.CancelFunc
	done   chan struct{}

	worker      *worker.Worker
	restarts    int
	nextRestart time.Time
}

// Orchestrator reconciles running workers with the task registry.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu      sync.Mutex
	slots   map[string]*slot
	skipped map[string]models.Task
	pending int

	refreshMu sync.Mutex
	trigger   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. Call Start to begin following the registry.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		log:     logging.For("orchestrator"),
		slots:   make(map[string]*slot),
		skipped: make(map[string]models.Task),
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start resumes any persisted task set, then refreshes on start and every
// refresh interval until ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	if _, err := o.deps.Registry.Restore(ctx); err != nil {
		o.log.Warn().Err(err).Msg("restore task set")
	} else if snap := o.deps.Registry.Snapshot(); snap.Len() > 0 {
		o.reconcile(taskregistry.Diff{}, snap)
	}

	stop := context.AfterFunc(ctx, o.cancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer stop()
		o.loop()
	}()
	o.log.Info().Dur("refresh_interval", o.cfg.RefreshInterval).Int("max_workers", o.cfg.MaxWorkers).Msg("orchestrator started")
}

// Stop cancels every worker and waits for all of them to reach STOPPED.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.log.Info().Msg("orchestrator stopped")
}

// TriggerRefresh asks the loop to refresh now. It never blocks.
func (o *Orchestrator) TriggerRefresh() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop() {
	o.Refresh(o.ctx)
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.deps.Clock.After(o.cfg.RefreshInterval):
		case <-o.trigger:
		}
		if o.ctx.Err() != nil {
			return
		}
		o.Refresh(o.ctx)
	}
}

// Refresh pulls the task list once and reconciles workers with it. On a
// fetch failure running workers are left alone.
func (o *Orchestrator) Refresh(ctx context.Context) (taskregistry.Diff, error) {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	diff, err := o.deps.Registry.Refresh(ctx)
	if err != nil {
		o.record(models.EventRegistryFetchFailed, "", err.Error(), nil)
		return diff, err
	}

	snap := o.deps.Registry.Snapshot()
	o.deps.Metrics.SetRegistryTasks(snap.Len())
	if !diff.Empty() {
		o.record(models.EventRegistryRefreshed, "", "task set changed", map[string]string{
			"added":   strconv.Itoa(len(diff.Added)),
			"removed": strconv.Itoa(len(diff.Removed)),
			"tasks":   strconv.Itoa(snap.Len()),
		})
	}
	o.reconcile(diff, snap)
	return diff, nil
}

// reconcile stops workers for removed tasks, then starts a worker for every
// task in snap that has none, within the worker cap.
func (o *Orchestrator) reconcile(diff taskregistry.Diff, snap *taskregistry.Snapshot) {
	var stopping []*slot
	o.mu.Lock()
	for _, t := range diff.Removed {
		delete(o.skipped, t.ID)
		if s, ok := o.slots[t.ID]; ok {
			s.cancel()
			delete(o.slots, t.ID)
			stopping = append(stopping, s)
		}
	}
	o.mu.Unlock()

	for _, s := range stopping {
		<-s.done
		o.log.Debug().Str("task_id", s.task.ID).Msg("worker removed")
	}

	if o.ctx.Err() != nil {
		return
	}

	pending := 0
	for _, t := range snap.Tasks() {
		o.mu.Lock()
		_, running := o.slots[t.ID]
		skipped, wasSkipped := o.skipped[t.ID]
		full := o.cfg.MaxWorkers > 0 && len(o.slots) >= o.cfg.MaxWorkers
		o.mu.Unlock()

		switch {
		case running:
			continue
		case wasSkipped && skipped == t:
			continue
		case full:
			pending++
			continue
		}
		o.start(t)
	}

	o.mu.Lock()
	o.pending = pending
	o.mu.Unlock()
	if pending > 0 {
		o.log.Warn().Int("pending", pending).Int("max_workers", o.cfg.MaxWorkers).Msg("worker cap reached, tasks deferred")
	}
}

// start resolves the task's handler and launches its supervisor. Tasks with
// an unknown algorithm are skipped until they change.
func (o *Orchestrator) start(t models.Task) {
	h, err := o.deps.Algorithms.Resolve(t.Algorithm, t)
	if err != nil {
		o.record(rejectKind(err), t.ID, err.Error(), map[string]string{"algorithm": t.Algorithm})
		o.mu.Lock()
		o.skipped[t.ID] = t
		o.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(o.ctx)
	s := &slot{task: t, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	delete(o.skipped, t.ID)
	o.slots[t.ID] = s
	o.mu.Unlock()

	o.wg.Add(1)
	go o.supervise(ctx, s, h)
}

// supervise runs workers for one task until ctx is cancelled. A worker that
// stops on its own is replaced after an exponential backoff; the backoff
// resets once a worker has run longer than the maximum backoff.
func (o *Orchestrator) supervise(ctx context.Context, s *slot, h algorithm.Handler) {
	defer o.wg.Done()
	defer close(s.done)

	attempt := 0
	for {
		if h == nil {
			var err error
			h, err = o.deps.Algorithms.Resolve(s.task.Algorithm, s.task)
			if err != nil {
				o.record(rejectKind(err), s.task.ID, err.Error(), map[string]string{"algorithm": s.task.Algorithm})
				return
			}
		}

		w := worker.New(s.task, o.cfg.Worker, worker.Deps{
			Opener:   o.deps.Opener,
			Handler:  h,
			Sink:     o.deps.Sink,
			Recorder: o.deps.Recorder,
			Metrics:  o.deps.Metrics,
			Clock:    o.deps.Clock,
		})
		h = nil

		o.mu.Lock()
		s.worker = w
		s.nextRestart = time.Time{}
		o.mu.Unlock()

		started := o.deps.Clock.Now()
		err := w.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		if o.deps.Clock.Now().Sub(started) > o.cfg.RestartMaxBackoff {
			attempt = 0
		}
		attempt++
		delay := retry.Delay(attempt, o.cfg.RestartBackoff, o.cfg.RestartMaxBackoff)

		reason := w.Stats().StopReason
		msg := fmt.Sprintf("worker stopped (%s), restarting in %s", reason, delay)
		if err != nil {
			msg = fmt.Sprintf("worker stopped (%s): %v, restarting in %s", reason, err, delay)
		}
		o.deps.Metrics.WorkerRestarted()
		o.record(models.EventWorkerRestart, s.task.ID, msg, map[string]string{
			"attempt": strconv.Itoa(attempt),
			"backoff": delay.String(),
			"reason":  reason,
		})

		o.mu.Lock()
		s.restarts++
		s.nextRestart = o.deps.Clock.Now().Add(delay)
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-o.deps.Clock.After(delay):
		}
	}
}

// Workers lists every supervised task, sorted by task id.
func (o *Orchestrator) Workers() []WorkerInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]WorkerInfo, 0, len(o.slots))
	for _, s := range o.slots {
		info := WorkerInfo{
			Task:     s.task,
			State:    models.WorkerStarting,
			Restarts: s.restarts,
		}
		if s.worker != nil {
			info.RunID = s.worker.ID()
			info.State = s.worker.State()
			info.Stats = s.worker.Stats()
		}
		if !s.nextRestart.IsZero() {
			next := s.nextRestart
			info.NextRestart = &next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task.ID < out[j].Task.ID })
	return out
}

// Stats returns a summary of the orchestrator.
func (o *Orchestrator) Stats() Stats {
	snap := o.deps.Registry.Snapshot()

	o.mu.Lock()
	defer o.mu.Unlock()
	st := Stats{
		Tasks:      snap.Len(),
		Workers:    len(o.slots),
		Pending:    o.pending,
		Skipped:    len(o.skipped),
		MaxWorkers: o.cfg.MaxWorkers,
		StaleTasks: snap.Stale(),
		FetchedAt:  snap.FetchedAt(),
	}
	for _, s := range o.slots {
		if s.worker != nil && s.worker.State() == models.WorkerRunning {
			st.Running++
		}
	}
	return st
}

func rejectKind(err error) string {
	if errors.Is(err, models.ErrUnknownAlgorithm) {
		return models.EventUnknownAlgorithm
	}
	return models.EventTaskRejected
}

func (o *Orchestrator) record(kind, taskID, message string, attrs map[string]string) {
	if o.deps.Recorder == nil {
		o.log.Info().Str("kind", kind).Str("task_id", taskID).Msg(message)
		return
	}
	o.deps.Recorder.Record(kind, taskID, message, attrs)
}
