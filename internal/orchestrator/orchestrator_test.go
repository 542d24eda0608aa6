package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaolou86/sjaiengine/internal/algorithm"
	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/stream"
	"github.com/xiaolou86/sjaiengine/internal/taskregistry"
)

type stubFetcher struct {
	mu    sync.Mutex
	tasks []models.Task
	err   error
}

func (f *stubFetcher) set(tasks []models.Task, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks, f.err = tasks, err
}

func (f *stubFetcher) Fetch(context.Context) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Task(nil), f.tasks...), f.err
}

type memSnapshots struct {
	tasks []models.Task
}

func (m *memSnapshots) SaveTaskSnapshot(_ context.Context, tasks []models.Task) error {
	m.tasks = tasks
	return nil
}

func (m *memSnapshots) LoadTaskSnapshot(context.Context) ([]models.Task, error) {
	return m.tasks, nil
}

// blockingSource produces no frames until ctx is cancelled.
type blockingSource struct {
	closed atomic.Bool
}

func (s *blockingSource) Read(ctx context.Context) (stream.Frame, error) {
	<-ctx.Done()
	return stream.Frame{}, ctx.Err()
}

func (s *blockingSource) Close() error {
	s.closed.Store(true)
	return nil
}

// eofSource ends immediately.
type eofSource struct{}

func (eofSource) Read(context.Context) (stream.Frame, error) { return stream.Frame{}, io.EOF }
func (eofSource) Close() error { return nil }

type countingOpener struct {
	mu      sync.Mutex
	opens   map[string]int
	sources []*blockingSource
	eof     bool
}

func newOpener() *countingOpener {
	return &countingOpener{opens: make(map[string]int)}
}

func (o *countingOpener) Open(_ context.Context, url string) (stream.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[url]++
	if o.eof {
		return eofSource{}, nil
	}
	src := &blockingSource{}
	o.sources = append(o.sources, src)
	return src, nil
}

func (o *countingOpener) opened() []*blockingSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*blockingSource(nil), o.sources...)
}

func (o *countingOpener) count(url string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[url]
}

type nopHandler struct{}

func (nopHandler) Detect(context.Context, stream.Frame) ([]models.Detection, error) { return nil, nil }
func (nopHandler) Observe(time.Time, []models.Detection) []models.AlertPayload { return nil }
func (nopHandler) Close() error { return nil }

type resolver struct{}

func (resolver) Resolve(id string, _ models.Task) (algorithm.Handler, error) {
	switch strings.ToLower(id) {
	case "yolo", "on_duty":
		return nopHandler{}, nil
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownAlgorithm, id)
}

type memRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *memRecorder) Record(kind, taskID, message string, attrs map[string]string) models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := models.Event{Kind: kind, TaskID: taskID, Message: message, Attrs: attrs}
	r.events = append(r.events, ev)
	return ev
}

func (r *memRecorder) count(kind, taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind && (taskID == "" || ev.TaskID == taskID) {
			n++
		}
	}
	return n
}

func task(id, algo string) models.Task {
	return models.Task{ID: id, CameraID: 1, StreamURL: "rtsp://cam/" + id, Algorithm: algo, Model: "yolov8n"}
}

type fixture struct {
	fetcher *stubFetcher
	store   *memSnapshots
	opener  *countingOpener
	rec     *memRecorder
	orch    *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		fetcher: &stubFetcher{},
		store:   &memSnapshots{},
		opener:  newOpener(),
		rec:     &memRecorder{},
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = time.Hour
	}
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = time.Millisecond
		cfg.RestartMaxBackoff = 5 * time.Millisecond
	}
	f.orch = New(cfg, Deps{
		Registry:   taskregistry.New(f.fetcher, f.store, nil),
		Algorithms: resolver{},
		Opener:     f.opener,
		Recorder:   f.rec,
	})
	t.Cleanup(f.orch.Stop)
	return f
}

func waitRunning(t *testing.T, o *Orchestrator, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return o.Stats().Running == n }, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownAlgorithmSkipped(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.set([]models.Task{task("a", "yolo"), task("b", "face_id"), task("c", "ON_DUTY")}, nil)

	_, err := f.orch.Refresh(context.Background())
	require.NoError(t, err)
	waitRunning(t, f.orch, 2)

	workers := f.orch.Workers()
	require.Len(t, workers, 2)
	assert.Equal(t, "a", workers[0].Task.ID)
	assert.Equal(t, "c", workers[1].Task.ID)
	assert.Equal(t, 1, f.rec.count(models.EventUnknownAlgorithm, "b"))
	assert.Equal(t, 1, f.orch.Stats().Skipped)

	// The skipped task is not retried until it changes.
	_, err = f.orch.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.rec.count(models.EventUnknownAlgorithm, "b"))

	f.fetcher.set([]models.Task{task("a", "yolo"), task("b", "yolo"), task("c", "ON_DUTY")}, nil)
	_, err = f.orch.Refresh(context.Background())
	require.NoError(t, err)
	waitRunning(t, f.orch, 3)
}

func TestEmptyTaskListStopsWorkers(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.set([]models.Task{task("a", "yolo")}, nil)
	_, err := f.orch.Refresh(context.Background())
	require.NoError(t, err)
	waitRunning(t, f.orch, 1)

	f.fetcher.set([]models.Task{}, nil)
	diff, err := f.orch.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, diff.Removed, 1)

	// Refresh returns only after the removed worker reached STOPPED.
	assert.Empty(t, f.orch.Workers())
	srcs := f.opener.opened()
	require.Len(t, srcs, 1)
	assert.True(t, srcs[0].closed.Load())
	assert.Equal(t, 1, f.rec.count(models.EventWorkerStopped, "a"))
	assert.Equal(t, 0, f.rec.count(models.EventWorkerRestart, "a"))
}

func TestUnchangedSetCausesNoChurn(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.set([]models.Task{task("a", "yolo"), task("b", "yolo")}, nil)
	_, err := f.orch.Refresh(context.Background())
	require.NoError(t, err)
	waitRunning(t, f.orch, 2)
	before := f.orch.Workers()

	for i := 0; i < 3; i++ {
		diff, err := f.orch.Refresh(context.Background())
		require.NoError(t, err)
		assert.True(t, diff.Empty())
	}

	after := f.orch.Workers()
	for i := range before {
		assert.Equal(t, before[i].RunID, after[i].RunID)
	}
	assert.Equal(t, 1, f.opener.count("rtsp://cam/a"))
	assert.Equal(t, 1, f.opener.count("rtsp://cam/b"))
}

func TestChangedTaskIsReplaced(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.set([]models.Task{task("a", "yolo")}, nil)
	_, err := f.orch.Refresh(context.Background())
	require.NoError(t, err)
	waitRunning(t, f.orch, 1)
	oldRun := f.orch.Workers()[0].RunID

	changed := task("a", "yolo")
	changed.StreamURL = "rtsp://cam/a-hd"
	f.fetcher.set([]models.Task{changed}, nil)
	_, err = f.orch.Refresh(context.Background())
	require.NoError(t, err)
	waitRunning(t, f.orch, 1)

	w := f.orch.Workers()[0]
	assert.NotEqual(t, oldRun, w.RunID)
	assert.Equal(t, "rtsp://cam/a-hd", w.Task.StreamURL)
}

func TestFetchFailureKeepsWorkers(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.set([]models.Task{task("a", "yolo")}, nil)
	_, err := f.orch.Refresh(context.Background())
	require.NoError(t, err)
	waitRunning(t, f.orch, 1)

	f.fetcher.set(nil, errors.New("platform down"))
	_, err = f.orch.Refresh(context.Background())
	require.ErrorIs(t, err, models.ErrRegistryFetchFailed)
	assert.Equal(t, 1, f.rec.count(models.EventRegistryFetchFailed, ""))
	assert.Len(t, f.orch.Workers(), 1)
	assert.Equal(t, 1, f.orch.Stats().Running)
}

func TestWorkerRestartsWithBackoff(t *testing.T) {
	f := newFixture(t, Config{})
	f.opener.eof = true
	f.fetcher.set([]models.Task{task("a", "yolo")}, nil)
	_, err := f.orch.Refresh(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.opener.count("rtsp://cam/a") >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, f.rec.count(models.EventWorkerRestart, "a"), 2)
	assert.GreaterOrEqual(t, f.orch.Workers()[0].Restarts, 2)
}

func TestMaxWorkersDefersTasks(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 1})
	f.fetcher.set([]models.Task{task("a", "yolo"), task("b", "yolo")}, nil)
	_, err := f.orch.Refresh(context.Background())
	require.NoError(t, err)
	waitRunning(t, f.orch, 1)
	assert.Equal(t, 1, f.orch.Stats().Pending)

	// Freeing the slot lets the deferred task start on the next refresh.
	f.fetcher.set([]models.Task{task("b", "yolo")}, nil)
	_, err = f.orch.Refresh(context.Background())
	require.NoError(t, err)
	waitRunning(t, f.orch, 1)
	assert.Equal(t, "b", f.orch.Workers()[0].Task.ID)
	assert.Equal(t, 0, f.orch.Stats().Pending)
}

func TestStartResumesPersistedTasks(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.tasks = []models.Task{task("a", "yolo")}
	f.fetcher.set(nil, errors.New("platform down"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.Start(ctx)

	waitRunning(t, f.orch, 1)
	assert.True(t, f.orch.Stats().StaleTasks)
	require.Eventually(t, func() bool {
		return f.rec.count(models.EventRegistryFetchFailed, "") >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.orch.Workers(), 1, "fetch failure keeps the stale set running")

	f.fetcher.set([]models.Task{task("a", "yolo")}, nil)
	f.orch.TriggerRefresh()
	require.Eventually(t, func() bool { return !f.orch.Stats().StaleTasks }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.opener.count("rtsp://cam/a"), "no churn once the platform confirms the set")
}

func TestStopReachesStopped(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.set([]models.Task{task("a", "yolo"), task("b", "yolo")}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.orch.Start(ctx)
	waitRunning(t, f.orch, 2)

	cancel()
	f.orch.Stop()
	for _, w := range f.orch.Workers() {
		assert.Equal(t, models.WorkerStopped, w.State)
	}
	for _, src := range f.opener.opened() {
		assert.True(t, src.closed.Load())
	}
}
