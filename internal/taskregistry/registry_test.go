package taskregistry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

const twoTasks = `[
  {"taskId": "task-1", "cameraIp": "10.0.0.1", "cameraName": "gate", "stream_url": "rtsp://10.0.0.1/live", "model": "yolov8n", "algorithm": "on_duty"},
  {"taskId": 2, "cameraId": 77, "cameraIp": "10.0.0.2", "cameraName": "hall", "stream_url": "rtsp://10.0.0.2/live", "model": "yolov8n", "algorithm": "YOLO"}
]`

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks", r.URL.Path)
		w.Write([]byte(twoTasks))
	}))
	defer srv.Close()

	tasks, err := NewHTTPFetcher(srv.URL+"/tasks", srv.Client()).Fetch(context.Background())
	require.NoError(t, err)

	want := []Task{
		{ID: "task-1", CameraID: 1, CameraIP: "10.0.0.1", CameraName: "gate", StreamURL: "rtsp://10.0.0.1/live", Model: "yolov8n", Algorithm: "on_duty"},
		{ID: "2", CameraID: 77, CameraIP: "10.0.0.2", CameraName: "hall", StreamURL: "rtsp://10.0.0.2/live", Model: "yolov8n", Algorithm: "YOLO"},
	}
	if diff := cmp.Diff(want, tasks); diff != "" {
		t.Errorf("tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestHTTPFetcherErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"bad json", http.StatusOK, "{not json"},
		{"missing id", http.StatusOK, `[{"cameraIp": "x"}]`},
		{"bad camera id", http.StatusOK, `[{"taskId": "a", "cameraId": "cam"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			_, err := NewHTTPFetcher(srv.URL, nil).Fetch(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestCameraIDFromTaskID(t *testing.T) {
	assert.Equal(t, int64(12), CameraIDFromTaskID("task-12"))
	assert.Equal(t, int64(3), CameraIDFromTaskID("3"))
	assert.Equal(t, int64(0), CameraIDFromTaskID("lobby"))
}

type stubFetcher struct {
	mu    sync.Mutex
	tasks []Task
	err   error
	calls atomic.Int32
}

func (f *stubFetcher) set(tasks []Task, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks, f.err = tasks, err
}

func (f *stubFetcher) Fetch(context.Context) ([]Task, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Task(nil), f.tasks...), f.err
}

type memSnapshots struct {
	mu    sync.Mutex
	saved []Task
	saves int
}

func (m *memSnapshots) SaveTaskSnapshot(_ context.Context, tasks []Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append([]Task(nil), tasks...)
	m.saves++
	return nil
}

func (m *memSnapshots) LoadTaskSnapshot(context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Task(nil), m.saved...), nil
}

var (
	taskA = Task{ID: "a", CameraID: 1, StreamURL: "rtsp://a", Algorithm: "yolo", Model: "m"}
	taskB = Task{ID: "b", CameraID: 2, StreamURL: "rtsp://b", Algorithm: "on_duty", Model: "m"}
)

func TestRefreshDiff(t *testing.T) {
	f := &stubFetcher{}
	r := New(f, nil, nil)

	f.set([]Task{taskB, taskA}, nil)
	d, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Task{taskA, taskB}, d.Added)
	assert.Empty(t, d.Removed)
	assert.Equal(t, 2, r.Snapshot().Len())

	// Unchanged set: empty diff.
	d, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Empty())

	// Changed field under the same id shows up on both sides.
	changed := taskA
	changed.StreamURL = "rtsp://a2"
	f.set([]Task{changed, taskB}, nil)
	d, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Task{taskA}, d.Removed)
	assert.Equal(t, []Task{changed}, d.Added)

	// Empty list removes everything.
	f.set([]Task{}, nil)
	d, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Task{changed, taskB}, d.Removed)
	assert.Equal(t, 0, r.Snapshot().Len())
}

func TestRefreshFailureKeepsPreviousSet(t *testing.T) {
	f := &stubFetcher{}
	r := New(f, nil, nil)

	f.set([]Task{taskA}, nil)
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	before := r.Snapshot()

	f.set(nil, errors.New("connection refused"))
	d, err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrRegistryFetchFailed))
	assert.True(t, d.Empty())
	assert.Same(t, before, r.Snapshot())
}

func TestDuplicateIDsLaterWins(t *testing.T) {
	f := &stubFetcher{}
	r := New(f, nil, nil)

	later := taskA
	later.CameraName = "second"
	f.set([]Task{taskA, later}, nil)
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	got, ok := r.Snapshot().Get("a")
	require.True(t, ok)
	assert.Equal(t, "second", got.CameraName)
	assert.Equal(t, 1, r.Snapshot().Len())
}

func TestSnapshotPersistence(t *testing.T) {
	store := &memSnapshots{}
	f := &stubFetcher{}
	f.set([]Task{taskA, taskB}, nil)

	r := New(f, store, nil)
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Task{taskA, taskB}, store.saved)

	// Unchanged refreshes do not rewrite the store.
	_, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)

	// A new process with the platform down resumes the persisted set.
	down := &stubFetcher{}
	down.set(nil, errors.New("unreachable"))
	r2 := New(down, store, nil)
	d, err := r2.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Task{taskA, taskB}, d.Added)
	assert.True(t, r2.Snapshot().Stale())

	_, err = r2.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, r2.Snapshot().Len())

	// The first successful fetch replaces the stale set and persists it.
	down.set([]Task{taskA, taskB}, nil)
	d, err = r2.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Empty())
	assert.False(t, r2.Snapshot().Stale())
	assert.Equal(t, 2, store.saves)
}

func TestConcurrentReaders(t *testing.T) {
	f := &stubFetcher{}
	r := New(f, nil, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := r.Snapshot()
				// A snapshot is internally consistent.
				assert.Equal(t, s.Len(), len(s.Tasks()))
			}
		}()
	}

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			f.set([]Task{taskA, taskB}, nil)
		} else {
			f.set([]Task{taskA}, nil)
		}
		_, err := r.Refresh(context.Background())
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}
