package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/orchestrator"
	"github.com/xiaolou86/sjaiengine/internal/store"
	"github.com/xiaolou86/sjaiengine/internal/taskregistry"
)

type stubFetcher struct {
	mu    sync.Mutex
	tasks []models.Task
	err   error
}

func (f *stubFetcher) Fetch(context.Context) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks, f.err
}

type fakeSupervisor struct {
	reg     *taskregistry.Registry
	workers []orchestrator.WorkerInfo
}

func (s *fakeSupervisor) Workers() []orchestrator.WorkerInfo { return s.workers }

func (s *fakeSupervisor) Stats() orchestrator.Stats {
	return orchestrator.Stats{Tasks: s.reg.Snapshot().Len(), Workers: len(s.workers)}
}

func (s *fakeSupervisor) Refresh(ctx context.Context) (taskregistry.Diff, error) {
	return s.reg.Refresh(ctx)
}

type testEnv struct {
	server  *Server
	store   *store.Store
	fetcher *stubFetcher
	sup     *fakeSupervisor
	hub     *Hub
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fetcher := &stubFetcher{tasks: []models.Task{
		{ID: "task-1", CameraID: 1, CameraIP: "10.0.0.1", StreamURL: "rtsp://10.0.0.1/1", Algorithm: "yolo"},
		{ID: "task-2", CameraID: 2, CameraIP: "10.0.0.2", StreamURL: "rtsp://10.0.0.2/1", Algorithm: "on_duty"},
	}}
	reg := taskregistry.New(fetcher, nil, nil)
	if _, err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Failed to seed registry: %v", err)
	}

	sup := &fakeSupervisor{reg: reg, workers: []orchestrator.WorkerInfo{
		{Task: fetcher.tasks[0], RunID: "run-1", State: models.WorkerRunning},
	}}
	hub := NewHub()
	t.Cleanup(hub.Close)

	service := NewService(st, reg, sup)
	return &testEnv{
		server:  NewServer(service, hub, nil, "127.0.0.1:0"),
		store:   st,
		fetcher: fetcher,
		sup:     sup,
		hub:     hub,
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	env := newTestServer(t)

	if err := env.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown before Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- env.server.Start() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected Start after Shutdown to return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept listening after Shutdown")
	}
}

func TestShutdownConcurrentWithStart(t *testing.T) {
	env := newTestServer(t)

	done := make(chan error, 1)
	go func() { done <- env.server.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected Start to return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
	if health.Stats.Tasks != 2 || health.Stats.Workers != 1 {
		t.Errorf("Unexpected stats: %+v", health.Stats)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestServer(t)
	env.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestListTasks(t *testing.T) {
	env := newTestServer(t)

	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var tasks []models.Task
	if err := json.NewDecoder(w.Body).Decode(&tasks); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "task-1" || tasks[1].ID != "task-2" {
		t.Errorf("Unexpected tasks: %+v", tasks)
	}
}

func TestGetTask(t *testing.T) {
	env := newTestServer(t)
	h := env.server.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks/task-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var view TaskView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if view.ID != "task-1" || view.Worker == nil || view.Worker.RunID != "run-1" {
		t.Errorf("Unexpected task view: %+v", view)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks/task-2", nil))
	var idle TaskView
	if err := json.NewDecoder(w.Body).Decode(&idle); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if idle.Worker != nil {
		t.Errorf("Expected no worker for task-2, got %+v", idle.Worker)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListEvents(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ev := range []models.Event{
		{Kind: models.EventWorkerStarted, TaskID: "task-1", Message: "started"},
		{Kind: models.EventAlertRaised, TaskID: "task-1", Message: "alert"},
		{Kind: models.EventWorkerStarted, TaskID: "task-2", Message: "started"},
	} {
		ev.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := env.store.RecordEvent(ctx, &ev); err != nil {
			t.Fatalf("Failed to record event: %v", err)
		}
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?task_id=task-1", 2},
		{"?kind=" + models.EventWorkerStarted, 2},
		{"?limit=1", 1},
		{"?since=2024-01-01T00:01:00Z", 2},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		env.server.handleEvents(w, httptest.NewRequest(http.MethodGet, "/events"+tt.query, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%q: expected status 200, got %d", tt.query, w.Code)
		}
		var events []models.Event
		if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
			t.Fatalf("%q: failed to decode response: %v", tt.query, err)
		}
		if len(events) != tt.want {
			t.Errorf("%q: expected %d events, got %d", tt.query, tt.want, len(events))
		}
	}
}

func TestListEvents_BadQuery(t *testing.T) {
	env := newTestServer(t)

	for _, q := range []string{"?limit=abc", "?limit=-1", "?since=yesterday"} {
		w := httptest.NewRecorder()
		env.server.handleEvents(w, httptest.NewRequest(http.MethodGet, "/events"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: expected status 400, got %d", q, w.Code)
		}
	}
}

func TestListAlerts(t *testing.T) {
	env := newTestServer(t)
	rec := &models.AlertRecord{
		Payload: models.AlertPayload{Seq: 1, TaskID: "task-1", Kind: models.AlertNoPerson},
		Status:  models.AlertStatusDelivered,
	}
	if err := env.store.SaveAlert(context.Background(), rec); err != nil {
		t.Fatalf("Failed to save alert: %v", err)
	}

	w := httptest.NewRecorder()
	env.server.handleAlerts(w, httptest.NewRequest(http.MethodGet, "/alerts?task_id=task-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var alerts []models.AlertRecord
	if err := json.NewDecoder(w.Body).Decode(&alerts); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Payload.Kind != models.AlertNoPerson {
		t.Errorf("Unexpected alerts: %+v", alerts)
	}

	w = httptest.NewRecorder()
	env.server.handleAlerts(w, httptest.NewRequest(http.MethodGet, "/alerts?task_id=task-9", nil))
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("Expected empty list, got %s", w.Body.String())
	}
}

func TestRefresh(t *testing.T) {
	env := newTestServer(t)
	env.fetcher.mu.Lock()
	env.fetcher.tasks = env.fetcher.tasks[:1]
	env.fetcher.mu.Unlock()

	w := httptest.NewRecorder()
	env.server.handleRefresh(w, httptest.NewRequest(http.MethodGet, "/refresh", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.server.handleRefresh(w, httptest.NewRequest(http.MethodPost, "/refresh", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var res RefreshResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if res.Tasks != 1 || len(res.Added) != 0 || len(res.Removed) != 1 || res.Removed[0].ID != "task-2" {
		t.Errorf("Unexpected refresh result: %+v", res)
	}
}

func TestRefresh_FetchFailure(t *testing.T) {
	env := newTestServer(t)
	env.fetcher.mu.Lock()
	env.fetcher.err = errors.New("connection refused")
	env.fetcher.mu.Unlock()

	w := httptest.NewRecorder()
	env.server.handleRefresh(w, httptest.NewRequest(http.MethodPost, "/refresh", nil))
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", w.Code)
	}
	if n := env.server.service.ListTasks(); len(n) != 2 {
		t.Errorf("Expected previous task set to be kept, got %d tasks", len(n))
	}
}

func TestEventStream(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events/ws?task_id=task-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.hub.Broadcast(models.Event{ID: "e1", Kind: models.EventWorkerStarted, TaskID: "task-2"})
	env.hub.Broadcast(models.Event{ID: "e2", Kind: models.EventWorkerStarted, TaskID: "task-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if ev.ID != "e2" {
		t.Errorf("Expected filtered event e2, got %s", ev.ID)
	}
}
