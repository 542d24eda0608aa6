// Package controlplane provides the HTTP API and service layer for the engine.
package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/orchestrator"
	"github.com/xiaolou86/sjaiengine/internal/store"
	"github.com/xiaolou86/sjaiengine/internal/taskregistry"
)

// Store is the persistence the API reads from.
type Store interface {
	Ping(ctx context.Context) error
	ListEvents(ctx context.Context, f store.EventFilter) ([]models.Event, error)
	ListAlerts(ctx context.Context, taskID string, limit int) ([]models.AlertRecord, error)
}

// TaskSource exposes the current task snapshot.
type TaskSource interface {
	Snapshot() *taskregistry.Snapshot
}

// Supervisor exposes worker state and on-demand refreshes.
type Supervisor interface {
	Workers() []orchestrator.WorkerInfo
	Stats() orchestrator.Stats
	Refresh(ctx context.Context) (taskregistry.Diff, error)
}

// Service provides the control plane business logic.
type Service struct {
	store Store
	tasks TaskSource
	sup   Supervisor
}

// NewService creates a new control plane service.
func NewService(s Store, tasks TaskSource, sup Supervisor) *Service {
	return &Service{store: s, tasks: tasks, sup: sup}
}

// TaskView is a task together with its worker, if one is running.
type TaskView struct {
	models.Task
	Worker *orchestrator.WorkerInfo `json:"worker,omitempty"`
}

// RefreshResult reports what an on-demand refresh changed.
type RefreshResult struct {
	Added   []models.Task `json:"added"`
	Removed []models.Task `json:"removed"`
	Tasks   int           `json:"tasks"`
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ListTasks returns the current task snapshot sorted by id.
func (s *Service) ListTasks() []models.Task {
	tasks := s.tasks.Snapshot().Tasks()
	if tasks == nil {
		tasks = []models.Task{}
	}
	return tasks
}

// GetTask returns one task and its worker.
func (s *Service) GetTask(id string) (*TaskView, error) {
	t, ok := s.tasks.Snapshot().Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	view := &TaskView{Task: t}
	for _, w := range s.sup.Workers() {
		if w.Task.ID == id {
			view.Worker = &w
			break
		}
	}
	return view, nil
}

// ListWorkers returns every supervised worker.
func (s *Service) ListWorkers() []orchestrator.WorkerInfo {
	return s.sup.Workers()
}

// Stats returns the orchestrator summary.
func (s *Service) Stats() orchestrator.Stats {
	return s.sup.Stats()
}

// ListEvents returns recorded events, newest first.
func (s *Service) ListEvents(ctx context.Context, f store.EventFilter) ([]models.Event, error) {
	events, err := s.store.ListEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.Event{}
	}
	return events, nil
}

// ListAlerts returns alert outcomes, newest first.
func (s *Service) ListAlerts(ctx context.Context, taskID string, limit int) ([]models.AlertRecord, error) {
	alerts, err := s.store.ListAlerts(ctx, taskID, limit)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []models.AlertRecord{}
	}
	return alerts, nil
}

// Refresh pulls the task list now and reconciles workers.
func (s *Service) Refresh(ctx context.Context, timeout time.Duration) (*RefreshResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	diff, err := s.sup.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	res := &RefreshResult{
		Added:   diff.Added,
		Removed: diff.Removed,
		Tasks:   s.tasks.Snapshot().Len(),
	}
	if res.Added == nil {
		res.Added = []models.Task{}
	}
	if res.Removed == nil {
		res.Removed = []models.Task{}
	}
	return res, nil
}
