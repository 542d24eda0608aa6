// Package algorithm maps algorithm names to per-task detection handlers.
package algorithm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaolou86/sjaiengine/internal/clock"
	"github.com/xiaolou86/sjaiengine/internal/detector"
	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/presence"
	"github.com/xiaolou86/sjaiengine/internal/stream"
)

// ErrFrozen is returned by Register after Freeze.
var ErrFrozen = errors.New("algorithm registry is frozen")

// Handler is the per-task detection pipeline. A handler is owned by one
// worker: Detect and Observe are never called concurrently.
type Handler interface {
	// Detect runs detection on one frame.
	Detect(ctx context.Context, frame stream.Frame) ([]models.Detection, error)
	// Observe feeds detections seen at now into the presence state and
	// returns any alerts raised.
	Observe(now time.Time, detections []models.Detection) []models.AlertPayload
	// Close releases per-task resources.
	Close() error
}

// Env carries the shared dependencies handlers are built from.
type Env struct {
	Backend detector.Backend
	// Presence returns the presence settings for a task.
	Presence func(taskID string) presence.Config
	// Track assigns track ids to detections that arrive without one.
	Track bool
	// OnAnomaly is told about duplicate track ids within one frame.
	OnAnomaly func(task models.Task, trackID int64)
	// Clock supplies frame time when a frame carries none. Nil means the
	// wall clock.
	Clock clock.Clock
}

// Constructor builds a fresh handler for task.
type Constructor func(task models.Task, env Env) (Handler, error)

// Registry maps case-insensitive algorithm names to constructors. It is
// populated once, then frozen; lookups on a frozen registry take no lock.
type Registry struct {
	env    Env
	mu     sync.Mutex
	table  map[string]Constructor
	frozen atomic.Bool
}

// NewRegistry creates an empty registry bound to env.
func NewRegistry(env Env) *Registry {
	return &Registry{env: env, table: make(map[string]Constructor)}
}

// Builtin returns a frozen registry with the yolo and on_duty variants.
func Builtin(env Env) *Registry {
	r := NewRegistry(env)
	r.mustRegister(AlgorithmYOLO, NewYOLO)
	r.mustRegister(AlgorithmOnDuty, NewOnDuty)
	r.Freeze()
	return r
}

// Register adds a constructor under id.
func (r *Registry) Register(id string, c Constructor) error {
	if r.frozen.Load() {
		return ErrFrozen
	}
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		return fmt.Errorf("algorithm id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.table[key]; exists {
		return fmt.Errorf("algorithm %q already registered", key)
	}
	r.table[key] = c
	return nil
}

func (r *Registry) mustRegister(id string, c Constructor) {
	if err := r.Register(id, c); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// Resolve builds a new handler for task. Each call returns an independent
// handler; handlers are never shared across tasks.
func (r *Registry) Resolve(algorithmID string, task models.Task) (Handler, error) {
	key := strings.ToLower(strings.TrimSpace(algorithmID))

	var c Constructor
	var ok bool
	if r.frozen.Load() {
		c, ok = r.table[key]
	} else {
		r.mu.Lock()
		c, ok = r.table[key]
		r.mu.Unlock()
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownAlgorithm, algorithmID)
	}
	return c(task, r.env)
}

// Algorithms lists the registered names in order.
func (r *Registry) Algorithms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.table))
	for k := range r.table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
