package algorithm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xiaolou86/sjaiengine/internal/clock"
	"github.com/xiaolou86/sjaiengine/internal/detector"
	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/presence"
	"github.com/xiaolou86/sjaiengine/internal/stream"
)

// Built-in algorithm names.
const (
	AlgorithmYOLO   = "yolo"
	AlgorithmOnDuty = "on_duty"
)

// trackMinIoU is the overlap needed to continue a track across frames.
const trackMinIoU = 0.3

// detectHandler runs the backend, optionally keeps only the monitored class,
// assigns track ids and feeds a presence machine.
type detectHandler struct {
	task    models.Task
	backend detector.Backend
	tracker *detector.Tracker
	clock   clock.Clock
	machine *presence.Machine
	// only, when set, drops every other class before Observe.
	only string
}

// NewYOLO builds the generic detector: every detection above the backend's
// confidence floor is reported, and presence of the monitored class is
// still debounced into absence alerts. Idle detection is off.
func NewYOLO(task models.Task, env Env) (Handler, error) {
	cfg := env.Presence(task.ID)
	cfg.IdleEnabled = false
	return newDetectHandler(task, env, cfg, "")
}

// NewOnDuty builds the on-duty monitor: only the monitored class is kept,
// and idle detection follows the presence settings.
func NewOnDuty(task models.Task, env Env) (Handler, error) {
	cfg := env.Presence(task.ID)
	return newDetectHandler(task, env, cfg, cfg.MonitoredClass)
}

func newDetectHandler(task models.Task, env Env, cfg presence.Config, only string) (Handler, error) {
	if env.Backend == nil {
		return nil, fmt.Errorf("algorithm %s: no detection backend", task.Algorithm)
	}
	m, err := presence.New(task, cfg)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	if env.OnAnomaly != nil {
		m.OnAnomaly(func(trackID int64) { env.OnAnomaly(task, trackID) })
	}

	h := &detectHandler{
		task:    task,
		backend: env.Backend,
		clock:   env.Clock,
		machine: m,
		only:    only,
	}
	if h.clock == nil {
		h.clock = clock.Real{}
	}
	if env.Track {
		h.tracker = detector.NewTracker(trackMinIoU, cfg.StaleAfter)
	}
	return h, nil
}

func (h *detectHandler) Detect(ctx context.Context, frame stream.Frame) ([]models.Detection, error) {
	dets, err := h.backend.Detect(ctx, frame, h.task.Model)
	if err != nil {
		return nil, err
	}
	if h.only != "" {
		kept := dets[:0]
		for _, d := range dets {
			if strings.EqualFold(d.Label, h.only) {
				kept = append(kept, d)
			}
		}
		dets = kept
	}
	if h.tracker != nil {
		ts := frame.Timestamp
		if ts.IsZero() {
			ts = h.clock.Now()
		}
		dets = h.tracker.Assign(ts, dets)
	}
	return dets, nil
}

func (h *detectHandler) Observe(now time.Time, detections []models.Detection) []models.AlertPayload {
	return h.machine.Update(now, detections)
}

// Close is a no-op: the backend is shared and outlives the handler.
func (h *detectHandler) Close() error { return nil }
