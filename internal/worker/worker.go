// Package worker runs the per-task frame loop: read a frame, detect, update
// presence state and hand alerts to the dispatcher.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiaolou86/sjaiengine/internal/algorithm"
	"github.com/xiaolou86/sjaiengine/internal/clock"
	"github.com/xiaolou86/sjaiengine/internal/logging"
	"github.com/xiaolou86/sjaiengine/internal/metrics"
	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/stream"
)

// Stop reasons reported in WorkerStats.StopReason.
const (
	ReasonCancelled   = "cancelled"
	ReasonEndOfStream = "eos"
	ReasonOpen        = "open"
	ReasonRead        = "read"
	ReasonDetect      = "detect"
	ReasonPanic       = "panic"
)

// Submitter accepts alerts without blocking.
type Submitter interface {
	Submit(alert models.AlertPayload) error
}

// Recorder records audit events.
type Recorder interface {
	Record(kind, taskID, message string, attrs map[string]string) models.Event
}

// Config bounds the worker's waits and failure tolerance.
type Config struct {
	OpenTimeout time.Duration
	ReadTimeout time.Duration
	// MaxConsecutiveDetectErrors stops the worker after that many failed
	// detections in a row. Zero disables the limit.
	MaxConsecutiveDetectErrors int
}

// Deps are the collaborators a worker uses. Recorder, Metrics and Clock may
// be nil.
type Deps struct {
	Opener   stream.Opener
	Handler  algorithm.Handler
	Sink     Submitter
	Recorder Recorder
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// Worker owns one task's stream, handler and presence state for a single
// run. It is not restartable: build a new Worker to try again.
type Worker struct {
	id   string
	task models.Task
	cfg  Config
	deps Deps
	log  zerolog.Logger

	started atomic.Bool
	done    chan struct{}

	mu    sync.Mutex
	state models.WorkerState
	stats models.WorkerStats
	err   error
}

// New creates a worker for task. The worker takes ownership of deps.Handler.
func New(task models.Task, cfg Config, deps Deps) *Worker {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	id := uuid.New().String()
	return &Worker{
		id:   id,
		task: task,
		cfg:  cfg,
		deps: deps,
		log: logging.For("worker").With().
			Str("task_id", task.ID).
			Str("camera_ip", task.CameraIP).
			Str("run_id", id).
			Logger(),
		done:  make(chan struct{}),
		state: models.WorkerStarting,
	}
}

// ID returns the run id of this worker.
func (w *Worker) ID() string { return w.id }

// Task returns the task this worker serves.
func (w *Worker) Task() models.Task { return w.task }

// State returns the current lifecycle state.
func (w *Worker) State() models.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a copy of the worker's counters.
func (w *Worker) Stats() models.WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Err returns the error the worker stopped with, nil while running or after
// a cancellation.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed once the worker reaches STOPPED.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run opens the stream and processes frames until ctx is cancelled, the
// stream ends or fails, or detection keeps failing. It returns nil on
// cancellation, io.EOF at end of stream and a wrapped sentinel otherwise.
// Run may be called once; later calls return models.ErrWorkerStopped.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return models.ErrWorkerStopped
	}
	defer close(w.done)

	w.mu.Lock()
	w.stats.StartedAt = w.deps.Clock.Now()
	w.mu.Unlock()

	src, err := stream.OpenWithTimeout(ctx, w.deps.Opener, w.task.StreamURL, w.cfg.OpenTimeout, w.cfg.ReadTimeout)
	if err != nil {
		if ctx.Err() != nil {
			w.closeHandler()
			w.finish(ReasonCancelled, nil)
			return nil
		}
		if !errors.Is(err, models.ErrStreamUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrStreamUnavailable, err)
		}
		w.record(models.EventStreamUnavailable, err.Error(), map[string]string{"stream": stream.Redact(w.task.StreamURL)})
		w.closeHandler()
		w.finish(ReasonOpen, err)
		return err
	}

	w.setState(models.WorkerRunning)
	w.deps.Metrics.WorkerStarted()
	w.record(models.EventWorkerStarted, "worker started", map[string]string{
		"algorithm": w.task.Algorithm,
		"model":     w.task.Model,
		"run_id":    w.id,
	})

	reason, runErr := w.loop(ctx, src)

	w.setState(models.WorkerStopping)
	if err := src.Close(); err != nil {
		w.log.Debug().Err(err).Msg("close stream")
	}
	w.closeHandler()
	w.deps.Metrics.WorkerStopped()

	attrs := map[string]string{"reason": reason, "run_id": w.id}
	if runErr != nil && !errors.Is(runErr, io.EOF) {
		attrs["error"] = runErr.Error()
	}
	w.record(models.EventWorkerStopped, "worker stopped", attrs)
	w.finish(reason, runErr)
	return runErr
}

func (w *Worker) loop(ctx context.Context, src stream.Source) (string, error) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ReasonCancelled, nil
		}

		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ReasonCancelled, nil
			}
			if errors.Is(err, io.EOF) {
				return ReasonEndOfStream, io.EOF
			}
			if !errors.Is(err, models.ErrStreamReadFailed) {
				err = fmt.Errorf("%w: %v", models.ErrStreamReadFailed, err)
			}
			w.deps.Metrics.ReadError()
			w.record(models.EventStreamReadFailed, err.Error(), map[string]string{"stream": stream.Redact(w.task.StreamURL)})
			return ReasonRead, err
		}

		dets, err := w.detect(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return ReasonCancelled, nil
			}
			failures++
			w.deps.Metrics.DetectError()
			w.mu.Lock()
			w.stats.DetectErrors++
			w.stats.LastError = err.Error()
			w.mu.Unlock()
			w.log.Warn().Err(err).Int("consecutive", failures).Uint64("seq", frame.Seq).Msg("detection failed")

			if w.cfg.MaxConsecutiveDetectErrors > 0 && failures >= w.cfg.MaxConsecutiveDetectErrors {
				err = fmt.Errorf("%w: detect: %d consecutive failures: %v", models.ErrStreamReadFailed, failures, err)
				w.record(models.EventStreamReadFailed, err.Error(), map[string]string{"reason": ReasonDetect})
				return ReasonDetect, err
			}
			continue
		}
		failures = 0

		now := frame.Timestamp
		if now.IsZero() {
			now = w.deps.Clock.Now()
		}
		alerts, err := w.observe(now, dets)
		if err != nil {
			w.record(models.EventStreamReadFailed, err.Error(), map[string]string{"reason": ReasonPanic})
			return ReasonPanic, err
		}

		w.deps.Metrics.FrameRead(len(dets))
		w.mu.Lock()
		w.stats.Frames++
		w.stats.Detections += uint64(len(dets))
		w.stats.Alerts += uint64(len(alerts))
		w.stats.LastFrameAt = now
		w.mu.Unlock()

		for _, a := range alerts {
			w.submit(a)
		}
	}
}

func (w *Worker) detect(ctx context.Context, frame stream.Frame) (dets []models.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: detect panic: %v", models.ErrStreamReadFailed, r)
		}
	}()
	return w.deps.Handler.Detect(ctx, frame)
}

func (w *Worker) observe(now time.Time, dets []models.Detection) (alerts []models.AlertPayload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: observe panic: %v", models.ErrStreamReadFailed, r)
		}
	}()
	return w.deps.Handler.Observe(now, dets), nil
}

func (w *Worker) submit(a models.AlertPayload) {
	w.deps.Metrics.AlertRaised(string(a.Kind))
	w.record(models.EventAlertRaised, a.Message, map[string]string{
		"kind":  string(a.Kind),
		"level": a.LevelCode,
	})
	if w.deps.Sink == nil {
		return
	}
	if err := w.deps.Sink.Submit(a); err != nil {
		w.log.Warn().Err(err).Str("kind", string(a.Kind)).Msg("alert not queued")
	}
}

func (w *Worker) closeHandler() {
	if w.deps.Handler == nil {
		return
	}
	if err := w.deps.Handler.Close(); err != nil {
		w.log.Debug().Err(err).Msg("close handler")
	}
}

func (w *Worker) setState(s models.WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.log.Debug().Str("state", string(s)).Msg("state change")
}

func (w *Worker) finish(reason string, err error) {
	w.mu.Lock()
	w.state = models.WorkerStopped
	w.stats.StopReason = reason
	if err != nil && !errors.Is(err, io.EOF) {
		w.err = err
		w.stats.LastError = err.Error()
	}
	w.mu.Unlock()
}

func (w *Worker) record(kind, message string, attrs map[string]string) {
	if w.deps.Recorder == nil {
		w.log.Info().Str("kind", kind).Msg(message)
		return
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["camera_ip"] = w.task.CameraIP
	attrs["camera_id"] = strconv.FormatInt(w.task.CameraID, 10)
	w.deps.Recorder.Record(kind, w.task.ID, message, attrs)
}
