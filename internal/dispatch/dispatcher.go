// Package dispatch delivers alerts to the platform through a bounded queue
// drained by a fixed pool of goroutines.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiaolou86/sjaiengine/internal/clock"
	"github.com/xiaolou86/sjaiengine/internal/logging"
	"github.com/xiaolou86/sjaiengine/internal/metrics"
	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/retry"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher closed")

// Delivery outcomes reported to metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeRetry     = "retry"
	OutcomeDropped   = "dropped"
)

// Ack is the platform's acknowledgement of one alert.
type Ack struct {
	Status int
	Body   []byte
}

// Sink sends one alert. Errors wrap models.ErrDispatchTransient or
// models.ErrDispatchPermanent; unclassified errors are retried.
type Sink interface {
	Send(ctx context.Context, alert models.AlertPayload) (Ack, error)
}

// Recorder records audit events and alert outcomes.
type Recorder interface {
	Record(kind, taskID, message string, attrs map[string]string) models.Event
	Alert(rec models.AlertRecord)
}

// Config sizes the queue and pool and shapes retries.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Dispatcher queues alerts and delivers them with retries. Submit never
// blocks.
type Dispatcher struct {
	cfg     Config
	sink    Sink
	rec     Recorder
	metrics *metrics.Metrics
	clock   clock.Clock
	log     zerolog.Logger

	seq atomic.Int64

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []models.AlertPayload
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher and starts its workers. rec, m and c may be nil.
func New(cfg Config, sink Sink, rec Recorder, m *metrics.Metrics, c clock.Clock) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if c == nil {
		c = clock.Real{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		rec:     rec,
		metrics: m,
		clock:   c,
		log:     logging.For("dispatch"),
		queue:   make([]models.AlertPayload, 0, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.cond = sync.NewCond(&d.mu)
	m.SetQueueDepthFunc(d.Len)

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Len returns the number of queued alerts.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Submit queues alert for delivery. When the queue is full the oldest
// queued alert for the same task and kind is replaced; with no such alert
// the new one is rejected with models.ErrBackpressure.
func (d *Dispatcher) Submit(alert models.AlertPayload) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	alert.Seq = d.seq.Add(1)

	if len(d.queue) < d.cfg.QueueSize {
		d.queue = append(d.queue, alert)
		d.mu.Unlock()
		d.cond.Signal()
		return nil
	}

	idx := -1
	for i, q := range d.queue {
		if q.TaskID == alert.TaskID && q.Kind == alert.Kind {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		d.metrics.DeliveryEvent(OutcomeDropped)
		d.record(models.EventBackpressure, alert, "queue full, alert rejected", nil)
		d.saveOutcome(alert, models.AlertStatusDropped, 0, models.ErrBackpressure)
		return fmt.Errorf("%w: task %s kind %s", models.ErrBackpressure, alert.TaskID, alert.Kind)
	}

	superseded := d.queue[idx]
	d.queue = append(d.queue[:idx], d.queue[idx+1:]...)
	d.queue = append(d.queue, alert)
	d.mu.Unlock()
	d.cond.Signal()

	d.metrics.DeliveryEvent(OutcomeDropped)
	d.record(models.EventBackpressure, superseded, "queue full, superseded alert dropped",
		map[string]string{"superseded_by": strconv.FormatInt(alert.Seq, 10)})
	d.saveOutcome(superseded, models.AlertStatusDropped, 0, models.ErrBackpressure)
	return nil
}

// Close stops accepting alerts, waits for the queue to drain and stops the
// workers. If ctx expires first, in-flight deliveries are aborted, every
// alert still queued is recorded as failed, and the returned error wraps
// ctx.Err() with the number of discarded alerts.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		d.mu.Lock()
		discarded := d.queue
		d.queue = nil
		d.mu.Unlock()
		d.cond.Broadcast()

		reason := fmt.Errorf("%w: shutdown: %v", models.ErrDispatchTransient, ctx.Err())
		for _, a := range discarded {
			d.metrics.DeliveryEvent(OutcomeFailed)
			d.record(models.EventDeliveryFailed, a, reason.Error(), map[string]string{"attempts": "0"})
			d.saveOutcome(a, models.AlertStatusFailed, 0, reason)
		}
		<-done
		if len(discarded) > 0 {
			d.log.Warn().Int("discarded", len(discarded)).Msg("alert queue not drained before shutdown deadline")
		}
		return fmt.Errorf("close dispatcher: %w (%d queued alerts discarded)", ctx.Err(), len(discarded))
	}
}

func (d *Dispatcher) next() (models.AlertPayload, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 {
		if d.closed {
			return models.AlertPayload{}, false
		}
		d.cond.Wait()
	}
	a := d.queue[0]
	d.queue = d.queue[1:]
	return a, true
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		a, ok := d.next()
		if !ok {
			return
		}
		d.deliver(a)
	}
}

func (d *Dispatcher) deliver(a models.AlertPayload) {
	start := d.clock.Now()
	var lastErr error
	attempt := 0

	for attempt < d.cfg.MaxAttempts {
		attempt++
		_, err := d.sink.Send(d.ctx, a)
		if err == nil {
			d.metrics.Delivery(OutcomeDelivered, d.clock.Now().Sub(start))
			d.record(models.EventAlertDelivered, a, "alert delivered",
				map[string]string{"attempts": strconv.Itoa(attempt)})
			d.saveOutcome(a, models.AlertStatusDelivered, attempt, nil)
			return
		}
		lastErr = err

		if errors.Is(err, models.ErrDispatchPermanent) || d.ctx.Err() != nil {
			break
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}

		wait := retry.Delay(attempt, d.cfg.BaseBackoff, d.cfg.MaxBackoff)
		d.metrics.DeliveryEvent(OutcomeRetry)
		d.record(models.EventDispatchRetry, a, err.Error(), map[string]string{
			"attempt": strconv.Itoa(attempt),
			"backoff": wait.String(),
		})
		select {
		case <-d.clock.After(wait):
		case <-d.ctx.Done():
			lastErr = fmt.Errorf("%w: %v", models.ErrDispatchTransient, d.ctx.Err())
		}
		if d.ctx.Err() != nil {
			break
		}
	}

	d.metrics.Delivery(OutcomeFailed, d.clock.Now().Sub(start))
	d.record(models.EventDeliveryFailed, a, lastErr.Error(), map[string]string{"attempts": strconv.Itoa(attempt)})
	d.saveOutcome(a, models.AlertStatusFailed, attempt, lastErr)
}

func (d *Dispatcher) record(kind string, a models.AlertPayload, message string, attrs map[string]string) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["alert_kind"] = string(a.Kind)
	attrs["seq"] = strconv.FormatInt(a.Seq, 10)
	if d.rec == nil {
		d.log.Info().Str("kind", kind).Str("task_id", a.TaskID).Msg(message)
		return
	}
	d.rec.Record(kind, a.TaskID, message, attrs)
}

func (d *Dispatcher) saveOutcome(a models.AlertPayload, status models.AlertStatus, attempts int, err error) {
	if d.rec == nil {
		return
	}
	rec := models.AlertRecord{
		ID:        uuid.New().String(),
		Payload:   a,
		Status:    status,
		Attempts:  attempts,
		CreatedAt: d.clock.Now(),
	}
	if err != nil {
		rec.LastError = err.Error()
	}
	d.rec.Alert(rec)
}
