// Package audit records engine events to the log, the store, metrics and
// live subscribers.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiaolou86/sjaiengine/internal/clock"
	"github.com/xiaolou86/sjaiengine/internal/logging"
	"github.com/xiaolou86/sjaiengine/internal/metrics"
	"github.com/xiaolou86/sjaiengine/internal/models"
)

// storeTimeout bounds a single persistence write.
const storeTimeout = 2 * time.Second

// Store persists events and alert outcomes.
type Store interface {
	RecordEvent(ctx context.Context, ev *models.Event) error
	SaveAlert(ctx context.Context, rec *models.AlertRecord) error
}

// Subscriber receives every recorded event. Broadcast must not block.
type Subscriber interface {
	Broadcast(ev models.Event)
}

// Recorder fans events out to every configured sink. Any sink may be nil.
type Recorder struct {
	store   Store
	metrics *metrics.Metrics
	clock   clock.Clock
	log     zerolog.Logger

	mu   sync.RWMutex
	subs []Subscriber
}

// NewRecorder creates a Recorder. A nil store or metrics disables that sink.
func NewRecorder(s Store, m *metrics.Metrics, c clock.Clock) *Recorder {
	if c == nil {
		c = clock.Real{}
	}
	return &Recorder{
		store:   s,
		metrics: m,
		clock:   c,
		log:     logging.For("audit"),
	}
}

// Subscribe adds a live subscriber.
func (r *Recorder) Subscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
}

// Record emits one event and returns it with its assigned ID and timestamp.
// Persistence failures are logged, never returned.
func (r *Recorder) Record(kind, taskID, message string, attrs map[string]string) models.Event {
	ev := models.Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		TaskID:    taskID,
		Message:   message,
		Attrs:     attrs,
		Timestamp: r.clock.Now().UTC(),
	}

	e := r.log.WithLevel(levelFor(kind)).Str("kind", kind)
	if taskID != "" {
		e = e.Str("task_id", taskID)
	}
	for k, v := range attrs {
		e = e.Str(k, v)
	}
	e.Msg(message)

	r.metrics.Event(kind)

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := r.store.RecordEvent(ctx, &ev); err != nil {
			r.log.Error().Err(err).Str("kind", kind).Msg("persist event")
		}
		cancel()
	}

	r.mu.RLock()
	for _, sub := range r.subs {
		sub.Broadcast(ev)
	}
	r.mu.RUnlock()

	return ev
}

// Alert persists the delivery outcome of one alert.
func (r *Recorder) Alert(rec models.AlertRecord) {
	if r.store == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.clock.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.SaveAlert(ctx, &rec); err != nil {
		r.log.Error().Err(err).Str("task_id", rec.Payload.TaskID).Msg("persist alert")
	}
}

func levelFor(kind string) zerolog.Level {
	switch kind {
	case models.EventDeliveryFailed, models.EventStreamUnavailable, models.EventRegistryFetchFailed:
		return zerolog.ErrorLevel
	case models.EventUnknownAlgorithm, models.EventTaskRejected, models.EventStreamReadFailed, models.EventBackpressure,
		models.EventDispatchRetry, models.EventTrackAnomaly, models.EventWorkerRestart:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
