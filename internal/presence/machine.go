// Package presence implements the per-task presence and track state machine
// that turns per-frame detections into debounced alerts.
package presence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaolou86/sjaiengine/internal/logging"
	"github.com/xiaolou86/sjaiengine/internal/models"
)

// Level is the platform severity attached to an alert.
type Level struct {
	Code string
	Name string
}

// Config holds the debounce parameters of one machine.
type Config struct {
	// MonitoredClass is the detection label whose presence is tracked.
	MonitoredClass string
	// AbsenceThreshold is how long the class must be absent before alerting.
	AbsenceThreshold time.Duration
	// Cooldown is the minimum time between two absence alerts.
	Cooldown time.Duration
	// StaleAfter evicts tracked entities not seen for longer than this.
	StaleAfter time.Duration

	IdleEnabled bool
	// IdleAfter is how long every present entity must stay still to alert.
	IdleAfter    time.Duration
	IdleCooldown time.Duration
	// MovementTolerance is the 1-IoU change below which a box counts as still.
	MovementTolerance float64

	Levels map[models.AlertKind]Level
}

// Validate checks the configuration. Errors wrap models.ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.MonitoredClass == "":
		return fmt.Errorf("%w: monitored class is required", models.ErrInvalidConfig)
	case c.AbsenceThreshold <= 0:
		return fmt.Errorf("%w: absence threshold must be positive", models.ErrInvalidConfig)
	case c.Cooldown < 0:
		return fmt.Errorf("%w: cooldown must not be negative", models.ErrInvalidConfig)
	case c.StaleAfter <= 0:
		return fmt.Errorf("%w: stale horizon must be positive", models.ErrInvalidConfig)
	case c.IdleEnabled && c.IdleAfter <= 0:
		return fmt.Errorf("%w: idle duration must be positive when idle detection is enabled", models.ErrInvalidConfig)
	case c.IdleEnabled && (c.MovementTolerance <= 0 || c.MovementTolerance >= 1):
		return fmt.Errorf("%w: movement tolerance must be in (0, 1)", models.ErrInvalidConfig)
	}
	return nil
}

// Machine tracks presence for one task. It is owned by a single worker and
// is not safe for concurrent use.
type Machine struct {
	cfg  Config
	task models.Task
	log  zerolog.Logger

	state         models.PresenceState
	tracks        map[int64]*models.TrackedEntity
	lastIdleAlert time.Time
	anomalies     uint64
	onAnomaly     func(trackID int64)
}

// New creates a machine for task. The initial presence state is unknown, so
// the first empty frame starts the absence timer.
func New(task models.Task, cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		cfg:    cfg,
		task:   task,
		log:    logging.For("presence").With().Str("task_id", task.ID).Logger(),
		state:  models.PresenceState{State: models.PresenceUnknown},
		tracks: make(map[int64]*models.TrackedEntity),
	}, nil
}

// OnAnomaly installs a callback invoked when one frame carries the same
// track id twice.
func (m *Machine) OnAnomaly(fn func(trackID int64)) {
	m.onAnomaly = fn
}

// Update feeds one frame's detections observed at now and returns the
// alerts it raises, if any.
func (m *Machine) Update(now time.Time, detections []models.Detection) []models.AlertPayload {
	m.evict(now)

	present := m.filter(detections)
	if len(present) == 0 {
		return m.absent(now)
	}

	if m.state.State != models.PresencePresent {
		m.state.State = models.PresencePresent
		m.state.LastTransition = now
	}

	seen := m.track(now, present)
	if a, ok := m.checkIdle(now, seen); ok {
		return []models.AlertPayload{a}
	}
	return nil
}

// State returns the current presence state.
func (m *Machine) State() models.PresenceState {
	return m.state
}

// Tracks returns the tracked entities ordered by track id.
func (m *Machine) Tracks() []models.TrackedEntity {
	out := make([]models.TrackedEntity, 0, len(m.tracks))
	for _, e := range m.tracks {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// Anomalies returns how many duplicate track ids were seen.
func (m *Machine) Anomalies() uint64 {
	return m.anomalies
}

func (m *Machine) filter(detections []models.Detection) []models.Detection {
	var out []models.Detection
	for _, d := range detections {
		if strings.EqualFold(d.Label, m.cfg.MonitoredClass) {
			out = append(out, d)
		}
	}
	return out
}

func (m *Machine) absent(now time.Time) []models.AlertPayload {
	if m.state.State != models.PresenceAbsent {
		m.state.State = models.PresenceAbsent
		m.state.LastTransition = now
		return nil
	}

	gone := now.Sub(m.state.LastTransition)
	if gone < m.cfg.AbsenceThreshold {
		return nil
	}
	if !m.state.LastAlert.IsZero() && now.Sub(m.state.LastAlert) < m.cfg.Cooldown {
		return nil
	}

	m.state.LastAlert = now
	msg := fmt.Sprintf("no %s detected for %s", m.cfg.MonitoredClass, gone.Round(time.Second))
	return []models.AlertPayload{m.payload(models.AlertNoPerson, msg, now)}
}

// track upserts entities for detections carrying a track id and returns the
// ids seen in this frame. Within one frame the later detection wins.
func (m *Machine) track(now time.Time, present []models.Detection) []int64 {
	boxes := make(map[int64]models.BoundingBox)
	var order []int64
	for _, d := range present {
		if d.TrackID == nil {
			continue
		}
		id := *d.TrackID
		if _, dup := boxes[id]; dup {
			m.anomalies++
			m.log.Warn().Int64("track_id", id).Msg("duplicate track id in one frame, keeping the later detection")
			if m.onAnomaly != nil {
				m.onAnomaly(id)
			}
		} else {
			order = append(order, id)
		}
		boxes[id] = d.Box
	}

	for _, id := range order {
		box := boxes[id]
		e, ok := m.tracks[id]
		if !ok {
			m.tracks[id] = &models.TrackedEntity{
				TrackID:   id,
				LastBox:   box,
				FirstSeen: now,
				LastSeen:  now,
				LastMoved: now,
			}
			continue
		}
		if 1-e.LastBox.IoU(box) > m.cfg.MovementTolerance {
			e.LastMoved = now
		}
		e.LastBox = box
		e.LastSeen = now
	}
	return order
}

func (m *Machine) checkIdle(now time.Time, seen []int64) (models.AlertPayload, bool) {
	if !m.cfg.IdleEnabled || len(seen) == 0 {
		return models.AlertPayload{}, false
	}
	for _, id := range seen {
		if now.Sub(m.tracks[id].LastMoved) < m.cfg.IdleAfter {
			return models.AlertPayload{}, false
		}
	}
	if !m.lastIdleAlert.IsZero() && now.Sub(m.lastIdleAlert) < m.cfg.IdleCooldown {
		return models.AlertPayload{}, false
	}

	m.lastIdleAlert = now
	msg := fmt.Sprintf("%d %s idle for at least %s", len(seen), m.cfg.MonitoredClass, m.cfg.IdleAfter)
	return m.payload(models.AlertIdle, msg, now), true
}

func (m *Machine) evict(now time.Time) {
	for id, e := range m.tracks {
		if now.Sub(e.LastSeen) > m.cfg.StaleAfter {
			delete(m.tracks, id)
		}
	}
}

func (m *Machine) payload(kind models.AlertKind, msg string, now time.Time) models.AlertPayload {
	lvl := m.cfg.Levels[kind]
	return models.AlertPayload{
		TaskID:     m.task.ID,
		CameraID:   m.task.CameraID,
		CameraIP:   m.task.CameraIP,
		CameraName: m.task.CameraName,
		Kind:       kind,
		Message:    msg,
		Timestamp:  now,
		LevelCode:  lvl.Code,
		LevelName:  lvl.Name,
	}
}
