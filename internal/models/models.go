// Package models defines the core domain types for sjaiengine.
package models

import (
	"math"
	"time"
)

// Task binds a camera stream to an algorithm and a model. Tasks are values:
// any change under the same ID is treated as a different task.
type Task struct {
	ID         string `json:"task_id"`
	CameraID   int64  `json:"camera_id"`
	CameraIP   string `json:"camera_ip"`
	CameraName string `json:"camera_name"`
	StreamURL  string `json:"stream_url"`
	Algorithm  string `json:"algorithm"`
	Model      string `json:"model"`
}

// BoundingBox is an axis-aligned box in pixel coordinates.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the box area, zero for degenerate boxes.
func (b BoundingBox) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box center point.
func (b BoundingBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// IoU returns the intersection over union of two boxes in [0, 1].
func (b BoundingBox) IoU(o BoundingBox) float64 {
	ix1 := math.Max(b.X1, o.X1)
	iy1 := math.Max(b.Y1, o.Y1)
	ix2 := math.Min(b.X2, o.X2)
	iy2 := math.Min(b.Y2, o.Y2)
	inter := BoundingBox{X1: ix1, Y1: iy1, X2: ix2, Y2: iy2}.Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is a single object found in one frame. TrackID is nil when the
// backend does not track objects across frames.
type Detection struct {
	ClassID    int         `json:"class_id"`
	Label      string      `json:"label"`
	Box        BoundingBox `json:"box"`
	Confidence float64     `json:"confidence"`
	TrackID    *int64      `json:"track_id,omitempty"`
}

// TrackedEntity is the per-task memory of one tracked object.
type TrackedEntity struct {
	TrackID   int64       `json:"track_id"`
	LastBox   BoundingBox `json:"last_box"`
	FirstSeen time.Time   `json:"first_seen"`
	LastSeen  time.Time   `json:"last_seen"`
	LastMoved time.Time   `json:"last_moved"`
}

// Presence is the presence state of the monitored class for one task.
type Presence string

const (
	PresenceUnknown Presence = "unknown"
	PresencePresent Presence = "present"
	PresenceAbsent  Presence = "absent"
)

// PresenceState is the debounce state of one task. Zero times mean unset.
type PresenceState struct {
	State          Presence  `json:"state"`
	LastTransition time.Time `json:"last_transition"`
	LastAlert      time.Time `json:"last_alert"`
}

// AlertKind identifies the condition an alert reports.
type AlertKind string

const (
	AlertNoPerson AlertKind = "no-person"
	AlertIdle     AlertKind = "idle"
)

// AlertPayload is an immutable alert handed to the dispatcher by value. Seq
// is assigned by the dispatcher on submit and increases for the process
// lifetime.
type AlertPayload struct {
	Seq        int64     `json:"seq,omitempty"`
	TaskID     string    `json:"task_id"`
	CameraID   int64     `json:"camera_id"`
	CameraIP   string    `json:"camera_ip"`
	CameraName string    `json:"camera_name"`
	Kind       AlertKind `json:"kind"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	LevelCode  string    `json:"level_code"`
	LevelName  string    `json:"level_name"`
}

// WorkerState is the lifecycle state of a stream worker.
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerStopping WorkerState = "stopping"
	WorkerStopped  WorkerState = "stopped"
)

// WorkerStats is a point-in-time view of a worker's counters.
type WorkerStats struct {
	Frames       uint64    `json:"frames"`
	Detections   uint64    `json:"detections"`
	DetectErrors uint64    `json:"detect_errors"`
	Alerts       uint64    `json:"alerts"`
	LastFrameAt  time.Time `json:"last_frame_at"`
	StartedAt    time.Time `json:"started_at"`
	LastError    string    `json:"last_error,omitempty"`
	StopReason   string    `json:"stop_reason,omitempty"`
}

// Event is a structured record of something the engine observed or did.
type Event struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	TaskID    string            `json:"task_id,omitempty"`
	Message   string            `json:"message"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Event kinds.
const (
	EventUnknownAlgorithm    = "unknown_algorithm"
	EventTaskRejected        = "task_rejected"
	EventRegistryFetchFailed = "registry_fetch_failed"
	EventRegistryRefreshed   = "registry_refreshed"
	EventStreamUnavailable   = "stream_unavailable"
	EventStreamReadFailed    = "stream_read_failed"
	EventWorkerStarted       = "worker_started"
	EventWorkerStopped       = "worker_stopped"
	EventWorkerRestart       = "worker_restart"
	EventAlertRaised         = "alert_raised"
	EventAlertDelivered      = "alert_delivered"
	EventDispatchRetry       = "dispatch_retry"
	EventDeliveryFailed      = "delivery_failed"
	EventBackpressure        = "backpressure"
	EventTrackAnomaly        = "track_anomaly"
)

// AlertStatus is the delivery outcome stored for an alert.
type AlertStatus string

const (
	AlertStatusDelivered AlertStatus = "delivered"
	AlertStatusFailed    AlertStatus = "failed"
	AlertStatusDropped   AlertStatus = "dropped"
)

// AlertRecord is an alert with its delivery outcome.
type AlertRecord struct {
	ID        string       `json:"id"`
	Payload   AlertPayload `json:"payload"`
	Status    AlertStatus  `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
