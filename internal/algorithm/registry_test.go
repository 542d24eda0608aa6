package algorithm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaolou86/sjaiengine/internal/clock"
	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/presence"
	"github.com/xiaolou86/sjaiengine/internal/stream"
)

type fakeBackend struct {
	mu     sync.Mutex
	dets   []models.Detection
	err    error
	models []string
}

func (b *fakeBackend) Detect(_ context.Context, _ stream.Frame, model string) ([]models.Detection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models = append(b.models, model)
	if b.err != nil {
		return nil, b.err
	}
	return append([]models.Detection(nil), b.dets...), nil
}

func (b *fakeBackend) Close() error { return nil }

func presenceFor(string) presence.Config {
	return presence.Config{
		MonitoredClass:    "person",
		AbsenceThreshold:  5 * time.Second,
		Cooldown:          time.Minute,
		StaleAfter:        10 * time.Second,
		IdleEnabled:       true,
		IdleAfter:         20 * time.Second,
		IdleCooldown:      time.Minute,
		MovementTolerance: 0.1,
	}
}

func testEnv(b *fakeBackend) Env {
	return Env{Backend: b, Presence: presenceFor, Track: true}
}

var task = models.Task{ID: "t1", CameraID: 1, Algorithm: "on_duty", Model: "yolov8n"}

func TestResolveCaseInsensitive(t *testing.T) {
	r := Builtin(testEnv(&fakeBackend{}))

	for _, name := range []string{"yolo", "YOLO", " Yolo ", "on_duty", "ON_DUTY"} {
		h, err := r.Resolve(name, task)
		require.NoError(t, err, name)
		require.NotNil(t, h)
	}
	assert.Equal(t, []string{"on_duty", "yolo"}, r.Algorithms())
}

func TestResolveUnknown(t *testing.T) {
	r := Builtin(testEnv(&fakeBackend{}))
	_, err := r.Resolve("face_recognition", task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUnknownAlgorithm))
	assert.Contains(t, err.Error(), "face_recognition")
}

func TestRegisterAfterFreeze(t *testing.T) {
	r := NewRegistry(testEnv(&fakeBackend{}))
	require.NoError(t, r.Register("custom", NewYOLO))
	assert.Error(t, r.Register("CUSTOM", NewYOLO), "duplicate ids are rejected")

	r.Freeze()
	assert.ErrorIs(t, r.Register("late", NewYOLO), ErrFrozen)

	_, err := r.Resolve("custom", task)
	assert.NoError(t, err)
}

func TestResolveReturnsIndependentHandlers(t *testing.T) {
	r := Builtin(testEnv(&fakeBackend{}))
	now := time.Unix(0, 0)

	h1, err := r.Resolve("on_duty", task)
	require.NoError(t, err)
	h2, err := r.Resolve("on_duty", task)
	require.NoError(t, err)

	// Drive h1 into an absence alert; h2 must be unaffected.
	h1.Observe(now, nil)
	alerts := h1.Observe(now.Add(5*time.Second), nil)
	require.Len(t, alerts, 1)

	assert.Empty(t, h2.Observe(now.Add(5*time.Second), nil))
}

func TestOnDutyFiltersToMonitoredClass(t *testing.T) {
	b := &fakeBackend{dets: []models.Detection{
		{Label: "person", Confidence: 0.9, Box: models.BoundingBox{X2: 10, Y2: 10}},
		{Label: "chair", Confidence: 0.9, Box: models.BoundingBox{X2: 10, Y2: 10}},
	}}
	h, err := Builtin(testEnv(b)).Resolve("on_duty", task)
	require.NoError(t, err)

	dets, err := h.Detect(context.Background(), stream.Frame{Timestamp: time.Unix(1, 0)})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].Label)
	require.NotNil(t, dets[0].TrackID, "tracker assigns ids")
	assert.Equal(t, []string{"yolov8n"}, b.models)
}

func TestYOLOKeepsAllClassesWithoutIdle(t *testing.T) {
	box := models.BoundingBox{X1: 0, Y1: 0, X2: 50, Y2: 100}
	b := &fakeBackend{dets: []models.Detection{
		{Label: "person", Confidence: 0.9, Box: box},
		{Label: "car", Confidence: 0.8, Box: models.BoundingBox{X1: 200, X2: 300, Y2: 100}},
	}}
	h, err := Builtin(testEnv(b)).Resolve("yolo", task)
	require.NoError(t, err)

	start := time.Unix(0, 0)
	for sec := 0; sec <= 60; sec++ {
		now := start.Add(time.Duration(sec) * time.Second)
		dets, err := h.Detect(context.Background(), stream.Frame{Timestamp: now})
		require.NoError(t, err)
		require.Len(t, dets, 2)
		assert.Empty(t, h.Observe(now, dets), "a static person never raises idle for yolo")
	}
}

func TestDetectPropagatesBackendError(t *testing.T) {
	b := &fakeBackend{err: errors.New("inference down")}
	h, err := Builtin(testEnv(b)).Resolve("yolo", task)
	require.NoError(t, err)
	_, err = h.Detect(context.Background(), stream.Frame{})
	assert.EqualError(t, err, "inference down")
}

func TestResolveInvalidPresenceConfig(t *testing.T) {
	env := testEnv(&fakeBackend{})
	env.Presence = func(string) presence.Config { return presence.Config{} }
	_, err := Builtin(env).Resolve("on_duty", task)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestAnomalyHookCarriesTask(t *testing.T) {
	var gotTask string
	var gotTrack int64
	env := testEnv(&fakeBackend{})
	env.OnAnomaly = func(tk models.Task, id int64) { gotTask, gotTrack = tk.ID, id }

	h, err := Builtin(env).Resolve("on_duty", task)
	require.NoError(t, err)

	id := int64(3)
	dup := models.Detection{Label: "person", TrackID: &id, Box: models.BoundingBox{X2: 5, Y2: 5}}
	h.Observe(time.Unix(0, 0), []models.Detection{dup, dup})
	assert.Equal(t, "t1", gotTask)
	assert.Equal(t, int64(3), gotTrack)
}

func TestUntimedFramesUseEnvClock(t *testing.T) {
	b := &fakeBackend{dets: []models.Detection{
		{Label: "person", Confidence: 0.9, Box: models.BoundingBox{X2: 10, Y2: 10}},
	}}
	mock := clock.NewMock(time.Unix(1700000000, 0))
	env := testEnv(b)
	env.Clock = mock
	h, err := Builtin(env).Resolve("on_duty", task)
	require.NoError(t, err)

	trackID := func() int64 {
		t.Helper()
		dets, err := h.Detect(context.Background(), stream.Frame{})
		require.NoError(t, err)
		require.Len(t, dets, 1)
		require.NotNil(t, dets[0].TrackID)
		return *dets[0].TrackID
	}

	first := trackID()
	mock.Advance(5 * time.Second)
	assert.Equal(t, first, trackID(), "track continues within the stale horizon")

	// Only the mocked clock moves past StaleAfter; the wall clock does not.
	mock.Advance(11 * time.Second)
	assert.NotEqual(t, first, trackID(), "stale track is replaced")
}
