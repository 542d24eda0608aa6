//go:build gst

package stream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/xiaolou86/sjaiengine/internal/logging"
	"github.com/xiaolou86/sjaiengine/internal/models"
)

// gstFrameBuffer is how many encoded frames may wait for the worker before
// the appsink callback starts dropping.
const gstFrameBuffer = 2

var gstInit sync.Once

func init() {
	// Outranks the gocv backend for rtsp when both are built.
	Register("gst", 20, OpenerFunc(openGst), "rtsp")
}

type gstSource struct {
	pipeline *gst.Pipeline
	frames   chan Frame
	first    *Frame
	done     chan struct{}
	errMu    sync.Mutex
	err      error
	seq      atomic.Uint64
	dropped  atomic.Uint64
	log      zerolog.Logger
	once     sync.Once
}

func gstLaunch(rawURL string) string {
	loc := strings.ReplaceAll(rawURL, `"`, `\"`)
	return fmt.Sprintf(
		`rtspsrc location="%s" protocols=tcp latency=200 ! decodebin ! videoconvert ! `+
			`jpegenc quality=85 ! appsink name=sink max-buffers=%d drop=true sync=false`,
		loc, gstFrameBuffer)
}

func openGst(ctx context.Context, rawURL string) (Source, error) {
	gstInit.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipelineFromString(gstLaunch(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: build pipeline for %s: %v", models.ErrStreamUnavailable, Redact(rawURL), err)
	}
	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: appsink missing: %v", models.ErrStreamUnavailable, err)
	}
	sink := app.SinkFromElement(elem)

	s := &gstSource{
		pipeline: pipeline,
		frames:   make(chan Frame, gstFrameBuffer),
		done:     make(chan struct{}),
		log:      logging.For("stream").With().Str("backend", "gst").Str("url", Redact(rawURL)).Logger(),
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: start pipeline for %s: %v", models.ErrStreamUnavailable, Redact(rawURL), err)
	}

	// Wait for the first frame or a bus error so that an unreachable camera
	// fails at open time.
	go s.watchBus()
	select {
	case f := <-s.frames:
		s.first = &f
		return s, nil
	case <-s.done:
		err := s.failure()
		s.Close()
		return nil, fmt.Errorf("%w: %s: %v", models.ErrStreamUnavailable, Redact(rawURL), err)
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("%w: %s: %v", models.ErrStreamUnavailable, Redact(rawURL), ctx.Err())
	}
}

// onSample copies each encoded sample out of GStreamer's reusable buffer.
func (s *gstSource) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	f := Frame{
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Format:    FormatJPEG,
		Data:      frameData,
	}
	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
	}
	return gst.FlowOK
}

func (s *gstSource) watchBus() {
	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.fail(io.EOF)
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.log.Error().Str("debug", gerr.DebugString()).Msg(gerr.Error())
			s.fail(fmt.Errorf("%w: %s", models.ErrStreamReadFailed, gerr.Error()))
			return
		}
	}
}

func (s *gstSource) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *gstSource) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *gstSource) Read(ctx context.Context) (Frame, error) {
	if f := s.first; f != nil {
		s.first = nil
		return *f, nil
	}
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		if err := s.failure(); err != nil {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: source closed", models.ErrStreamReadFailed)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *gstSource) Close() error {
	s.once.Do(func() { close(s.done) })
	if n := s.dropped.Load(); n > 0 {
		s.log.Debug().Uint64("dropped", n).Msg("frames dropped by appsink callback")
	}
	return s.pipeline.SetState(gst.StateNull)
}
