//go:build gocv

package stream

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"gocv.io/x/gocv"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

func init() {
	Register("gocv", 10, OpenerFunc(openCapture), "rtsp", "rtmp", "http", "https", "file", "")
}

// captureSource reads frames through OpenCV's VideoCapture and hands them on
// as JPEG so that frames stay plain bytes outside this file.
type captureSource struct {
	cap  *gocv.VideoCapture
	img  gocv.Mat
	live bool
	seq  uint64
}

func openCapture(ctx context.Context, rawURL string) (Source, error) {
	target := rawURL
	live := true
	if u, err := url.Parse(rawURL); err == nil && (u.Scheme == "file" || u.Scheme == "") {
		target = u.Path
		live = false
	}

	capture, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrStreamUnavailable, Redact(rawURL), err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: open %s: capture not opened", models.ErrStreamUnavailable, Redact(rawURL))
	}
	if err := ctx.Err(); err != nil {
		capture.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrStreamUnavailable, err)
	}

	// Keep latency low on live feeds: only the newest frame matters.
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	return &captureSource{cap: capture, img: gocv.NewMat(), live: live}, nil
}

func (s *captureSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if ok := s.cap.Read(&s.img); !ok || s.img.Empty() {
		if !s.live {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("%w: capture returned no frame", models.ErrStreamReadFailed)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, s.img)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: encode frame: %v", models.ErrStreamReadFailed, err)
	}
	defer buf.Close()
	data := append([]byte(nil), buf.GetBytes()...)

	s.seq++
	return Frame{
		Seq:       s.seq,
		Timestamp: time.Now(),
		Width:     s.img.Cols(),
		Height:    s.img.Rows(),
		Format:    FormatJPEG,
		Data:      data,
	}, nil
}

func (s *captureSource) Close() error {
	s.img.Close()
	return s.cap.Close()
}
