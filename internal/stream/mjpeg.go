package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

// maxMJPEGFrame caps a single multipart frame.
const maxMJPEGFrame = 16 << 20

func init() {
	Register("mjpeg", 0, &MJPEGOpener{Client: http.DefaultClient}, "http", "https")
}

// MJPEGOpener opens multipart/x-mixed-replace JPEG streams served by most IP
// cameras over HTTP.
type MJPEGOpener struct {
	Client *http.Client
}

// Open issues the GET and waits for the multipart headers. The stream itself
// outlives ctx and ends on Close.
func (o *MJPEGOpener) Open(ctx context.Context, rawURL string) (Source, error) {
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("%w: %v", models.ErrStreamUnavailable, err)
	}

	resp, err := o.Client.Do(req)
	if !stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrStreamUnavailable, Redact(rawURL), ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrStreamUnavailable, Redact(rawURL), err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: open %s: status %d", models.ErrStreamUnavailable, Redact(rawURL), resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %s is not a multipart stream (%q)", models.ErrStreamUnavailable,
			Redact(rawURL), resp.Header.Get("Content-Type"))
	}

	return &mjpegSource{
		body:   resp.Body,
		parts:  multipart.NewReader(resp.Body, params["boundary"]),
		cancel: cancel,
	}, nil
}

type mjpegSource struct {
	body   io.ReadCloser
	parts  *multipart.Reader
	cancel context.CancelFunc
	seq    uint64
}

func (s *mjpegSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	part, err := s.parts.NextPart()
	if errors.Is(err, io.EOF) {
		return Frame{}, io.EOF
	}
	if err != nil {
		return Frame{}, fmt.Errorf("%w: next part: %v", models.ErrStreamReadFailed, err)
	}
	defer part.Close()

	data, err := io.ReadAll(io.LimitReader(part, maxMJPEGFrame+1))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: read part: %v", models.ErrStreamReadFailed, err)
	}
	if len(data) > maxMJPEGFrame {
		return Frame{}, fmt.Errorf("%w: frame exceeds %d bytes", models.ErrStreamReadFailed, maxMJPEGFrame)
	}

	s.seq++
	return Frame{
		Seq:       s.seq,
		Timestamp: time.Now(),
		Format:    FormatJPEG,
		Data:      data,
	}, nil
}

func (s *mjpegSource) Close() error {
	s.cancel()
	return s.body.Close()
}
