package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/stream"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPBackend posts frames to an inference server and decodes its detections.
//
// Request: POST {endpoint}?model=<name>&confidence=<min> with the frame bytes
// as body and Content-Type image/jpeg (or application/octet-stream for raw
// frames, with X-Frame-Width/X-Frame-Height headers).
//
// Response: {"detections":[{"class_id":0,"label":"person","confidence":0.9,
// "box":[x1,y1,x2,y2],"track_id":12}]}; track_id is optional.
type HTTPBackend struct {
	endpoint   string
	confidence float64
	client     Doer
}

// NewHTTPBackend creates a backend for endpoint. A nil client gets a default
// client with the given timeout.
func NewHTTPBackend(endpoint string, confidence float64, timeout time.Duration, client Doer) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPBackend{endpoint: endpoint, confidence: confidence, client: client}
}

type wireDetection struct {
	ClassID    int        `json:"class_id"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
	TrackID    *int64     `json:"track_id,omitempty"`
}

type wireResponse struct {
	Detections []wireDetection `json:"detections"`
}

// Detect sends one frame for inference.
func (b *HTTPBackend) Detect(ctx context.Context, frame stream.Frame, model string) ([]models.Detection, error) {
	u, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse detector endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("confidence", strconv.FormatFloat(b.confidence, 'f', -1, 64))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	if frame.Format == stream.FormatJPEG {
		req.Header.Set("Content-Type", "image/jpeg")
	} else {
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Frame-Width", strconv.Itoa(frame.Width))
		req.Header.Set("X-Frame-Height", strconv.Itoa(frame.Height))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detector returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}

	dets := make([]models.Detection, 0, len(wr.Detections))
	for _, d := range wr.Detections {
		dets = append(dets, models.Detection{
			ClassID:    d.ClassID,
			Label:      d.Label,
			Confidence: d.Confidence,
			Box:        models.BoundingBox{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
			TrackID:    d.TrackID,
		})
	}
	return FilterConfidence(dets, b.confidence), nil
}

// Close is a no-op; the HTTP client owns no per-backend resources.
func (b *HTTPBackend) Close() error { return nil }
