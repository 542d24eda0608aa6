package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

// maxAckBody caps how much of an acknowledgement is read.
const maxAckBody = 1 << 20

// Doer is the subset of *http.Client the sink needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSink posts alerts as JSON to the platform's notify endpoint.
type HTTPSink struct {
	url     string
	timeout time.Duration
	client  Doer
}

// NewHTTPSink creates a sink posting to url. A nil client uses
// http.DefaultClient; timeout bounds each request when positive.
func NewHTTPSink(url string, timeout time.Duration, client Doer) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{url: url, timeout: timeout, client: client}
}

// wireAlert is the notify body the platform expects.
type wireAlert struct {
	ID             int64   `json:"id"`
	TerminalID     int64   `json:"terminalId"`
	CameraIP       string  `json:"cameraIp"`
	CameraName     string  `json:"cameraName"`
	File           string  `json:"file"`
	Video          string  `json:"video"`
	AlarmMsg       string  `json:"alarmMsg"`
	AlarmTime      float64 `json:"alarmTime"`
	Name           string  `json:"name"`
	Code           string  `json:"code"`
	AlarmLevelCode string  `json:"alarmLevelCode"`
	AlarmLevelName string  `json:"alarmLevelName"`
}

func toWire(a models.AlertPayload) wireAlert {
	return wireAlert{
		ID:             a.Seq,
		TerminalID:     a.CameraID,
		CameraIP:       a.CameraIP,
		CameraName:     a.CameraName,
		AlarmMsg:       a.Message,
		AlarmTime:      float64(a.Timestamp.Unix()) + float64(a.Timestamp.Nanosecond())/1e9,
		Name:           a.TaskID,
		Code:           string(a.Kind),
		AlarmLevelCode: a.LevelCode,
		AlarmLevelName: a.LevelName,
	}
}

// Send posts one alert. Network errors, 429 and 5xx responses wrap
// models.ErrDispatchTransient; any other non-200 status or a 200 without a
// JSON body wraps models.ErrDispatchPermanent.
func (s *HTTPSink) Send(ctx context.Context, a models.AlertPayload) (Ack, error) {
	body, err := json.Marshal(toWire(a))
	if err != nil {
		return Ack{}, fmt.Errorf("%w: encode alert: %v", models.ErrDispatchPermanent, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Ack{}, fmt.Errorf("%w: build request: %v", models.ErrDispatchPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: post alert: %v", models.ErrDispatchTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBody))
	if err != nil {
		return Ack{}, fmt.Errorf("%w: read ack: %v", models.ErrDispatchTransient, err)
	}
	ack := Ack{Status: resp.StatusCode, Body: respBody}

	switch {
	case resp.StatusCode == http.StatusOK:
		if !json.Valid(respBody) {
			return ack, fmt.Errorf("%w: ack is not JSON: %q", models.ErrDispatchPermanent, truncate(respBody))
		}
		return ack, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return ack, fmt.Errorf("%w: status %d: %s", models.ErrDispatchTransient, resp.StatusCode, truncate(respBody))
	default:
		return ack, fmt.Errorf("%w: status %d: %s", models.ErrDispatchPermanent, resp.StatusCode, truncate(respBody))
	}
}

func truncate(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
