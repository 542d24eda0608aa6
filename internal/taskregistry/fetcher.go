package taskregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFetcher lists tasks from the platform's task endpoint.
type HTTPFetcher struct {
	url    string
	client Doer
}

// NewHTTPFetcher creates a fetcher for the absolute tasks URL.
func NewHTTPFetcher(tasksURL string, client Doer) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{url: tasksURL, client: client}
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type wireTask struct {
	TaskID     flexString  `json:"taskId"`
	CameraID   *flexString `json:"cameraId"`
	CameraIP   string      `json:"cameraIp"`
	CameraName string      `json:"cameraName"`
	StreamURL  string      `json:"stream_url"`
	Model      string      `json:"model"`
	Algorithm  string      `json:"algorithm"`
}

// Fetch retrieves the current task list. It does not deduplicate.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("get tasks: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var wire []wireTask
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}

	tasks := make([]Task, 0, len(wire))
	for i, w := range wire {
		id := strings.TrimSpace(string(w.TaskID))
		if id == "" {
			return nil, fmt.Errorf("decode tasks: entry %d has no taskId", i)
		}
		t := Task{
			ID:         id,
			CameraIP:   w.CameraIP,
			CameraName: w.CameraName,
			StreamURL:  w.StreamURL,
			Model:      w.Model,
			Algorithm:  w.Algorithm,
		}
		if w.CameraID != nil && *w.CameraID != "" {
			n, err := strconv.ParseInt(string(*w.CameraID), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode tasks: task %s: invalid cameraId %q", id, *w.CameraID)
			}
			t.CameraID = n
		} else {
			t.CameraID = CameraIDFromTaskID(id)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// CameraIDFromTaskID derives the platform terminal id from the numeric
// suffix of a task id, or 0 when there is none.
func CameraIDFromTaskID(taskID string) int64 {
	m := trailingDigits.FindString(taskID)
	if m == "" {
		return 0
	}
	n, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
