package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

type readResult struct {
	frame Frame
	err   error
}

// timeoutSource bounds each Read of a source that may block without
// honouring its context, as capture libraries do.
type timeoutSource struct {
	src     Source
	timeout time.Duration
	// pending holds a read abandoned on timeout; the next Read collects it
	// instead of starting a second concurrent read.
	pending chan readResult
}

// WithReadTimeout wraps src so that every Read fails with
// models.ErrStreamReadFailed if no frame arrives within d.
func WithReadTimeout(src Source, d time.Duration) Source {
	if d <= 0 {
		return src
	}
	return &timeoutSource{src: src, timeout: d}
}

func (s *timeoutSource) Read(ctx context.Context) (Frame, error) {
	ch := s.pending
	s.pending = nil
	if ch == nil {
		ch = make(chan readResult, 1)
		go func() {
			f, err := s.src.Read(ctx)
			ch <- readResult{f, err}
		}()
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.frame, r.err
	case <-timer.C:
		s.pending = ch
		return Frame{}, fmt.Errorf("%w: no frame within %s", models.ErrStreamReadFailed, s.timeout)
	case <-ctx.Done():
		s.pending = ch
		return Frame{}, ctx.Err()
	}
}

func (s *timeoutSource) Close() error {
	return s.src.Close()
}
