// Package stream opens camera streams and yields frames from them.
//
// Sources are chosen by URL scheme from a registry that backends populate at
// init time. Builds with the gocv or gst tags add OpenCV and GStreamer
// capture; the default build ships the MJPEG-over-HTTP source only.
package stream

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

// Frame formats.
const (
	FormatJPEG = "jpeg"
	FormatBGR  = "bgr"
)

// Frame is one decoded or encoded image read from a stream.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    string
	Data      []byte
}

// Source yields frames until the stream ends. Read returns io.EOF at a clean
// end of stream and an error wrapping models.ErrStreamReadFailed otherwise.
type Source interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Opener opens a Source for a stream URL. Open errors wrap
// models.ErrStreamUnavailable.
type Opener interface {
	Open(ctx context.Context, rawURL string) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, rawURL string) (Source, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, rawURL string) (Source, error) {
	return f(ctx, rawURL)
}

type entry struct {
	name     string
	priority int
	opener   Opener
}

// Registry maps URL schemes to openers. Higher priority openers are tried
// first; the next one is tried only if the previous fails.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string][]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemes: make(map[string][]entry)}
}

// Register adds an opener for each scheme. An empty scheme matches bare
// file paths.
func (r *Registry) Register(name string, priority int, o Opener, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		s = strings.ToLower(s)
		list := append(r.schemes[s], entry{name: name, priority: priority, opener: o})
		sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
		r.schemes[s] = list
	}
}

// Backends lists the registered opener names per scheme.
func (r *Registry) Backends() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.schemes))
	for s, list := range r.schemes {
		for _, e := range list {
			out[s] = append(out[s], e.name)
		}
	}
	return out
}

// Open opens rawURL with the best opener for its scheme.
func (r *Registry) Open(ctx context.Context, rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", models.ErrStreamUnavailable, rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)

	r.mu.RLock()
	list := append([]entry(nil), r.schemes[scheme]...)
	r.mu.RUnlock()

	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no source backend for scheme %q", models.ErrStreamUnavailable, scheme)
	}

	var lastErr error
	for _, e := range list {
		src, err := e.opener.Open(ctx, rawURL)
		if err == nil {
			return src, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// Default is the registry backends register themselves with.
var Default = NewRegistry()

// Register adds an opener to the Default registry.
func Register(name string, priority int, o Opener, schemes ...string) {
	Default.Register(name, priority, o, schemes...)
}

// OpenWithTimeout opens rawURL through o, bounding the open by openTimeout
// and each subsequent read by readTimeout. A zero timeout disables that bound.
func OpenWithTimeout(ctx context.Context, o Opener, rawURL string, openTimeout, readTimeout time.Duration) (Source, error) {
	if openTimeout <= 0 {
		src, err := o.Open(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return WithReadTimeout(src, readTimeout), nil
	}

	octx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	type result struct {
		src Source
		err error
	}
	ch := make(chan result, 1)
	go func() {
		src, err := o.Open(octx, rawURL)
		ch <- result{src, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return WithReadTimeout(r.src, readTimeout), nil
	case <-octx.Done():
		// Release a source that finishes opening after we gave up.
		go func() {
			if r := <-ch; r.src != nil {
				r.src.Close()
			}
		}()
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrStreamUnavailable, Redact(rawURL), octx.Err())
	}
}

// Redact strips credentials from a stream URL for logs and errors.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	u.User = url.User("xxxxx")
	return u.String()
}
