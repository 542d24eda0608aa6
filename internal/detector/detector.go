// Package detector runs object detection on frames through a pluggable backend.
package detector

import (
	"context"

	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/stream"
)

// Backend detects objects in a frame with the named model. Implementations
// must be safe for concurrent use by many workers.
type Backend interface {
	Detect(ctx context.Context, frame stream.Frame, model string) ([]models.Detection, error)
	Close() error
}

// FilterConfidence drops detections below min.
func FilterConfidence(dets []models.Detection, min float64) []models.Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Confidence >= min {
			out = append(out, d)
		}
	}
	return out
}
