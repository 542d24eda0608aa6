package detector

import (
	"fmt"

	"github.com/xiaolou86/sjaiengine/internal/config"
)

// New builds the backend selected by cfg.
func New(cfg config.DetectorConfig) (Backend, error) {
	switch cfg.Backend {
	case "http":
		return NewHTTPBackend(cfg.Endpoint, cfg.Confidence, cfg.Timeout, nil), nil
	case "dnn":
		return newDNN(cfg.ModelDir, cfg.Confidence)
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}
