package inference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

// Detector is an open-vocabulary object detector: an image and text prompts
// in, boxes with scores and labels out. Implementations wrap every failure
// of the service itself in models.ErrInferenceService.
type Detector interface {
	Detect(ctx context.Context, in Input, prompts []string, opts Options) (models.RawDetections, error)
	Name() string
}

// HealthChecker is implemented by detectors that can check their backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options are forwarded to detectors that pre-filter on their side.
type Options struct {
	BoxThreshold  float64
	TextThreshold float64
}

const (
	BackendRemote = "remote"
	BackendGCV    = "gcv"
)

type Config struct {
	Backend string
	URL     string
	APIKey  string
	Timeout time.Duration
}

// New picks the detector backend named in cfg.
func New(ctx context.Context, cfg Config) (Detector, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendRemote:
		if cfg.URL == "" {
			return nil, fmt.Errorf("remote detector requires an inference URL")
		}
		slog.Info("Initializing remote detection service", "url", cfg.URL)
		return NewRemote(cfg.URL, cfg.APIKey, cfg.Timeout), nil
	case BackendGCV:
		slog.Info("Initializing Google Cloud Vision object localization")
		return NewGCV(ctx)
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}

// Caption joins prompts the way grounding detectors expect them:
// "ball. red car."
func Caption(prompts []string) string {
	parts := make([]string, 0, len(prompts))
	for _, p := range prompts {
		p = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(p), "."))
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ". ") + "."
}
