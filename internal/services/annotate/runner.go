package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/inference"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/segment"
	"github.com/lehigh-university-libraries/auto-annotate/internal/storage"
	"github.com/lehigh-university-libraries/auto-annotate/pkg/postprocess"
)

const (
	StageLoad      = "load"
	StageInference = "inference"
	StageRecord    = "record"
)

// RunError is a stage-aware error that ended a run.
type RunError struct {
	Stage    string
	ImageRef string
	Err      error
}

func (e *RunError) Error() string {
	if e == nil {
		return ""
	}
	if e.ImageRef == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed for %s: %v", e.Stage, e.ImageRef, e.Err)
}

func (e *RunError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Options struct {
	// InferenceTimeout bounds each detector call.
	InferenceTimeout time.Duration
	// MaxConsecutiveFailures is the number of back-to-back inference
	// failures that abort a run. Values below 1 mean 1.
	MaxConsecutiveFailures int
	// MaxInferenceSide downscales larger images before inference; 0 keeps
	// the original size.
	MaxInferenceSide int
	// EventBuffer is the number of events kept per session.
	EventBuffer int
}

func DefaultOptions() Options {
	return Options{
		InferenceTimeout:       120 * time.Second,
		MaxConsecutiveFailures: 1,
		EventBuffer:            500,
	}
}

// ImageLoader reads an image from disk and prepares it for inference.
type ImageLoader func(path, ref string, maxSide int) (inference.Input, error)

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner executes annotation runs, one goroutine per active session. Images
// are processed sequentially in upload order.
type Runner struct {
	store     *storage.SessionStore
	detector  inference.Detector
	segmenter *segment.Adapter
	opts      Options
	load      ImageLoader

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu    sync.Mutex
	runs  map[string]*run
	buses map[string]*EventBus
}

func NewRunner(store *storage.SessionStore, detector inference.Detector, segmenter *segment.Adapter, opts Options) *Runner {
	if opts.MaxConsecutiveFailures < 1 {
		opts.MaxConsecutiveFailures = 1
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = DefaultOptions().InferenceTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:      store,
		detector:   detector,
		segmenter:  segmenter,
		opts:       opts,
		load:       inference.LoadImage,
		baseCtx:    ctx,
		cancelBase: cancel,
		runs:       make(map[string]*run),
		buses:      make(map[string]*EventBus),
	}
}

// WithLoader replaces the image loader.
func (r *Runner) WithLoader(load ImageLoader) *Runner {
	r.load = load
	return r
}

// Start validates cfg and launches a run for the session. The run outlives
// ctx; use Cancel to stop it.
func (r *Runner) Start(ctx context.Context, sessionID string, cfg models.RunConfig) error {
	session, exists := r.store.Get(sessionID)
	if !exists {
		return models.ErrSessionNotFound
	}
	if session.State == models.SessionRunning {
		return models.ErrRunInProgress
	}
	normalized, err := cfg.Normalize()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, active := r.runs[sessionID]; active {
		return models.ErrRunInProgress
	}
	if r.baseCtx.Err() != nil {
		return fmt.Errorf("runner is shutting down")
	}

	session, err = r.store.BeginRun(sessionID, normalized)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(r.baseCtx)
	current := &run{cancel: cancel, done: make(chan struct{})}
	r.runs[sessionID] = current

	slog.Info("Annotation run started",
		"session", sessionID,
		"images", session.ImageCount(),
		"prompts", normalized.Objects,
		"detector", r.detector.Name(),
		"use_sam", normalized.UseSAM)

	go r.execute(runCtx, session, normalized, current)
	return nil
}

// Cancel stops the session's active run. The run ends with status
// cancelled after the image in flight.
func (r *Runner) Cancel(sessionID string) error {
	r.mu.Lock()
	current, active := r.runs[sessionID]
	r.mu.Unlock()

	if !active {
		if _, exists := r.store.Get(sessionID); !exists {
			return models.ErrSessionNotFound
		}
		return models.ErrNoActiveRun
	}
	current.cancel()
	return nil
}

// Wait blocks until the session's active run ends or ctx is done.
func (r *Runner) Wait(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	current, active := r.runs[sessionID]
	r.mu.Unlock()
	if !active {
		return nil
	}

	select {
	case <-current.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether a run is executing for the session.
func (r *Runner) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, active := r.runs[sessionID]
	return active
}

// Events returns the session's event bus, creating it on first use so
// subscribers can attach before a run starts.
func (r *Runner) Events(sessionID string) *EventBus {
	r.mu.Lock()
	defer r.mu.Unlock()

	bus, ok := r.buses[sessionID]
	if !ok {
		bus = NewEventBus(r.opts.EventBuffer)
		r.buses[sessionID] = bus
	}
	return bus
}

// Forget drops the session's event history and releases its subscribers.
func (r *Runner) Forget(sessionID string) {
	r.mu.Lock()
	bus, ok := r.buses[sessionID]
	delete(r.buses, sessionID)
	r.mu.Unlock()

	if ok {
		bus.Close()
	}
}

// Shutdown cancels every active run and waits for them to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancelBase()

	r.mu.Lock()
	pending := make([]*run, 0, len(r.runs))
	for _, current := range r.runs {
		pending = append(pending, current)
	}
	r.mu.Unlock()

	for _, current := range pending {
		select {
		case <-current.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, session models.Session, cfg models.RunConfig, current *run) {
	defer func() {
		r.mu.Lock()
		if r.runs[session.ID] == current {
			delete(r.runs, session.ID)
		}
		r.mu.Unlock()
		current.cancel()
		close(current.done)
	}()

	bus := r.Events(session.ID)
	total := session.ImageCount()
	failures := 0

	for i, img := range session.Images {
		if ctx.Err() != nil {
			r.finishCancelled(session.ID, bus, i, total)
			return
		}

		result, err := r.processImage(ctx, session, img, cfg)
		if err != nil {
			if ctx.Err() != nil {
				r.finishCancelled(session.ID, bus, i, total)
				return
			}
			failures++
			slog.Error("Inference failed",
				"session", session.ID,
				"image", img.Ref,
				"consecutive_failures", failures,
				"limit", r.opts.MaxConsecutiveFailures,
				"err", err)
			if failures >= r.opts.MaxConsecutiveFailures {
				r.finishFailed(session.ID, bus, &RunError{Stage: StageInference, ImageRef: img.Ref, Err: err})
				return
			}
			result = models.ImageAnnotations{
				Ref:   img.Ref,
				Size:  models.ImageSize{Width: img.Width, Height: img.Height},
				Error: err.Error(),
			}
		} else {
			failures = 0
		}

		progress, err := r.store.RecordImage(session.ID, result)
		if err != nil {
			r.finishFailed(session.ID, bus, &RunError{Stage: StageRecord, ImageRef: img.Ref, Err: err})
			return
		}

		bus.Publish(models.Event{
			Type:         models.EventProgress,
			Current:      progress.ProcessedCount,
			Total:        progress.TotalCount,
			Percentage:   progress.Percentage(),
			CurrentImage: img.Ref,
			Detections:   len(result.Detections),
		})
	}

	progress, err := r.store.Finish(session.ID, models.StatusCompleted, "")
	if err != nil {
		slog.Error("Unable to complete run", "session", session.ID, "err", err)
		return
	}
	slog.Info("Annotation run completed",
		"session", session.ID,
		"images", progress.ProcessedCount,
		"failed_images", progress.FailedImages,
		"detections", progress.TotalDetections)
	bus.Publish(models.Event{
		Type:            models.EventCompleted,
		TotalImages:     total,
		TotalDetections: progress.TotalDetections,
	})
}

// processImage runs one image through load, detection, post-processing and
// optional segmentation. A returned error is an inference-service failure;
// images that cannot be decoded come back as a result with zero detections.
func (r *Runner) processImage(ctx context.Context, session models.Session, img models.ImageItem, cfg models.RunConfig) (models.ImageAnnotations, error) {
	path := filepath.Join(session.Root, filepath.FromSlash(img.Ref))
	in, err := r.load(path, img.Ref, r.opts.MaxInferenceSide)
	if err != nil {
		slog.Warn("Skipping unreadable image", "session", session.ID, "image", img.Ref, "err", err)
		return models.ImageAnnotations{
			Ref:        img.Ref,
			Size:       models.ImageSize{Width: img.Width, Height: img.Height},
			Detections: []models.Detection{},
			Error:      err.Error(),
		}, nil
	}

	prompts := promptsFor(cfg, img)
	callCtx, cancel := context.WithTimeout(ctx, r.opts.InferenceTimeout)
	defer cancel()

	raw, err := r.detector.Detect(callCtx, in, prompts, inference.Options{
		BoxThreshold:  cfg.BoxThreshold,
		TextThreshold: cfg.TextThreshold,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return models.ImageAnnotations{}, fmt.Errorf("%w: no response within %s: %w", models.ErrInferenceService, r.opts.InferenceTimeout, err)
		}
		if !errors.Is(err, models.ErrInferenceService) {
			err = fmt.Errorf("%w: %w", models.ErrInferenceService, err)
		}
		return models.ImageAnnotations{}, err
	}
	if err := raw.Validate(); err != nil {
		return models.ImageAnnotations{}, fmt.Errorf("%w: %w", models.ErrInferenceService, err)
	}
	if fx, fy := in.ToOriginal(); fx != 1 || fy != 1 {
		raw = raw.Scaled(fx, fy)
	}

	pp := postprocess.ConfigFromRun(cfg)
	pp.FallbackLabel = prompts[0]
	detections := postprocess.Filter(raw, in.Original, pp)

	if cfg.UseSAM && r.segmenter.Available() {
		detections = r.segmenter.Apply(callCtx, in, detections)
	}

	slog.Debug("Image annotated", "session", session.ID, "image", img.Ref, "raw", raw.Len(), "kept", len(detections))
	return models.ImageAnnotations{
		Ref:        img.Ref,
		Size:       in.Original,
		Detections: detections,
	}, nil
}

func (r *Runner) finishFailed(sessionID string, bus *EventBus, runErr *RunError) {
	message := runErr.Error()
	if _, err := r.store.Finish(sessionID, models.StatusError, message); err != nil {
		slog.Error("Unable to mark run failed", "session", sessionID, "err", err)
	}
	slog.Error("Annotation run failed", "session", sessionID, "stage", runErr.Stage, "image", runErr.ImageRef, "err", runErr.Err)
	bus.Publish(models.Event{Type: models.EventError, Message: message})
}

func (r *Runner) finishCancelled(sessionID string, bus *EventBus, processed, total int) {
	if _, err := r.store.Finish(sessionID, models.StatusCancelled, "run cancelled"); err != nil {
		slog.Error("Unable to mark run cancelled", "session", sessionID, "err", err)
	}
	slog.Info("Annotation run cancelled", "session", sessionID, "processed", processed, "total", total)
	bus.Publish(models.Event{Type: models.EventCancelled, Current: processed, Total: total, Message: "run cancelled"})
}
