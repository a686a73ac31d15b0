package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/annotate"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/inference"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/upload"
	"github.com/lehigh-university-libraries/auto-annotate/internal/storage"
	"github.com/lehigh-university-libraries/auto-annotate/internal/utils"
	"github.com/lehigh-university-libraries/auto-annotate/pkg/dataset"
)

const previewImages = 20

type Handler struct {
	store      *storage.SessionStore
	runner     *annotate.Runner
	uploads    *upload.Service
	detector   inference.Detector
	segmenter  inference.HealthChecker
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
}

// New wires the HTTP surface. segmenter is checked by /api/health and may be
// nil when segmentation is disabled.
func New(store *storage.SessionStore, runner *annotate.Runner, uploads *upload.Service, detector inference.Detector, segmenter inference.HealthChecker) *Handler {
	return &Handler{
		store:     store,
		runner:    runner,
		uploads:   uploads,
		detector:  detector,
		segmenter: segmenter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingPeriod: 30 * time.Second,
	}
}

// Routes returns the API mux wrapped in CORS handling. Uploaded images are
// served from dataDir under /uploads/.
func (h *Handler) Routes(dataDir string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/upload", h.HandleUpload)
	mux.HandleFunc("POST /api/annotate/{session_id}", h.HandleAnnotate)
	mux.HandleFunc("GET /api/status/{session_id}", h.HandleStatus)
	mux.HandleFunc("GET /api/annotations/{session_id}", h.HandleAnnotations)
	mux.HandleFunc("POST /api/export/{session_id}", h.HandleExport)
	mux.HandleFunc("POST /api/evaluate/{session_id}", h.HandleEvaluate)
	mux.HandleFunc("POST /api/cancel/{session_id}", h.HandleCancel)
	mux.HandleFunc("DELETE /api/session/{session_id}", h.HandleDeleteSession)
	mux.HandleFunc("GET /api/formats", h.HandleFormats)
	mux.HandleFunc("GET /api/health", h.HandleHealth)
	mux.HandleFunc("GET /ws/{session_id}", h.HandleWebSocket)
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(dataDir))))
	mux.HandleFunc("GET /healthcheck", func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte("OK"))
		if err != nil {
			slog.Error("Unable to write healthcheck", "err", err)
			os.Exit(1)
		}
	})

	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusCode maps domain errors onto HTTP status codes.
func statusCode(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRunInProgress),
		errors.Is(err, models.ErrNotCompleted),
		errors.Is(err, models.ErrNoActiveRun):
		return http.StatusConflict
	case errors.Is(err, models.ErrUploadTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrInvalidConfig),
		errors.Is(err, models.ErrUnsupportedFormat),
		errors.Is(err, models.ErrInvalidArchive),
		errors.Is(err, models.ErrNoImages),
		errors.Is(err, models.ErrEmptyAnnotationSet):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondWithDomainError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "err", err)
	}
	utils.RespondWithError(w, err.Error(), code)
}

func (h *Handler) HandleFormats(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"formats": dataset.Formats(),
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	response := map[string]any{
		"detector": h.detector.Name(),
		"sessions": h.store.Count(),
	}

	detectorHealthy := true
	if checker, ok := h.detector.(inference.HealthChecker); ok {
		if err := checker.Health(ctx); err != nil {
			slog.Warn("Detector health check failed", "detector", h.detector.Name(), "err", err)
			detectorHealthy = false
			status = "degraded"
			response["detector_error"] = err.Error()
		}
	}
	response["detector_healthy"] = detectorHealthy

	if h.segmenter != nil {
		segmenterHealthy := true
		if err := h.segmenter.Health(ctx); err != nil {
			slog.Warn("Segmenter health check failed", "err", err)
			segmenterHealthy = false
			status = "degraded"
		}
		response["segmenter_healthy"] = segmenterHealthy
	}

	response["status"] = status
	utils.RespondWithJSON(w, http.StatusOK, response)
}
