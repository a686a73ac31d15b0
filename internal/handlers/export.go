package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
	"github.com/lehigh-university-libraries/auto-annotate/internal/utils"
	"github.com/lehigh-university-libraries/auto-annotate/pkg/dataset"
	"github.com/lehigh-university-libraries/auto-annotate/pkg/metrics"
)

const evaluateMinIoU = 0.5

// requestedFormat returns the ?format= value, falling back to the format the
// run was configured with.
func requestedFormat(r *http.Request, session models.Session) (models.ExportFormat, error) {
	raw := r.URL.Query().Get("format")
	if raw == "" && session.Config != nil {
		raw = string(session.Config.ExportFormat)
	}
	if raw == "" {
		raw = string(models.FormatCOCO)
	}
	return models.ParseExportFormat(raw)
}

func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	session, exists := h.store.Get(sessionID)
	if !exists {
		utils.RespondWithError(w, "Session not found", http.StatusNotFound)
		return
	}

	format, err := requestedFormat(r, session)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	if session.State != models.SessionCompleted || session.Annotations == nil {
		respondWithDomainError(w, fmt.Errorf("%w: session is %s", models.ErrNotCompleted, session.State))
		return
	}

	archive, err := dataset.Export(session.Annotations, string(format), dataset.Options{
		ImagesRoot: session.Root,
		Now:        time.Now().UTC(),
		Generator:  "auto-annotate",
	})
	if err != nil {
		respondWithDomainError(w, err)
		return
	}

	slog.Info("Export created", "session", sessionID, "format", format, "bytes", len(archive))

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dataset.Filename(sessionID, format)))
	w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(archive); err != nil {
		slog.Error("Unable to write export", "session", sessionID, "err", err)
	}
}

// HandleEvaluate compares the session's annotations with a ground-truth
// export uploaded as multipart "file".
func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	session, exists := h.store.Get(sessionID)
	if !exists {
		utils.RespondWithError(w, "Session not found", http.StatusNotFound)
		return
	}

	format, err := requestedFormat(r, session)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	if session.State != models.SessionCompleted || session.Annotations == nil {
		respondWithDomainError(w, fmt.Errorf("%w: session is %s", models.ErrNotCompleted, session.State))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.uploads.MaxBytes()+uploadOverhead)
	file, _, err := r.FormFile("file")
	if err != nil {
		utils.RespondWithError(w, "Failed to read file: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondWithError(w, "Failed to read file contents: "+err.Error(), http.StatusBadRequest)
		return
	}

	expected, err := dataset.ParseArchive(data, string(format))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	actual := dataset.RecordsFromSet(session.Annotations)

	result := metrics.Agreement(toMatches(expected), toMatches(actual), evaluateMinIoU)
	slog.Info("Evaluation complete", "session", sessionID, "format", format, "precision", result.Precision, "recall", result.Recall)

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"format":     format,
		"min_iou":    evaluateMinIoU,
		"result":     result,
	})
}

func toMatches(records []dataset.Record) []metrics.Match {
	out := make([]metrics.Match, len(records))
	for i, rec := range records {
		out[i] = metrics.Match{Image: rec.Image, Label: rec.Label, Box: rec.Box}
	}
	return out
}
