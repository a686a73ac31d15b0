package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
	"github.com/lehigh-university-libraries/auto-annotate/internal/utils"
)

// multipart framing allowance on top of the archive size limit
const uploadOverhead = 10 << 20

func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploads.MaxBytes()+uploadOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("files")
		if err != nil {
			code := statusCode(err)
			if code == http.StatusInternalServerError {
				code = http.StatusBadRequest
			}
			utils.RespondWithError(w, "Failed to read file: "+err.Error(), code)
			return
		}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondWithError(w, "Failed to read file contents: "+err.Error(), http.StatusBadRequest)
		return
	}

	sessionID := uuid.NewString()
	result, err := h.uploads.Extract(r.Context(), sessionID, header.Filename, data)
	if err != nil {
		slog.Warn("Upload rejected", "filename", header.Filename, "bytes", len(data), "err", err)
		respondWithDomainError(w, err)
		return
	}

	session := models.Session{
		ID:     sessionID,
		Root:   result.Root,
		Images: result.Images,
	}
	if err := h.store.Create(session); err != nil {
		_ = h.uploads.Remove(sessionID)
		respondWithDomainError(w, err)
		return
	}

	slog.Info("Upload extracted", "session", sessionID, "filename", header.Filename, "images", len(result.Images), "md5", result.ArchiveMD5)

	preview := result.Images
	if len(preview) > previewImages {
		preview = preview[:previewImages]
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"image_count": len(result.Images),
		"images":      preview,
		"archive_md5": result.ArchiveMD5,
		"message":     fmt.Sprintf("Successfully uploaded %d images", len(result.Images)),
	})
}

func (h *Handler) HandleAnnotate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	cfg := models.DefaultRunConfig()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		utils.RespondWithError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.runner.Start(r.Context(), sessionID, cfg); err != nil {
		respondWithDomainError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusAccepted, map[string]any{
		"session_id": sessionID,
		"status":     models.StatusProcessing,
		"message":    "Annotation started",
	})
}

type statusResponse struct {
	SessionID       string                `json:"session_id"`
	Status          models.ProgressStatus `json:"status"`
	State           models.SessionState   `json:"state"`
	ImageCount      int                   `json:"image_count"`
	ProcessedCount  int                   `json:"processed_count"`
	Progress        float64               `json:"progress"`
	TotalDetections int                   `json:"total_detections"`
	FailedImages    int                   `json:"failed_images"`
	CurrentImage    string                `json:"current_image,omitempty"`
	Message         string                `json:"message,omitempty"`
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	session, exists := h.store.Get(sessionID)
	if !exists {
		utils.RespondWithError(w, "Session not found", http.StatusNotFound)
		return
	}

	p := session.Progress
	utils.RespondWithJSON(w, http.StatusOK, statusResponse{
		SessionID:       sessionID,
		Status:          p.Status,
		State:           session.State,
		ImageCount:      session.ImageCount(),
		ProcessedCount:  p.ProcessedCount,
		Progress:        p.Percentage(),
		TotalDetections: p.TotalDetections,
		FailedImages:    p.FailedImages,
		CurrentImage:    p.CurrentImage,
		Message:         p.Message,
	})
}

type imageAnnotationsResponse struct {
	Boxes         []models.Box     `json:"boxes"`
	Labels        []string         `json:"labels"`
	Scores        []float64        `json:"scores"`
	Segmentations [][][2]float64   `json:"segmentations"`
	ImageSize     models.ImageSize `json:"image_size"`
	Error         string           `json:"error,omitempty"`
}

func toImageResponse(result models.ImageAnnotations) imageAnnotationsResponse {
	out := imageAnnotationsResponse{
		Boxes:         make([]models.Box, 0, len(result.Detections)),
		Labels:        make([]string, 0, len(result.Detections)),
		Scores:        make([]float64, 0, len(result.Detections)),
		Segmentations: [][][2]float64{},
		ImageSize:     result.Size,
		Error:         result.Error,
	}
	segmented := false
	for _, d := range result.Detections {
		out.Boxes = append(out.Boxes, d.Box)
		out.Labels = append(out.Labels, d.Label)
		out.Scores = append(out.Scores, d.Score)
		if len(d.Polygon) > 0 {
			segmented = true
		}
	}
	if segmented {
		for _, d := range result.Detections {
			poly := make([][2]float64, len(d.Polygon))
			for i, p := range d.Polygon {
				poly[i] = [2]float64{p.X, p.Y}
			}
			out.Segmentations = append(out.Segmentations, poly)
		}
	}
	return out
}

func (h *Handler) HandleAnnotations(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	session, exists := h.store.Get(sessionID)
	if !exists {
		utils.RespondWithError(w, "Session not found", http.StatusNotFound)
		return
	}

	annotations := make(map[string]imageAnnotationsResponse)
	if set := session.Annotations; set != nil {
		for _, ref := range set.Images {
			if _, done := set.Results[ref]; done {
				annotations[ref] = toImageResponse(set.Result(ref))
			}
		}
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"status":      session.Progress.Status,
		"images":      session.ImageRefs(),
		"annotations": annotations,
	})
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if err := h.runner.Cancel(sessionID); err != nil {
		respondWithDomainError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusAccepted, map[string]any{
		"session_id": sessionID,
		"message":    "Cancellation requested",
	})
}

func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if h.runner.Active(sessionID) {
		respondWithDomainError(w, models.ErrRunInProgress)
		return
	}
	if err := h.store.Delete(sessionID); err != nil {
		respondWithDomainError(w, err)
		return
	}
	if err := h.uploads.Remove(sessionID); err != nil {
		slog.Error("Unable to remove session files", "session", sessionID, "err", err)
	}
	h.runner.Forget(sessionID)

	slog.Info("Session deleted", "session", sessionID)
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"message": "Session deleted successfully",
	})
}
