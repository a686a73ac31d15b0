package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

// RemoteDetector calls an HTTP detection service (for example a Grounding
// DINO server) that accepts a multipart image plus prompts.
type RemoteDetector struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRemote(baseURL, apiKey string, timeout time.Duration) *RemoteDetector {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &RemoteDetector{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (d *RemoteDetector) Name() string {
	return "remote"
}

func (d *RemoteDetector) Detect(ctx context.Context, in Input, prompts []string, opts Options) (models.RawDetections, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", in.Filename)
	if err != nil {
		return models.RawDetections{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(in.Data); err != nil {
		return models.RawDetections{}, fmt.Errorf("failed to write image data: %w", err)
	}

	promptJSON, err := json.Marshal(prompts)
	if err != nil {
		return models.RawDetections{}, fmt.Errorf("failed to encode prompts: %w", err)
	}
	fields := map[string]string{
		"caption":        Caption(prompts),
		"prompts":        string(promptJSON),
		"box_threshold":  strconv.FormatFloat(opts.BoxThreshold, 'f', -1, 64),
		"text_threshold": strconv.FormatFloat(opts.TextThreshold, 'f', -1, 64),
	}
	for _, key := range []string{"caption", "prompts", "box_threshold", "text_threshold"} {
		if err := writer.WriteField(key, fields[key]); err != nil {
			return models.RawDetections{}, fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return models.RawDetections{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/detect", body)
	if err != nil {
		return models.RawDetections{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return models.RawDetections{}, fmt.Errorf("%w: request failed: %w", models.ErrInferenceService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.RawDetections{}, fmt.Errorf("%w: detection service returned status %d: %s", models.ErrInferenceService, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var raw models.RawDetections
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return models.RawDetections{}, fmt.Errorf("%w: %w: %w", models.ErrInferenceService, models.ErrMalformedResponse, err)
	}
	if err := raw.Validate(); err != nil {
		return models.RawDetections{}, fmt.Errorf("%w: %w", models.ErrInferenceService, err)
	}

	slog.Debug("Detection response received", "image", in.Ref, "boxes", raw.Len())
	return raw, nil
}

// Health checks GET {baseURL}/health.
func (d *RemoteDetector) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health check failed: %w", models.ErrInferenceService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned status %d", models.ErrInferenceService, resp.StatusCode)
	}
	return nil
}
