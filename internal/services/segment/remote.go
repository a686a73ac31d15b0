package segment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/inference"
)

// RemoteSegmenter calls an HTTP box-prompted segmentation service (for
// example a SAM server).
type RemoteSegmenter struct {
	baseURL string
	client  *http.Client
}

type segmentResponse struct {
	Masks []maskResult `json:"masks"`
}

type maskResult struct {
	Polygon [][2]float64 `json:"polygon,omitempty"`
	MaskPNG string       `json:"mask_png,omitempty"`
}

func NewRemote(baseURL string, timeout time.Duration) *RemoteSegmenter {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &RemoteSegmenter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *RemoteSegmenter) Name() string {
	return "remote_sam"
}

func (s *RemoteSegmenter) Segment(ctx context.Context, in inference.Input, boxes [][4]float64) ([]models.Polygon, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", in.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(in.Data); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	boxJSON, err := json.Marshal(boxes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode boxes: %w", err)
	}
	if err := writer.WriteField("boxes", string(boxJSON)); err != nil {
		return nil, fmt.Errorf("failed to write boxes field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/segment", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segmentation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("segmentation service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result segmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrMalformedResponse, err)
	}
	if len(result.Masks) != len(boxes) {
		return nil, fmt.Errorf("%w: %d masks for %d boxes", models.ErrMalformedResponse, len(result.Masks), len(boxes))
	}

	polygons := make([]models.Polygon, len(result.Masks))
	for i, m := range result.Masks {
		p, err := m.polygon(in.Size)
		if err != nil {
			slog.Warn("Skipping unreadable mask", "image", in.Ref, "index", i, "err", err)
			continue
		}
		polygons[i] = p
	}
	return polygons, nil
}

// polygon returns the mask outline in the pixel space of an image of the
// given size. PNG masks of a different size are rescaled.
func (m maskResult) polygon(size models.ImageSize) (models.Polygon, error) {
	if len(m.Polygon) > 0 {
		out := make(models.Polygon, len(m.Polygon))
		for i, p := range m.Polygon {
			out[i] = models.Point{X: p[0], Y: p[1]}
		}
		return out, nil
	}
	if m.MaskPNG == "" {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(m.MaskPNG)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask image: %w", err)
	}

	poly := MaskToPolygon(img)
	b := img.Bounds()
	if poly == nil || size.Width <= 0 || size.Height <= 0 || (b.Dx() == size.Width && b.Dy() == size.Height) {
		return poly, nil
	}
	return scalePolygon(poly, float64(size.Width)/float64(b.Dx()), float64(size.Height)/float64(b.Dy())), nil
}

// Health checks GET {baseURL}/health.
func (s *RemoteSegmenter) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("segmenter health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("segmenter health check returned status %d", resp.StatusCode)
	}
	return nil
}
