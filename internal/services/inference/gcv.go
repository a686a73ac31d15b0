package inference

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode"

	vision "cloud.google.com/go/vision/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

// GCVDetector uses Google Cloud Vision object localization. Vision returns
// its own object names, which are matched against the prompts to produce a
// label and a text-match score.
type GCVDetector struct {
	client *vision.ImageAnnotatorClient
}

func NewGCV(ctx context.Context) (*GCVDetector, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}
	return &GCVDetector{client: client}, nil
}

func (d *GCVDetector) Name() string {
	return "google_cloud_vision"
}

func (d *GCVDetector) Close() error {
	return d.client.Close()
}

func (d *GCVDetector) Detect(ctx context.Context, in Input, prompts []string, _ Options) (models.RawDetections, error) {
	image, err := vision.NewImageFromReader(bytes.NewReader(in.Data))
	if err != nil {
		return models.RawDetections{}, fmt.Errorf("failed to read image: %w", err)
	}

	objects, err := d.client.LocalizeObjects(ctx, image, nil)
	if err != nil {
		return models.RawDetections{}, fmt.Errorf("%w: %w", models.ErrInferenceService, err)
	}

	return convertLocalizedObjects(objects, prompts, in.Size), nil
}

func convertLocalizedObjects(objects []*visionpb.LocalizedObjectAnnotation, prompts []string, size models.ImageSize) models.RawDetections {
	raw := models.RawDetections{
		Boxes:      [][4]float64{},
		Scores:     []float64{},
		Labels:     []string{},
		TextScores: []float64{},
	}
	for _, obj := range objects {
		if obj == nil || obj.BoundingPoly == nil || len(obj.BoundingPoly.NormalizedVertices) == 0 {
			continue
		}
		x1, y1, x2, y2 := normalizedExtent(obj.BoundingPoly)
		label, textScore := MatchPrompt(obj.Name, prompts)

		raw.Boxes = append(raw.Boxes, [4]float64{
			x1 * float64(size.Width),
			y1 * float64(size.Height),
			x2 * float64(size.Width),
			y2 * float64(size.Height),
		})
		raw.Scores = append(raw.Scores, float64(obj.Score))
		raw.Labels = append(raw.Labels, label)
		raw.TextScores = append(raw.TextScores, textScore)
	}
	return raw
}

func normalizedExtent(poly *visionpb.BoundingPoly) (x1, y1, x2, y2 float64) {
	x1, y1 = 1, 1
	for _, v := range poly.NormalizedVertices {
		x, y := float64(v.X), float64(v.Y)
		x1, y1 = min(x1, x), min(y1, y)
		x2, y2 = max(x2, x), max(y2, y)
	}
	return x1, y1, x2, y2
}

// MatchPrompt picks the prompt that best describes a detector-provided object
// name. The score is the share of prompt words found in the name, compared
// case and plural insensitively. When nothing matches the score is 0 and the
// lowercased name becomes the label. The wildcard prompt matches every name.
func MatchPrompt(name string, prompts []string) (string, float64) {
	nameTokens := tokens(name)
	fallback := strings.ToLower(strings.TrimSpace(name))

	bestLabel, bestScore := fallback, 0.0
	wildcard := false
	for _, prompt := range prompts {
		if strings.EqualFold(prompt, models.WildcardPrompt) {
			wildcard = true
			continue
		}
		promptTokens := tokens(prompt)
		if len(promptTokens) == 0 {
			continue
		}
		hits := 0
		for _, pt := range promptTokens {
			for _, nt := range nameTokens {
				if pt == nt {
					hits++
					break
				}
			}
		}
		score := float64(hits) / float64(len(promptTokens))
		if score > bestScore {
			bestLabel, bestScore = prompt, score
		}
	}
	if wildcard && bestScore < 1 {
		return fallback, 1
	}
	return bestLabel, bestScore
}

func tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, f := range fields {
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			fields[i] = strings.TrimSuffix(f, "s")
		}
	}
	return fields
}
