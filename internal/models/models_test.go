package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunConfigNormalize(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *RunConfig)
		want    []string
		wantErr bool
	}{
		{
			name:   "trims and deduplicates prompts",
			mutate: func(c *RunConfig) { c.Objects = []string{" ball ", "dog", "ball", ""} },
			want:   []string{"ball", "dog"},
		},
		{
			name:    "empty prompts without fallback are rejected",
			mutate:  func(c *RunConfig) { c.Objects = []string{"  "} },
			wantErr: true,
		},
		{
			name: "skip detection substitutes wildcard",
			mutate: func(c *RunConfig) {
				c.Objects = nil
				c.SkipDetection = true
			},
			want: []string{WildcardPrompt},
		},
		{
			name: "skip detection keeps explicit prompts",
			mutate: func(c *RunConfig) {
				c.Objects = []string{"cat"}
				c.SkipDetection = true
			},
			want: []string{"cat"},
		},
		{
			name: "filename labels allow empty prompts",
			mutate: func(c *RunConfig) {
				c.Objects = nil
				c.FilenameLabels = true
			},
			want: []string{},
		},
		{
			name: "box threshold out of range",
			mutate: func(c *RunConfig) {
				c.Objects = []string{"ball"}
				c.BoxThreshold = 1
			},
			wantErr: true,
		},
		{
			name: "text threshold out of range",
			mutate: func(c *RunConfig) {
				c.Objects = []string{"ball"}
				c.TextThreshold = 0
			},
			wantErr: true,
		},
		{
			name: "negative min box size",
			mutate: func(c *RunConfig) {
				c.Objects = []string{"ball"}
				c.MinBoxSize = -1
			},
			wantErr: true,
		},
		{
			name: "unknown export format",
			mutate: func(c *RunConfig) {
				c.Objects = []string{"ball"}
				c.ExportFormat = "geojson"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRunConfig()
			tt.mutate(&cfg)

			got, err := cfg.Normalize()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, got.Objects)
		})
	}
}

func TestRunConfigNormalizeDoesNotMutateInput(t *testing.T) {
	cfg := DefaultRunConfig()
	cfg.Objects = []string{" ball "}

	_, err := cfg.Normalize()
	require.NoError(t, err)
	assert.Equal(t, " ball ", cfg.Objects[0])
}

func TestParseExportFormat(t *testing.T) {
	f, err := ParseExportFormat("YOLO")
	require.NoError(t, err)
	assert.Equal(t, FormatYOLO, f)

	_, err = ParseExportFormat("geojson")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNewBoxNormalizes(t *testing.T) {
	b := NewBox(60, 40, 10, 20, ImageSize{Width: 100, Height: 200})

	assert.Equal(t, 10.0, b.X1)
	assert.Equal(t, 60.0, b.X2)
	assert.InDelta(t, 0.1, b.X, 1e-9)
	assert.InDelta(t, 0.1, b.Y, 1e-9)
	assert.InDelta(t, 0.5, b.Width, 1e-9)
	assert.InDelta(t, 0.1, b.Height, 1e-9)
}

func TestPolygonArea(t *testing.T) {
	square := Polygon{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	assert.InDelta(t, 100.0, square.Area(), 1e-9)
	assert.Equal(t, 0.0, Polygon{{0, 0}, {1, 1}}.Area())
	assert.Equal(t, square, PolygonFromFlat(square.Flatten()))
}

func TestAnnotationSetLabelsFirstSeen(t *testing.T) {
	set := NewAnnotationSet([]string{"b.jpg", "a.jpg"})
	set.Results["a.jpg"] = &ImageAnnotations{Ref: "a.jpg", Detections: []Detection{{Label: "cat"}}}
	set.Results["b.jpg"] = &ImageAnnotations{Ref: "b.jpg", Detections: []Detection{{Label: "dog"}, {Label: "cat"}}}

	assert.Equal(t, []string{"dog", "cat"}, set.Labels())
	assert.Equal(t, 3, set.TotalDetections())
}

func TestAnnotationSetCloneIsDeep(t *testing.T) {
	set := NewAnnotationSet([]string{"a.jpg"})
	set.Results["a.jpg"] = &ImageAnnotations{Ref: "a.jpg", Detections: []Detection{{Label: "cat", Polygon: Polygon{{1, 2}}}}}

	clone := set.Clone()
	clone.Results["a.jpg"].Detections[0].Label = "dog"
	clone.Results["a.jpg"].Detections[0].Polygon[0].X = 9

	assert.Equal(t, "cat", set.Results["a.jpg"].Detections[0].Label)
	assert.Equal(t, 1.0, set.Results["a.jpg"].Detections[0].Polygon[0].X)
}

func TestRawDetectionsValidate(t *testing.T) {
	ok := RawDetections{Boxes: [][4]float64{{0, 0, 1, 1}}, Scores: []float64{0.5}}
	require.NoError(t, ok.Validate())
	assert.Equal(t, 0.5, ok.TextScore(0))
	assert.Equal(t, "ball", ok.Label(0, "ball"))

	box := [][4]float64{{0, 0, 1, 1}}
	tests := []struct {
		name string
		raw  RawDetections
	}{
		{"missing scores", RawDetections{Boxes: box, Scores: []float64{}}},
		{"score above one", RawDetections{Boxes: box, Scores: []float64{1.7}}},
		{"negative score", RawDetections{Boxes: box, Scores: []float64{-0.1}}},
		{"nan score", RawDetections{Boxes: box, Scores: []float64{math.NaN()}}},
		{"text score above one", RawDetections{Boxes: box, Scores: []float64{0.5}, TextScores: []float64{1.2}}},
		{"labels misaligned", RawDetections{Boxes: box, Scores: []float64{0.5}, Labels: []string{"a", "b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.raw.Validate(), ErrMalformedResponse)
		})
	}

	edges := RawDetections{Boxes: [][4]float64{{0, 0, 1, 1}, {0, 0, 2, 2}}, Scores: []float64{0, 1}, TextScores: []float64{1, 0}}
	assert.NoError(t, edges.Validate())
}

func TestRawDetectionsScaledPerAxis(t *testing.T) {
	raw := RawDetections{Boxes: [][4]float64{{10, 10, 20, 20}}, Scores: []float64{0.5}}
	scaled := raw.Scaled(2, 3)
	assert.Equal(t, [4]float64{20, 30, 40, 60}, scaled.Boxes[0])
	assert.Equal(t, [4]float64{10, 10, 20, 20}, raw.Boxes[0])
}

func TestProgressPercentage(t *testing.T) {
	p := ProgressState{ProcessedCount: 1, TotalCount: 3}
	assert.Equal(t, 33.3, p.Percentage())
	assert.Equal(t, 100.0, ProgressState{Status: StatusCompleted}.Percentage())
}
