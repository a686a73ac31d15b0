package postprocess_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
	"github.com/lehigh-university-libraries/auto-annotate/pkg/postprocess"
)

var imageSize = models.ImageSize{Width: 640, Height: 480}

func defaultConfig() postprocess.Config {
	return postprocess.Config{
		BoxThreshold:     0.35,
		TextThreshold:    0.25,
		MinBoxSize:       10,
		RemoveOverlaps:   true,
		OverlapThreshold: 0.5,
		FallbackLabel:    "object",
	}
}

func toRaw(dets []models.Detection) models.RawDetections {
	raw := models.RawDetections{}
	for _, d := range dets {
		raw.Boxes = append(raw.Boxes, [4]float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2})
		raw.Scores = append(raw.Scores, d.Score)
		raw.Labels = append(raw.Labels, d.Label)
		raw.TextScores = append(raw.TextScores, d.TextScore)
	}
	return raw
}

func randomRaw(r *rand.Rand, n int) models.RawDetections {
	labels := []string{"ball", "dog", "cat"}
	raw := models.RawDetections{}
	for range n {
		x1 := r.Float64()*600 - 40
		y1 := r.Float64()*460 - 30
		w := r.Float64() * 140
		h := r.Float64() * 80
		raw.Boxes = append(raw.Boxes, [4]float64{x1, y1, x1 + w, y1 + h})
		raw.Scores = append(raw.Scores, r.Float64())
		raw.TextScores = append(raw.TextScores, r.Float64())
		raw.Labels = append(raw.Labels, labels[r.Intn(len(labels))])
	}
	return raw
}

func TestFilterOverlappingSameLabelKeepsHighest(t *testing.T) {
	raw := models.RawDetections{
		Boxes:  [][4]float64{{0, 0, 100, 90}, {0, 0, 100, 100}},
		Scores: []float64{0.6, 0.9},
		Labels: []string{"ball", "ball"},
	}

	got := postprocess.Filter(raw, imageSize, defaultConfig())

	require.Len(t, got, 1)
	assert.Equal(t, 0.9, got[0].Score)
	assert.InDelta(t, 0.9, postprocess.IoU(models.NewBox(0, 0, 100, 90, imageSize), models.NewBox(0, 0, 100, 100, imageSize)), 1e-9)
}

func TestFilterOverlapsKeptWhenDisabled(t *testing.T) {
	raw := models.RawDetections{
		Boxes:  [][4]float64{{0, 0, 100, 90}, {0, 0, 100, 100}},
		Scores: []float64{0.6, 0.9},
		Labels: []string{"ball", "ball"},
	}
	cfg := defaultConfig()
	cfg.RemoveOverlaps = false

	got := postprocess.Filter(raw, imageSize, cfg)

	require.Len(t, got, 2)
	assert.Equal(t, 0.9, got[0].Score)
	assert.Equal(t, 0.6, got[1].Score)
}

func TestFilterNeverSuppressesAcrossLabels(t *testing.T) {
	raw := models.RawDetections{
		Boxes:  [][4]float64{{0, 0, 100, 100}, {0, 0, 100, 100}, {1, 1, 100, 100}},
		Scores: []float64{0.9, 0.8, 0.7},
		Labels: []string{"ball", "dog", "cat"},
	}

	got := postprocess.Filter(raw, imageSize, defaultConfig())

	require.Len(t, got, 3)
	assert.Equal(t, []string{"ball", "dog", "cat"}, []string{got[0].Label, got[1].Label, got[2].Label})
}

func TestFilterClipsBoxesToImage(t *testing.T) {
	size := models.ImageSize{Width: 100, Height: 100}
	raw := models.RawDetections{
		Boxes:  [][4]float64{{80, 80, 130, 130}, {-10, -5, 30, 40}},
		Scores: []float64{0.9, 0.8},
		Labels: []string{"ball", "ball"},
	}

	got := postprocess.Filter(raw, size, defaultConfig())

	require.Len(t, got, 2)
	assert.Equal(t, [4]float64{80, 80, 100, 100}, [4]float64{got[0].Box.X1, got[0].Box.Y1, got[0].Box.X2, got[0].Box.Y2})
	assert.InDelta(t, 0.8, got[0].Box.X, 1e-9)
	assert.InDelta(t, 0.2, got[0].Box.Width, 1e-9)
	assert.Equal(t, [4]float64{0, 0, 30, 40}, [4]float64{got[1].Box.X1, got[1].Box.Y1, got[1].Box.X2, got[1].Box.Y2})
	for _, d := range got {
		assert.LessOrEqual(t, d.Box.X+d.Box.Width, 1.0+1e-9)
		assert.LessOrEqual(t, d.Box.Y+d.Box.Height, 1.0+1e-9)
	}
}

func TestFilterGates(t *testing.T) {
	tests := []struct {
		name      string
		box       [4]float64
		score     float64
		textScore float64
		keep      bool
	}{
		{name: "passes both thresholds", box: [4]float64{0, 0, 50, 50}, score: 0.5, textScore: 0.5, keep: true},
		{name: "score equal to threshold is kept", box: [4]float64{0, 0, 50, 50}, score: 0.35, textScore: 0.5, keep: true},
		{name: "below box threshold", box: [4]float64{0, 0, 50, 50}, score: 0.2, textScore: 0.9, keep: false},
		{name: "below text threshold", box: [4]float64{0, 0, 50, 50}, score: 0.9, textScore: 0.1, keep: false},
		{name: "too narrow", box: [4]float64{0, 0, 9, 50}, score: 0.9, textScore: 0.9, keep: false},
		{name: "too short", box: [4]float64{0, 0, 50, 9.5}, score: 0.9, textScore: 0.9, keep: false},
		{name: "exactly min size", box: [4]float64{0, 0, 10, 10}, score: 0.9, textScore: 0.9, keep: true},
		{name: "mostly past the right edge", box: [4]float64{635, 0, 700, 50}, score: 0.9, textScore: 0.9, keep: false},
		{name: "entirely outside the image", box: [4]float64{700, 500, 800, 600}, score: 0.9, textScore: 0.9, keep: false},
		{name: "partly above the top edge", box: [4]float64{0, -40, 50, 50}, score: 0.9, textScore: 0.9, keep: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := models.RawDetections{
				Boxes:      [][4]float64{tt.box},
				Scores:     []float64{tt.score},
				TextScores: []float64{tt.textScore},
			}
			got := postprocess.Filter(raw, imageSize, defaultConfig())
			if tt.keep {
				require.Len(t, got, 1)
				assert.Equal(t, "object", got[0].Label)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestFilterMissingTextScoreUsesBoxScore(t *testing.T) {
	raw := models.RawDetections{
		Boxes:  [][4]float64{{0, 0, 50, 50}},
		Scores: []float64{0.3},
	}
	cfg := defaultConfig()
	cfg.BoxThreshold = 0.2
	cfg.TextThreshold = 0.4

	assert.Empty(t, postprocess.Filter(raw, imageSize, cfg))
}

func TestFilterStableOrderOnTies(t *testing.T) {
	raw := models.RawDetections{
		Boxes:  [][4]float64{{0, 0, 20, 20}, {100, 100, 120, 120}, {200, 200, 220, 220}},
		Scores: []float64{0.5, 0.7, 0.5},
		Labels: []string{"a", "b", "c"},
	}

	got := postprocess.Filter(raw, imageSize, defaultConfig())

	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{got[0].Label, got[1].Label, got[2].Label})
}

func TestFilterDoesNotMutateInput(t *testing.T) {
	raw := models.RawDetections{
		Boxes:  [][4]float64{{10, 10, 0, 0}, {0, 0, 50, 50}},
		Scores: []float64{0.5, 0.9},
		Labels: []string{"a", "b"},
	}

	_ = postprocess.Filter(raw, imageSize, defaultConfig())

	assert.Equal(t, [4]float64{10, 10, 0, 0}, raw.Boxes[0])
	assert.Equal(t, []float64{0.5, 0.9}, raw.Scores)
}

func TestFilterProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for i := range 200 {
		raw := randomRaw(r, 1+r.Intn(40))
		cfg := defaultConfig()
		cfg.BoxThreshold = 0.05 + r.Float64()*0.9
		cfg.TextThreshold = 0.05 + r.Float64()*0.9
		cfg.MinBoxSize = float64(r.Intn(20))

		got := postprocess.Filter(raw, imageSize, cfg)

		for _, d := range got {
			require.GreaterOrEqual(t, d.Score, cfg.BoxThreshold, "iteration %d", i)
			require.GreaterOrEqual(t, d.TextScore, cfg.TextThreshold, "iteration %d", i)
			require.GreaterOrEqual(t, d.Box.X1, 0.0, "iteration %d", i)
			require.GreaterOrEqual(t, d.Box.Y1, 0.0, "iteration %d", i)
			require.LessOrEqual(t, d.Box.X2, float64(imageSize.Width), "iteration %d", i)
			require.LessOrEqual(t, d.Box.Y2, float64(imageSize.Height), "iteration %d", i)
		}
		for j := 1; j < len(got); j++ {
			require.GreaterOrEqual(t, got[j-1].Score, got[j].Score, "iteration %d", i)
		}
		for a := range got {
			for b := a + 1; b < len(got); b++ {
				if got[a].Label == got[b].Label {
					require.LessOrEqual(t, postprocess.IoU(got[a].Box, got[b].Box), cfg.OverlapThreshold, "iteration %d", i)
				}
			}
		}

		again := postprocess.Filter(toRaw(got), imageSize, cfg)
		require.Equal(t, got, again, "filter should be idempotent (iteration %d)", i)
	}
}

func TestNMSPerLabelCounts(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	raw := randomRaw(r, 60)
	cfg := defaultConfig()
	cfg.RemoveOverlaps = false
	all := postprocess.Filter(raw, imageSize, cfg)

	for _, label := range []string{"ball", "dog", "cat"} {
		var sameLabel []models.Detection
		for _, d := range all {
			if d.Label == label {
				sameLabel = append(sameLabel, d)
			}
		}
		perLabel := postprocess.NMS(sameLabel, 0.5)
		var fromAll int
		for _, d := range postprocess.NMS(all, 0.5) {
			if d.Label == label {
				fromAll++
			}
		}
		assert.Equal(t, len(perLabel), fromAll, "label %s", label)
	}
}

func TestIoU(t *testing.T) {
	a := models.NewBox(0, 0, 10, 10, imageSize)
	assert.Equal(t, 1.0, postprocess.IoU(a, a))
	assert.Equal(t, 0.0, postprocess.IoU(a, models.NewBox(10, 10, 20, 20, imageSize)))
	assert.InDelta(t, 25.0/175.0, postprocess.IoU(a, models.NewBox(5, 5, 15, 15, imageSize)), 1e-9)
}
