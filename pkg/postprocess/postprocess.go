// Package postprocess turns raw detector output into the filtered,
// deduplicated detections stored for an image.
package postprocess

import (
	"sort"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

type Config struct {
	BoxThreshold     float64
	TextThreshold    float64
	MinBoxSize       float64
	RemoveOverlaps   bool
	OverlapThreshold float64
	// FallbackLabel is used for detections the detector left unlabeled.
	FallbackLabel string
}

func ConfigFromRun(cfg models.RunConfig) Config {
	fallback := models.WildcardPrompt
	if len(cfg.Objects) > 0 {
		fallback = cfg.Objects[0]
	}
	return Config{
		BoxThreshold:     cfg.BoxThreshold,
		TextThreshold:    cfg.TextThreshold,
		MinBoxSize:       cfg.MinBoxSize,
		RemoveOverlaps:   cfg.RemoveOverlaps,
		OverlapThreshold: cfg.OverlapThreshold,
		FallbackLabel:    fallback,
	}
}

// Filter applies the threshold gates, clips boxes to the image, applies the
// minimum box size and, when enabled, class-aware NMS. The result is ordered by descending score with ties kept
// in emission order. raw is not modified.
func Filter(raw models.RawDetections, size models.ImageSize, cfg Config) []models.Detection {
	kept := make([]models.Detection, 0, raw.Len())
	for i, b := range raw.Boxes {
		score := raw.Score(i)
		textScore := raw.TextScore(i)
		if score < cfg.BoxThreshold || textScore < cfg.TextThreshold {
			continue
		}
		box := models.NewBox(b[0], b[1], b[2], b[3], size).Clip(size)
		if box.PixelWidth() <= 0 || box.PixelHeight() <= 0 {
			continue
		}
		if box.PixelWidth() < cfg.MinBoxSize || box.PixelHeight() < cfg.MinBoxSize {
			continue
		}
		kept = append(kept, models.Detection{
			Box:       box,
			Label:     raw.Label(i, cfg.FallbackLabel),
			Score:     score,
			TextScore: textScore,
		})
	}

	SortByScore(kept)

	if cfg.RemoveOverlaps {
		threshold := cfg.OverlapThreshold
		if threshold <= 0 {
			threshold = models.DefaultOverlapThreshold
		}
		kept = NMS(kept, threshold)
	}
	return kept
}

// SortByScore orders detections by descending score, stable on input order.
func SortByScore(dets []models.Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Score > dets[j].Score
	})
}

// NMS suppresses, per label, any detection whose IoU with an already kept
// detection of the same label exceeds threshold. dets must already be sorted
// by descending score; the surviving order is preserved.
func NMS(dets []models.Detection, threshold float64) []models.Detection {
	keptByLabel := make(map[string][]models.Box)
	out := make([]models.Detection, 0, len(dets))
	for _, d := range dets {
		suppressed := false
		for _, k := range keptByLabel[d.Label] {
			if IoU(k, d.Box) > threshold {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		keptByLabel[d.Label] = append(keptByLabel[d.Label], d.Box)
		out = append(out, d)
	}
	return out
}

// IoU is computed in pixel space.
func IoU(a, b models.Box) float64 {
	ix1 := max(a.X1, b.X1)
	iy1 := max(a.Y1, b.Y1)
	ix2 := min(a.X2, b.X2)
	iy2 := min(a.Y2, b.Y2)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
