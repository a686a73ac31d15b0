package metrics

import (
	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

type Summary struct {
	Images          int            `json:"images"`
	AnnotatedImages int            `json:"annotated_images"`
	FailedImages    int            `json:"failed_images"`
	Detections      int            `json:"detections"`
	Segmented       int            `json:"segmented"`
	Classes         []string       `json:"classes"`
	PerClass        map[string]int `json:"per_class"`
	MeanScore       float64        `json:"mean_score"`
	MinScore        float64        `json:"min_score"`
	MaxScore        float64        `json:"max_score"`
}

func Summarize(set *models.AnnotationSet) Summary {
	s := Summary{
		Classes:  []string{},
		PerClass: map[string]int{},
	}
	if set == nil {
		return s
	}

	s.Images = len(set.Images)
	s.Classes = set.Labels()

	var scoreSum float64
	for _, ref := range set.Images {
		result, ok := set.Results[ref]
		if !ok {
			continue
		}
		if result.Error != "" {
			s.FailedImages++
		}
		if len(result.Detections) > 0 {
			s.AnnotatedImages++
		}
		for _, d := range result.Detections {
			if s.Detections == 0 || d.Score < s.MinScore {
				s.MinScore = d.Score
			}
			if d.Score > s.MaxScore {
				s.MaxScore = d.Score
			}
			s.Detections++
			s.PerClass[d.Label]++
			scoreSum += d.Score
			if len(d.Polygon) >= 3 {
				s.Segmented++
			}
		}
	}

	if s.Detections > 0 {
		s.MeanScore = scoreSum / float64(s.Detections)
	}
	return s
}

// Agreement compares two record sets of the same images. A pair matches when
// image and label agree and the IoU of their boxes reaches minIoU. Each
// record matches at most once.
func Agreement(expected, actual []Match, minIoU float64) AgreementResult {
	used := make([]bool, len(actual))
	matched := 0
	for _, e := range expected {
		best, bestIoU := -1, minIoU
		for j, a := range actual {
			if used[j] || a.Image != e.Image || a.Label != e.Label {
				continue
			}
			if iou := normalizedIoU(e.Box, a.Box); iou >= bestIoU {
				best, bestIoU = j, iou
			}
		}
		if best >= 0 {
			used[best] = true
			matched++
		}
	}

	r := AgreementResult{
		Expected: len(expected),
		Actual:   len(actual),
		Matched:  matched,
	}
	if r.Actual > 0 {
		r.Precision = float64(matched) / float64(r.Actual)
	}
	if r.Expected > 0 {
		r.Recall = float64(matched) / float64(r.Expected)
	}
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	return r
}

type Match struct {
	Image string
	Label string
	Box   models.Box
}

type AgreementResult struct {
	Expected  int     `json:"expected"`
	Actual    int     `json:"actual"`
	Matched   int     `json:"matched"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

func normalizedIoU(a, b models.Box) float64 {
	ix1 := max(a.X, b.X)
	iy1 := max(a.Y, b.Y)
	ix2 := min(a.X+a.Width, b.X+b.Width)
	iy2 := min(a.Y+a.Height, b.Y+b.Height)
	if ix2 <= ix1 || iy2 <= iy1 {
		if a == b {
			return 1
		}
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
