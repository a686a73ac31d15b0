package segment

import (
	"context"
	"log/slog"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/inference"
)

// Segmenter turns boxes into polygons. Boxes and polygons are in the pixel
// space of in.Data, and the result is aligned 1:1 with boxes. A slot may be
// empty when the mask for that box has no contour.
type Segmenter interface {
	Segment(ctx context.Context, in inference.Input, boxes [][4]float64) ([]models.Polygon, error)
	Name() string
}

// Adapter attaches polygons to detections and degrades to box-only output
// whenever the segmenter fails.
type Adapter struct {
	segmenter Segmenter
}

func NewAdapter(s Segmenter) *Adapter {
	return &Adapter{segmenter: s}
}

// Available reports whether a segmenter is configured.
func (a *Adapter) Available() bool {
	return a != nil && a.segmenter != nil
}

// Apply returns a copy of dets with polygons filled in. Detections are in
// the original image's pixel space; in may be a downscaled rendition.
func (a *Adapter) Apply(ctx context.Context, in inference.Input, dets []models.Detection) []models.Detection {
	if !a.Available() || len(dets) == 0 {
		return dets
	}

	sx, sy := in.Scale()
	boxes := make([][4]float64, len(dets))
	for i, d := range dets {
		boxes[i] = [4]float64{d.Box.X1 * sx, d.Box.Y1 * sy, d.Box.X2 * sx, d.Box.Y2 * sy}
	}

	polygons, err := a.segmenter.Segment(ctx, in, boxes)
	if err != nil {
		slog.Warn("Segmentation failed, keeping boxes only", "image", in.Ref, "segmenter", a.segmenter.Name(), "err", err)
		return dets
	}
	if len(polygons) != len(dets) {
		slog.Warn("Segmentation returned misaligned masks, keeping boxes only", "image", in.Ref, "boxes", len(dets), "masks", len(polygons))
		return dets
	}

	fx, fy := in.ToOriginal()
	out := make([]models.Detection, len(dets))
	for i, d := range dets {
		d.Polygon = nil
		if len(polygons[i]) >= 3 {
			d.Polygon = scalePolygon(polygons[i], fx, fy)
		}
		out[i] = d
	}
	return out
}

func scalePolygon(p models.Polygon, sx, sy float64) models.Polygon {
	out := make(models.Polygon, len(p))
	for i, pt := range p {
		out[i] = models.Point{X: pt.X * sx, Y: pt.Y * sy}
	}
	return out
}
