package models

// Box holds both the canonical normalized geometry and the pixel corners it
// was derived from.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	X1     float64 `json:"x1"`
	Y1     float64 `json:"y1"`
	X2     float64 `json:"x2"`
	Y2     float64 `json:"y2"`
}

// NewBox builds a box from pixel corners. Corners are reordered so that
// x1 <= x2 and y1 <= y2.
func NewBox(x1, y1, x2, y2 float64, size ImageSize) Box {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	b := Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
	if size.Width > 0 && size.Height > 0 {
		w, h := float64(size.Width), float64(size.Height)
		b.X = x1 / w
		b.Y = y1 / h
		b.Width = (x2 - x1) / w
		b.Height = (y2 - y1) / h
	}
	return b
}

// Clip returns the box with its pixel corners clamped to the image bounds.
// Boxes of images with unknown size are returned unchanged.
func (b Box) Clip(size ImageSize) Box {
	if size.Width <= 0 || size.Height <= 0 {
		return b
	}
	w, h := float64(size.Width), float64(size.Height)
	return NewBox(
		min(max(b.X1, 0), w),
		min(max(b.Y1, 0), h),
		min(max(b.X2, 0), w),
		min(max(b.Y2, 0), h),
		size,
	)
}

// NewNormalizedBox builds a box from normalized x, y, width and height.
func NewNormalizedBox(x, y, width, height float64, size ImageSize) Box {
	w, h := float64(size.Width), float64(size.Height)
	return Box{
		X:      x,
		Y:      y,
		Width:  width,
		Height: height,
		X1:     x * w,
		Y1:     y * h,
		X2:     (x + width) * w,
		Y2:     (y + height) * h,
	}
}

func (b Box) PixelWidth() float64  { return b.X2 - b.X1 }
func (b Box) PixelHeight() float64 { return b.Y2 - b.Y1 }
func (b Box) Area() float64        { return b.PixelWidth() * b.PixelHeight() }

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Polygon []Point

// Flatten returns the polygon as [x1, y1, x2, y2, ...].
func (p Polygon) Flatten() []float64 {
	out := make([]float64, 0, len(p)*2)
	for _, pt := range p {
		out = append(out, pt.X, pt.Y)
	}
	return out
}

// Area uses the shoelace formula.
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	var sum float64
	for i := range p {
		j := (i + 1) % len(p)
		sum += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	if sum < 0 {
		sum = -sum
	}
	return sum / 2
}

func PolygonFromFlat(flat []float64) Polygon {
	out := make(Polygon, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out = append(out, Point{X: flat[i], Y: flat[i+1]})
	}
	return out
}

type Detection struct {
	Box       Box     `json:"box"`
	Label     string  `json:"label"`
	Score     float64 `json:"score"`
	TextScore float64 `json:"text_score"`
	Polygon   Polygon `json:"polygon,omitempty"`
}

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ImageAnnotations struct {
	Ref        string      `json:"ref"`
	Size       ImageSize   `json:"image_size"`
	Detections []Detection `json:"detections"`
	Error      string      `json:"error,omitempty"`
}

// AnnotationSet maps image references to their detections. Images keeps
// the session's upload order; Results only ever holds references from it.
type AnnotationSet struct {
	Images  []string                     `json:"images"`
	Results map[string]*ImageAnnotations `json:"results"`
}

func NewAnnotationSet(images []string) *AnnotationSet {
	return &AnnotationSet{
		Images:  append([]string(nil), images...),
		Results: make(map[string]*ImageAnnotations, len(images)),
	}
}

func (a *AnnotationSet) Has(ref string) bool {
	for _, img := range a.Images {
		if img == ref {
			return true
		}
	}
	return false
}

// Result returns the annotations for ref, or an empty entry when the image
// has not been processed.
func (a *AnnotationSet) Result(ref string) ImageAnnotations {
	if r, ok := a.Results[ref]; ok && r != nil {
		return *r
	}
	return ImageAnnotations{Ref: ref}
}

func (a *AnnotationSet) TotalDetections() int {
	total := 0
	for _, r := range a.Results {
		total += len(r.Detections)
	}
	return total
}

// Labels returns every distinct label in first-seen order, walking images in
// upload order and detections in rank order.
func (a *AnnotationSet) Labels() []string {
	seen := make(map[string]bool)
	var labels []string
	for _, ref := range a.Images {
		r, ok := a.Results[ref]
		if !ok {
			continue
		}
		for _, d := range r.Detections {
			if !seen[d.Label] {
				seen[d.Label] = true
				labels = append(labels, d.Label)
			}
		}
	}
	return labels
}

func (a *AnnotationSet) Clone() *AnnotationSet {
	if a == nil {
		return nil
	}
	out := &AnnotationSet{
		Images:  append([]string(nil), a.Images...),
		Results: make(map[string]*ImageAnnotations, len(a.Results)),
	}
	for ref, r := range a.Results {
		c := *r
		c.Detections = make([]Detection, len(r.Detections))
		for i, d := range r.Detections {
			d.Polygon = append(Polygon(nil), d.Polygon...)
			c.Detections[i] = d
		}
		out.Results[ref] = &c
	}
	return out
}
