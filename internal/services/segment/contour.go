package segment

import (
	"image"
	"image/color"
	"math"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

// SimplifyRatio scales the Douglas-Peucker epsilon by the contour perimeter.
const SimplifyRatio = 0.002

type point struct {
	x, y int
}

// Moore neighbourhood in clockwise order (image coordinates, y down),
// starting west.
var neighbours = [8]point{
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1},
	{1, 0}, {1, 1}, {0, 1}, {-1, 1},
}

type bitmap struct {
	w, h int
	px   []bool
}

func (b *bitmap) at(x, y int) bool {
	if x < 0 || y < 0 || x >= b.w || y >= b.h {
		return false
	}
	return b.px[y*b.w+x]
}

func bitmapFromImage(img image.Image) *bitmap {
	r := img.Bounds()
	b := &bitmap{w: r.Dx(), h: r.Dy(), px: make([]bool, r.Dx()*r.Dy())}
	for y := 0; y < b.h; y++ {
		for x := 0; x < b.w; x++ {
			g := color.GrayModel.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.Gray)
			b.px[y*b.w+x] = g.Y >= 128
		}
	}
	return b
}

// largestComponent keeps only the biggest 4-connected foreground region.
// Ties go to the region found first in raster order.
func (b *bitmap) largestComponent() *bitmap {
	label := make([]int, len(b.px))
	best, bestSize, next := 0, 0, 0
	queue := make([]int, 0, 64)

	for i, on := range b.px {
		if !on || label[i] != 0 {
			continue
		}
		next++
		label[i] = next
		queue = append(queue[:0], i)
		size := 0
		for len(queue) > 0 {
			cur := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			size++
			x, y := cur%b.w, cur/b.w
			for _, d := range [4]point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
				nx, ny := x+d.x, y+d.y
				if !b.at(nx, ny) {
					continue
				}
				j := ny*b.w + nx
				if label[j] == 0 {
					label[j] = next
					queue = append(queue, j)
				}
			}
		}
		if size > bestSize {
			best, bestSize = next, size
		}
	}

	out := &bitmap{w: b.w, h: b.h, px: make([]bool, len(b.px))}
	if best == 0 {
		return out
	}
	for i, l := range label {
		out.px[i] = l == best
	}
	return out
}

// trace follows the outer boundary clockwise with Moore-neighbour tracing,
// starting from the first foreground pixel in raster order. It stops when the
// start pixel is about to be left the same way it was first left.
func (b *bitmap) trace() []point {
	start, ok := b.first()
	if !ok {
		return nil
	}

	contour := []point{start}
	cur, back := start, 0
	var second point
	left := false
	limit := 4*len(b.px) + 8

	for range limit {
		next, nextBack, found := b.step(cur, back)
		if !found {
			break
		}
		if cur == start {
			if left && next == second {
				break
			}
			if !left {
				second, left = next, true
			}
		}
		contour = append(contour, next)
		cur, back = next, nextBack
	}

	if len(contour) > 1 && contour[len(contour)-1] == start {
		contour = contour[:len(contour)-1]
	}
	return contour
}

func (b *bitmap) first() (point, bool) {
	for i, on := range b.px {
		if on {
			return point{i % b.w, i / b.w}, true
		}
	}
	return point{}, false
}

// step scans clockwise from the backtrack direction and returns the next
// boundary pixel with its backtrack direction.
func (b *bitmap) step(cur point, back int) (point, int, bool) {
	for i := 1; i <= 8; i++ {
		d := (back + i) % 8
		n := point{cur.x + neighbours[d].x, cur.y + neighbours[d].y}
		if !b.at(n.x, n.y) {
			continue
		}
		prev := neighbours[(back+i-1)%8]
		rel := point{cur.x + prev.x - n.x, cur.y + prev.y - n.y}
		for k, nb := range neighbours {
			if nb == rel {
				return n, k, true
			}
		}
		return n, 0, true
	}
	return cur, back, false
}

// MaskToPolygon converts a binary mask into the simplified outline of its
// largest region, in mask pixel coordinates. It returns nil when the mask
// has no region with at least three outline points.
func MaskToPolygon(img image.Image) models.Polygon {
	contour := bitmapFromImage(img).largestComponent().trace()
	if len(contour) < 3 {
		return nil
	}
	simplified := simplifyClosed(contour, SimplifyRatio*perimeter(contour))
	if len(simplified) < 3 {
		return nil
	}
	out := make(models.Polygon, len(simplified))
	for i, p := range simplified {
		out[i] = models.Point{X: float64(p.x), Y: float64(p.y)}
	}
	return out
}

func perimeter(pts []point) float64 {
	total := 0.0
	for i := range pts {
		j := (i + 1) % len(pts)
		total += math.Hypot(float64(pts[j].x-pts[i].x), float64(pts[j].y-pts[i].y))
	}
	return total
}

// simplifyClosed splits the ring at its first point and the point farthest
// from it, then simplifies both halves.
func simplifyClosed(pts []point, epsilon float64) []point {
	if len(pts) < 4 {
		return append([]point(nil), pts...)
	}

	far, farDist := 0, -1.0
	for i, p := range pts {
		d := math.Hypot(float64(p.x-pts[0].x), float64(p.y-pts[0].y))
		if d > farDist {
			far, farDist = i, d
		}
	}

	tail := make([]point, 0, len(pts)-far+1)
	tail = append(tail, pts[far:]...)
	tail = append(tail, pts[0])

	a := douglasPeucker(pts[:far+1], epsilon)
	b := douglasPeucker(tail, epsilon)

	out := make([]point, 0, len(a)+len(b))
	out = append(out, a[:len(a)-1]...)
	out = append(out, b[:len(b)-1]...)
	return out
}

func douglasPeucker(pts []point, epsilon float64) []point {
	if len(pts) < 3 {
		return append([]point(nil), pts...)
	}
	first, last := pts[0], pts[len(pts)-1]
	idx, dmax := 0, 0.0
	for i := 1; i < len(pts)-1; i++ {
		if d := segmentDistance(pts[i], first, last); d > dmax {
			idx, dmax = i, d
		}
	}
	if dmax <= epsilon {
		return []point{first, last}
	}
	left := douglasPeucker(pts[:idx+1], epsilon)
	right := douglasPeucker(pts[idx:], epsilon)
	out := make([]point, 0, len(left)+len(right)-1)
	out = append(out, left[:len(left)-1]...)
	return append(out, right...)
}

func segmentDistance(p, a, b point) float64 {
	dx, dy := float64(b.x-a.x), float64(b.y-a.y)
	if dx == 0 && dy == 0 {
		return math.Hypot(float64(p.x-a.x), float64(p.y-a.y))
	}
	cross := dx*float64(p.y-a.y) - dy*float64(p.x-a.x)
	return math.Abs(cross) / math.Hypot(dx, dy)
}
