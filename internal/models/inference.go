package models

import "fmt"

// RawDetections is the detector output before post-processing. Boxes are
// pixel corners [x1, y1, x2, y2] in the coordinate space of the image sent to
// the detector. The slices are parallel.
type RawDetections struct {
	Boxes      [][4]float64 `json:"boxes"`
	Scores     []float64    `json:"scores"`
	Labels     []string     `json:"labels"`
	TextScores []float64    `json:"text_scores,omitempty"`
}

func (r RawDetections) Len() int {
	return len(r.Boxes)
}

// Validate checks the parallel slices line up and every score is in [0,1].
func (r RawDetections) Validate() error {
	n := len(r.Boxes)
	if len(r.Scores) != n {
		return fmt.Errorf("%w: %d boxes but %d scores", ErrMalformedResponse, n, len(r.Scores))
	}
	if len(r.Labels) != 0 && len(r.Labels) != n {
		return fmt.Errorf("%w: %d boxes but %d labels", ErrMalformedResponse, n, len(r.Labels))
	}
	if len(r.TextScores) != 0 && len(r.TextScores) != n {
		return fmt.Errorf("%w: %d boxes but %d text scores", ErrMalformedResponse, n, len(r.TextScores))
	}
	for i, s := range r.Scores {
		if !unitInterval(s) {
			return fmt.Errorf("%w: score %v at %d is outside [0,1]", ErrMalformedResponse, s, i)
		}
	}
	for i, s := range r.TextScores {
		if !unitInterval(s) {
			return fmt.Errorf("%w: text score %v at %d is outside [0,1]", ErrMalformedResponse, s, i)
		}
	}
	return nil
}

// unitInterval is false for NaN.
func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}

// Label returns the label at i, falling back when the detector emitted none.
func (r RawDetections) Label(i int, fallback string) string {
	if i < len(r.Labels) && r.Labels[i] != "" {
		return r.Labels[i]
	}
	return fallback
}

func (r RawDetections) Score(i int) float64 {
	if i < len(r.Scores) {
		return r.Scores[i]
	}
	return 0
}

// TextScore returns the text-match confidence at i. Detectors that do not
// report one get their box score.
func (r RawDetections) TextScore(i int) float64 {
	if i < len(r.TextScores) {
		return r.TextScores[i]
	}
	return r.Score(i)
}

// Scaled returns a copy with x coordinates multiplied by fx and y
// coordinates by fy.
func (r RawDetections) Scaled(fx, fy float64) RawDetections {
	out := RawDetections{
		Boxes:      make([][4]float64, len(r.Boxes)),
		Scores:     append([]float64(nil), r.Scores...),
		Labels:     append([]string(nil), r.Labels...),
		TextScores: append([]float64(nil), r.TextScores...),
	}
	for i, b := range r.Boxes {
		out.Boxes[i] = [4]float64{b[0] * fx, b[1] * fy, b[2] * fx, b[3] * fy}
	}
	return out
}

type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

// Event is pushed to subscribers of a session while a run executes.
type Event struct {
	Seq             int64     `json:"seq"`
	Type            EventType `json:"type"`
	Timestamp       string    `json:"timestamp"`
	Current         int       `json:"current,omitempty"`
	Total           int       `json:"total,omitempty"`
	Percentage      float64   `json:"percentage,omitempty"`
	CurrentImage    string    `json:"current_image,omitempty"`
	Detections      int       `json:"detections,omitempty"`
	TotalImages     int       `json:"total_images,omitempty"`
	TotalDetections int       `json:"total_detections,omitempty"`
	Message         string    `json:"message,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventError || e.Type == EventCancelled
}
