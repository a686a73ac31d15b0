package models

import (
	"time"
)

type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionConfigured SessionState = "configured"
	SessionRunning    SessionState = "running"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
	SessionCancelled  SessionState = "cancelled"
)

// Terminal reports whether no run is active in this state.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

type ProgressStatus string

const (
	StatusQueued     ProgressStatus = "queued"
	StatusProcessing ProgressStatus = "processing"
	StatusCompleted  ProgressStatus = "completed"
	StatusError      ProgressStatus = "error"
	StatusCancelled  ProgressStatus = "cancelled"
)

type Session struct {
	ID          string         `json:"id"`
	Root        string         `json:"-"`
	Images      []ImageItem    `json:"images"`
	State       SessionState   `json:"state"`
	Config      *RunConfig     `json:"config,omitempty"`
	Progress    ProgressState  `json:"progress"`
	Annotations *AnnotationSet `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (s *Session) ImageCount() int {
	return len(s.Images)
}

// ImageRefs returns the image references in upload order.
func (s *Session) ImageRefs() []string {
	refs := make([]string, len(s.Images))
	for i, img := range s.Images {
		refs[i] = img.Ref
	}
	return refs
}

func (s *Session) Image(ref string) (ImageItem, bool) {
	for _, img := range s.Images {
		if img.Ref == ref {
			return img, true
		}
	}
	return ImageItem{}, false
}

// Clone returns a deep copy safe to hand to readers.
func (s Session) Clone() Session {
	out := s
	out.Images = append([]ImageItem(nil), s.Images...)
	if s.Config != nil {
		cfg := s.Config.Clone()
		out.Config = &cfg
	}
	if s.Annotations != nil {
		out.Annotations = s.Annotations.Clone()
	}
	return out
}

type ImageItem struct {
	Ref          string `json:"ref"`
	Filename     string `json:"filename"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	SizeBytes    int64  `json:"size_bytes"`
}

type ProgressState struct {
	Status          ProgressStatus `json:"status"`
	ProcessedCount  int            `json:"processed_count"`
	TotalCount      int            `json:"total_count"`
	FailedImages    int            `json:"failed_images"`
	TotalDetections int            `json:"total_detections"`
	CurrentImage    string         `json:"current_image,omitempty"`
	Message         string         `json:"message,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// Percentage is the processed share in [0,100], rounded to one decimal.
func (p ProgressState) Percentage() float64 {
	if p.TotalCount == 0 {
		if p.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	pct := float64(p.ProcessedCount) / float64(p.TotalCount) * 100
	return float64(int(pct*10+0.5)) / 10
}
