package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

// SessionModel is the GORM model for the sessions table
type SessionModel struct {
	ID        string `gorm:"primaryKey"`
	Root      string `gorm:"not null;default:''"`
	State     string `gorm:"not null;index:idx_state;check:state IN ('created','configured','running','completed','failed','cancelled')"`
	Images    string `gorm:"type:text;not null;default:'[]'"`
	Config    string `gorm:"type:text;not null;default:''"`
	Progress  string `gorm:"type:text;not null;default:'{}'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName specifies the table name for GORM
func (SessionModel) TableName() string { return "sessions" }

// ImageResultModel is the GORM model for per-image annotation results
type ImageResultModel struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	SessionID  string `gorm:"not null;uniqueIndex:idx_session_image"`
	ImageRef   string `gorm:"not null;uniqueIndex:idx_session_image"`
	Position   int    `gorm:"not null;default:0"`
	Width      int    `gorm:"not null;default:0"`
	Height     int    `gorm:"not null;default:0"`
	Detections string `gorm:"type:text;not null;default:'[]'"`
	Error      string `gorm:"not null;default:''"`
}

// TableName specifies the table name for GORM
func (ImageResultModel) TableName() string { return "image_results" }

func sessionToModels(session models.Session) (SessionModel, []ImageResultModel, error) {
	images, err := json.Marshal(session.Images)
	if err != nil {
		return SessionModel{}, nil, fmt.Errorf("failed to encode images: %w", err)
	}
	progress, err := json.Marshal(session.Progress)
	if err != nil {
		return SessionModel{}, nil, fmt.Errorf("failed to encode progress: %w", err)
	}
	var config []byte
	if session.Config != nil {
		if config, err = json.Marshal(session.Config); err != nil {
			return SessionModel{}, nil, fmt.Errorf("failed to encode config: %w", err)
		}
	}

	sm := SessionModel{
		ID:        session.ID,
		Root:      session.Root,
		State:     string(session.State),
		Images:    string(images),
		Config:    string(config),
		Progress:  string(progress),
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
	}

	var results []ImageResultModel
	if session.Annotations != nil {
		for pos, ref := range session.Annotations.Images {
			r, ok := session.Annotations.Results[ref]
			if !ok {
				continue
			}
			dets, err := json.Marshal(r.Detections)
			if err != nil {
				return SessionModel{}, nil, fmt.Errorf("failed to encode detections for %s: %w", ref, err)
			}
			results = append(results, ImageResultModel{
				SessionID:  session.ID,
				ImageRef:   ref,
				Position:   pos,
				Width:      r.Size.Width,
				Height:     r.Size.Height,
				Detections: string(dets),
				Error:      r.Error,
			})
		}
	}
	return sm, results, nil
}

func modelsToSession(sm SessionModel, results []ImageResultModel) (models.Session, error) {
	session := models.Session{
		ID:        sm.ID,
		Root:      sm.Root,
		State:     models.SessionState(sm.State),
		CreatedAt: sm.CreatedAt,
		UpdatedAt: sm.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(sm.Images), &session.Images); err != nil {
		return models.Session{}, fmt.Errorf("failed to decode images of %s: %w", sm.ID, err)
	}
	if err := json.Unmarshal([]byte(sm.Progress), &session.Progress); err != nil {
		return models.Session{}, fmt.Errorf("failed to decode progress of %s: %w", sm.ID, err)
	}
	if sm.Config != "" {
		var cfg models.RunConfig
		if err := json.Unmarshal([]byte(sm.Config), &cfg); err != nil {
			return models.Session{}, fmt.Errorf("failed to decode config of %s: %w", sm.ID, err)
		}
		session.Config = &cfg
	}

	if session.Config != nil {
		set := models.NewAnnotationSet(session.ImageRefs())
		for _, r := range results {
			var dets []models.Detection
			if err := json.Unmarshal([]byte(r.Detections), &dets); err != nil {
				return models.Session{}, fmt.Errorf("failed to decode detections of %s/%s: %w", sm.ID, r.ImageRef, err)
			}
			if !set.Has(r.ImageRef) {
				continue
			}
			set.Results[r.ImageRef] = &models.ImageAnnotations{
				Ref:        r.ImageRef,
				Size:       models.ImageSize{Width: r.Width, Height: r.Height},
				Detections: dets,
				Error:      r.Error,
			}
		}
		session.Annotations = set
	}
	return session, nil
}
