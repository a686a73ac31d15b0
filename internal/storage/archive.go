package storage

import (
	"context"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

// Archive keeps a durable copy of sessions so finished annotation sets can
// still be exported after a restart.
type Archive interface {
	SaveSession(ctx context.Context, session models.Session) error
	LoadSessions(ctx context.Context) ([]models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}
