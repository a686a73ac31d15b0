package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

const (
	// WAL lets status reads proceed while a finished run is being written.
	archiveDSNOptions = "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	busyAttempts      = 3
	busyBackoff       = 50 * time.Millisecond
	slowQuery         = 200 * time.Millisecond
	resultBatchSize   = 100
)

// SQLiteArchive keeps finished sessions and their annotation sets on disk so
// they survive a restart.
type SQLiteArchive struct {
	db *gorm.DB
}

var _ Archive = (*SQLiteArchive)(nil)

// queryLog sends GORM's messages to slog under the "archive" component.
type queryLog struct {
	level logger.LogLevel
	log   *slog.Logger
}

func newQueryLog(verbose bool) *queryLog {
	level := logger.Warn
	if verbose {
		level = logger.Info
	}
	return &queryLog{level: level, log: slog.Default().With("component", "archive")}
}

func (q *queryLog) LogMode(level logger.LogLevel) logger.Interface {
	return &queryLog{level: level, log: q.log}
}

func (q *queryLog) Info(ctx context.Context, msg string, data ...any) {
	if q.level >= logger.Info {
		q.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (q *queryLog) Warn(ctx context.Context, msg string, data ...any) {
	if q.level >= logger.Warn {
		q.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (q *queryLog) Error(ctx context.Context, msg string, data ...any) {
	if q.level >= logger.Error {
		q.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (q *queryLog) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level < logger.Warn {
		return
	}
	took := time.Since(begin)
	statement, rows := fc()

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		q.log.ErrorContext(ctx, "Archive query failed", "err", err, "took", took, "sql", statement)
		return
	}
	if took > slowQuery {
		q.log.WarnContext(ctx, "Slow archive query", "took", took, "sql", statement, "rows", rows)
		return
	}
	if q.level >= logger.Info {
		q.log.DebugContext(ctx, "Archive query", "took", took, "sql", statement, "rows", rows)
	}
}

func NewSQLiteArchive(dbPath string, verbose bool) (*SQLiteArchive, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath+archiveDSNOptions), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  newQueryLog(verbose),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session database %s: %w", dbPath, err)
	}

	if err := db.AutoMigrate(&SessionModel{}, &ImageResultModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}

	// One writer at a time; the store serializes per session anyway.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return &SQLiteArchive{db: db}, nil
}

func (a *SQLiteArchive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSession writes the session row and replaces every image result it owns.
func (a *SQLiteArchive) SaveSession(ctx context.Context, session models.Session) error {
	sm, results, err := sessionToModels(session)
	if err != nil {
		return err
	}

	return retryBusy(ctx, func() error {
		return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&sm).Error; err != nil {
				return fmt.Errorf("failed to save session %s: %w", session.ID, err)
			}
			if err := tx.Where("session_id = ?", session.ID).Delete(&ImageResultModel{}).Error; err != nil {
				return fmt.Errorf("failed to clear results of %s: %w", session.ID, err)
			}
			if len(results) == 0 {
				return nil
			}
			if err := tx.CreateInBatches(&results, resultBatchSize).Error; err != nil {
				return fmt.Errorf("failed to save results of %s: %w", session.ID, err)
			}
			return nil
		})
	})
}

// LoadSessions returns every archived session, oldest first.
func (a *SQLiteArchive) LoadSessions(ctx context.Context) ([]models.Session, error) {
	var sessionRows []SessionModel
	var resultRows []ImageResultModel

	err := retryBusy(ctx, func() error {
		return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Order("created_at").Find(&sessionRows).Error; err != nil {
				return err
			}
			return tx.Order("session_id, position").Find(&resultRows).Error
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	bySession := make(map[string][]ImageResultModel)
	for _, r := range resultRows {
		bySession[r.SessionID] = append(bySession[r.SessionID], r)
	}

	sessions := make([]models.Session, 0, len(sessionRows))
	for _, sm := range sessionRows {
		session, err := modelsToSession(sm, bySession[sm.ID])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (a *SQLiteArchive) DeleteSession(ctx context.Context, sessionID string) error {
	return retryBusy(ctx, func() error {
		return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("session_id = ?", sessionID).Delete(&ImageResultModel{}).Error; err != nil {
				return err
			}
			return tx.Where("id = ?", sessionID).Delete(&SessionModel{}).Error
		})
	})
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// retryBusy runs fn up to busyAttempts times while SQLite reports contention,
// backing off linearly. Other errors are returned at once.
func retryBusy(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		if attempt == busyAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * busyBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("database still busy after %d attempts: %w", busyAttempts, err)
}
