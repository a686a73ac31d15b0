package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

// entry guards a single session. The store mutex only protects membership.
type entry struct {
	mu      sync.RWMutex
	session models.Session
}

type SessionStore struct {
	sessions map[string]*entry
	mu       sync.RWMutex
	archive  Archive
	now      func() time.Time
}

func New() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*entry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithArchive makes the store persist every lifecycle change to a.
func (s *SessionStore) WithArchive(a Archive) *SessionStore {
	s.archive = a
	return s
}

// Restore loads sessions from the archive. Runs that were in flight when the
// process stopped are marked failed.
func (s *SessionStore) Restore(ctx context.Context) (int, error) {
	if s.archive == nil {
		return 0, nil
	}
	sessions, err := s.archive.LoadSessions(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range sessions {
		if session.State == models.SessionRunning || session.State == models.SessionConfigured {
			session.State = models.SessionFailed
			session.Progress.Status = models.StatusError
			session.Progress.Message = "run interrupted by server restart"
		}
		s.sessions[session.ID] = &entry{session: session}
	}
	return len(sessions), nil
}

func (s *SessionStore) Create(session models.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	session.UpdatedAt = session.CreatedAt
	session.State = models.SessionCreated
	session.Progress = models.ProgressState{Status: models.StatusQueued, TotalCount: len(session.Images)}

	s.mu.Lock()
	if _, exists := s.sessions[session.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrSessionExists, session.ID)
	}
	s.sessions[session.ID] = &entry{session: session}
	s.mu.Unlock()

	s.persist(session)
	return nil
}

func (s *SessionStore) lookup(sessionID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, exists := s.sessions[sessionID]
	return e, exists
}

// Get returns a deep copy of the session.
func (s *SessionStore) Get(sessionID string) (models.Session, bool) {
	e, exists := s.lookup(sessionID)
	if !exists {
		return models.Session{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.Clone(), true
}

func (s *SessionStore) Progress(sessionID string) (models.ProgressState, bool) {
	e, exists := s.lookup(sessionID)
	if !exists {
		return models.ProgressState{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.Progress, true
}

// Annotations returns a copy of the current annotation set, which may be
// partial while a run is in flight or after it failed.
func (s *SessionStore) Annotations(sessionID string) (*models.AnnotationSet, bool) {
	e, exists := s.lookup(sessionID)
	if !exists {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.Annotations.Clone(), true
}

// GetAll returns snapshots ordered by creation time.
func (s *SessionStore) GetAll() []models.Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	result := make([]models.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		result = append(result, e.session.Clone())
		e.mu.RUnlock()
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Delete removes a session. Sessions with a run in flight are kept.
func (s *SessionStore) Delete(sessionID string) error {
	s.mu.Lock()
	e, exists := s.sessions[sessionID]
	if !exists {
		s.mu.Unlock()
		return models.ErrSessionNotFound
	}
	e.mu.RLock()
	running := e.session.State == models.SessionRunning
	e.mu.RUnlock()
	if running {
		s.mu.Unlock()
		return models.ErrRunInProgress
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.DeleteSession(context.Background(), sessionID); err != nil {
			slog.Error("Unable to delete archived session", "session", sessionID, "err", err)
		}
	}
	return nil
}

// BeginRun moves the session through configured into running, installs the
// run config and resets progress and annotations.
func (s *SessionStore) BeginRun(sessionID string, cfg models.RunConfig) (models.Session, error) {
	e, exists := s.lookup(sessionID)
	if !exists {
		return models.Session{}, models.ErrSessionNotFound
	}

	e.mu.Lock()
	if e.session.State == models.SessionRunning {
		e.mu.Unlock()
		return models.Session{}, models.ErrRunInProgress
	}
	if err := transition(&e.session, models.SessionConfigured); err != nil {
		e.mu.Unlock()
		return models.Session{}, err
	}
	snapshot := cfg.Clone()
	e.session.Config = &snapshot
	if err := transition(&e.session, models.SessionRunning); err != nil {
		e.mu.Unlock()
		return models.Session{}, err
	}

	now := s.now()
	e.session.Progress = models.ProgressState{
		Status:     models.StatusProcessing,
		TotalCount: len(e.session.Images),
		StartedAt:  &now,
	}
	e.session.Annotations = models.NewAnnotationSet(e.session.ImageRefs())
	e.session.UpdatedAt = now
	out := e.session.Clone()
	e.mu.Unlock()

	s.persist(out)
	return out, nil
}

// RecordImage stores the result for one image and advances the processed
// count. Results for images outside the session are rejected.
func (s *SessionStore) RecordImage(sessionID string, result models.ImageAnnotations) (models.ProgressState, error) {
	e, exists := s.lookup(sessionID)
	if !exists {
		return models.ProgressState{}, models.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State != models.SessionRunning || e.session.Annotations == nil {
		return models.ProgressState{}, models.ErrNoActiveRun
	}
	set := e.session.Annotations
	if !set.Has(result.Ref) {
		return models.ProgressState{}, fmt.Errorf("%w: %s", models.ErrUnknownImage, result.Ref)
	}

	previous, seen := set.Results[result.Ref]
	stored := result
	stored.Detections = append([]models.Detection(nil), result.Detections...)
	set.Results[result.Ref] = &stored

	p := &e.session.Progress
	if seen {
		p.TotalDetections -= len(previous.Detections)
		if previous.Error != "" {
			p.FailedImages--
		}
	} else if p.ProcessedCount < p.TotalCount {
		p.ProcessedCount++
	}
	p.TotalDetections += len(stored.Detections)
	if stored.Error != "" {
		p.FailedImages++
	}
	p.CurrentImage = result.Ref
	e.session.UpdatedAt = s.now()

	return *p, nil
}

// Finish ends the active run with the given progress status. The
// annotation set keeps whatever was recorded so far.
func (s *SessionStore) Finish(sessionID string, status models.ProgressStatus, message string) (models.ProgressState, error) {
	e, exists := s.lookup(sessionID)
	if !exists {
		return models.ProgressState{}, models.ErrSessionNotFound
	}

	var next models.SessionState
	switch status {
	case models.StatusCompleted:
		next = models.SessionCompleted
	case models.StatusError:
		next = models.SessionFailed
	case models.StatusCancelled:
		next = models.SessionCancelled
	default:
		return models.ProgressState{}, fmt.Errorf("%w: cannot finish with status %s", models.ErrInvalidTransition, status)
	}

	e.mu.Lock()
	if err := transition(&e.session, next); err != nil {
		e.mu.Unlock()
		return models.ProgressState{}, err
	}
	now := s.now()
	e.session.Progress.Status = status
	e.session.Progress.Message = message
	e.session.Progress.CurrentImage = ""
	e.session.Progress.FinishedAt = &now
	e.session.UpdatedAt = now
	out := e.session.Clone()
	e.mu.Unlock()

	s.persist(out)
	return out.Progress, nil
}

func (s *SessionStore) persist(session models.Session) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SaveSession(context.Background(), session); err != nil {
		slog.Error("Unable to archive session", "session", session.ID, "state", session.State, "err", err)
	}
}

var validTransitions = map[models.SessionState][]models.SessionState{
	models.SessionCreated:    {models.SessionConfigured},
	models.SessionConfigured: {models.SessionRunning},
	models.SessionRunning:    {models.SessionCompleted, models.SessionFailed, models.SessionCancelled},
	models.SessionCompleted:  {models.SessionConfigured},
	models.SessionFailed:     {models.SessionConfigured},
	models.SessionCancelled:  {models.SessionConfigured},
}

func transition(session *models.Session, next models.SessionState) error {
	for _, allowed := range validTransitions[session.State] {
		if allowed == next {
			session.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, session.State, next)
}
