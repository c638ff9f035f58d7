package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"companion-backend/internal/docstore"
	"companion-backend/internal/models"
)

const sessionsCollection = "sessions"

type SessionRepo struct {
	store docstore.Store
}

func NewSessionRepo(store docstore.Store) *SessionRepo {
	return &SessionRepo{store: store}
}

// FindByModule returns the session on record for (user, companion, module),
// or nil when none exists yet.
func (r *SessionRepo) FindByModule(ctx context.Context, userID uuid.UUID, companionID string, moduleID int) (*models.Session, error) {
	docs, err := r.store.Query(ctx, sessionsCollection, []docstore.Filter{
		docstore.Where("user_id", userID),
		docstore.Where("companion_id", companionID),
		docstore.Where("module_id", moduleID),
	}, &docstore.Order{Field: "last_accessed_at", Desc: true})
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var s models.Session
	if err := docs[0].Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	doc, err := r.store.Get(ctx, sessionsCollection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var s models.Session
	if err := doc.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepo) Create(ctx context.Context, s *models.Session) error {
	now := time.Now().UTC()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if s.LastAccessedAt.IsZero() {
		s.LastAccessedAt = now
	}
	if s.Transcript == nil {
		s.Transcript = []models.Message{}
	}
	id, err := r.store.Add(ctx, sessionsCollection, s)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	s.ID = id
	return nil
}

// Touch refreshes last_accessed_at on resume.
func (r *SessionRepo) Touch(ctx context.Context, id string, at time.Time) error {
	return r.UpdateFields(ctx, id, map[string]any{"last_accessed_at": at.UTC()})
}

// UpdateFields replaces the given top-level fields of a session document.
func (r *SessionRepo) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	if err := r.store.Update(ctx, sessionsCollection, id, fields); err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return nil
}

func (r *SessionRepo) ListByCompanion(ctx context.Context, userID uuid.UUID, companionID string) ([]models.Session, error) {
	docs, err := r.store.Query(ctx, sessionsCollection, []docstore.Filter{
		docstore.Where("user_id", userID),
		docstore.Where("companion_id", companionID),
	}, &docstore.Order{Field: "module_id"})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]models.Session, 0, len(docs))
	for _, doc := range docs {
		var s models.Session
		if err := doc.Decode(&s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}
