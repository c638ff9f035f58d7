package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"companion-backend/internal/docstore"
	"companion-backend/internal/models"
)

const progressCollection = "progress"

type ProgressRepo struct {
	store docstore.Store
}

func NewProgressRepo(store docstore.Store) *ProgressRepo {
	return &ProgressRepo{store: store}
}

// Get returns the progress document for (user, companion), or nil if the
// user has not left or completed any module yet.
func (r *ProgressRepo) Get(ctx context.Context, userID uuid.UUID, companionID string) (*models.Progress, error) {
	docs, err := r.store.Query(ctx, progressCollection, []docstore.Filter{
		docstore.Where("user_id", userID),
		docstore.Where("companion_id", companionID),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var p models.Progress
	if err := docs[0].Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save writes the whole modules array. The document is created on first save.
func (r *ProgressRepo) Save(ctx context.Context, p *models.Progress) error {
	p.UpdatedAt = time.Now().UTC()
	if p.Modules == nil {
		p.Modules = []models.ModuleProgress{}
	}
	if p.ID == "" {
		id, err := r.store.Add(ctx, progressCollection, p)
		if err != nil {
			return fmt.Errorf("create progress: %w", err)
		}
		p.ID = id
		return nil
	}
	err := r.store.Update(ctx, progressCollection, p.ID, map[string]any{
		"modules":    p.Modules,
		"updated_at": p.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("update progress %s: %w", p.ID, err)
	}
	return nil
}
