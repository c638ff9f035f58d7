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

const companionsCollection = "companions"

type CompanionRepo struct {
	store docstore.Store
}

func NewCompanionRepo(store docstore.Store) *CompanionRepo {
	return &CompanionRepo{store: store}
}

func (r *CompanionRepo) Create(ctx context.Context, c *models.Companion) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	id, err := r.store.Add(ctx, companionsCollection, c)
	if err != nil {
		return fmt.Errorf("create companion: %w", err)
	}
	c.ID = id
	return nil
}

func (r *CompanionRepo) GetByID(ctx context.Context, id string) (*models.Companion, error) {
	doc, err := r.store.Get(ctx, companionsCollection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var c models.Companion
	if err := doc.Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CompanionRepo) ListByCreator(ctx context.Context, userID uuid.UUID) ([]models.Companion, error) {
	docs, err := r.store.Query(ctx, companionsCollection, []docstore.Filter{
		docstore.Where("created_by", userID),
	}, &docstore.Order{Field: "created_at", Desc: true})
	if err != nil {
		return nil, fmt.Errorf("list companions: %w", err)
	}
	out := make([]models.Companion, 0, len(docs))
	for _, doc := range docs {
		var c models.Companion
		if err := doc.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
