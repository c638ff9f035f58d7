package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores documents as JSONB rows in the documents table
// (see migrations/001_documents.sql).
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (*Document, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return decodeEntry(id, raw)
}

func (p *Postgres) Query(ctx context.Context, collection string, filters []Filter, order *Order) ([]Document, error) {
	query := `SELECT id, data FROM documents WHERE collection = $1`
	args := []any{collection}

	if len(filters) > 0 {
		containment, err := json.Marshal(filterMap(filters))
		if err != nil {
			return nil, fmt.Errorf("encode filters: %w", err)
		}
		args = append(args, string(containment))
		query += fmt.Sprintf(` AND data @> $%d::jsonb`, len(args))
	}

	if order != nil && order.Field != "" {
		args = append(args, order.Field)
		direction := "ASC NULLS FIRST"
		if order.Desc {
			direction = "DESC NULLS LAST"
		}
		query += fmt.Sprintf(` ORDER BY data->($%d::text) %s, seq ASC`, len(args), direction)
	} else {
		query += ` ORDER BY seq ASC`
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		doc, err := decodeEntry(id, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// jsonb orders timestamps as text; settle them as instants.
	sortDocuments(docs, order)
	return docs, nil
}

func (p *Postgres) Add(ctx context.Context, collection string, doc any) (string, error) {
	if err := validateName(collection); err != nil {
		return "", err
	}
	data, err := toMap(doc)
	if err != nil {
		return "", err
	}
	delete(data, "id")
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err = p.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)`,
		collection, id, string(raw),
	)
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	return id, nil
}

func (p *Postgres) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	patch, err := toMap(fields)
	if err != nil {
		return err
	}
	delete(patch, "id")
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = NOW()
		 WHERE collection = $1 AND id = $2`,
		collection, id, string(raw),
	)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
