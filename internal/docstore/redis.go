package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxUpdateAttempts = 5

// Redis keeps each document as a JSON string under doc:{collection}:{id}
// and indexes the collection in a sorted set scored by creation time.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func docKey(collection, id string) string {
	return fmt.Sprintf("doc:%s:%s", collection, id)
}

func indexKey(collection string) string {
	return fmt.Sprintf("docs:%s", collection)
}

func (r *Redis) Get(ctx context.Context, collection, id string) (*Document, error) {
	raw, err := r.client.Get(ctx, docKey(collection, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return decodeEntry(id, raw)
}

func (r *Redis) Query(ctx context.Context, collection string, filters []Filter, order *Order) ([]Document, error) {
	ids, err := r.client.ZRange(ctx, indexKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	var docs []Document
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// index entry outlived its document
			continue
		}
		doc, err := decodeEntry(ids[i], []byte(s))
		if err != nil {
			return nil, err
		}
		if matches(doc.Data, filters) {
			docs = append(docs, *doc)
		}
	}
	sortDocuments(docs, order)
	return docs, nil
}

func (r *Redis) Add(ctx context.Context, collection string, doc any) (string, error) {
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
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, docKey(collection, id), raw, 0)
		pipe.ZAdd(ctx, indexKey(collection), redis.Z{
			Score:  float64(time.Now().UnixNano()),
			Member: id,
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	return id, nil
}

func (r *Redis) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	patch, err := toMap(fields)
	if err != nil {
		return err
	}
	delete(patch, "id")
	key := docKey(collection, id)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		current := map[string]any{}
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decode document %s: %w", id, err)
		}
		for k, v := range patch {
			current[k] = v
		}
		updated, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("update %s/%s: %w", collection, id, err)
		}
		return err
	}
	return fmt.Errorf("update %s/%s: too many concurrent writers", collection, id)
}

func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, docKey(collection, id))
		pipe.ZRem(ctx, indexKey(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
