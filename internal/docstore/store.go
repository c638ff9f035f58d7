// Package docstore is the document persistence boundary used by the
// repositories: collections of JSON documents with get, query, add,
// top-level update and delete.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("document not found")

// Store is implemented by every backend. Update replaces the given top-level
// fields and leaves the others untouched.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Query(ctx context.Context, collection string, filters []Filter, order *Order) ([]Document, error)
	Add(ctx context.Context, collection string, doc any) (string, error)
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Close() error
}

type Document struct {
	ID   string
	Data map[string]any
}

// Decode unmarshals the document into out. The document id is available
// under the "id" key.
func (d *Document) Decode(out any) error {
	data := make(map[string]any, len(d.Data)+1)
	for k, v := range d.Data {
		data[k] = v
	}
	data["id"] = d.ID
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// Filter matches documents whose top-level Field equals Value.
type Filter struct {
	Field string
	Value any
}

func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

type Order struct {
	Field string
	Desc  bool
}

// toMap normalizes any JSON-encodable value into a generic map so that all
// backends see the same representation (uuid and time values become strings).
func toMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		out := map[string]any{}
		return out, json.Unmarshal(raw, &out)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("document must encode to a JSON object: %w", err)
	}
	return out, nil
}

func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func filterMap(filters []Filter) map[string]any {
	m := make(map[string]any, len(filters))
	for _, f := range filters {
		m[f.Field] = normalize(f.Value)
	}
	return m
}

func matches(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		got, ok := data[f.Field]
		if !ok {
			return false
		}
		a, err1 := json.Marshal(got)
		b, err2 := json.Marshal(normalize(f.Value))
		if err1 != nil || err2 != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

// sortDocuments orders docs in place by a top-level field. Documents missing
// the field sort first. The sort is stable so creation order breaks ties.
func sortDocuments(docs []Document, order *Order) {
	if order == nil || order.Field == "" {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareValues(docs[i].Data[order.Field], docs[j].Data[order.Field])
		if order.Desc {
			return c > 0
		}
		return c < 0
	})
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			// RFC 3339 text drops trailing zero fractions, so timestamps
			// only order correctly as instants.
			if at, err := time.Parse(time.RFC3339Nano, av); err == nil {
				if bt, err := time.Parse(time.RFC3339Nano, bv); err == nil {
					return at.Compare(bt)
				}
			}
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	return bytes.Compare(ra, rb)
}

func validateName(collection string) error {
	if collection == "" {
		return errors.New("collection name is required")
	}
	return nil
}
