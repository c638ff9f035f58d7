package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type note struct {
	ID       string `json:"id,omitempty"`
	Owner    string `json:"owner"`
	ModuleID int    `json:"module_id"`
	Body     string `json:"body"`
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "docs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestStore_AddGetUpdateDelete(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := store.Add(ctx, "notes", note{Owner: "u1", ModuleID: 1, Body: "hello"})
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			if id == "" {
				t.Fatalf("expected generated id")
			}

			doc, err := store.Get(ctx, "notes", id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			var got note
			if err := doc.Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.ID != id || got.Body != "hello" || got.ModuleID != 1 {
				t.Fatalf("unexpected document: %+v", got)
			}

			if err := store.Update(ctx, "notes", id, map[string]any{"body": "bye"}); err != nil {
				t.Fatalf("update: %v", err)
			}
			doc, _ = store.Get(ctx, "notes", id)
			doc.Decode(&got)
			if got.Body != "bye" {
				t.Fatalf("expected body to be replaced, got %q", got.Body)
			}
			if got.Owner != "u1" {
				t.Fatalf("expected untouched field to survive update, got %q", got.Owner)
			}

			if err := store.Delete(ctx, "notes", id); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Get(ctx, "notes", id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestStore_MissingDocuments(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Get(ctx, "notes", "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("get: expected ErrNotFound, got %v", err)
			}
			if err := store.Update(ctx, "notes", "nope", map[string]any{"body": "x"}); !errors.Is(err, ErrNotFound) {
				t.Errorf("update: expected ErrNotFound, got %v", err)
			}
			if err := store.Delete(ctx, "notes", "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("delete: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_QueryFiltersAndOrder(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, n := range []note{
				{Owner: "u1", ModuleID: 3, Body: "c"},
				{Owner: "u2", ModuleID: 1, Body: "other"},
				{Owner: "u1", ModuleID: 1, Body: "a"},
				{Owner: "u1", ModuleID: 2, Body: "b"},
			} {
				if _, err := store.Add(ctx, "notes", n); err != nil {
					t.Fatalf("add: %v", err)
				}
			}

			docs, err := store.Query(ctx, "notes", []Filter{Where("owner", "u1")}, &Order{Field: "module_id"})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(docs) != 3 {
				t.Fatalf("expected 3 documents, got %d", len(docs))
			}
			for i, want := range []string{"a", "b", "c"} {
				var n note
				docs[i].Decode(&n)
				if n.Body != want {
					t.Errorf("position %d: expected %q, got %q", i, want, n.Body)
				}
			}

			docs, _ = store.Query(ctx, "notes", []Filter{Where("owner", "u1"), Where("module_id", 2)}, nil)
			if len(docs) != 1 {
				t.Fatalf("expected 1 document for compound filter, got %d", len(docs))
			}

			docs, _ = store.Query(ctx, "notes", nil, &Order{Field: "module_id", Desc: true})
			var first note
			docs[0].Decode(&first)
			if first.ModuleID != 3 {
				t.Errorf("expected descending order to start with module 3, got %d", first.ModuleID)
			}

			docs, _ = store.Query(ctx, "empty", nil, nil)
			if len(docs) != 0 {
				t.Errorf("expected empty collection, got %d documents", len(docs))
			}
		})
	}
}

func TestStore_QueryDefaultsToCreationOrder(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for _, body := range []string{"first", "second", "third"} {
				id, _ := store.Add(ctx, "notes", note{Owner: "u1", Body: body})
				ids = append(ids, id)
			}
			docs, err := store.Query(ctx, "notes", nil, nil)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			for i := range ids {
				if docs[i].ID != ids[i] {
					t.Errorf("position %d: expected %s, got %s", i, ids[i], docs[i].ID)
				}
			}
		})
	}
}

func TestStore_QueryOrdersTimestamps(t *testing.T) {
	type visit struct {
		Owner      string    `json:"owner"`
		AccessedAt time.Time `json:"accessed_at"`
	}
	whole := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	half := whole.Add(500 * time.Millisecond)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older, err := store.Add(ctx, "visits", visit{Owner: "u1", AccessedAt: whole})
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			newer, err := store.Add(ctx, "visits", visit{Owner: "u1", AccessedAt: half})
			if err != nil {
				t.Fatalf("add: %v", err)
			}

			docs, err := store.Query(ctx, "visits", []Filter{Where("owner", "u1")}, &Order{Field: "accessed_at", Desc: true})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(docs) != 2 || docs[0].ID != newer || docs[1].ID != older {
				t.Fatalf("expected newest visit first, got %+v", docs)
			}
		})
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"numbers", 1.0, 2.0, -1},
		{"equal numbers", 2.0, 2.0, 0},
		{"strings", "b", "a", 1},
		{"nil first", nil, "a", -1},
		{"bools", false, true, -1},
		{"timestamps by instant", "2024-05-01T10:00:05Z", "2024-05-01T10:00:05.5Z", -1},
		{"timestamps across zones", "2024-05-01T12:00:00+02:00", "2024-05-01T10:00:00Z", 0},
		{"timestamp against text", "2024-05-01T10:00:05Z", "zzz", -1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := compareValues(tc.a, tc.b); got != tc.want {
				t.Errorf("compareValues(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
		})
	}
}
