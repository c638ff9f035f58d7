package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryEntry struct {
	seq  int64
	data []byte
}

// Memory is an in-process Store used by tests and STORE_TYPE=memory.
type Memory struct {
	mu    sync.RWMutex
	seq   int64
	colls map[string]map[string]memoryEntry
}

func NewMemory() *Memory {
	return &Memory{colls: make(map[string]map[string]memoryEntry)}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.colls[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeEntry(id, entry.data)
}

func (m *Memory) Query(ctx context.Context, collection string, filters []Filter, order *Order) ([]Document, error) {
	m.mu.RLock()
	type row struct {
		id    string
		entry memoryEntry
	}
	rows := make([]row, 0, len(m.colls[collection]))
	for id, e := range m.colls[collection] {
		rows = append(rows, row{id, e})
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].entry.seq < rows[j].entry.seq })

	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		doc, err := decodeEntry(r.id, r.entry.data)
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

func (m *Memory) Add(ctx context.Context, collection string, doc any) (string, error) {
	if err := validateName(collection); err != nil {
		return "", err
	}
	data, err := toMap(doc)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	delete(data, "id")
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.colls[collection] == nil {
		m.colls[collection] = make(map[string]memoryEntry)
	}
	m.seq++
	m.colls[collection][id] = memoryEntry{seq: m.seq, data: raw}
	return id, nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	patch, err := toMap(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.colls[collection][id]
	if !ok {
		return ErrNotFound
	}
	current := map[string]any{}
	if err := json.Unmarshal(entry.data, &current); err != nil {
		return fmt.Errorf("decode document %s: %w", id, err)
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		current[k] = v
	}
	raw, err := json.Marshal(current)
	if err != nil {
		return err
	}
	entry.data = raw
	m.colls[collection][id] = entry
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.colls[collection][id]; !ok {
		return ErrNotFound
	}
	delete(m.colls[collection], id)
	return nil
}

func (m *Memory) Close() error { return nil }

func decodeEntry(id string, raw []byte) (*Document, error) {
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return &Document{ID: id, Data: data}, nil
}
