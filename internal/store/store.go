// Package store provides the narrow interface to the external AppRecord
// store: the persistence layer holding each generated app's data records.
package store

import (
	"context"
	"sync"
)

// Record is one JSON data record owned by a generated app. Records carry
// an "id" field; all other fields are app-defined.
type Record map[string]any

// ID returns the record's id field, if present.
func (r Record) ID() (string, bool) {
	id, ok := r["id"].(string)
	return id, ok
}

// clone returns a shallow copy so callers cannot mutate stored state.
func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Store is the AppRecord store contract. The real store lives outside this
// system; this interface is everything the runtime needs from it.
type Store interface {
	// List returns the current record list for an app.
	List(ctx context.Context, appID string) ([]Record, error)
	// Replace swaps the app's record list wholesale.
	Replace(ctx context.Context, appID string, records []Record) error
}

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]Record)}
}

// List returns a copy of the app's records.
func (m *Memory) List(_ context.Context, appID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.records[appID]
	out := make([]Record, len(stored))
	for i, r := range stored {
		out[i] = r.clone()
	}
	return out, nil
}

// Replace swaps the app's record list.
func (m *Memory) Replace(_ context.Context, appID string, records []Record) error {
	copied := make([]Record, len(records))
	for i, r := range records {
		copied[i] = r.clone()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[appID] = copied
	return nil
}
