// Package carstore provides the persisted-state contracts for per-car
// association records, unlock history and trusted-device enrollment,
// each behind a narrow interface so AssociationSM/ReconnectionSM/
// TrustedDeviceFeature never know whether they are backed by memory or
// a JSON file store.
package carstore

import (
	"sort"
	"sync"
)

// Table is a concurrency-safe map keyed by car id: a mutex-guarded
// index of per-entity records with get/put/delete/list operations,
// generic over the record type.
type Table[V any] struct {
	mu      sync.RWMutex
	records map[string]V
}

// NewTable returns an empty Table.
func NewTable[V any]() *Table[V] {
	return &Table[V]{records: make(map[string]V)}
}

// Get returns the record stored under id, if any.
func (t *Table[V]) Get(id string) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.records[id]
	return v, ok
}

// Put stores (or replaces) the record under id.
func (t *Table[V]) Put(id string, v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[id] = v
}

// Delete removes the record stored under id, if any.
func (t *Table[V]) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// ListIDs returns every key currently stored, sorted for deterministic
// iteration.
func (t *Table[V]) ListIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Update atomically reads, mutates and writes back the record under id.
// fn receives the zero value and false if no record exists yet.
func (t *Table[V]) Update(id string, fn func(V, bool) V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.records[id]
	t.records[id] = fn(v, ok)
}
