package carstore

import "time"

// UnlockRecord is a single append-only unlock history entry.
type UnlockRecord struct {
	CarID     string
	Timestamp time.Time
}

// HistoryStore is the per-car unlock history contract: append, list in
// arrival order, and clear (on dissociation or when the history-enabled
// config flag transitions to disabled).
type HistoryStore interface {
	Append(rec UnlockRecord) error
	List(carID string) ([]UnlockRecord, error)
	Clear(carID string) error
}

// MemoryHistoryStore is an in-memory HistoryStore.
type MemoryHistoryStore struct {
	table *Table[[]UnlockRecord]
}

// NewMemoryHistoryStore returns an empty MemoryHistoryStore.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{table: NewTable[[]UnlockRecord]()}
}

func (m *MemoryHistoryStore) Append(rec UnlockRecord) error {
	m.table.Update(rec.CarID, func(existing []UnlockRecord, _ bool) []UnlockRecord {
		return append(existing, rec)
	})
	return nil
}

func (m *MemoryHistoryStore) List(carID string) ([]UnlockRecord, error) {
	recs, _ := m.table.Get(carID)
	out := make([]UnlockRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *MemoryHistoryStore) Clear(carID string) error {
	m.table.Delete(carID)
	return nil
}

var _ HistoryStore = (*MemoryHistoryStore)(nil)
