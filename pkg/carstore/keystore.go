package carstore

// AssociationRecord is the persisted record created when AssociationSM
// completes: it exists if and only if the car is
// associated.
type AssociationRecord struct {
	CarID           string
	Name            string
	SessionBlob     []byte
	AuthKey         [32]byte
	SecurityVersion int
}

// KeyStore is the contract for persisted association state: get by id,
// put, delete, list ids.
type KeyStore interface {
	Get(carID string) (AssociationRecord, bool, error)
	Put(rec AssociationRecord) error
	Delete(carID string) error
	ListIDs() ([]string, error)
}

// MemoryKeyStore is an in-memory KeyStore, used in tests and as the
// default store for any car not explicitly persisted to disk.
type MemoryKeyStore struct {
	table *Table[AssociationRecord]
}

// NewMemoryKeyStore returns an empty MemoryKeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{table: NewTable[AssociationRecord]()}
}

func (m *MemoryKeyStore) Get(carID string) (AssociationRecord, bool, error) {
	rec, ok := m.table.Get(carID)
	return rec, ok, nil
}

func (m *MemoryKeyStore) Put(rec AssociationRecord) error {
	m.table.Put(rec.CarID, rec)
	return nil
}

func (m *MemoryKeyStore) Delete(carID string) error {
	m.table.Delete(carID)
	return nil
}

func (m *MemoryKeyStore) ListIDs() ([]string, error) {
	return m.table.ListIDs(), nil
}

var _ KeyStore = (*MemoryKeyStore)(nil)
