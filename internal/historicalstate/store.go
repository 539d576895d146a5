package historicalstate

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/evokitimpal/timpal/internal/timpalerrors"
)

// Store is the cold-storage backend a Log writes through to and reads
// back from on a cache miss, grounded on historical_state.py's
// data_dir-based disk persistence (_persist_height_to_disk /
// _load_height_from_disk) — generalized to an interface so the same Log
// works over an in-memory store in tests and a bbolt store in a running
// node.
type Store interface {
	Put(height int64, record *HistoricalStateRecord, frame *ValidatorStateFrame, epochSnapshot *EpochSnapshot) error
	Get(height int64) (*HistoricalStateRecord, *ValidatorStateFrame, *EpochSnapshot, bool, error)
	DeleteAbove(height int64) (int, error)
}

type storedEntry struct {
	Record        *HistoricalStateRecord `json:"record"`
	Frame         *ValidatorStateFrame   `json:"frame"`
	EpochSnapshot *EpochSnapshot         `json:"epoch_snapshot,omitempty"`
}

// MemoryStore is a reference Store backed by a plain map, used in tests
// and for nodes that don't need cross-restart history persistence.
type MemoryStore struct {
	entries map[int64]storedEntry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]storedEntry)}
}

func (m *MemoryStore) Put(height int64, record *HistoricalStateRecord, frame *ValidatorStateFrame, epochSnapshot *EpochSnapshot) error {
	m.entries[height] = storedEntry{Record: record, Frame: frame, EpochSnapshot: epochSnapshot}
	return nil
}

func (m *MemoryStore) Get(height int64) (*HistoricalStateRecord, *ValidatorStateFrame, *EpochSnapshot, bool, error) {
	e, ok := m.entries[height]
	if !ok {
		return nil, nil, nil, false, nil
	}
	return e.Record, e.Frame, e.EpochSnapshot, true, nil
}

func (m *MemoryStore) DeleteAbove(height int64) (int, error) {
	removed := 0
	for h := range m.entries {
		if h > height {
			delete(m.entries, h)
			removed++
		}
	}
	return removed, nil
}

// BoltStore persists historical state records in a bbolt database, one
// height-keyed entry per bucket record.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path for
// historical-state persistence.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open historical state db: %w", err)
	}
	bucket := []byte("historical_state")
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, bucket: bucket}, nil
}

// Close releases the underlying database handle.
func (s *BoltStore) Close() error { return s.db.Close() }

func heightKey(height int64) []byte {
	return []byte(fmt.Sprintf("%020d", height))
}

func (s *BoltStore) Put(height int64, record *HistoricalStateRecord, frame *ValidatorStateFrame, epochSnapshot *EpochSnapshot) error {
	entry := storedEntry{Record: record, Frame: frame, EpochSnapshot: epochSnapshot}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put(heightKey(height), data)
	})
}

func (s *BoltStore) Get(height int64) (*HistoricalStateRecord, *ValidatorStateFrame, *EpochSnapshot, bool, error) {
	var entry storedEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(s.bucket).Get(heightKey(height))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, nil, nil, false, err
	}
	if !found {
		return nil, nil, nil, false, nil
	}
	return entry.Record, entry.Frame, entry.EpochSnapshot, true, nil
}

func (s *BoltStore) DeleteAbove(height int64) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return timpalerrors.ErrStoreUnavailable
		}
		c := b.Cursor()
		cutoff := heightKey(height)
		var toDelete [][]byte
		for k, _ := c.Seek(cutoff); k != nil; k, _ = c.Next() {
			if string(k) == string(cutoff) {
				continue
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
