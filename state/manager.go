package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"reliefchain/storage"
)

// Manager adapts the raw key-value database into the typed persistence helpers
// the native engines depend on. Records are stored as JSON so every backend
// remains inspectable with standard tooling during dispute resolution.
type Manager struct {
	db storage.Database

	mu sync.Mutex // serialises counter increments
}

// NewManager wraps the provided database. The database handle stays owned by
// the caller and must outlive the manager.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVGet decodes the stored value for key into out. The boolean reports whether
// the key existed; absence is not an error.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, errors.New("state: manager not initialised")
	}
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: get %q: %w", key, err)
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut encodes value as JSON and stores it under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return errors.New("state: manager not initialised")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	if err := m.db.Put(key, raw); err != nil {
		return fmt.Errorf("state: put %q: %w", key, err)
	}
	return nil
}

// KVDelete removes the key if present.
func (m *Manager) KVDelete(key []byte) error {
	if m == nil || m.db == nil {
		return errors.New("state: manager not initialised")
	}
	if err := m.db.Delete(key); err != nil {
		return fmt.Errorf("state: delete %q: %w", key, err)
	}
	return nil
}

// KVWriter is the staging surface handed to KVBatch callbacks.
type KVWriter interface {
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

type stagedBatch struct {
	ops []storage.BatchOp
}

func (b *stagedBatch) KVPut(key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	b.ops = append(b.ops, storage.BatchOp{Key: append([]byte(nil), key...), Value: raw})
	return nil
}

func (b *stagedBatch) KVDelete(key []byte) error {
	b.ops = append(b.ops, storage.BatchOp{Key: append([]byte(nil), key...), Delete: true})
	return nil
}

// KVBatch collects the writes staged by apply and commits them to the backend
// as one atomic unit. Nothing is persisted when apply returns an error.
func (m *Manager) KVBatch(apply func(w KVWriter) error) error {
	if m == nil || m.db == nil {
		return errors.New("state: manager not initialised")
	}
	batch := &stagedBatch{}
	if err := apply(batch); err != nil {
		return err
	}
	if len(batch.ops) == 0 {
		return nil
	}
	if err := m.db.WriteBatch(batch.ops); err != nil {
		return fmt.Errorf("state: batch commit: %w", err)
	}
	return nil
}

// KVIterate walks every key under prefix in ascending order, decoding is left
// to the caller so heterogeneous prefixes stay supported.
func (m *Manager) KVIterate(prefix []byte, fn func(key, value []byte) error) error {
	if m == nil || m.db == nil {
		return errors.New("state: manager not initialised")
	}
	return m.db.Iterate(prefix, fn)
}

// NextSequence atomically increments and returns the named counter, starting
// at 1 for a counter that has never been touched.
func (m *Manager) NextSequence(name string) (uint64, error) {
	if m == nil || m.db == nil {
		return 0, errors.New("state: manager not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := []byte("seq/" + name)
	var current uint64
	raw, err := m.db.Get(key)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
	case err != nil:
		return 0, fmt.Errorf("state: sequence %q: %w", name, err)
	default:
		parsed, perr := strconv.ParseUint(string(raw), 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("state: sequence %q corrupt: %w", name, perr)
		}
		current = parsed
	}
	next := current + 1
	if err := m.db.Put(key, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, fmt.Errorf("state: sequence %q: %w", name, err)
	}
	return next, nil
}
