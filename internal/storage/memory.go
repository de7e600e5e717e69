package storage

import (
	"strings"
	"sync"
)

// MemoryDB is an in-memory DB for tests and ephemeral vaults. It is safe for
// concurrent use.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	m.data[string(key)] = cloneValue(value)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	delete(m.data, string(key))
	m.mu.Unlock()
	return nil
}

func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	_, ok := m.data[string(key)]
	m.mu.RUnlock()
	return ok, nil
}

// ForEach iterates over a snapshot of the keys under prefix, so fn may write
// to the database.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	type entry struct {
		k string
		v []byte
	}
	m.mu.RLock()
	var snap []entry
	for k, v := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			snap = append(snap, entry{k, cloneBytes(v)})
		}
	}
	m.mu.RUnlock()

	for _, e := range snap {
		if err := fn([]byte(e.k), e.v); err != nil {
			return err
		}
	}
	return nil
}

// Update stages fn's writes and applies them under one lock if fn succeeds.
func (m *MemoryDB) Update(fn func(w Writer) error) error {
	staged := &stagedWriter{}
	if err := fn(staged); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range staged.ops {
		if op.value == nil {
			delete(m.data, string(op.key))
		} else {
			m.data[string(op.key)] = op.value
		}
	}
	return nil
}

func (m *MemoryDB) Close() error {
	return nil
}

// stagedWriter records writes for a later commit.
type stagedWriter struct {
	ops []writeOp
}

type writeOp struct {
	key   []byte
	value []byte // nil deletes
}

func (s *stagedWriter) Put(key, value []byte) error {
	s.ops = append(s.ops, writeOp{key: cloneBytes(key), value: cloneValue(value)})
	return nil
}

func (s *stagedWriter) Delete(key []byte) error {
	s.ops = append(s.ops, writeOp{key: cloneBytes(key)})
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// cloneValue copies a value, keeping empty values distinct from deletes.
func cloneValue(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
