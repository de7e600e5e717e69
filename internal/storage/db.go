// Package storage provides the durable key-value store used by the vault,
// the nonce tracker and the session store.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Namespaces carved out of the single underlying database.
var (
	NamespaceVault    = []byte("v/")
	NamespaceNonces   = []byte("n/")
	NamespaceSessions = []byte("s/")
	NamespaceSettings = []byte("cfg/")
)

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Writer is the write half of a DB.
type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Updater is implemented by databases that can apply a group of writes
// atomically. If fn fails, none of its writes are applied.
type Updater interface {
	Update(fn func(w Writer) error) error
}

// Update runs fn against db, atomically when db is an Updater.
func Update(db DB, fn func(w Writer) error) error {
	if u, ok := db.(Updater); ok {
		return u.Update(fn)
	}
	return fn(db)
}

// GetJSON loads key and decodes it into v.
func GetJSON(db DB, key []byte, v any) error {
	data, err := db.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(db DB, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return db.Put(key, data)
}
