package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB implements DB on Badger. Writes are synced to disk before they
// return: losing a vault or nonce write on crash is not acceptable.
type BadgerDB struct {
	db *badger.DB
}

// NewBadger opens (or creates) the database directory at path.
func NewBadger(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "Cannot acquire directory lock") ||
			strings.Contains(msg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("vault database at %s is locked by another process (is another klingvaultd running?): %w", path, err)
		}
		return nil, fmt.Errorf("open vault database at %s: %w", path, err)
	}
	return &BadgerDB{db: db}, nil
}

func (b *BadgerDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return val, nil
}

func (b *BadgerDB) Put(key, value []byte) error {
	return b.Update(func(w Writer) error { return w.Put(key, value) })
}

func (b *BadgerDB) Delete(key []byte) error {
	return b.Update(func(w Writer) error { return w.Delete(key) })
}

func (b *BadgerDB) Has(key []byte) (bool, error) {
	_, err := b.Get(key)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// ForEach iterates over the keys under prefix in key order.
func (b *BadgerDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update runs fn in a single read-write transaction, discarded if fn fails.
func (b *BadgerDB) Update(fn func(w Writer) error) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return fn(txnWriter{txn})
	})
	if err != nil {
		return fmt.Errorf("badger update: %w", err)
	}
	return nil
}

// RunGC reclaims value log space until a pass finds nothing to rewrite.
func (b *BadgerDB) RunGC(discardRatio float64) error {
	for {
		err := b.db.RunValueLogGC(discardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (b *BadgerDB) Close() error {
	return b.db.Close()
}

type txnWriter struct {
	txn *badger.Txn
}

func (t txnWriter) Put(key, value []byte) error {
	return t.txn.Set(cloneBytes(key), cloneValue(value))
}

func (t txnWriter) Delete(key []byte) error {
	return t.txn.Delete(cloneBytes(key))
}
