// Package keyvalstore wraps badger as the persistent backing for group
// buffers and their index entries.
package keyvalstore

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/quiltvcs/quilt/pkg/types"
)

// StoreConfig configures the badger store.
type StoreConfig struct {
	Path          string // data directory
	MinimumFreeGB int    // refuse to open with less free space, 0 disables the check
	Logger        *logrus.Logger
}

// Store is a thin badger wrapper. Locking of the backing directory
// against other processes is badger's own; serialization of writers
// within a process is the caller's responsibility.
type Store struct {
	config       StoreConfig
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
	log          *logrus.Logger
}

// New opens (creating if necessary) the store at config.Path.
func New(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if err := config.check(); err != nil {
		return nil, fmt.Errorf("checking key-value store config: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", config.Path, err)
	}

	return &Store{
		config:   config,
		badgerDB: db,
		log:      config.Logger,
	}, nil
}

// Read returns the value stored under key. Absent keys surface as
// types.ErrMissingKey so callers can distinguish ghosts from I/O
// failures.
func (k *Store) Read(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("key %q: %w", key, types.ErrMissingKey)
	}
	if err != nil {
		return nil, fmt.Errorf("reading key %q: %w", key, err)
	}
	return value, nil
}

// Has reports whether key is present.
func (k *Store) Has(key []byte) (bool, error) {
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking key %q: %w", key, err)
	}
	return true, nil
}

// Write stores content under key.
func (k *Store) Write(key []byte, content []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
	if err != nil {
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

// WriteBatch stores every (key, value) pair in one transaction.
func (k *Store) WriteBatch(batch [][2][]byte) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			atomic.AddUint64(&k.writeCounter, 1)
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing batch of %d keys: %w", len(batch), err)
	}
	return nil
}

// GetItemsWithPrefix returns all key/value pairs under the given prefix.
func (k *Store) GetItemsWithPrefix(prefix []byte) ([][2][]byte, error) {
	var keysAndValues [][2][]byte
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keysAndValues = append(keysAndValues, [2][]byte{key, value})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning prefix %q: %w", prefix, err)
	}
	return keysAndValues, nil
}

// Sync flushes badger to disk.
func (k *Store) Sync() error {
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("syncing badger: %w", err)
	}
	return nil
}

// Close syncs and closes the underlying database.
func (k *Store) Close() error {
	if err := k.badgerDB.Sync(); err != nil {
		k.log.Errorf("error syncing badger on close: %v", err)
	}
	return k.badgerDB.Close()
}

// Counters returns the read and write operation counts since open.
func (k *Store) Counters() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}
