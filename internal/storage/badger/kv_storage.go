package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/interfaces"
)

// KVStorage implements the KeyValueStore interface over raw Badger entries.
// TTLs use Badger's native entry expiry, so expired keys behave as absent
// without a sweep of our own.
type KVStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewKVStorage creates a new KVStorage instance
func NewKVStorage(db *BadgerDB, logger arbor.ILogger) interfaces.KeyValueStore {
	return &KVStorage{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a value by key
func (s *KVStorage) Get(ctx context.Context, key string) (string, error) {
	var value []byte
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badgerdb.ErrKeyNotFound {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return string(value), nil
}

// Set inserts or updates a key with an optional TTL
func (s *KVStorage) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// SetNX sets the key only if it does not already exist
func (s *KVStorage) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	set := false
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil // Key exists, leave it
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}
		entry := badgerdb.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		set = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	return set, nil
}

// Delete removes a key; absent keys are not an error
func (s *KVStorage) Delete(ctx context.Context, key string) error {
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && err != badgerdb.ErrKeyNotFound {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// ListByPrefix returns all live entries whose keys start with prefix
func (s *KVStorage) ListByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	result := make(map[string]string)
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[string(item.KeyCopy(nil))] = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix %s: %w", prefix, err)
	}
	return result, nil
}

// Close closes the underlying database
func (s *KVStorage) Close() error {
	return s.db.Close()
}
