package badger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/venari/internal/common"
)

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
	stopGC chan struct{}
}

// NewBadgerDB creates a new Badger database connection
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	// If reset_on_startup is enabled, delete the existing database
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	// Ensure the directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	db := &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
		stopGC: make(chan struct{}),
	}

	gcInterval := config.GCInterval
	if gcInterval <= 0 {
		gcInterval = 10 * time.Minute
	}
	go db.runValueLogGC(gcInterval)

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")
	return db, nil
}

// Store returns the badgerhold store for structured access
func (db *BadgerDB) Store() *badgerhold.Store {
	return db.store
}

// Badger returns the raw Badger handle for TTL-aware key/value access
func (db *BadgerDB) Badger() *badgerdb.DB {
	return db.store.Badger()
}

// runValueLogGC reclaims value log space on a fixed interval.
// badger.ErrNoRewrite just means there was nothing to collect.
func (db *BadgerDB) runValueLogGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-db.stopGC:
			return
		case <-ticker.C:
			for {
				if err := db.Badger().RunValueLogGC(0.5); err != nil {
					if err != badgerdb.ErrNoRewrite {
						db.logger.Warn().Err(err).Msg("Badger value log GC failed")
					}
					break
				}
			}
		}
	}
}

// Close shuts down the GC loop and closes the database
func (db *BadgerDB) Close() error {
	close(db.stopGC)
	if err := db.store.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	db.logger.Debug().Msg("Badger database closed")
	return nil
}
