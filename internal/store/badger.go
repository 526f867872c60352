// BadgerStore is the durable Store option: Get/Set/Delete over a
// single Badger database plus a background value-log garbage
// collector. Transactions, batches, scans, and backups are deliberately
// not exposed -- the PALM cache has no use for them.
package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// BadgerConfig exposes the Badger tuning knobs that matter for a cache
// workload; the rest are left at Badger's own defaults.
type BadgerConfig struct {
	Dir              string
	SyncWrites       bool
	ValueLogFileSize int64
	BlockCacheSize   int64
	GCInterval       time.Duration
	GCDiscardRatio   float64
}

// DefaultBadgerConfig returns sane defaults for a cache workload: no
// fsync on every write (the cache was never a durability guarantee to
// begin with, just an optional one), modest value log segments, and a
// ten-minute GC sweep.
func DefaultBadgerConfig(dir string) *BadgerConfig {
	return &BadgerConfig{
		Dir:              dir,
		SyncWrites:       false,
		ValueLogFileSize: 1 << 28,
		BlockCacheSize:   64 << 20,
		GCInterval:       10 * time.Minute,
		GCDiscardRatio:   0.5,
	}
}

// BadgerStore is a durable Store backed by dgraph-io/badger.
type BadgerStore struct {
	db     *badger.DB
	config *BadgerConfig
	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
}

// NewBadgerStore opens (creating if necessary) a Badger database at
// config.Dir and starts its background garbage collector.
func NewBadgerStore(config *BadgerConfig) (*BadgerStore, error) {
	if config == nil {
		return nil, fmt.Errorf("store: badger config cannot be nil")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create badger dir: %w", err)
	}

	opts := badger.DefaultOptions(config.Dir)
	opts.SyncWrites = config.SyncWrites
	opts.ValueLogFileSize = config.ValueLogFileSize
	opts.BlockCacheSize = config.BlockCacheSize
	opts.Compression = options.Snappy
	opts.Logger = &badgerLogger{}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bs := &BadgerStore{db: db, config: config, cancel: cancel}
	go bs.runGC(ctx)
	return bs, nil
}

func (bs *BadgerStore) runGC(ctx context.Context) {
	ticker := time.NewTicker(bs.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for bs.db.RunValueLogGC(bs.config.GCDiscardRatio) == nil {
				// Badger returns nil as long as a rewrite happened;
				// keep sweeping until it reports nothing left to do.
			}
		}
	}
}

func (bs *BadgerStore) isClosed() bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.closed
}

func (bs *BadgerStore) Set(key string, value []byte) error {
	if bs.isClosed() {
		return fmt.Errorf("store: badger store is closed")
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (bs *BadgerStore) Get(key string) ([]byte, bool, error) {
	if bs.isClosed() {
		return nil, false, fmt.Errorf("store: badger store is closed")
	}
	var value []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (bs *BadgerStore) Delete(key string) error {
	if bs.isClosed() {
		return fmt.Errorf("store: badger store is closed")
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (bs *BadgerStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return nil
	}
	bs.closed = true
	bs.cancel()
	return bs.db.Close()
}

// badgerLogger suppresses Badger's info/debug chatter and routes
// warnings and errors through fmt.
type badgerLogger struct{}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	fmt.Printf("badger error: "+format+"\n", args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	fmt.Printf("badger warning: "+format+"\n", args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{})  {}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {}
