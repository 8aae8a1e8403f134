package session

import (
	"fmt"
)

// StoreType represents the type of session store.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeRedis  StoreType = "redis"
)

// Backend pairs a Store with the Guard that serializes work on its sessions.
// Both share the same backing.
type Backend struct {
	Store Store
	Guard Guard
	Type  StoreType
}

// Close closes the underlying store.
func (b *Backend) Close() error {
	return b.Store.Close()
}

// Open creates the store and guard for storeType. The memory type refuses a
// configuration that declares more than one worker.
func Open(storeType StoreType, opts ...Option) (*Backend, error) {
	cfg := newStoreConfig(opts)

	switch storeType {
	case StoreTypeMemory:
		if cfg.workers > 1 {
			return nil, fmt.Errorf("%w: memory backend cannot be shared by %d workers; use sqlite or redis", ErrInvalidConfig, cfg.workers)
		}
		return &Backend{Store: newMemoryStore(cfg), Guard: NewLocalGuard(), Type: storeType}, nil

	case StoreTypeSQLite:
		store, err := newSQLiteStore(cfg)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store, Guard: NewSQLiteGuard(store, opts...), Type: storeType}, nil

	case StoreTypeRedis:
		store, err := newRedisStore(cfg)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store, Guard: NewRedisGuard(store, opts...), Type: storeType}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreType, storeType)
	}
}
