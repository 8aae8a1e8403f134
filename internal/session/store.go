package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Common errors for session store operations.
var (
	ErrNotFound         = errors.New("session not found")
	ErrConflict         = errors.New("session already exists")
	ErrInvalidConfig    = errors.New("invalid session store configuration")
	ErrInvalidStoreType = errors.New("invalid session store type")
	ErrClosed           = errors.New("session store closed")
)

// DefaultTimeout is the inactivity window used when none is configured.
const DefaultTimeout = 30 * time.Minute

// Store defines the session storage operations. Every method is atomic with
// respect to concurrent callers, including callers in other processes when
// the backend is shared.
type Store interface {
	// Create allocates a session with a fresh identifier and empty history.
	// Returns ErrConflict if the identifier is already taken.
	Create(ctx context.Context, originalLetter string) (*Session, error)

	// Get returns a copy of a live session. Absent and logically expired
	// sessions both yield ErrNotFound. Get does not refresh the access time.
	Get(ctx context.Context, id string) (*Session, error)

	// Touch refreshes the access time and returns it.
	Touch(ctx context.Context, id string) (time.Time, error)

	// Append adds messages to the history, in order, and refreshes the access
	// time in the same step.
	Append(ctx context.Context, id string, msgs ...Message) error

	// Delete removes a session and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// ListActive returns summaries of live sessions ordered by creation time.
	ListActive(ctx context.Context) ([]Summary, error)

	// CountActive returns the number of live sessions.
	CountActive(ctx context.Context) (int, error)

	// Entries returns every stored session, including expired ones that
	// have not been swept yet.
	Entries(ctx context.Context) ([]Entry, error)

	// RemoveIfExpired deletes the session only if its stored access time is
	// still past the timeout at the moment of removal.
	RemoveIfExpired(ctx context.Context, id string) (bool, error)

	// Timeout is the inactivity window of this store.
	Timeout() time.Duration

	// Close releases the resources held by the store.
	Close() error
}

// Option is a functional option for configuring a session store.
type Option func(*storeConfig)

type storeConfig struct {
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	workers int
	lease   time.Duration
	retry   time.Duration
	prefix  string
	redis   redis.UniversalClient
	dbPath  string
}

func newStoreConfig(opts []Option) *storeConfig {
	cfg := &storeConfig{
		timeout: DefaultTimeout,
		now:     time.Now,
		newID:   uuid.NewString,
		workers: 1,
		lease:   DefaultLockLease,
		retry:   defaultLockRetry,
		prefix:  defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithTimeout sets the inactivity window after which a session expires.
func WithTimeout(d time.Duration) Option {
	return func(c *storeConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock replaces time.Now, letting tests move time deterministically.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(gen func() string) Option {
	return func(c *storeConfig) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithWorkers declares how many worker processes will share the store.
func WithWorkers(n int) Option {
	return func(c *storeConfig) {
		c.workers = n
	}
}

// WithLockLease bounds how long a guard held by a crashed worker blocks others.
func WithLockLease(d time.Duration) Option {
	return func(c *storeConfig) {
		if d > 0 {
			c.lease = d
		}
	}
}

// WithLockRetry sets the polling interval of shared guards.
func WithLockRetry(d time.Duration) Option {
	return func(c *storeConfig) {
		if d > 0 {
			c.retry = d
		}
	}
}
