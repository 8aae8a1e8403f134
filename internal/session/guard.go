package session

import (
	"context"
	"sync"
	"time"

	"github.com/comigor/khitab/internal/logger"
)

const (
	// DefaultLockLease is how long a shared guard survives a worker that
	// never released it.
	DefaultLockLease = 2 * time.Minute

	defaultLockRetry = 25 * time.Millisecond
)

// Guard serializes operations on a single session id. Different ids never
// contend with each other.
type Guard interface {
	// Acquire blocks until the caller owns id or ctx is done. The returned
	// release function must be called exactly once.
	Acquire(ctx context.Context, id string) (release func(), err error)
}

// LocalGuard is a keyed mutex for goroutines of one process.
type LocalGuard struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalGuard creates an empty keyed mutex.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{locks: make(map[string]*localLock)}
}

// Acquire implements Guard.
func (g *LocalGuard) Acquire(ctx context.Context, id string) (func(), error) {
	g.mu.Lock()
	l, ok := g.locks[id]
	if !ok {
		l = &localLock{ch: make(chan struct{}, 1)}
		g.locks[id] = l
	}
	l.refs++
	g.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		g.drop(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			g.drop(id, l)
		})
	}, nil
}

func (g *LocalGuard) drop(id string, l *localLock) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(g.locks, id)
	}
}

// held reports how many ids currently have waiters or owners.
func (g *LocalGuard) held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

func slogGuardRelease(backend, id string, err error) {
	logger.With("session.guard").Warn("failed to release session lock; it will expire with its lease",
		"backend", backend, "session_id", id, "error", err)
}
