package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/comigor/khitab/internal/logger"
)

const (
	// DefaultSweepInterval is the default interval at which expired sessions are removed.
	DefaultSweepInterval = 1 * time.Minute
)

// Sweeper periodically removes expired sessions from a Store.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// SweepLogger replaces the sweeper's logger.
func SweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// SweepClock sets the clock used to pick candidates; it should match the
// store's clock.
func SweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper; a non-positive interval uses DefaultSweepInterval.
func NewSweeper(store Store, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With("session.sweeper"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval is the time between two sweeps.
func (s *Sweeper) Interval() time.Duration { return s.interval }

// Start begins the periodic sweep. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(sweepCtx, s.done)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// IsRunning returns whether the sweep loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(done)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one cycle and returns how many sessions it removed. Errors
// are logged, never returned: a failed entry is skipped and the cycle goes on.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	start := time.Now()

	entries, err := s.store.Entries(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to enumerate sessions", "error", err)
		return 0
	}

	timeout := s.store.Timeout()
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !expired(e.LastAccessedAt, s.now(), timeout) {
			continue
		}
		// the entry may have been touched since enumeration; the store
		// re-checks before removing
		ok, err := s.store.RemoveIfExpired(ctx, e.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to remove expired session", "session_id", e.ID, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "removed expired sessions",
			"removed", removed,
			"duration", time.Since(start),
		)
	}
	s.logger.DebugContext(ctx, "sweep finished", "stored", len(entries), "removed", removed)
	return removed
}
