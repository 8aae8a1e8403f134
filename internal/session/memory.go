package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map. It is only a single
// source of truth when exactly one worker process serves the traffic.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := newStoreConfig(opts)
	return newMemoryStore(cfg)
}

func newMemoryStore(cfg *storeConfig) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		timeout:  cfg.timeout,
		now:      cfg.now,
		newID:    cfg.newID,
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, originalLetter string) (*Session, error) {
	id := s.newID()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions == nil {
		return nil, ErrClosed
	}
	if _, exists := s.sessions[id]; exists {
		return nil, ErrConflict
	}

	now := s.now()
	sess := &Session{
		ID:             id,
		CreatedAt:      now,
		LastAccessedAt: now,
		OriginalLetter: originalLetter,
		History:        []Message{},
	}
	s.sessions[id] = sess
	return sess.clone(), nil
}

// live returns the stored session if it exists and has not expired.
// Callers must hold s.mu.
func (s *MemoryStore) live(id string) (*Session, bool) {
	sess, exists := s.sessions[id]
	if !exists || expired(sess.LastAccessedAt, s.now(), s.timeout) {
		return nil, false
	}
	return sess, true
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.live(id)
	if !ok {
		return nil, ErrNotFound
	}
	return sess.clone(), nil
}

// Touch implements Store.
func (s *MemoryStore) Touch(ctx context.Context, id string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(id)
	if !ok {
		return time.Time{}, ErrNotFound
	}
	sess.LastAccessedAt = s.now()
	return sess.LastAccessedAt, nil
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, id string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(id)
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		sess.History = append(sess.History, m)
	}
	sess.LastAccessedAt = now
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.sessions[id]
	delete(s.sessions, id)
	return exists, nil
}

// ListActive implements Store.
func (s *MemoryStore) ListActive(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if expired(sess.LastAccessedAt, now, s.timeout) {
			continue
		}
		out = append(out, sess.Summarize(s.timeout))
	}
	sortSummaries(out)
	return out, nil
}

// CountActive implements Store.
func (s *MemoryStore) CountActive(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	active := 0
	for _, sess := range s.sessions {
		if !expired(sess.LastAccessedAt, now, s.timeout) {
			active++
		}
	}
	return active, nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, Entry{ID: id, LastAccessedAt: sess.LastAccessedAt})
	}
	return out, nil
}

// RemoveIfExpired implements Store.
func (s *MemoryStore) RemoveIfExpired(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists || !expired(sess.LastAccessedAt, s.now(), s.timeout) {
		return false, nil
	}
	delete(s.sessions, id)
	return true, nil
}

// Timeout implements Store.
func (s *MemoryStore) Timeout() time.Duration { return s.timeout }

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = nil
	return nil
}
