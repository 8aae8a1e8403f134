package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT PRIMARY KEY,
    created_at       INTEGER NOT NULL,
    last_accessed_at INTEGER NOT NULL,
    original_letter  TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role       TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, id);
CREATE TABLE IF NOT EXISTS session_locks (
    session_id TEXT PRIMARY KEY,
    token      TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);`

// SQLiteStore implements Store on a SQLite file. Every worker process that
// opens the same file sees one consistent set of sessions; SQLite's file
// locking serializes the writers.
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	cfg := newStoreConfig(opts)
	cfg.dbPath = path
	return newSQLiteStore(cfg)
}

// WithSQLitePath sets the database file used by the sqlite backend.
func WithSQLitePath(path string) Option {
	return func(c *storeConfig) {
		c.dbPath = path
	}
}

func newSQLiteStore(cfg *storeConfig) (*SQLiteStore, error) {
	if cfg.dbPath == "" || cfg.dbPath == ":memory:" {
		return nil, fmt.Errorf("%w: sqlite backend needs a file path shared by all workers", ErrInvalidConfig)
	}

	dsn := "file:" + cfg.dbPath + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.dbPath, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	return &SQLiteStore{
		db:      db,
		timeout: cfg.timeout,
		now:     cfg.now,
		newID:   cfg.newID,
	}, nil
}

func (s *SQLiteStore) cutoff() int64 {
	return s.now().Add(-s.timeout).UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, originalLetter string) (*Session, error) {
	id := s.newID()
	now := s.now()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, created_at, last_accessed_at, original_letter) VALUES (?, ?, ?, ?);`,
		id, now.UnixNano(), now.UnixNano(), originalLetter)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}

	return &Session{
		ID:             id,
		CreatedAt:      fromNanos(now.UnixNano()),
		LastAccessedAt: fromNanos(now.UnixNano()),
		OriginalLetter: originalLetter,
		History:        []Message{},
	}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	var (
		sess             Session
		created, touched int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at, last_accessed_at, original_letter FROM sessions WHERE id = ? AND last_accessed_at >= ?;`,
		id, s.cutoff()).Scan(&sess.ID, &created, &touched, &sess.OriginalLetter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	sess.CreatedAt = fromNanos(created)
	sess.LastAccessedAt = fromNanos(touched)

	rows, err := tx.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY id ASC;`, id)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	sess.History = []Message{}
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = fromNanos(ts)
		sess.History = append(sess.History, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return &sess, nil
}

// Touch implements Store.
func (s *SQLiteStore) Touch(ctx context.Context, id string) (time.Time, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_accessed_at = ? WHERE id = ? AND last_accessed_at >= ?;`,
		now.UnixNano(), id, now.Add(-s.timeout).UnixNano())
	if err != nil {
		return time.Time{}, fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, ErrNotFound
	}
	return fromNanos(now.UnixNano()), nil
}

// Append implements Store. The access-time update runs first so the
// transaction takes the write lock before anything else.
func (s *SQLiteStore) Append(ctx context.Context, id string, msgs ...Message) error {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_accessed_at = ? WHERE id = ? AND last_accessed_at >= ?;`,
		now.UnixNano(), id, now.Add(-s.timeout).UnixNano())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	for _, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?);`,
			id, m.Role, m.Content, ts.UnixNano()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.remove(ctx, `DELETE FROM sessions WHERE id = ?;`, id)
}

// RemoveIfExpired implements Store.
func (s *SQLiteStore) RemoveIfExpired(ctx context.Context, id string) (bool, error) {
	return s.remove(ctx, `DELETE FROM sessions WHERE id = ? AND last_accessed_at < ?;`, id, s.cutoff())
}

func (s *SQLiteStore) remove(ctx context.Context, query string, args ...any) (bool, error) {
	id := args[0]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?;`, id); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return true, nil
}

// ListActive implements Store.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT s.id, s.created_at, s.last_accessed_at, length(s.original_letter),
       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
FROM sessions s
WHERE s.last_accessed_at >= ?
ORDER BY s.created_at ASC, s.id ASC;`, s.cutoff())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			sum               Summary
			created, touched  int64
			letterLen, msgCnt int64
		)
		if err := rows.Scan(&sum.ID, &created, &touched, &letterLen, &msgCnt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.CreatedAt = fromNanos(created)
		sum.LastAccessedAt = fromNanos(touched)
		sum.ExpiresAt = sum.LastAccessedAt.Add(s.timeout)
		sum.MessageCount = int(msgCnt)
		sum.HasOriginalLetter = letterLen > 0
		out = append(out, sum)
	}
	return out, rows.Err()
}

// CountActive implements Store.
func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE last_accessed_at >= ?;`, s.cutoff()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// Entries implements Store.
func (s *SQLiteStore) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, last_accessed_at FROM sessions;`)
	if err != nil {
		return nil, fmt.Errorf("enumerate sessions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			touched int64
		)
		if err := rows.Scan(&e.ID, &touched); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.LastAccessedAt = fromNanos(touched)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Timeout implements Store.
func (s *SQLiteStore) Timeout() time.Duration { return s.timeout }

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SQLiteGuard serializes per-session work across every process that opens
// the same database, using lease rows in session_locks.
type SQLiteGuard struct {
	db    *sql.DB
	local *LocalGuard
	now   func() time.Time
	newID func() string
	lease time.Duration
	retry time.Duration
}

// NewSQLiteGuard creates a guard on the database of store.
func NewSQLiteGuard(store *SQLiteStore, opts ...Option) *SQLiteGuard {
	cfg := newStoreConfig(opts)
	return &SQLiteGuard{
		db:    store.db,
		local: NewLocalGuard(),
		now:   cfg.now,
		newID: cfg.newID,
		lease: cfg.lease,
		retry: cfg.retry,
	}
}

// Acquire implements Guard.
func (g *SQLiteGuard) Acquire(ctx context.Context, id string) (func(), error) {
	releaseLocal, err := g.local.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}

	token := g.newID()
	for {
		now := g.now()
		res, err := g.db.ExecContext(ctx, `
INSERT INTO session_locks (session_id, token, expires_at) VALUES (?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
WHERE session_locks.expires_at < ?;`, id, token, now.Add(g.lease).UnixNano(), now.UnixNano())
		if err != nil {
			releaseLocal()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			break
		}

		select {
		case <-ctx.Done():
			releaseLocal()
			return nil, ctx.Err()
		case <-time.After(g.retry):
		}
	}

	return func() {
		// the caller's context may already be cancelled; the row must still go
		if _, err := g.db.Exec(`DELETE FROM session_locks WHERE session_id = ? AND token = ?;`, id, token); err != nil {
			slogGuardRelease("sqlite", id, err)
		}
		releaseLocal()
	}, nil
}
