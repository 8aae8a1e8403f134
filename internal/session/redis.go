package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "khitab:"

// Scores in the index sorted set are access times in unix microseconds,
// which float64 holds exactly.

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 or redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

var touchScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) < tonumber(ARGV[3]) or redis.call('EXISTS', KEYS[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return 1
`)

var appendScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) < tonumber(ARGV[3]) or redis.call('EXISTS', KEYS[2]) == 0 then
  return 0
end
for i = 5, #ARGV do
  redis.call('RPUSH', KEYS[3], ARGV[i])
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return 1
`)

var deleteScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
local deleted = redis.call('DEL', KEYS[2], KEYS[3])
if removed > 0 or deleted > 0 then
  return 1
end
return 0
`)

var removeExpiredScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2], KEYS[3])
return 1
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// redisMeta is the immutable part of a session, stored as one JSON value.
type redisMeta struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	OriginalLetter string    `json:"original_letter,omitempty"`
}

// RedisStore implements Store on Redis. The sorted set "<prefix>sessions"
// indexes every session by access time; each session keeps its metadata
// under "<prefix>session:<id>" and its history as a list under
// "<prefix>session:<id>:history". Scripts make each operation atomic, so all
// workers connected to the same Redis share one consistent view.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *storeConfig) {
		c.redis = client
	}
}

// WithRedisPrefix namespaces every key written by the Redis store.
func WithRedisPrefix(prefix string) Option {
	return func(c *storeConfig) {
		c.prefix = prefix
	}
}

// NewRedisStore creates a Redis-based session store.
func NewRedisStore(client redis.UniversalClient, opts ...Option) (*RedisStore, error) {
	cfg := newStoreConfig(append([]Option{WithRedisClient(client)}, opts...))
	return newRedisStore(cfg)
}

func newRedisStore(cfg *storeConfig) (*RedisStore, error) {
	if cfg.redis == nil {
		return nil, fmt.Errorf("%w: redis backend needs a client", ErrInvalidConfig)
	}
	return &RedisStore{
		client:  cfg.redis,
		prefix:  cfg.prefix,
		timeout: cfg.timeout,
		now:     cfg.now,
		newID:   cfg.newID,
	}, nil
}

func (s *RedisStore) indexKey() string            { return s.prefix + "sessions" }
func (s *RedisStore) metaKey(id string) string    { return s.prefix + "session:" + id }
func (s *RedisStore) historyKey(id string) string { return s.prefix + "session:" + id + ":history" }

func (s *RedisStore) keys(id string) []string {
	return []string{s.indexKey(), s.metaKey(id), s.historyKey(id)}
}

// ttl keeps abandoned keys from living forever if no sweeper ever runs.
func (s *RedisStore) ttl() int64 {
	return (2 * s.timeout).Milliseconds()
}

func (s *RedisStore) cutoff(now time.Time) int64 {
	return now.Add(-s.timeout).UnixMicro()
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, originalLetter string) (*Session, error) {
	id := s.newID()
	now := time.UnixMicro(s.now().UnixMicro())

	val, err := json.Marshal(redisMeta{ID: id, CreatedAt: now, OriginalLetter: originalLetter})
	if err != nil {
		return nil, err
	}

	ok, err := createScript.Run(ctx, s.client, s.keys(id), id, now.UnixMicro(), val, s.ttl()).Int()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if ok == 0 {
		return nil, ErrConflict
	}

	return &Session{
		ID:             id,
		CreatedAt:      now,
		LastAccessedAt: now,
		OriginalLetter: originalLetter,
		History:        []Message{},
	}, nil
}

// Get implements Store. The reads run in one MULTI/EXEC block so the
// metadata, access time and history come from the same instant.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	var (
		scoreCmd   *redis.FloatCmd
		metaCmd    *redis.StringCmd
		historyCmd *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		scoreCmd = pipe.ZScore(ctx, s.indexKey(), id)
		metaCmd = pipe.Get(ctx, s.metaKey(id))
		historyCmd = pipe.LRange(ctx, s.historyKey(id), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read session: %w", err)
	}

	score, err := scoreCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read access time: %w", err)
	}
	if int64(score) < s.cutoff(s.now()) {
		return nil, ErrNotFound
	}

	raw, err := metaCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta redisMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	items, err := historyCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read history: %w", err)
	}
	history := make([]Message, 0, len(items))
	for _, item := range items {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		history = append(history, m)
	}

	return &Session{
		ID:             meta.ID,
		CreatedAt:      meta.CreatedAt,
		LastAccessedAt: time.UnixMicro(int64(score)),
		OriginalLetter: meta.OriginalLetter,
		History:        history,
	}, nil
}

// Touch implements Store.
func (s *RedisStore) Touch(ctx context.Context, id string) (time.Time, error) {
	now := s.now()
	ok, err := touchScript.Run(ctx, s.client, s.keys(id), id, now.UnixMicro(), s.cutoff(now), s.ttl()).Int()
	if err != nil {
		return time.Time{}, fmt.Errorf("touch session: %w", err)
	}
	if ok == 0 {
		return time.Time{}, ErrNotFound
	}
	return time.UnixMicro(now.UnixMicro()), nil
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, id string, msgs ...Message) error {
	now := s.now()
	args := []any{id, now.UnixMicro(), s.cutoff(now), s.ttl()}
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		args = append(args, b)
	}

	ok, err := appendScript.Run(ctx, s.client, s.keys(id), args...).Int()
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := deleteScript.Run(ctx, s.client, s.keys(id), id).Int()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return ok == 1, nil
}

// RemoveIfExpired implements Store.
func (s *RedisStore) RemoveIfExpired(ctx context.Context, id string) (bool, error) {
	ok, err := removeExpiredScript.Run(ctx, s.client, s.keys(id), id, s.cutoff(s.now())).Int()
	if err != nil {
		return false, fmt.Errorf("remove expired session: %w", err)
	}
	return ok == 1, nil
}

func (s *RedisStore) activeRange() *redis.ZRangeBy {
	return &redis.ZRangeBy{Min: strconv.FormatInt(s.cutoff(s.now()), 10), Max: "+inf"}
}

// ListActive implements Store. Sessions deleted between the index scan and
// the metadata reads are skipped.
func (s *RedisStore) ListActive(ctx context.Context) ([]Summary, error) {
	live, err := s.client.ZRangeByScoreWithScores(ctx, s.indexKey(), s.activeRange()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	metaCmds := make([]*redis.StringCmd, len(live))
	lenCmds := make([]*redis.IntCmd, len(live))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, z := range live {
			id := z.Member.(string)
			metaCmds[i] = pipe.Get(ctx, s.metaKey(id))
			lenCmds[i] = pipe.LLen(ctx, s.historyKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read session summaries: %w", err)
	}

	out := make([]Summary, 0, len(live))
	for i, z := range live {
		raw, err := metaCmds[i].Bytes()
		if err != nil {
			continue
		}
		var meta redisMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		touched := time.UnixMicro(int64(z.Score))
		out = append(out, Summary{
			ID:                meta.ID,
			CreatedAt:         meta.CreatedAt,
			LastAccessedAt:    touched,
			ExpiresAt:         touched.Add(s.timeout),
			MessageCount:      int(lenCmds[i].Val()),
			HasOriginalLetter: meta.OriginalLetter != "",
		})
	}
	sortSummaries(out)
	return out, nil
}

// CountActive implements Store.
func (s *RedisStore) CountActive(ctx context.Context) (int, error) {
	r := s.activeRange()
	n, err := s.client.ZCount(ctx, s.indexKey(), r.Min, r.Max).Result()
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}

// Entries implements Store.
func (s *RedisStore) Entries(ctx context.Context) ([]Entry, error) {
	all, err := s.client.ZRangeWithScores(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("enumerate sessions: %w", err)
	}
	out := make([]Entry, 0, len(all))
	for _, z := range all {
		out = append(out, Entry{ID: z.Member.(string), LastAccessedAt: time.UnixMicro(int64(z.Score))})
	}
	return out, nil
}

// Timeout implements Store.
func (s *RedisStore) Timeout() time.Duration { return s.timeout }

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// RedisGuard serializes per-session work across every process connected to
// the same Redis, using "<prefix>lock:<id>" lease keys.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	local  *LocalGuard
	newID  func() string
	lease  time.Duration
	retry  time.Duration
}

// NewRedisGuard creates a guard sharing the client and key prefix of store.
func NewRedisGuard(store *RedisStore, opts ...Option) *RedisGuard {
	cfg := newStoreConfig(opts)
	return &RedisGuard{
		client: store.client,
		prefix: store.prefix,
		local:  NewLocalGuard(),
		newID:  cfg.newID,
		lease:  cfg.lease,
		retry:  cfg.retry,
	}
}

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context, id string) (func(), error) {
	releaseLocal, err := g.local.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}

	key := g.prefix + "lock:" + id
	token := g.newID()
	for {
		ok, err := g.client.SetNX(ctx, key, token, g.lease).Result()
		if err != nil {
			releaseLocal()
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
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
		if err := unlockScript.Run(context.Background(), g.client, []string{key}, token).Err(); err != nil {
			slogGuardRelease("redis", id, err)
		}
		releaseLocal()
	}, nil
}
