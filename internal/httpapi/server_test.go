package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/comigor/khitab/internal/archive"
	"github.com/comigor/khitab/internal/conversation"
	"github.com/comigor/khitab/internal/llm"
	"github.com/comigor/khitab/internal/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	mu  sync.Mutex
	out string
	err error
}

func (g *stubGenerator) Generate(context.Context, llm.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.out, g.err
}

func (g *stubGenerator) respond(out string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.out, g.err = out, err
}

type testEnv struct {
	store session.Store
	gen   *stubGenerator
	srv   *httptest.Server
}

func newEnv(t *testing.T, store session.Store, guard session.Guard, opts ...Option) *testEnv {
	t.Helper()
	gen := &stubGenerator{out: "updated letter"}
	ctrl := conversation.New(store, guard, gen)
	srv := httptest.NewServer(New(store, ctrl, opts...).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{store: store, gen: gen, srv: srv}
}

func newMemoryEnv(t *testing.T, opts ...Option) *testEnv {
	return newEnv(t, session.NewMemoryStore(), session.NewLocalGuard(), opts...)
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) create(t *testing.T, body string) string {
	t.Helper()
	status, out := e.do(t, http.MethodPost, "/sessions", body)
	require.Equal(t, http.StatusCreated, status)
	id, _ := out["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestCreateSession(t *testing.T) {
	env := newMemoryEnv(t)

	status, out := env.do(t, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, out["session_id"])
	require.NotEmpty(t, out["created_at"])
	require.Equal(t, float64(30*60), out["expires_in"])

	id := env.create(t, `{"original_letter":"السيد المحترم"}`)
	sess, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "السيد المحترم", sess.OriginalLetter)
}

func TestCreateSession_BadPayload(t *testing.T) {
	env := newMemoryEnv(t)

	for _, body := range []string{`{"original_letter":`, `{"letter":"x"}`, `{} {}`, `[]`} {
		status, out := env.do(t, http.MethodPost, "/sessions", body)
		require.Equal(t, http.StatusBadRequest, status, body)
		require.NotEmpty(t, out["error"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newMemoryEnv(t)
	id := env.create(t, "")

	status, out := env.do(t, http.MethodPost, "/sessions/"+id+"/edit",
		`{"current_letter":"old letter","feedback":"make it formal"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "updated letter", out["updated_letter"])
	require.Equal(t, "1 line changed", out["change_summary"])

	status, out = env.do(t, http.MethodGet, "/sessions/"+id+"/status", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, id, out["session_id"])
	require.Equal(t, float64(2), out["message_count"])
	require.Equal(t, false, out["has_original_letter"])
	require.NotEmpty(t, out["expires_at"])

	status, out = env.do(t, http.MethodPost, "/sessions/"+id+"/extend", "")
	require.Equal(t, http.StatusOK, status)
	expiration, err := time.Parse(time.RFC3339Nano, out["new_expiration"].(string))
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), expiration, time.Minute)

	status, out = env.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(1), out["total"])
	require.Len(t, out["sessions"], 1)

	status, out = env.do(t, http.MethodDelete, "/sessions/"+id, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, out["deleted"])

	// deleting again still succeeds
	status, out = env.do(t, http.MethodDelete, "/sessions/"+id, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, out["deleted"])

	status, _ = env.do(t, http.MethodGet, "/sessions/"+id+"/status", "")
	require.Equal(t, http.StatusNotFound, status)
}

func TestUnknownSession(t *testing.T) {
	env := newMemoryEnv(t)

	requests := []struct{ method, path, body string }{
		{http.MethodGet, "/sessions/nope/status", ""},
		{http.MethodPost, "/sessions/nope/extend", ""},
		{http.MethodPost, "/sessions/nope/edit", `{"current_letter":"a","feedback":"b"}`},
		{http.MethodPost, "/sessions/nope/ask", `{"question":"q"}`},
	}
	for _, r := range requests {
		status, out := env.do(t, r.method, r.path, r.body)
		require.Equal(t, http.StatusNotFound, status, r.path)
		require.Equal(t, "session not found or expired", out["error"])
	}
}

func TestEdit_Validation(t *testing.T) {
	env := newMemoryEnv(t)
	id := env.create(t, "")

	for _, body := range []string{
		"",
		`{"feedback":"b"}`,
		`{"current_letter":"a"}`,
		`{"current_letter":"a","feedback":"   "}`,
		`{"current_letter":"a","feedback":"b","tone":"warm"}`,
	} {
		status, _ := env.do(t, http.MethodPost, "/sessions/"+id+"/edit", body)
		require.Equal(t, http.StatusBadRequest, status, body)
	}
}

func TestEdit_GenerationFailures(t *testing.T) {
	env := newMemoryEnv(t)
	id := env.create(t, "")

	env.gen.respond("", fmt.Errorf("%w after 60s: context deadline exceeded", llm.ErrTimeout))
	status, out := env.do(t, http.MethodPost, "/sessions/"+id+"/edit", `{"current_letter":"a","feedback":"b"}`)
	require.Equal(t, http.StatusGatewayTimeout, status)
	require.Equal(t, "letter generation timed out", out["error"])

	env.gen.respond("", fmt.Errorf("%w: 500 from provider", llm.ErrGenerationFailed))
	status, _ = env.do(t, http.MethodPost, "/sessions/"+id+"/ask", `{"question":"q"}`)
	require.Equal(t, http.StatusBadGateway, status)

	// failed turns leave no trace in the history
	status, out = env.do(t, http.MethodGet, "/sessions/"+id+"/status", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(0), out["message_count"])
}

func TestAsk(t *testing.T) {
	env := newMemoryEnv(t)
	id := env.create(t, "")
	env.gen.respond("نعم، الصيغة رسمية.", nil)

	status, out := env.do(t, http.MethodPost, "/sessions/"+id+"/ask", `{"question":"هل الصيغة رسمية؟"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "نعم، الصيغة رسمية.", out["answer"])
}

func TestChat(t *testing.T) {
	env := newMemoryEnv(t)
	id := env.create(t, "")

	status, out := env.do(t, http.MethodPost, "/sessions/"+id+"/chat", `{"action":"ask","message":"q"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "updated letter", out["answer"])

	status, out = env.do(t, http.MethodPost, "/sessions/"+id+"/chat",
		`{"action":"edit","message":"fix","current_letter":"updated letter"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "updated letter", out["updated_letter"])
	require.Equal(t, "no changes", out["change_summary"])

	status, _ = env.do(t, http.MethodPost, "/sessions/"+id+"/chat", `{"action":"edit","message":"fix"}`)
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodPost, "/sessions/"+id+"/chat", `{"action":"draft","message":"x"}`)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestFinalize(t *testing.T) {
	dir := t.TempDir()
	sink, err := archive.NewDirSink(dir)
	require.NoError(t, err)
	finalized := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env := newMemoryEnv(t, WithSink(sink), WithClock(func() time.Time { return finalized }))
	id := env.create(t, "")

	status, out := env.do(t, http.MethodPost, "/sessions/"+id+"/finalize",
		`{"letter":"الخطاب النهائي","title":"خطاب","footer":"الإدارة"}`)
	require.Equal(t, http.StatusCreated, status)
	location := out["location"].(string)
	require.Equal(t, filepath.Join(dir, id+"-20260301T100000Z.txt"), location)

	data, err := os.ReadFile(location)
	require.NoError(t, err)
	require.Contains(t, string(data), "الخطاب النهائي")

	status, _ = env.do(t, http.MethodPost, "/sessions/"+id+"/finalize", `{"title":"x"}`)
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodPost, "/sessions/missing/finalize", `{"letter":"x"}`)
	require.Equal(t, http.StatusNotFound, status)
}

func TestFinalize_WithoutSink(t *testing.T) {
	env := newMemoryEnv(t)
	id := env.create(t, "")

	status, _ := env.do(t, http.MethodPost, "/sessions/"+id+"/finalize", `{"letter":"x"}`)
	require.Equal(t, http.StatusServiceUnavailable, status)
}

func TestHealth(t *testing.T) {
	env := newMemoryEnv(t)
	env.create(t, "")
	env.create(t, "")

	status, out := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", out["status"])
	require.Equal(t, float64(2), out["active_sessions"])
}

func signToken(t *testing.T, secret string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": expires.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuth(t *testing.T) {
	const secret = "test-secret"
	env := newMemoryEnv(t, WithJWTSecret(secret))

	status, _ := env.do(t, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, status)

	valid := signToken(t, secret, time.Now().Add(time.Hour))
	status, _ = env.do(t, http.MethodPost, "/sessions", "", "Authorization", "Bearer "+valid)
	require.Equal(t, http.StatusCreated, status)

	expired := signToken(t, secret, time.Now().Add(-time.Hour))
	status, _ = env.do(t, http.MethodGet, "/sessions", "", "Authorization", "Bearer "+expired)
	require.Equal(t, http.StatusUnauthorized, status)

	forged := signToken(t, "other-secret", time.Now().Add(time.Hour))
	status, _ = env.do(t, http.MethodGet, "/sessions", "", "Authorization", "Bearer "+forged)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestStatusFor_ContextErrors(t *testing.T) {
	acquire := func(err error) error { return fmt.Errorf("edit abc: acquire session: %w", err) }

	status, msg := statusFor(acquire(context.DeadlineExceeded))
	require.Equal(t, http.StatusGatewayTimeout, status)
	require.Equal(t, "request timed out", msg)

	status, _ = statusFor(acquire(context.Canceled))
	require.Equal(t, http.StatusRequestTimeout, status)

	// a model timeout keeps its own message
	status, msg = statusFor(fmt.Errorf("%w after 1s: %w", llm.ErrTimeout, context.DeadlineExceeded))
	require.Equal(t, http.StatusGatewayTimeout, status)
	require.Equal(t, "letter generation timed out", msg)
}

func TestEdit_ClientGone(t *testing.T) {
	store := session.NewMemoryStore()
	guard := session.NewLocalGuard()
	api := New(store, conversation.New(store, guard, &stubGenerator{out: "x"}))

	sess, err := store.Create(context.Background(), "")
	require.NoError(t, err)
	release, err := guard.Acquire(context.Background(), sess.ID)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/edit",
		strings.NewReader(`{"current_letter":"letter","feedback":"fix"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestTimeout, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mark("outer"), mark("inner"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}

// Two servers over one SQLite file behave like two worker processes.
func TestWorkersShareSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	open := func() *testEnv {
		b, err := session.Open(session.StoreTypeSQLite, session.WithSQLitePath(path), session.WithWorkers(2))
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return newEnv(t, b.Store, b.Guard)
	}
	workerA, workerB := open(), open()

	id := workerA.create(t, "")

	status, _ := workerB.do(t, http.MethodPost, "/sessions/"+id+"/edit", `{"current_letter":"a","feedback":"b"}`)
	require.Equal(t, http.StatusOK, status)

	status, out := workerA.do(t, http.MethodGet, "/sessions/"+id+"/status", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(2), out["message_count"])

	status, _ = workerB.do(t, http.MethodDelete, "/sessions/"+id, "")
	require.Equal(t, http.StatusOK, status)
	status, _ = workerA.do(t, http.MethodGet, "/sessions/"+id+"/status", "")
	require.Equal(t, http.StatusNotFound, status)
}
