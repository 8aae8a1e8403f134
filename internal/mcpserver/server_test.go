package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/comigor/khitab/internal/conversation"
	"github.com/comigor/khitab/internal/llm"
	"github.com/comigor/khitab/internal/session"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	out string
	err error
}

func (g *stubGenerator) Generate(context.Context, llm.Request) (string, error) {
	return g.out, g.err
}

func newTools(t *testing.T) (*Tools, session.Store, *stubGenerator) {
	t.Helper()
	store := session.NewMemoryStore()
	gen := &stubGenerator{out: "الخطاب المعدل"}
	return NewTools(store, conversation.New(store, session.NewLocalGuard(), gen)), store, gen
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	content, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return content.Text
}

func createSession(t *testing.T, tools *Tools, original string) string {
	t.Helper()
	res, err := tools.CreateSession(context.Background(), call("create_session", map[string]any{"original_letter": original}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	id, _ := out["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestTools_EditFlow(t *testing.T) {
	ctx := context.Background()
	tools, store, _ := newTools(t)
	id := createSession(t, tools, "الخطاب الأصلي")

	res, err := tools.EditLetter(ctx, call("edit_letter", map[string]any{
		"session_id":     id,
		"current_letter": "الخطاب الأصلي",
		"feedback":       "اجعل التحية أكثر رسمية",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "الخطاب المعدل", text(t, res))

	res, err = tools.SessionStatus(ctx, call("session_status", map[string]any{"session_id": id}))
	require.NoError(t, err)
	var summary session.Summary
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &summary))
	require.Equal(t, 2, summary.MessageCount)
	require.True(t, summary.HasOriginalLetter)

	res, err = tools.DeleteSession(ctx, call("delete_session", map[string]any{"session_id": id}))
	require.NoError(t, err)
	require.JSONEq(t, `{"deleted":true}`, text(t, res))

	res, err = tools.DeleteSession(ctx, call("delete_session", map[string]any{"session_id": id}))
	require.NoError(t, err)
	require.JSONEq(t, `{"deleted":false}`, text(t, res))

	_, err = store.Get(ctx, id)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestTools_Ask(t *testing.T) {
	tools, _, gen := newTools(t)
	id := createSession(t, tools, "")
	gen.out = "نعم"

	res, err := tools.AskQuestion(context.Background(), call("ask_question", map[string]any{
		"session_id": id,
		"question":   "هل الخطاب رسمي؟",
	}))
	require.NoError(t, err)
	require.Equal(t, "نعم", text(t, res))
}

func TestTools_Errors(t *testing.T) {
	ctx := context.Background()
	tools, _, gen := newTools(t)

	res, err := tools.SessionStatus(ctx, call("session_status", map[string]any{"session_id": "missing"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "session not found or expired", text(t, res))

	res, err = tools.EditLetter(ctx, call("edit_letter", map[string]any{"session_id": "x"}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	id := createSession(t, tools, "")
	gen.err = fmt.Errorf("%w after 60s", llm.ErrTimeout)
	res, err = tools.EditLetter(ctx, call("edit_letter", map[string]any{
		"session_id":     id,
		"current_letter": "a",
		"feedback":       "b",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "letter generation timed out", text(t, res))
}

func TestNewServer_ListsTools(t *testing.T) {
	tools, _, _ := newTools(t)
	s := NewServer(tools, "test")

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	for _, name := range []string{"create_session", "edit_letter", "ask_question", "session_status", "delete_session"} {
		require.Contains(t, string(raw), `"`+name+`"`)
	}
}
