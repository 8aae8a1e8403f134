// Package mcpserver exposes letter-editing sessions as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/comigor/khitab/internal/conversation"
	"github.com/comigor/khitab/internal/llm"
	"github.com/comigor/khitab/internal/logger"
	"github.com/comigor/khitab/internal/session"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Conversation is the edit/ask surface the tools call.
type Conversation interface {
	Edit(ctx context.Context, id, currentLetter, feedback string) (string, error)
	Ask(ctx context.Context, id, question, currentLetter string) (string, error)
}

// Tools implements the tool handlers.
type Tools struct {
	store session.Store
	conv  Conversation
}

// NewTools creates the tool handlers.
func NewTools(store session.Store, conv Conversation) *Tools {
	return &Tools{store: store, conv: conv}
}

// NewServer registers every tool on a new MCP server.
func NewServer(t *Tools, version string) *server.MCPServer {
	s := server.NewMCPServer("khitab", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Start a letter-editing session. Returns the session id."),
		mcp.WithString("original_letter", mcp.Description("The letter as first generated, kept as context for later edits")),
	), t.CreateSession)

	s.AddTool(mcp.NewTool("edit_letter",
		mcp.WithDescription("Apply one piece of feedback to the current letter and return the full updated letter."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id from create_session")),
		mcp.WithString("current_letter", mcp.Required(), mcp.Description("The letter as it currently reads")),
		mcp.WithString("feedback", mcp.Required(), mcp.Description("What to change")),
	), t.EditLetter)

	s.AddTool(mcp.NewTool("ask_question",
		mcp.WithDescription("Ask a question about the letter without changing it."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id from create_session")),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question")),
		mcp.WithString("current_letter", mcp.Description("The letter as it currently reads")),
	), t.AskQuestion)

	s.AddTool(mcp.NewTool("session_status",
		mcp.WithDescription("Report a session's timestamps, expiry and message count."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	), t.SessionStatus)

	s.AddTool(mcp.NewTool("delete_session",
		mcp.WithDescription("Delete a session. Deleting an unknown session is not an error."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	), t.DeleteSession)

	return s
}

// ServeStdio serves s on stdin and stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// failure reports an operation error to the client as a tool error.
// Unexpected errors are returned to the server instead.
func failure(tool string, err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return mcp.NewToolResultError("session not found or expired"), nil
	case errors.Is(err, conversation.ErrInvalidInput):
		return mcp.NewToolResultError(err.Error()), nil
	case errors.Is(err, llm.ErrTimeout):
		return mcp.NewToolResultError("letter generation timed out"), nil
	case errors.Is(err, llm.ErrGenerationFailed):
		return mcp.NewToolResultError("letter generation failed"), nil
	}
	logger.L.Error("MCP tool failed", "tool", tool, "error", err)
	return nil, err
}

// CreateSession handles create_session.
func (t *Tools) CreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := t.store.Create(ctx, req.GetString("original_letter", ""))
	if err != nil {
		return failure("create_session", err)
	}
	return jsonResult(map[string]any{
		"session_id": sess.ID,
		"created_at": sess.CreatedAt,
		"expires_in": int64(t.store.Timeout().Seconds()),
	})
}

// EditLetter handles edit_letter.
func (t *Tools) EditLetter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	current, err := req.RequireString("current_letter")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	feedback, err := req.RequireString("feedback")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	updated, err := t.conv.Edit(ctx, id, current, feedback)
	if err != nil {
		return failure("edit_letter", err)
	}
	return mcp.NewToolResultText(updated), nil
}

// AskQuestion handles ask_question.
func (t *Tools) AskQuestion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	answer, err := t.conv.Ask(ctx, id, question, req.GetString("current_letter", ""))
	if err != nil {
		return failure("ask_question", err)
	}
	return mcp.NewToolResultText(answer), nil
}

// SessionStatus handles session_status.
func (t *Tools) SessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := t.store.Get(ctx, id)
	if err != nil {
		return failure("session_status", err)
	}
	return jsonResult(sess.Summarize(t.store.Timeout()))
}

// DeleteSession handles delete_session.
func (t *Tools) DeleteSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	existed, err := t.store.Delete(ctx, id)
	if err != nil {
		return failure("delete_session", err)
	}
	return jsonResult(map[string]bool{"deleted": existed})
}
