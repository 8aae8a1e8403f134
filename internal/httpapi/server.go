// Package httpapi exposes letter-editing sessions as a JSON HTTP API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/comigor/khitab/internal/archive"
	"github.com/comigor/khitab/internal/conversation"
	"github.com/comigor/khitab/internal/session"
	"github.com/google/uuid"
)

var errNoSink = errors.New("no archive configured")

// Conversation is the edit/ask surface the handlers call.
type Conversation interface {
	Edit(ctx context.Context, id, currentLetter, feedback string) (string, error)
	Ask(ctx context.Context, id, question, currentLetter string) (string, error)
}

// Server holds the handler dependencies.
type Server struct {
	store     session.Store
	conv      Conversation
	sink      archive.Sink
	jwtSecret string
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithSink enables POST /sessions/{id}/finalize.
func WithSink(sink archive.Sink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithJWTSecret requires HS256 bearer tokens on every route but /healthz.
func WithJWTSecret(secret string) Option {
	return func(s *Server) { s.jwtSecret = secret }
}

// WithClock overrides the clock used for finalization dates.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server.
func New(store session.Store, conv Conversation, opts ...Option) *Server {
	s := &Server{store: store, conv: conv, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreate)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDelete)
	mux.HandleFunc("GET /sessions/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /sessions/{id}/extend", s.handleExtend)
	mux.HandleFunc("POST /sessions/{id}/edit", s.handleEdit)
	mux.HandleFunc("POST /sessions/{id}/ask", s.handleAsk)
	mux.HandleFunc("POST /sessions/{id}/chat", s.handleChat)
	mux.HandleFunc("POST /sessions/{id}/finalize", s.handleFinalize)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	middlewares := []func(http.Handler) http.Handler{LoggingMiddleware, RecoverMiddleware}
	if s.jwtSecret != "" {
		middlewares = append(middlewares, AuthMiddleware(s.jwtSecret, "/healthz"))
	}
	return Chain(middlewares...)(mux)
}

type createResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresIn int64     `json:"expires_in"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(w, r, &req, true); err != nil {
		writeFailure(w, r, err)
		return
	}

	sess, err := s.store.Create(r.Context(), req.OriginalLetter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
		ExpiresIn: int64(s.store.Timeout() / time.Second),
	})
}

type listResponse struct {
	Total    int               `json:"total"`
	Sessions []session.Summary `json:"sessions"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListActive(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Total: len(sessions), Sessions: sessions})
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	existed, err := s.store.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: existed})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Summarize(s.store.Timeout()))
}

type extendResponse struct {
	NewExpiration time.Time `json:"new_expiration"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	last, err := s.store.Touch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extendResponse{NewExpiration: last.Add(s.store.Timeout())})
}

type editResponse struct {
	UpdatedLetter string `json:"updated_letter"`
	ChangeSummary string `json:"change_summary,omitempty"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decode(w, r, &req, false); err != nil {
		writeFailure(w, r, err)
		return
	}

	updated, err := s.conv.Edit(r.Context(), r.PathValue("id"), req.CurrentLetter, req.Feedback)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, editResponse{
		UpdatedLetter: updated,
		ChangeSummary: conversation.SummarizeChange(req.CurrentLetter, updated),
	})
}

type askResponse struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decode(w, r, &req, false); err != nil {
		writeFailure(w, r, err)
		return
	}

	answer, err := s.conv.Ask(r.Context(), r.PathValue("id"), req.Question, req.CurrentLetter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: answer})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(w, r, &req, false); err != nil {
		writeFailure(w, r, err)
		return
	}

	id := r.PathValue("id")
	if req.Action == "ask" {
		answer, err := s.conv.Ask(r.Context(), id, req.Message, req.CurrentLetter)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, askResponse{Answer: answer})
		return
	}

	updated, err := s.conv.Edit(r.Context(), id, req.CurrentLetter, req.Message)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, editResponse{
		UpdatedLetter: updated,
		ChangeSummary: conversation.SummarizeChange(req.CurrentLetter, updated),
	})
}

type finalizeResponse struct {
	Location string `json:"location"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decode(w, r, &req, false); err != nil {
		writeFailure(w, r, err)
		return
	}
	if s.sink == nil {
		writeFailure(w, r, errNoSink)
		return
	}

	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	location, err := s.sink.Save(r.Context(), archive.Document{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Title:       req.Title,
		Body:        req.Letter,
		Footer:      req.Footer,
		CreatedAt:   sess.CreatedAt,
		FinalizedAt: s.now().UTC(),
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, finalizeResponse{Location: location})
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CountActive(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", ActiveSessions: count})
}
