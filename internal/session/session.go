// Package session owns the lifecycle of letter-editing sessions: creation,
// lookup, history appends, inactivity expiry and removal. Backends share one
// Store contract so that a deployment with several worker processes can point
// every worker at the same SQLite file or Redis instance.
package session

import (
	"slices"
	"time"
)

// Message roles recorded in a session history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a session's conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a copy of one editing conversation. Mutating it does not change
// the stored state.
type Session struct {
	ID             string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	OriginalLetter string    `json:"original_letter,omitempty"`
	History        []Message `json:"history"`
}

// ExpiresAt is the instant after which the session is logically absent.
func (s *Session) ExpiresAt(timeout time.Duration) time.Time {
	return s.LastAccessedAt.Add(timeout)
}

// Summarize builds the diagnostic view of s.
func (s *Session) Summarize(timeout time.Duration) Summary {
	return Summary{
		ID:                s.ID,
		CreatedAt:         s.CreatedAt,
		LastAccessedAt:    s.LastAccessedAt,
		ExpiresAt:         s.ExpiresAt(timeout),
		MessageCount:      len(s.History),
		HasOriginalLetter: s.OriginalLetter != "",
	}
}

func (s *Session) clone() *Session {
	out := *s
	out.History = slices.Clone(s.History)
	if out.History == nil {
		out.History = []Message{}
	}
	return &out
}

// Summary describes a live session without its history.
type Summary struct {
	ID                string    `json:"session_id"`
	CreatedAt         time.Time `json:"created_at"`
	LastAccessedAt    time.Time `json:"last_accessed_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	MessageCount      int       `json:"message_count"`
	HasOriginalLetter bool      `json:"has_original_letter"`
}

// Entry is the minimal record the sweeper enumerates.
type Entry struct {
	ID             string
	LastAccessedAt time.Time
}

func expired(lastAccessed, now time.Time, timeout time.Duration) bool {
	return now.Sub(lastAccessed) > timeout
}

func sortSummaries(list []Summary) {
	slices.SortFunc(list, func(a, b Summary) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
