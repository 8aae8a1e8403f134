// Package archive stores finalized letters outside the session store.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/comigor/khitab/internal/config"
)

// ErrInvalidDocument is returned for a document without a body or session.
var ErrInvalidDocument = errors.New("invalid document")

// Document is a finalized letter.
type Document struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Footer      string    `json:"footer"`
	CreatedAt   time.Time `json:"created_at"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Validate checks the fields every sink relies on.
func (d Document) Validate() error {
	if d.SessionID == "" {
		return fmt.Errorf("%w: session_id is empty", ErrInvalidDocument)
	}
	if strings.TrimSpace(d.Body) == "" {
		return fmt.Errorf("%w: body is empty", ErrInvalidDocument)
	}
	return nil
}

// Sink receives finalized documents and reports where each one went.
type Sink interface {
	Save(ctx context.Context, doc Document) (location string, err error)
}

// New builds the sink named by cfg. It returns a nil Sink for backend "none".
func New(cfg config.ArchiveConfig) (Sink, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "dir":
		sink, err := NewDirSink(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "supabase":
		sink, err := NewSupabaseSink(cfg.SupabaseURL, cfg.SupabaseKey, cfg.Table)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
