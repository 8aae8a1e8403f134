package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/comigor/khitab/internal/logger"
	"github.com/supabase-community/supabase-go"
)

const defaultTable = "letters"

// rowInserter is the slice of the Supabase client the sink uses.
type rowInserter interface {
	InsertRow(table string, row any) ([]byte, error)
}

type supabaseInserter struct {
	client *supabase.Client
}

func (s supabaseInserter) InsertRow(table string, row any) ([]byte, error) {
	resp, _, err := s.client.From(table).Insert(row, false, "", "representation", "").Execute()
	return resp, err
}

// SupabaseSink inserts documents as rows of a Supabase table.
type SupabaseSink struct {
	db    rowInserter
	table string
}

// NewSupabaseSink connects to the project at url.
func NewSupabaseSink(url, key, table string) (*SupabaseSink, error) {
	if url == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if key == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return newSupabaseSink(supabaseInserter{client: client}, table), nil
}

func newSupabaseSink(db rowInserter, table string) *SupabaseSink {
	if table == "" {
		table = defaultTable
	}
	return &SupabaseSink{db: db, table: table}
}

// Save implements Sink. The location is "<table>/<row id>".
func (s *SupabaseSink) Save(ctx context.Context, doc Document) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	resp, err := s.db.InsertRow(s.table, doc)
	if err != nil {
		return "", fmt.Errorf("failed to insert letter: %w", err)
	}

	id := doc.ID
	var rows []Document
	if err := json.Unmarshal(resp, &rows); err == nil && len(rows) > 0 && rows[0].ID != "" {
		id = rows[0].ID
	}
	if id == "" {
		return "", fmt.Errorf("failed to insert letter: no row id returned")
	}

	logger.L.Info("Letter archived", "table", s.table, "id", id, "session_id", doc.SessionID)
	return s.table + "/" + id, nil
}
