package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirSink writes each document as a UTF-8 text file in a directory.
type DirSink struct {
	dir string
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

func render(doc Document) string {
	var b strings.Builder
	if doc.Title != "" {
		b.WriteString(doc.Title)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(doc.Body))
	b.WriteString("\n")
	if doc.Footer != "" {
		b.WriteString("\n")
		b.WriteString(doc.Footer)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString("التاريخ: ")
	b.WriteString(doc.FinalizedAt.Format("2006-01-02"))
	b.WriteString("\n")
	return b.String()
}

// Save implements Sink. The file appears under its final name only once it
// is completely written.
func (s *DirSink) Save(ctx context.Context, doc Document) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%s.txt", doc.SessionID, doc.FinalizedAt.UTC().Format("20060102T150405Z"))
	final := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".letter-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(render(doc)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write letter: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close letter: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("store letter: %w", err)
	}
	return final, nil
}
