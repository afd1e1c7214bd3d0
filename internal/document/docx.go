// Package document renders transcripts as Word documents.
package document

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomutex/godocx"
)

const titleLevel = 0

// Writer writes documents with Write. It exists so callers can depend on an
// interface and swap it in tests.
type Writer struct{}

func (Writer) Write(path, title, body string) error {
	return Write(path, title, body)
}

// Write creates a document with a Title-style heading and a single body
// paragraph and saves it to path, replacing any existing file.
func Write(path, title, body string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("document path is required")
	}

	doc, err := godocx.NewDocument()
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	if _, err := doc.AddHeading(title, titleLevel); err != nil {
		return fmt.Errorf("add heading: %w", err)
	}
	doc.AddParagraph(body)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create document directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary document: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temporary document: %w", err)
	}

	if err := doc.SaveTo(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save document: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move document into place: %w", err)
	}
	return nil
}
