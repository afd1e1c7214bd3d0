package document

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func readDocumentXML(t *testing.T, path string) string {
	t.Helper()

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(content)
	}
	t.Fatalf("word/document.xml not found in %s", path)
	return ""
}

func TestWriteCreatesHeadingAndParagraph(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "outputs", "lecture.docx")
	require.NoError(t, Write(path, "Transcription - lecture.ts", "hello world"))

	xml := readDocumentXML(t, path)
	require.Contains(t, xml, "Transcription - lecture.ts")
	require.Contains(t, xml, "hello world")
	require.Contains(t, xml, `w:val="Title"`)
}

func TestWriteOverwritesWithoutLeavingTemporaries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "lecture.docx")
	require.NoError(t, Write(path, "Transcription - lecture.ts", "first take"))
	require.NoError(t, Write(path, "Transcription - lecture.ts", "second take"))

	xml := readDocumentXML(t, path)
	require.Contains(t, xml, "second take")
	require.NotContains(t, xml, "first take")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "lecture.docx", entries[0].Name())
}

func TestWriteRendersFailureBody(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.docx")
	var w Writer
	require.NoError(t, w.Write(path, "Transcription - broken.ts", "Error processing file: exit status 1"))
	require.Contains(t, readDocumentXML(t, path), "Error processing file: exit status 1")
}

func TestWriteRequiresPath(t *testing.T) {
	t.Parallel()

	require.Error(t, Write(" ", "title", "body"))
}
