package cli

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/fmueller/tsscribe/internal/audio/audiotest"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runCommandContext(t, context.Background(), args)
}

func runCommandContext(t *testing.T, ctx context.Context, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.ExecuteContext(ctx)
	return outBuf.String(), errBuf.String(), err
}

// toolchain is a sandbox with stub ffmpeg and whisper-cli executables and a
// placeholder model, so the full convert pipeline runs without real tools.
type toolchain struct {
	ffmpeg    string
	whisper   string
	model     string
	modelDir  string
	outputDir string
	inputDir  string
}

func newToolchain(t *testing.T) toolchain {
	t.Helper()
	root := t.TempDir()

	tone := make([]int16, 16000)
	for i := range tone {
		tone[i] = int16(9000 * math.Sin(float64(i)/6))
	}
	fixture := filepath.Join(root, "fixture.wav")
	audiotest.WritePCM16(t, fixture, tone, 16000, 1)

	ffmpeg := filepath.Join(root, "ffmpeg")
	require.NoError(t, os.WriteFile(ffmpeg, []byte(`#!/bin/sh
in=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-i" ]; then in="$arg"; fi
  prev="$arg"
done
for last; do :; done
if grep -q corrupt "$in"; then
  echo "Invalid data found when processing input" >&2
  exit 1
fi
cp "`+fixture+`" "$last"
`), 0o755))

	whisper := filepath.Join(root, "whisper-cli")
	require.NoError(t, os.WriteFile(whisper, []byte(`#!/bin/sh
out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-of" ]; then out="$arg"; fi
  prev="$arg"
done
printf 'hello\nworld\n' > "$out.txt"
`), 0o755))

	model := filepath.Join(root, "ggml-test.bin")
	require.NoError(t, os.WriteFile(model, []byte("ggml"), 0o644))

	tc := toolchain{
		ffmpeg:    ffmpeg,
		whisper:   whisper,
		model:     model,
		modelDir:  filepath.Join(root, "models"),
		outputDir: filepath.Join(root, "outputs"),
		inputDir:  filepath.Join(root, "inputs"),
	}
	require.NoError(t, os.MkdirAll(tc.inputDir, 0o755))
	return tc
}

func (tc toolchain) flags(extra ...string) []string {
	return append([]string{
		"--ffmpeg", tc.ffmpeg,
		"--whisper-path", tc.whisper,
		"--model", tc.model,
		"--model-dir", tc.modelDir,
		"--output-dir", tc.outputDir,
		"--no-progress",
	}, extra...)
}

func (tc toolchain) input(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(tc.inputDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readDocumentXML(t *testing.T, path string) string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			require.NoError(t, err)
			defer rc.Close()
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			return string(data)
		}
	}
	t.Fatalf("no word/document.xml in %s", path)
	return ""
}
