package whisper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveModelDefaultIsSmallestEnglishModel(t *testing.T) {
	t.Parallel()

	modelDir := t.TempDir()
	resolved, err := ResolveModel("", modelDir)
	require.NoError(t, err)
	require.Equal(t, "tiny.en", resolved.Name)
	require.Equal(t, filepath.Join(modelDir, "ggml-tiny.en.bin"), resolved.Path)
	require.True(t, resolved.NeedsDownload)
	require.False(t, resolved.IsCustomPath)

	model, ok := LookupModel(DefaultModel)
	require.True(t, ok)
	require.True(t, model.EnglishOnly)
}

func TestResolveModelExistingNamedModel(t *testing.T) {
	t.Parallel()

	modelDir := t.TempDir()
	modelPath := filepath.Join(modelDir, "ggml-base.en.bin")
	require.NoError(t, os.WriteFile(modelPath, []byte("ok"), 0o644))

	resolved, err := ResolveModel("base.en", modelDir)
	require.NoError(t, err)
	require.Equal(t, modelPath, resolved.Path)
	require.False(t, resolved.NeedsDownload)
}

func TestResolveModelCustomPath(t *testing.T) {
	t.Parallel()

	custom := filepath.Join(t.TempDir(), "custom.bin")
	require.NoError(t, os.WriteFile(custom, []byte("x"), 0o644))

	resolved, err := ResolveModel(custom, "")
	require.NoError(t, err)
	require.True(t, resolved.IsCustomPath)
	require.Equal(t, custom, resolved.Path)
	require.Equal(t, "custom.bin", resolved.Name)
}

func TestResolveModelErrors(t *testing.T) {
	t.Parallel()

	_, err := ResolveModel("super-huge", t.TempDir())
	require.ErrorContains(t, err, "unknown model")

	_, err = ResolveModel("tiny.en", " ")
	require.ErrorContains(t, err, "model directory must not be empty")

	_, err = ResolveModel(filepath.Join(t.TempDir(), "missing.bin"), t.TempDir())
	require.ErrorContains(t, err, "custom model path does not exist")
}

func TestRegistryModelsHavePinnedChecksums(t *testing.T) {
	t.Parallel()

	for _, name := range ModelNames() {
		model, ok := LookupModel(name)
		require.True(t, ok)
		require.Containsf(t, []int{40, 64}, len(model.Checksum), "model %s should have a pinned sha1 or sha256", name)
		require.Contains(t, model.URL, model.FileName)
	}
}
