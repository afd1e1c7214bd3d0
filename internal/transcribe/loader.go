package transcribe

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fmueller/tsscribe/internal/download"
	"github.com/fmueller/tsscribe/internal/whisper"
	"go.uber.org/zap"
)

// Model is a loaded recognizer: an engine bound to one model file.
type Model struct {
	Name   string
	Path   string
	Engine whisper.Engine
}

// Loader produces the Model on first use. It is only ever called from the
// worker goroutine.
type Loader func(ctx context.Context) (*Model, error)

type LoaderOptions struct {
	Model        string
	ModelDir     string
	EnginePath   string
	AutoDownload bool
	NoProgress   bool
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// NewWhisperLoader resolves the named ggml model, fetching it when missing
// and AutoDownload is set, and locates whisper-cli.
func NewWhisperLoader(opts LoaderOptions) Loader {
	return func(ctx context.Context) (*Model, error) {
		logger := opts.Logger
		if logger == nil {
			logger = zap.NewNop()
		}

		resolved, err := whisper.ResolveModel(opts.Model, opts.ModelDir)
		if err != nil {
			return nil, err
		}

		if resolved.NeedsDownload {
			if !opts.AutoDownload {
				return nil, fmt.Errorf("model %q is not installed in %s; run tsscribe setup", resolved.Name, opts.ModelDir)
			}
			logger.Info("downloading model", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
			if err := download.DownloadFile(ctx, download.Options{
				URL:              resolved.URL,
				Destination:      resolved.Path,
				ExpectedChecksum: resolved.Checksum,
				NoProgress:       opts.NoProgress,
				HTTPClient:       opts.HTTPClient,
				Logger:           logger,
			}); err != nil {
				return nil, fmt.Errorf("download model %s: %w", resolved.Name, err)
			}
		}

		engine, err := whisper.NewCLIEngine(opts.EnginePath, logger)
		if err != nil {
			return nil, err
		}

		return &Model{Name: resolved.Name, Path: resolved.Path, Engine: engine}, nil
	}
}
