package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fmueller/tsscribe/internal/pipeline"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errBatchIncomplete = errors.New("batch did not complete")

func newConvertCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <file.ts>...",
		Short: "Convert local .ts files into transcript documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploads, err := app.localUploads(args)
			if err != nil {
				return err
			}

			processor, svc, err := app.components()
			if err != nil {
				return err
			}
			stopService := runService(cmd.Context(), svc)
			defer stopService()

			progress := newBatchProgress(app.progressEnabled(), cmd.ErrOrStderr(), len(uploads))
			report := processor.ProcessBatch(cmd.Context(), progress.track(uploads))
			progress.finish()

			fmt.Fprintln(cmd.OutOrStdout(), report.Summary())
			for _, f := range report.Files {
				app.log().Debug("file outcome", zap.String("file", f.Name), zap.String("status", string(f.Status)), zap.String("document", f.Document))
			}
			app.log().Info("batch finished", zap.Any("counts", report.Counts()), zap.Bool("aborted", report.Aborted))

			if report.Aborted || len(report.Failures()) > 0 {
				return fmt.Errorf("%w: %d of %d file(s) failed", errBatchIncomplete, len(report.Failures()), len(uploads))
			}
			return nil
		},
	}
	return cmd
}

// localUploads adapts file arguments to pipeline uploads. Sources inside the
// output directory are rejected because the pipeline writes and then removes
// its working copy there.
func (a *appState) localUploads(paths []string) ([]pipeline.Upload, error) {
	outputDir, err := filepath.Abs(a.cfg.Output.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("input file not found: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("input %s is a directory", path)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve input %s: %w", path, err)
		}
		if filepath.Dir(abs) == outputDir {
			return nil, fmt.Errorf("input %s is inside the output directory %s; move it elsewhere first", path, a.cfg.Output.Dir)
		}
	}

	return lo.Map(paths, func(path string, _ int) pipeline.Upload {
		return pipeline.Upload{
			Name: filepath.Base(path),
			Open: func() (io.ReadCloser, error) { return os.Open(path) },
		}
	}), nil
}
