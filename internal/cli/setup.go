package cli

import (
	"fmt"

	"github.com/fmueller/tsscribe/internal/download"
	"github.com/fmueller/tsscribe/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modelDir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			resolved, err := whisper.ResolveModel(app.cfg.Whisper.Model, modelDir)
			if err != nil {
				return err
			}
			if resolved.IsCustomPath {
				return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
			}

			if !resolved.NeedsDownload && resolved.Checksum != "" {
				if err := download.VerifyFileChecksum(resolved.Path, resolved.Checksum); err != nil {
					app.log().Warn("model checksum verification failed; downloading fresh copy", zap.String("model", resolved.Name), zap.Error(err))
					resolved.NeedsDownload = true
				}
			}

			if !resolved.NeedsDownload {
				app.log().Info("model already present", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
				fmt.Fprintf(cmd.OutOrStdout(), "Model %s already present at %s\n", resolved.Name, resolved.Path)
			} else {
				app.log().Info("downloading model", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
				if err := download.DownloadFile(cmd.Context(), download.Options{
					URL:              resolved.URL,
					Destination:      resolved.Path,
					ExpectedChecksum: resolved.Checksum,
					NoProgress:       !app.progressEnabled(),
					Logger:           app.log(),
				}); err != nil {
					return fmt.Errorf("download model %s: %w", resolved.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Model %s installed at %s\n", resolved.Name, resolved.Path)
			}

			if _, err := whisper.NewCLIEngine(app.cfg.Whisper.EnginePath, app.log()); err != nil {
				app.log().Warn("whisper engine not found; transcription will fail until it is installed", zap.Error(err))
			}
			if !app.newTranscoder(app.cfg).Available() {
				app.log().Warn("ffmpeg not found; transcoding will fail until it is installed", zap.String("ffmpeg", app.cfg.Transcode.FFmpegPath))
			}
			return nil
		},
	}
	return cmd
}
