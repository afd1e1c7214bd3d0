package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fmueller/tsscribe/internal/config"
	"github.com/fmueller/tsscribe/internal/document"
	"github.com/fmueller/tsscribe/internal/logging"
	"github.com/fmueller/tsscribe/internal/metrics"
	"github.com/fmueller/tsscribe/internal/pipeline"
	"github.com/fmueller/tsscribe/internal/platform"
	"github.com/fmueller/tsscribe/internal/transcode"
	"github.com/fmueller/tsscribe/internal/transcribe"
	"github.com/fmueller/tsscribe/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type appState struct {
	configPath string
	verbose    bool
	jsonLogs   bool
	noProgress bool

	// Flag values; applied over the loaded config only when set explicitly.
	outputDir    string
	model        string
	modelDir     string
	enginePath   string
	ffmpegPath   string
	threads      int
	failFast     bool
	autoDownload bool
	silenceGate  bool
	silenceDBFS  float64

	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	newTranscoderFn func(cfg *config.Config) pipeline.Transcoder
	newLoaderFn     func(cfg *config.Config) transcribe.Loader
}

func NewRootCmd() *cobra.Command {
	defaults := config.Default()
	app := &appState{
		outputDir:    defaults.Output.Dir,
		model:        defaults.Whisper.Model,
		ffmpegPath:   defaults.Transcode.FFmpegPath,
		failFast:     defaults.Batch.FailFast,
		autoDownload: defaults.Whisper.AutoDownload,
		silenceGate:  defaults.Whisper.SilenceGate,
		silenceDBFS:  defaults.Whisper.SilenceThresholdDBFS,
	}

	cmd := &cobra.Command{
		Use:           "tsscribe",
		Short:         "Transcribe transport-stream recordings into Word documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.initialize(cmd)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindGlobalFlags(cmd, app)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newConvertCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindGlobalFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", "", "Path to a YAML config file (default $"+config.PathEnv+")")
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	flags.StringVar(&app.outputDir, "output-dir", app.outputDir, "Directory for uploads, waveforms and documents")
	flags.StringVar(&app.model, "model", app.model, "Model name or model file path")
	flags.StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
	flags.StringVar(&app.enginePath, "whisper-path", app.enginePath, "Path to the whisper-cli executable")
	flags.StringVar(&app.ffmpegPath, "ffmpeg", app.ffmpegPath, "Path to the ffmpeg executable")
	flags.IntVar(&app.threads, "threads", app.threads, "Inference threads (0 lets whisper decide)")
	flags.BoolVar(&app.failFast, "fail-fast", app.failFast, "Abort a batch at the first file that fails (--fail-fast=false continues past failures)")
	flags.BoolVar(&app.autoDownload, "auto-download", app.autoDownload, "Automatically download missing models")
	flags.BoolVar(&app.silenceGate, "silence-gate", app.silenceGate, "Detect near-silent audio and skip transcription")
	flags.Float64Var(&app.silenceDBFS, "silence-threshold-dbfs", app.silenceDBFS, "Silence gate threshold in dBFS")
}

// initialize loads .env, the config file and environment, applies explicit
// flags on top, and builds the logger.
func (a *appState) initialize(cmd *cobra.Command) error {
	dotenv, err := config.LoadDotEnv()
	if err != nil {
		return err
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Verbose: a.verbose, JSON: cfg.Logging.JSON})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	if dotenv != "" {
		logger.Debug("loaded environment file", zap.String("path", dotenv))
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *appState) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("output-dir") {
		cfg.Output.Dir = a.outputDir
	}
	if changed("model") {
		cfg.Whisper.Model = a.model
	}
	if changed("model-dir") {
		cfg.Whisper.ModelDir = a.modelDir
	}
	if changed("whisper-path") {
		cfg.Whisper.EnginePath = a.enginePath
	}
	if changed("ffmpeg") {
		cfg.Transcode.FFmpegPath = a.ffmpegPath
	}
	if changed("threads") {
		cfg.Whisper.Threads = a.threads
	}
	if changed("fail-fast") {
		cfg.Batch.FailFast = a.failFast
	}
	if changed("auto-download") {
		cfg.Whisper.AutoDownload = a.autoDownload
	}
	if changed("silence-gate") {
		cfg.Whisper.SilenceGate = a.silenceGate
	}
	if changed("silence-threshold-dbfs") {
		cfg.Whisper.SilenceThresholdDBFS = a.silenceDBFS
	}
	if changed("json") {
		cfg.Logging.JSON = a.jsonLogs
	}
}

// components wires the pipeline for the current config. The caller must run
// the returned service.
func (a *appState) components() (*pipeline.Processor, *transcribe.Service, error) {
	cfg := a.cfg
	modelDir, err := a.modelStorageDir()
	if err != nil {
		return nil, nil, err
	}
	cfg.Whisper.ModelDir = modelDir

	newTranscoder := a.newTranscoderFn
	if newTranscoder == nil {
		newTranscoder = func(cfg *config.Config) pipeline.Transcoder { return a.newTranscoder(cfg) }
	}
	newLoader := a.newLoaderFn
	if newLoader == nil {
		newLoader = a.newLoader
	}

	svc := transcribe.NewService(transcribe.Options{
		Loader:               newLoader(cfg),
		Language:             cfg.Whisper.Language,
		Threads:              cfg.Whisper.Threads,
		QueueSize:            cfg.Whisper.QueueSize,
		Timeout:              cfg.Whisper.Timeout,
		SilenceGate:          cfg.Whisper.SilenceGate,
		SilenceThresholdDBFS: cfg.Whisper.SilenceThresholdDBFS,
		Logger:               a.log().Named("transcribe"),
		Metrics:              a.metrics,
	})

	processor := pipeline.New(pipeline.Options{
		OutputDir:   cfg.Output.Dir,
		FailFast:    cfg.Batch.FailFast,
		Transcoder:  newTranscoder(cfg),
		Transcriber: svc,
		Documents:   document.Writer{},
		Logger:      a.log().Named("pipeline"),
		Metrics:     a.metrics,
	})
	return processor, svc, nil
}

func (a *appState) newTranscoder(cfg *config.Config) *transcode.Transcoder {
	tc := transcode.New(a.log().Named("transcode"))
	tc.Executable = cfg.Transcode.FFmpegPath
	tc.SampleRate = cfg.Transcode.SampleRate
	tc.Timeout = cfg.Transcode.Timeout
	return tc
}

func (a *appState) newLoader(cfg *config.Config) transcribe.Loader {
	return transcribe.NewWhisperLoader(transcribe.LoaderOptions{
		Model:        cfg.Whisper.Model,
		ModelDir:     cfg.Whisper.ModelDir,
		EnginePath:   cfg.Whisper.EnginePath,
		AutoDownload: cfg.Whisper.AutoDownload,
		NoProgress:   !a.progressEnabled(),
		Logger:       a.log().Named("model"),
	})
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.cfg.Whisper.ModelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// runService starts svc and returns a stop function that waits for it.
func runService(ctx context.Context, svc *transcribe.Service) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
