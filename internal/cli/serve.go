package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/fmueller/tsscribe/internal/metrics"
	"github.com/fmueller/tsscribe/internal/server"
	"github.com/fmueller/tsscribe/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(app *appState) *cobra.Command {
	var address string
	var maxUploadMB int64

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload form and conversion endpoint over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				app.cfg.Server.Address = address
			}
			if cmd.Flags().Changed("max-upload-mb") {
				app.cfg.Server.MaxUploadMB = maxUploadMB
			}
			if err := app.cfg.Validate(); err != nil {
				return err
			}
			return app.serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&address, "addr", "", "Listen address, host:port (default from config)")
	cmd.Flags().Int64Var(&maxUploadMB, "max-upload-mb", 0, "Request body limit in MB (default from config)")
	return cmd
}

func (a *appState) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !a.verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	a.metrics = metrics.New()

	processor, svc, err := a.components()
	if err != nil {
		return err
	}

	cfg := a.cfg
	srv := server.New(server.Options{
		Address:           cfg.Server.Address,
		MaxUploadBytes:    cfg.MaxUploadBytes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Version:           version.Current(),
		Logger:            a.log().Named("http"),
		Metrics:           a.metrics,
	}, processor)

	a.log().Info("starting tsscribe",
		zap.String("version", version.Current().String()),
		zap.String("address", cfg.Server.Address),
		zap.String("output_dir", cfg.Output.Dir),
		zap.String("model", cfg.Whisper.Model),
		zap.Bool("fail_fast", cfg.Batch.FailFast),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	return g.Wait()
}
