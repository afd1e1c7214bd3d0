// Package server exposes the transcription pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fmueller/tsscribe/internal/metrics"
	"github.com/fmueller/tsscribe/internal/pipeline"
	"github.com/fmueller/tsscribe/internal/version"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	rootPath    = "/"
	healthPath  = "/health"
	metricsPath = "/metrics"
)

// BatchProcessor runs one upload batch. *pipeline.Processor implements it.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, uploads []pipeline.Upload) *pipeline.Report
	OutputDir() string
}

type Options struct {
	Address           string
	MaxUploadBytes    int64
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Version           version.Info
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

type Server struct {
	opts       Options
	processor  BatchProcessor
	logger     *zap.Logger
	router     *gin.Engine
	httpServer *http.Server
}

func New(opts Options, processor BatchProcessor) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{opts: opts, processor: processor, logger: logger}

	router := gin.New()
	router.Use(RequestID())
	router.Use(AccessLog(logger))
	router.Use(Metrics(opts.Metrics))
	router.Use(Recovery(logger))

	router.GET(rootPath, s.handleForm)
	router.POST(rootPath, s.handleUpload)
	router.GET(healthPath, s.handleHealth)
	if opts.Metrics != nil {
		router.GET(metricsPath, gin.WrapH(opts.Metrics.Handler()))
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:              opts.Address,
		Handler:           router,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}
	return s
}

// Router returns the gin engine (useful for testing).
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Address, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("http server listening", zap.String("address", listener.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
