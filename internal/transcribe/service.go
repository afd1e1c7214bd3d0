package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fmueller/tsscribe/internal/audio"
	"github.com/fmueller/tsscribe/internal/metrics"
	"github.com/fmueller/tsscribe/internal/whisper"
	"go.uber.org/zap"
)

const (
	DefaultLanguage         = "en"
	DefaultQueueSize        = 16
	DefaultTimeout          = 30 * time.Minute
	DefaultSilenceThreshold = -65.0
)

var ErrServiceClosed = errors.New("transcription service closed")

type Options struct {
	Loader    Loader
	Language  string
	Threads   int
	QueueSize int
	Timeout   time.Duration

	SilenceGate          bool
	SilenceThresholdDBFS float64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type job struct {
	ctx       context.Context
	audioPath string
	reply     chan Result
}

// Service owns the model. All inference runs on the goroutine executing Run,
// so the engine is never used concurrently.
type Service struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	jobs chan job
	done chan struct{}

	closeOnce sync.Once

	// worker-owned
	model *Model
}

func NewService(opts Options) *Service {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		jobs:    make(chan job, opts.QueueSize),
		done:    make(chan struct{}),
	}
}

// Run processes queued jobs until ctx is cancelled or Close is called.
// Pending jobs are answered with ErrServiceClosed.
func (s *Service) Run(ctx context.Context) error {
	defer s.drain()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case <-s.done:
			return nil
		case j := <-s.jobs:
			s.metrics.SetQueueDepth(len(s.jobs))
			j.reply <- s.handle(j)
		}
	}
}

// Close stops accepting work. It is safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Transcribe queues audioPath for the worker and waits for the result.
func (s *Service) Transcribe(ctx context.Context, audioPath string) Result {
	j := job{ctx: ctx, audioPath: audioPath, reply: make(chan Result, 1)}

	select {
	case <-s.done:
		return Result{Err: ErrServiceClosed}
	default:
	}

	select {
	case s.jobs <- j:
		s.metrics.SetQueueDepth(len(s.jobs))
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-s.done:
		return Result{Err: ErrServiceClosed}
	}

	select {
	case r := <-j.reply:
		return r
	case <-ctx.Done():
		// The worker still answers into the buffered reply channel.
		return Result{Err: ctx.Err()}
	case <-s.done:
		return Result{Err: ErrServiceClosed}
	}
}

func (s *Service) handle(j job) Result {
	if err := j.ctx.Err(); err != nil {
		return Result{Err: err}
	}

	logger := s.logger.With(zap.String("audio", j.audioPath))

	model, err := s.loadModel(j.ctx)
	if err != nil {
		logger.Error("load model", zap.Error(err))
		return Result{Err: fmt.Errorf("load model: %w", err)}
	}

	if s.opts.SilenceGate {
		silent, levels, err := audio.IsSilentWAV(j.audioPath, s.opts.SilenceThresholdDBFS)
		switch {
		case err != nil:
			logger.Warn("silence check failed; transcribing anyway", zap.Error(err))
		case silent:
			logger.Info("audio is silent; skipping inference",
				zap.Float64("rms_dbfs", levels.RMSdBFS),
				zap.Float64("peak_dbfs", levels.PeakdBFS))
			s.metrics.RecordSilentSkip()
			return Result{Text: BlankAudio}
		}
	}

	ctx, cancel := context.WithTimeout(j.ctx, s.opts.Timeout)
	defer cancel()

	started := time.Now()
	text, err := model.Engine.Transcribe(ctx, whisper.TranscriptionRequest{
		AudioPath: j.audioPath,
		ModelPath: model.Path,
		Language:  s.opts.Language,
		Threads:   s.opts.Threads,
	})
	elapsed := time.Since(started)
	s.metrics.RecordTranscription(elapsed, err)

	if err != nil {
		logger.Error("transcription failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return Result{Err: err}
	}

	logger.Debug("transcription finished", zap.Duration("elapsed", elapsed), zap.Int("chars", len(text)))
	return Result{Text: text}
}

// loadModel runs the loader once. A failed load leaves the model unset so the
// next job tries again.
func (s *Service) loadModel(ctx context.Context) (*Model, error) {
	if s.model != nil {
		return s.model, nil
	}
	if s.opts.Loader == nil {
		return nil, errors.New("no model loader configured")
	}

	model, err := s.opts.Loader(ctx)
	s.metrics.RecordModelLoad(err)
	if err != nil {
		return nil, err
	}
	if model == nil || model.Engine == nil {
		return nil, errors.New("model loader returned no engine")
	}

	s.logger.Info("model loaded", zap.String("model", model.Name), zap.String("path", model.Path))
	s.model = model
	return model, nil
}

func (s *Service) drain() {
	for {
		select {
		case j := <-s.jobs:
			j.reply <- Result{Err: ErrServiceClosed}
		default:
			s.metrics.SetQueueDepth(0)
			return
		}
	}
}
