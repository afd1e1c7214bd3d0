// Package pipeline turns uploaded transport streams into transcript
// documents: save, transcode, transcribe, write, clean up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/tsscribe/internal/metrics"
	"github.com/fmueller/tsscribe/internal/transcode"
	"github.com/fmueller/tsscribe/internal/transcribe"
	"go.uber.org/zap"
)

const (
	SourceSuffix   = ".ts"
	DocumentSuffix = ".docx"
	titlePrefix    = "Transcription - "
)

var ErrNoFiles = errors.New("no files selected")

// Upload is one named file in a batch. Open is called at most once.
type Upload struct {
	Name string
	Open func() (io.ReadCloser, error)
}

type Transcoder interface {
	Transcode(ctx context.Context, src, dst string) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) transcribe.Result
}

type DocumentWriter interface {
	Write(path, title, body string) error
}

type Options struct {
	OutputDir   string
	FailFast    bool
	Transcoder  Transcoder
	Transcriber Transcriber
	Documents   DocumentWriter
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type Processor struct {
	opts   Options
	logger *zap.Logger
	locks  keyedMutex
}

func New(opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{opts: opts, logger: logger}
}

func (p *Processor) OutputDir() string {
	return p.opts.OutputDir
}

// ProcessBatch runs every upload through the pipeline in order. With
// FailFast the first save, transcode or write failure ends the batch and the
// remaining uploads are reported as not attempted. Cancelling ctx or closing
// the transcriber always ends the batch.
func (p *Processor) ProcessBatch(ctx context.Context, uploads []Upload) *Report {
	report := &Report{Files: make([]FileOutcome, 0, len(uploads))}
	defer func() {
		p.opts.Metrics.RecordBatch(report.result())
	}()

	if len(uploads) == 0 || uploads[0].Name == "" {
		report.NoFiles = true
		report.Error = ErrNoFiles.Error()
		return report
	}

	if err := os.MkdirAll(p.opts.OutputDir, 0o755); err != nil {
		report.Aborted = true
		report.FailedFile = uploads[0].Name
		report.Error = fmt.Sprintf("create output directory: %v", err)
		p.logger.Error("create output directory", zap.String("dir", p.opts.OutputDir), zap.Error(err))
		return report
	}

	for i, upload := range uploads {
		if err := ctx.Err(); err != nil {
			p.abort(report, sanitizeName(upload.Name), fmt.Errorf("batch interrupted: %w", err), uploads[i:])
			break
		}

		outcome, err := p.processOne(ctx, upload)
		report.Files = append(report.Files, outcome)
		p.opts.Metrics.RecordFile(string(outcome.Status))

		if err == nil || (!p.opts.FailFast && outcome.Status != StatusInterrupted) {
			continue
		}
		p.abort(report, outcome.Name, err, uploads[i+1:])
		break
	}

	return report
}

func (p *Processor) abort(report *Report, failedFile string, err error, rest []Upload) {
	report.Aborted = true
	report.FailedFile = failedFile
	report.Error = err.Error()
	for _, upload := range rest {
		report.Files = append(report.Files, FileOutcome{Name: sanitizeName(upload.Name), Status: StatusNotAttempted})
		p.opts.Metrics.RecordFile(string(StatusNotAttempted))
	}
}

// processOne returns a non-nil error only for failures that stop a document
// from being written.
func (p *Processor) processOne(ctx context.Context, upload Upload) (FileOutcome, error) {
	name := sanitizeName(upload.Name)
	outcome := FileOutcome{Name: name}

	if !strings.HasSuffix(name, SourceSuffix) {
		outcome.Status = StatusSkipped
		p.logger.Debug("skipping unrecognised upload", zap.String("file", name))
		return outcome, nil
	}

	unlock := p.locks.Lock(name)
	defer unlock()

	logger := p.logger.With(zap.String("file", name))
	fail := func(status Status, err error) (FileOutcome, error) {
		outcome.Status = status
		outcome.Error = err.Error()
		logger.Error("processing failed", zap.String("status", string(status)), zap.Error(err))
		return outcome, err
	}

	uploadPath := filepath.Join(p.opts.OutputDir, name)
	defer removeTemporary(uploadPath, logger)

	written, err := saveUpload(upload, uploadPath)
	if err != nil {
		return fail(StatusFailed, fmt.Errorf("save upload: %w", err))
	}
	p.opts.Metrics.AddUploadedBytes(written)
	logger.Debug("upload saved", zap.String("path", uploadPath), zap.Int64("bytes", written))

	waveformPath := transcode.WaveformPath(uploadPath)
	defer removeTemporary(waveformPath, logger)

	started := time.Now()
	err = p.opts.Transcoder.Transcode(ctx, uploadPath, waveformPath)
	p.opts.Metrics.RecordTranscode(time.Since(started), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(StatusInterrupted, fmt.Errorf("transcode interrupted: %w", ctxErr))
		}
		return fail(StatusTranscodeFailed, err)
	}

	result := p.opts.Transcriber.Transcribe(ctx, waveformPath)
	removeTemporary(waveformPath, logger)

	// Nothing is written once the request is gone, so an existing document
	// survives an interrupted run.
	if err := interruption(ctx, result.Err); err != nil {
		return fail(StatusInterrupted, fmt.Errorf("transcription interrupted: %w", err))
	}

	documentPath := filepath.Join(p.opts.OutputDir, strings.TrimSuffix(name, SourceSuffix)+DocumentSuffix)
	if err := p.opts.Documents.Write(documentPath, titlePrefix+name, result.DocumentText()); err != nil {
		return fail(StatusFailed, fmt.Errorf("write document: %w", err))
	}
	outcome.Document = documentPath

	if result.Failed() {
		outcome.Status = StatusTranscriptionFailed
		outcome.Error = result.Err.Error()
		logger.Warn("transcription failed; wrote error document", zap.String("document", documentPath), zap.Error(result.Err))
		return outcome, nil
	}

	outcome.Status = StatusProcessed
	logger.Info("document written", zap.String("document", documentPath))
	return outcome, nil
}

func interruption(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, transcribe.ErrServiceClosed) {
		return err
	}
	return nil
}

// sanitizeName keeps only the final path element of a client-supplied name,
// treating both separators as path separators.
func sanitizeName(name string) string {
	if name == "" {
		return ""
	}
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

func saveUpload(upload Upload, path string) (int64, error) {
	if upload.Open == nil {
		return 0, errors.New("upload has no content")
	}
	src, err := upload.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	written, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		return written, copyErr
	}
	return written, closeErr
}

func removeTemporary(path string, logger *zap.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove temporary file", zap.String("path", path), zap.Error(err))
	}
}
