package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/tsscribe/internal/audio"
	"go.uber.org/zap"
)

const (
	DefaultExecutable = "ffmpeg"
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultTimeout    = 10 * time.Minute

	sourceSuffix   = ".ts"
	waveformSuffix = ".wav"
)

var ErrTranscodeFailed = errors.New("transcode failed")

// Error describes a failed ffmpeg run. It matches ErrTranscodeFailed.
type Error struct {
	Path     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transcode %s", e.Path)
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, " (%s)", e.Stderr)
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	return target == ErrTranscodeFailed
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Transcoder struct {
	Executable string
	SampleRate int
	Channels   int
	Timeout    time.Duration
	Logger     *zap.Logger
}

func New(logger *zap.Logger) *Transcoder {
	return &Transcoder{
		Executable: DefaultExecutable,
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		Timeout:    DefaultTimeout,
		Logger:     logger,
	}
}

// WaveformPath returns src with its trailing .ts replaced by .wav.
func WaveformPath(src string) string {
	return strings.TrimSuffix(src, sourceSuffix) + waveformSuffix
}

// Available reports whether the ffmpeg executable can be found.
func (t *Transcoder) Available() bool {
	_, err := exec.LookPath(t.executable())
	return err == nil
}

// Transcode converts src into a mono PCM WAV at dst and verifies the result.
func (t *Transcoder) Transcode(ctx context.Context, src, dst string) error {
	if strings.TrimSpace(src) == "" {
		return errors.New("source path is required")
	}
	if strings.TrimSpace(dst) == "" {
		return errors.New("output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create waveform directory: %w", err)
	}

	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	args := t.args(src, dst)
	cmd := exec.CommandContext(ctx, t.executable(), args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	started := time.Now()
	logger.Debug("running ffmpeg", zap.String("source", src), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		removePartialOutput(dst, logger)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &Error{Path: src, Stderr: strings.TrimSpace(stderr.String()), Err: ctxErr}
		}
		return &Error{
			Path:     src,
			ExitCode: exitCode(err),
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}

	if err := t.verify(dst); err != nil {
		removePartialOutput(dst, logger)
		return &Error{Path: src, Err: err}
	}

	logger.Debug("ffmpeg finished", zap.String("output", dst), zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (t *Transcoder) args(src, dst string) []string {
	return []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-vn",
		"-ac", strconv.Itoa(t.channels()),
		"-ar", strconv.Itoa(t.sampleRate()),
		"-c:a", "pcm_s16le",
		dst,
	}
}

func (t *Transcoder) verify(dst string) error {
	info, err := audio.Inspect(dst)
	if err != nil {
		return fmt.Errorf("inspect waveform: %w", err)
	}
	if info.SampleRate != t.sampleRate() {
		return fmt.Errorf("waveform sample rate %d, want %d", info.SampleRate, t.sampleRate())
	}
	if info.Channels != t.channels() {
		return fmt.Errorf("waveform has %d channels, want %d", info.Channels, t.channels())
	}
	return nil
}

func (t *Transcoder) executable() string {
	if strings.TrimSpace(t.Executable) == "" {
		return DefaultExecutable
	}
	return t.Executable
}

func (t *Transcoder) sampleRate() int {
	if t.SampleRate <= 0 {
		return DefaultSampleRate
	}
	return t.SampleRate
}

func (t *Transcoder) channels() int {
	if t.Channels <= 0 {
		return DefaultChannels
	}
	return t.Channels
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 0
}

func removePartialOutput(path string, logger *zap.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove partial waveform", zap.String("path", path), zap.Error(err))
	}
}
