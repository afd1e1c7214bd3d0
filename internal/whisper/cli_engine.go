package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/fmueller/tsscribe/internal/platform"
	"go.uber.org/zap"
)

const EnginePathEnv = "TSSCRIBE_WHISPER_PATH"

var ErrEngineNotFound = errors.New("whisper engine not found")

// CLIEngine runs whisper.cpp's whisper-cli once per request.
type CLIEngine struct {
	Executable string
	Logger     *zap.Logger
}

// NewCLIEngine locates whisper-cli: explicit path, then $TSSCRIBE_WHISPER_PATH,
// then $PATH, then the libexec directory shipped next to our own binary.
func NewCLIEngine(explicit string, logger *zap.Logger) (*CLIEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, source := range []struct{ name, path string }{
		{name: "configured engine path", path: explicit},
		{name: EnginePathEnv, path: os.Getenv(EnginePathEnv)},
	} {
		path := strings.TrimSpace(source.path)
		if path == "" {
			continue
		}
		if err := ensureExecutable(path); err != nil {
			return nil, fmt.Errorf("%s is not executable: %w", source.name, err)
		}
		return &CLIEngine{Executable: path, Logger: logger}, nil
	}

	if path, err := exec.LookPath(engineBinaryName()); err == nil {
		return &CLIEngine{Executable: path, Logger: logger}, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve tsscribe executable path: %w", err)
	}

	path, err := ResolveBundledEnginePath(self)
	if err != nil {
		return nil, err
	}
	return &CLIEngine{Executable: path, Logger: logger}, nil
}

func ResolveBundledEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: install whisper.cpp's %s on PATH, set %s, or place it at ../libexec/whisper/ next to %s",
		ErrEngineNotFound, engineBinaryName(), EnginePathEnv, selfExecutable)
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", platform.CurrentRuntime().Target(), engineName),
		filepath.Join(binDir, engineName),
	}
}

func (e *CLIEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (string, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return "", errors.New("audio path is required")
	}
	if strings.TrimSpace(req.ModelPath) == "" {
		return "", errors.New("model path is required")
	}
	if err := ensureExecutable(e.Executable); err != nil {
		return "", fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	outDir, err := os.MkdirTemp("", "tsscribe-whisper-")
	if err != nil {
		return "", fmt.Errorf("create whisper output directory: %w", err)
	}
	defer os.RemoveAll(outDir)
	outBase := filepath.Join(outDir, "transcript")

	args := buildArgs(req, outBase)
	cmd := exec.CommandContext(ctx, e.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	logger.Debug("running whisper engine", zap.String("engine", e.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("whisper transcribe interrupted: %w", ctxErr)
		}
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return "", fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", e.Executable, errText)
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return "", fmt.Errorf("whisper engine crashed with an illegal CPU instruction; " +
				"your CPU may lack required instruction set extensions; " +
				"set " + EnginePathEnv + " to a whisper-cli binary built for your CPU")
		}
		return "", fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
	}

	content, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}

	return normalizeTranscript(string(content)), nil
}

func buildArgs(req TranscriptionRequest, outBase string) []string {
	args := []string{"-m", req.ModelPath, "-f", req.AudioPath, "-nt", "-otxt", "-of", outBase}

	lang := strings.TrimSpace(req.Language)
	if lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}
	if req.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(req.Threads))
	}
	if !req.UseGPU {
		args = append(args, "-ng")
	}
	return args
}

// whisper-cli writes one line per segment.
func normalizeTranscript(raw string) string {
	lines := strings.Split(raw, "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, " ")
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	for _, pattern := range []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	} {
		if strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
