package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PathEnv names a config file to load when --config is not given.
const PathEnv = "TSSCRIBE_CONFIG"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Output    OutputConfig    `yaml:"output"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Whisper   WhisperConfig   `yaml:"whisper"`
	Batch     BatchConfig     `yaml:"batch"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Address           string        `yaml:"address" validate:"required,listen_addr"`
	MaxUploadMB       int64         `yaml:"max_upload_mb" validate:"min=1"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type OutputConfig struct {
	Dir string `yaml:"dir" validate:"required"`
}

type TranscodeConfig struct {
	FFmpegPath string        `yaml:"ffmpeg_path" validate:"required"`
	SampleRate int           `yaml:"sample_rate" validate:"min=8000,max=48000"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

type WhisperConfig struct {
	Model                string        `yaml:"model" validate:"required"`
	ModelDir             string        `yaml:"model_dir"`
	EnginePath           string        `yaml:"engine_path"`
	Language             string        `yaml:"language" validate:"required"`
	Threads              int           `yaml:"threads" validate:"min=0"`
	QueueSize            int           `yaml:"queue_size" validate:"min=1"`
	Timeout              time.Duration `yaml:"timeout" validate:"gt=0"`
	AutoDownload         bool          `yaml:"auto_download"`
	SilenceGate          bool          `yaml:"silence_gate"`
	SilenceThresholdDBFS float64       `yaml:"silence_threshold_dbfs" validate:"lt=0"`
}

type BatchConfig struct {
	FailFast bool `yaml:"fail_fast"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default mirrors the behaviour of running with no configuration at all.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           "127.0.0.1:5000",
			MaxUploadMB:       2048,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Output: OutputConfig{Dir: "outputs"},
		Transcode: TranscodeConfig{
			FFmpegPath: "ffmpeg",
			SampleRate: 16000,
			Timeout:    10 * time.Minute,
		},
		Whisper: WhisperConfig{
			Model:                "tiny.en",
			Language:             "en",
			QueueSize:            16,
			Timeout:              30 * time.Minute,
			AutoDownload:         true,
			SilenceGate:          true,
			SilenceThresholdDBFS: -65,
		},
		Batch:   BatchConfig{FailFast: true},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// $TSSCRIBE_CONFIG), then TSSCRIBE_* environment overrides. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv(PathEnv)
	}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads the first of .env and .env.local that exists. Variables
// already present in the environment win. It returns the file it loaded.
func LoadDotEnv(paths ...string) (string, error) {
	if len(paths) == 0 {
		paths = []string{".env", ".env.local"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return "", fmt.Errorf("load %s: %w", path, err)
		}
		return path, nil
	}
	return "", nil
}

// MaxUploadBytes is the request body limit derived from server.max_upload_mb.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			parsed, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}

	str("TSSCRIBE_ADDR", &c.Server.Address)
	str("TSSCRIBE_OUTPUT_DIR", &c.Output.Dir)
	str("TSSCRIBE_FFMPEG_PATH", &c.Transcode.FFmpegPath)
	str("TSSCRIBE_MODEL", &c.Whisper.Model)
	str("TSSCRIBE_MODEL_DIR", &c.Whisper.ModelDir)
	str("TSSCRIBE_WHISPER_PATH", &c.Whisper.EnginePath)
	str("TSSCRIBE_LOG_LEVEL", &c.Logging.Level)
	integer("TSSCRIBE_THREADS", &c.Whisper.Threads)
	boolean("TSSCRIBE_FAIL_FAST", &c.Batch.FailFast)
	boolean("TSSCRIBE_LOG_JSON", &c.Logging.JSON)
	boolean("TSSCRIBE_AUTO_DOWNLOAD", &c.Whisper.AutoDownload)

	if v, ok := lookup("TSSCRIBE_MAX_UPLOAD_MB"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TSSCRIBE_MAX_UPLOAD_MB: %w", err))
		} else {
			c.Server.MaxUploadMB = parsed
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(errs...))
	}
	return nil
}
