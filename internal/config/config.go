// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrModelEndpointRequired is returned when MODEL_ENDPOINT is not set.
	ErrModelEndpointRequired = errors.New("config: MODEL_ENDPOINT is required")
	// ErrModelAPIKeyRequired is returned when MODEL_API_KEY is not set.
	ErrModelAPIKeyRequired = errors.New("config: MODEL_API_KEY is required")
	// ErrInvalid is returned when configuration values fail validation.
	ErrInvalid = errors.New("config: invalid configuration")
)

// Config holds all configuration for the subtitle pipeline.
type Config struct {
	// Pipeline settings
	ChunkDurationS           float64 `env:"CHUNK_DURATION_S, default=60" json:"chunk_duration_s" validate:"gt=0"`
	MaxAttempts              int     `env:"MAX_ATTEMPTS, default=3" json:"max_attempts" validate:"gte=1"`
	MaxConcurrentJobs        int     `env:"MAX_CONCURRENT_JOBS, default=3" json:"max_concurrent_jobs" validate:"gte=1"`
	MaxConcurrentUploads     int     `env:"MAX_CONCURRENT_UPLOADS, default=3" json:"max_concurrent_uploads" validate:"gte=1"`
	MaxConcurrentGenerations int     `env:"MAX_CONCURRENT_GENERATIONS, default=4" json:"max_concurrent_generations" validate:"gte=1"`
	MaxModelRetries          int     `env:"MAX_MODEL_RETRIES, default=3" json:"max_model_retries" validate:"gte=0"`
	QuotaCooldownS           float64 `env:"QUOTA_COOLDOWN_S, default=60" json:"quota_cooldown_s" validate:"gt=0"`

	// Input admission settings
	MaxVideoSizeBytes int64    `env:"MAX_VIDEO_SIZE_BYTES, default=10737418240" json:"max_video_size_bytes" validate:"gt=0"`
	MaxDurationS      float64  `env:"MAX_DURATION_S, default=43200" json:"max_duration_s" validate:"gt=0"`
	AdmittedCodecs    []string `env:"ADMITTED_CODECS, default=h264,hevc,vp8,vp9,av1,mpeg4,mpeg2video" json:"admitted_codecs"`

	// Segmenter settings
	MaxSegmentBytes  int64 `env:"MAX_SEGMENT_BYTES, default=157286400" json:"max_segment_bytes" validate:"gt=0"`
	DiskReserveBytes int64 `env:"DISK_RESERVE_BYTES, default=0" json:"disk_reserve_bytes"` // 0 = sized dynamically

	// Quality gate settings
	MinCoverage     float64 `env:"MIN_COVERAGE, default=0.6" json:"min_coverage" validate:"gte=0,lte=1"`
	MaxDensityCPS   float64 `env:"MAX_DENSITY_CPS, default=25" json:"max_density_cps" validate:"gt=0"`
	MaxCueDurationS float64 `env:"MAX_CUE_DURATION_S, default=10" json:"max_cue_duration_s" validate:"gt=0"`
	MinTranslation  float64 `env:"MIN_TRANSLATION_QUALITY, default=0.70" json:"min_translation_quality" validate:"gte=0,lte=1"`
	MinCulturalAcc  float64 `env:"MIN_CULTURAL_ACCURACY, default=0.80" json:"min_cultural_accuracy" validate:"gte=0,lte=1"`
	SourceLanguage  string  `env:"SOURCE_LANGUAGE, default=eng" json:"source_language" validate:"required"`

	// Cleanup settings
	RetentionS float64 `env:"RETENTION_S, default=86400" json:"retention_s" validate:"gt=0"`
	KeepTemp   bool    `env:"KEEP_TEMP, default=false" json:"keep_temp"`

	// Directory layout
	TempDir           string `env:"TEMP_DIR, default=/tmp/subpipe" json:"temp_dir"`
	OutputDir         string `env:"OUTPUT_DIR, default=output" json:"output_dir"`
	JobStoreDir       string `env:"JOB_STORE_DIR, default=jobs" json:"job_store_dir"`
	PromptTemplateDir string `env:"PROMPT_TEMPLATE_DIR" json:"prompt_template_dir,omitempty"`

	// Model settings
	ModelIdentifier string `env:"MODEL_IDENTIFIER, default=subgen-media-1" json:"model_identifier"`
	ModelEndpoint   string `env:"MODEL_ENDPOINT, required" json:"model_endpoint"`
	ModelAPIKey     string `env:"MODEL_API_KEY, required" json:"-"` // Masked in JSON

	// Object store settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Tool paths
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		if strings.Contains(err.Error(), "MODEL_ENDPOINT") {
			return nil, ErrModelEndpointRequired
		}
		if strings.Contains(err.Error(), "MODEL_API_KEY") {
			return nil, ErrModelAPIKeyRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are present and within bounds.
func (c *Config) Validate() error {
	if c.ModelEndpoint == "" {
		return ErrModelEndpointRequired
	}
	if c.ModelAPIKey == "" {
		return ErrModelAPIKeyRequired
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// S3Enabled returns true if object-store configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{ChunkDurationS: %.1f, MaxAttempts: %d, MaxConcurrentJobs: %d, MaxConcurrentUploads: %d, MaxConcurrentGenerations: %d, TempDir: %s, OutputDir: %s, JobStoreDir: %s, ModelIdentifier: %s, S3Bucket: %s, LogFormat: %s, LogLevel: %s}",
		c.ChunkDurationS,
		c.MaxAttempts,
		c.MaxConcurrentJobs,
		c.MaxConcurrentUploads,
		c.MaxConcurrentGenerations,
		c.TempDir,
		c.OutputDir,
		c.JobStoreDir,
		c.ModelIdentifier,
		c.S3Bucket,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
