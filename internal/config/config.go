package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	ContentDir    string        `envconfig:"CONTENT_DIR" required:"true"`
	DBPath        string        `envconfig:"DB_PATH" default:"videos.db"`
	DBBusyTimeout time.Duration `envconfig:"DB_BUSY_TIMEOUT" default:"5s"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"INFO"`

	MaxParallel      int           `envconfig:"MAX_PARALLEL" default:"2"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`
	ProgressBytes    int64         `envconfig:"PROGRESS_BYTES" default:"1048576"`
	MaxBytesPerSec   int64         `envconfig:"MAX_BYTES_PER_SEC" default:"0"`

	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	ManifestURL       string        `envconfig:"MANIFEST_URL"`
	ManifestCachePath string        `envconfig:"MANIFEST_CACHE_PATH" default:"manifest.json"`
	SyncInterval      time.Duration `envconfig:"SYNC_INTERVAL" default:"1h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	Management struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	S3 struct {
		Endpoint  string `split_words:"true"`
		AccessKey string `split_words:"true"`
		SecretKey string `split_words:"true"`
		Region    string `split_words:"true"`
		UseSSL    bool   `envconfig:"USE_SSL" default:"true"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"edge_video_cache"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		ExportInterval time.Duration `split_words:"true" default:"1m"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", cfg.MaxParallel)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
