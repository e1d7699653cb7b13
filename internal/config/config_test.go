package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CONTENT_DIR", "/srv/videos")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/srv/videos", cfg.ContentDir)
	assert.Equal(t, "videos.db", cfg.DBPath)
	assert.Equal(t, "manifest.json", cfg.ManifestCachePath)
	assert.Equal(t, 5*time.Second, cfg.DBBusyTimeout)
	assert.Equal(t, 2, cfg.MaxParallel)
	assert.Equal(t, int64(1<<20), cfg.ProgressBytes)
	assert.Equal(t, "0.0.0.0:8080", cfg.Web.BindAddress)
	assert.True(t, cfg.S3.UseSSL)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "edge_video_cache", cfg.Telemetry.ServiceName)
}

func TestLoadConfig_Nested(t *testing.T) {
	t.Setenv("CONTENT_DIR", "/srv/videos")
	t.Setenv("MANAGEMENT_USERNAME", "admin")
	t.Setenv("MANAGEMENT_PASSWORD", "secret")
	t.Setenv("S3_ENDPOINT", "minio.local:9000")
	t.Setenv("S3_USE_SSL", "false")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:9000")
	t.Setenv("MAX_BYTES_PER_SEC", "262144")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "admin", cfg.Management.Username)
	assert.Equal(t, "secret", cfg.Management.Password)
	assert.Equal(t, "minio.local:9000", cfg.S3.Endpoint)
	assert.False(t, cfg.S3.UseSSL)
	assert.Equal(t, "127.0.0.1:9000", cfg.Web.BindAddress)
	assert.Equal(t, int64(262144), cfg.MaxBytesPerSec)
}

func TestLoadConfig_MissingContentDir(t *testing.T) {
	t.Setenv("CONTENT_DIR", "")
	require.NoError(t, os.Unsetenv("CONTENT_DIR"))

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfig_InvalidParallelism(t *testing.T) {
	t.Setenv("CONTENT_DIR", "/srv/videos")
	t.Setenv("MAX_PARALLEL", "0")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"bogus": slog.LevelInfo,
	} {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
