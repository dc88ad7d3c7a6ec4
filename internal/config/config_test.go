package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, filepath.Join("data", "archive.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join("data", "bleve"), cfg.IndexPath)
	assert.Equal(t, filepath.Join("data", "raw"), cfg.RawDataPath)
	assert.Equal(t, filepath.Join("data", "export"), cfg.ExportPath)
	assert.Equal(t, 4096, cfg.ProfileCacheSize)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.True(t, cfg.MarkdownGeneration)
	assert.Equal(t, 25, cfg.DefaultSearchLimit)
	assert.Equal(t, 100, cfg.MaxSearchLimit)
	assert.Equal(t, 20, cfg.RetentionCount)
	assert.Equal(t, "daily", cfg.CleanupSchedule)
	assert.Equal(t, []string{"*"}, cfg.HTTPCORSOrigins)
	assert.Equal(t, "127.0.0.1:8000", cfg.Addr())
}

func TestLoad_Layering(t *testing.T) {
	dir := t.TempDir()

	file := filepath.Join(dir, "archive.yaml")
	require.NoError(t, os.WriteFile(file, []byte("batch_size: 50\nconcurrency: 2\nlog_level: DEBUG\n"), 0o644))

	template := filepath.Join(dir, ".env.template")
	require.NoError(t, os.WriteFile(template, []byte("SCP_CONCURRENCY=3\nSCP_HTTP_PORT=9000\nSCP_DATA_DIR=/srv/scp\n"), 0o644))

	local := filepath.Join(dir, ".env.local")
	require.NoError(t, os.WriteFile(local, []byte("SCP_HTTP_PORT=9100\nSCP_HTTP_CORS_ORIGINS=https://a.example,https://b.example\n"), 0o644))

	t.Setenv("SCP_DATA_DIR", "/var/scp")
	t.Setenv("SCP_FETCH_TIMEOUT", "5s")

	cfg, err := Load(file, local, template, filepath.Join(dir, ".env.missing"))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.BatchSize, "config file over defaults")
	assert.Equal(t, 3, cfg.Concurrency, ".env over config file")
	assert.Equal(t, 9100, cfg.HTTPPort, ".env.local over .env.template")
	assert.Equal(t, "/var/scp", cfg.DataDir, "environment over .env")
	assert.Equal(t, filepath.Join("/var/scp", "archive.db"), cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTPCORSOrigins)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{"SCP_LOG_LEVEL", "VERBOSE"},
		{"SCP_VERSION_CLEANUP_SCHEDULE", "fortnightly"},
		{"SCP_BATCH_SIZE", "0"},
		{"SCP_CONCURRENCY", "-1"},
		{"SCP_VERSION_RETENTION_COUNT", "0"},
		{"SCP_MAX_SEARCH_LIMIT", "10"},
		{"SCP_LOG_FORMAT", "xml"},
		{"SCP_PROFILE_CACHE_SIZE", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, level)

	level, err = ParseLevel("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, logrus.FatalLevel, level)

	_, err = ParseLevel("trace")
	assert.Error(t, err)
}

func TestSetupLogging_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.log")
	closer, err := SetupLogging(&Config{LogLevel: "INFO", LogFormat: "json", LogFile: path})
	require.NoError(t, err)
	t.Cleanup(func() { logrus.SetOutput(os.Stderr) })

	logrus.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
