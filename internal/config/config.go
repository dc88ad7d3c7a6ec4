// Package config loads archive settings from defaults, an optional config
// file, .env files and SCP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/renderinc/scp-archive/internal/retention"
)

const envPrefix = "SCP"

// DefaultEnvFiles are read from the working directory, earlier files win
var DefaultEnvFiles = []string{".env.local", ".env.template"}

// Config holds every tunable of the archive
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	DBPath      string `mapstructure:"db_path"`
	IndexPath   string `mapstructure:"index_path"`
	RawDataPath string `mapstructure:"raw_data_path"`
	ExportPath  string `mapstructure:"export_path"`

	SourceURL     string `mapstructure:"source_url"`
	DatasetCommit string `mapstructure:"dataset_commit"`

	BatchSize          int           `mapstructure:"batch_size"`
	Concurrency        int           `mapstructure:"concurrency"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	ConvertTimeout     time.Duration `mapstructure:"convert_timeout"`
	MarkdownGeneration bool          `mapstructure:"markdown_generation"`

	DefaultSearchLimit int    `mapstructure:"default_search_limit"`
	MaxSearchLimit     int    `mapstructure:"max_search_limit"`
	CursorSecret       string `mapstructure:"cursor_secret"`
	ProfileCacheSize   int    `mapstructure:"profile_cache_size"`

	RetentionEnabled bool   `mapstructure:"version_retention_enabled"`
	RetentionCount   int    `mapstructure:"version_retention_count"`
	CleanupSchedule  string `mapstructure:"version_cleanup_schedule"`

	RedisAddr string        `mapstructure:"redis_addr"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`

	HTTPHost        string   `mapstructure:"http_host"`
	HTTPPort        int      `mapstructure:"http_port"`
	HTTPCORSOrigins []string `mapstructure:"http_cors_origins"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

var defaults = map[string]any{
	"data_dir":                  "./data",
	"db_path":                   "",
	"index_path":                "",
	"raw_data_path":             "",
	"export_path":               "",
	"source_url":                "",
	"dataset_commit":            "",
	"batch_size":                1000,
	"concurrency":               8,
	"fetch_timeout":             30 * time.Second,
	"convert_timeout":           10 * time.Second,
	"markdown_generation":       true,
	"default_search_limit":      25,
	"max_search_limit":          100,
	"cursor_secret":             "",
	"profile_cache_size":        4096,
	"version_retention_enabled": true,
	"version_retention_count":   20,
	"version_cleanup_schedule":  "daily",
	"redis_addr":                "",
	"cache_ttl":                 time.Hour,
	"http_host":                 "127.0.0.1",
	"http_port":                 8000,
	"http_cors_origins":         []string{"*"},
	"log_level":                 "INFO",
	"log_format":                "text",
	"log_file":                  "",
}

// Load builds a Config. Precedence, highest first: SCP_* environment
// variables, envFiles in order, configFile, defaults.
func Load(configFile string, envFiles ...string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	dotenv, err := readEnvFiles(envFiles)
	if err != nil {
		return nil, err
	}
	for name, value := range dotenv {
		key, ok := strings.CutPrefix(name, envPrefix+"_")
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(name); set {
			continue
		}
		key = strings.ToLower(key)
		if key == "http_cors_origins" {
			v.Set(key, strings.Split(value, ","))
			continue
		}
		v.Set(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.derivePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readEnvFiles merges .env files, earlier files winning. Missing files are skipped.
func readEnvFiles(files []string) (map[string]string, error) {
	merged := map[string]string{}
	for i := len(files) - 1; i >= 0; i-- {
		values, err := godotenv.Read(files[i])
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", files[i], err)
		}
		for k, val := range values {
			merged[k] = val
		}
	}
	return merged, nil
}

func (c *Config) derivePaths() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "archive.db")
	}
	if c.IndexPath == "" {
		c.IndexPath = filepath.Join(c.DataDir, "bleve")
	}
	if c.RawDataPath == "" {
		c.RawDataPath = filepath.Join(c.DataDir, "raw")
	}
	if c.ExportPath == "" {
		c.ExportPath = filepath.Join(c.DataDir, "export")
	}
}

// Validate rejects settings the archive cannot run with
func (c *Config) Validate() error {
	var problems []string

	if _, err := ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("log_format must be text or json, got %q", c.LogFormat))
	}
	if _, err := retention.CronSpec(c.CleanupSchedule); err != nil {
		problems = append(problems, err.Error())
	}

	positive := []struct {
		name  string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"concurrency", c.Concurrency},
		{"default_search_limit", c.DefaultSearchLimit},
		{"max_search_limit", c.MaxSearchLimit},
		{"version_retention_count", c.RetentionCount},
		{"profile_cache_size", c.ProfileCacheSize},
		{"http_port", c.HTTPPort},
	}
	for _, p := range positive {
		if p.value < 1 {
			problems = append(problems, fmt.Sprintf("%s must be at least 1, got %d", p.name, p.value))
		}
	}
	if c.DefaultSearchLimit > c.MaxSearchLimit {
		problems = append(problems, "default_search_limit exceeds max_search_limit")
	}
	if c.FetchTimeout <= 0 || c.ConvertTimeout <= 0 {
		problems = append(problems, "timeouts must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}
