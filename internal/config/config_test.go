package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetForTest clears key for the duration of the test and restores it afterwards.
func unsetForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "kline-collector", config.AppName)
	assert.Equal(t, "binance", config.Source.Type)
	assert.Equal(t, 1000, config.Source.PageSize)
	assert.Equal(t, time.Second, config.Source.PageIntervalDuration())
	assert.Equal(t, 30*time.Second, config.Source.TimeoutDuration())
	assert.Equal(t, 24, config.Source.MaxEmptyWindows)
	assert.True(t, config.Source.HistoryStartTime().IsZero())
	assert.False(t, config.Storage.Enabled)
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, "csv", config.Export.Format)
	assert.Equal(t, 5, config.Preprocess.Window)
	assert.Equal(t, time.Duration(0), config.Preprocess.ResampleDuration())
	assert.Equal(t, 3, config.ErrorHandling.RetryPolicy.MaxAttempts)
	assert.Equal(t, "info", config.Logging.Level)
	assert.NoError(t, Validate(config))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
		want   string
	}{
		{"unknown source", func(c *AppConfig) { c.Source.Type = "kraken" }, "source.type must be one of"},
		{"zero page size", func(c *AppConfig) { c.Source.PageSize = 0 }, "source.page_size must be greater than 0"},
		{"bad page interval", func(c *AppConfig) { c.Source.PageInterval = "soon" }, "source.page_interval is not a valid duration"},
		{"bad timeout", func(c *AppConfig) { c.Source.Timeout = "" }, "source.timeout is not a valid duration"},
		{"negative weight limit", func(c *AppConfig) { c.Source.WeightLimit = -1 }, "source.weight_limit must not be negative"},
		{"negative empty windows", func(c *AppConfig) { c.Source.MaxEmptyWindows = -1 }, "source.max_empty_windows must not be negative"},
		{"bad history start", func(c *AppConfig) { c.Source.HistoryStart = "2015/01/01" }, "source.history_start must be YYYY-MM-DD"},
		{"duckdb without path", func(c *AppConfig) {
			c.Storage.Enabled = true
			c.Storage.DatabaseURL = ""
		}, "storage.database_url is required"},
		{"unknown store", func(c *AppConfig) {
			c.Storage.Enabled = true
			c.Storage.Type = "postgresql"
		}, "storage.type must be one of"},
		{"unknown export format", func(c *AppConfig) { c.Export.Format = "xlsx" }, "export.format must be one of"},
		{"export without directory", func(c *AppConfig) { c.Export.Directory = "" }, "export.directory is required"},
		{"zero rolling window", func(c *AppConfig) { c.Preprocess.Window = 0 }, "preprocess.window must be greater than 0"},
		{"bad resample", func(c *AppConfig) { c.Preprocess.Resample = "-1h" }, "preprocess.resample must be a positive duration"},
		{"zero concurrency", func(c *AppConfig) { c.Batch.Concurrency = 0 }, "batch.concurrency must be greater than 0"},
		{"zero attempts", func(c *AppConfig) { c.ErrorHandling.RetryPolicy.MaxAttempts = 0 }, "max_attempts must be greater than 0"},
		{"linear backoff", func(c *AppConfig) { c.ErrorHandling.RetryPolicy.BackoffStrategy = "linear" }, "backoff_strategy must be one of"},
		{"invalid log level", func(c *AppConfig) { c.Logging.Level = "trace" }, "logging.level must be one of"},
		{"invalid log format", func(c *AppConfig) { c.Logging.Format = "xml" }, "logging.format must be one of"},
		{"file output without path", func(c *AppConfig) { c.Logging.Output = "both" }, "logging.file_path is required"},
		{"unknown output", func(c *AppConfig) { c.Logging.Output = "syslog" }, "logging.output must be one of"},
		{"blank symbol id", func(c *AppConfig) { c.Symbols["bitcoin"] = " " }, "symbols entries must have"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := Validate(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("reports every problem", func(t *testing.T) {
		config := DefaultConfig()
		config.Source.PageSize = 0
		config.Batch.Concurrency = 0
		err := Validate(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "source.page_size")
		assert.Contains(t, err.Error(), "batch.concurrency")
	})

	t.Run("memory store needs no path", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Enabled = true
		config.Storage.Type = "memory"
		config.Storage.DatabaseURL = ""
		assert.NoError(t, Validate(config))
	})
}

func TestLoadConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "klines.json")

	fileConfig := DefaultConfig()
	fileConfig.AppName = "file-app"
	fileConfig.Source.Type = "coinbase"
	fileConfig.Source.PageSize = 300
	fileConfig.Storage.Enabled = true
	fileConfig.Storage.Type = "memory"
	fileConfig.Symbols = map[string]string{"pepe": "PEPE-USD"}
	fileConfig.Logging.Level = "debug"
	fileConfig.Logging.Format = "text"

	data, err := json.MarshalIndent(fileConfig, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0644))

	logger := slog.Default()

	t.Run("loads config from file", func(t *testing.T) {
		cm := NewConfigManager(configPath, "", logger)
		loaded, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "file-app", loaded.AppName)
		assert.Equal(t, "coinbase", loaded.Source.Type)
		assert.Equal(t, 300, loaded.Source.PageSize)
		assert.True(t, loaded.Storage.Enabled)
		assert.Equal(t, "memory", loaded.Storage.Type)
		assert.Equal(t, "PEPE-USD", loaded.Symbols["pepe"])
		assert.Equal(t, "debug", loaded.Logging.Level)
		assert.Same(t, loaded, cm.GetConfig())
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		partialPath := filepath.Join(tempDir, "partial.json")
		require.NoError(t, os.WriteFile(partialPath, []byte(`{"source":{"type":"binance-sdk","page_size":500,"page_interval":"250ms","timeout":"10s"}}`), 0644))

		cm := NewConfigManager(partialPath, "", logger)
		loaded, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "binance-sdk", loaded.Source.Type)
		assert.Equal(t, 250*time.Millisecond, loaded.Source.PageIntervalDuration())
		assert.Equal(t, 5, loaded.Preprocess.Window)
	})

	t.Run("handles invalid json file", func(t *testing.T) {
		invalidPath := filepath.Join(tempDir, "invalid.json")
		require.NoError(t, os.WriteFile(invalidPath, []byte("invalid json"), 0644))

		cm := NewConfigManager(invalidPath, "", logger)
		_, err := cm.LoadConfig(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("handles non-existent file gracefully", func(t *testing.T) {
		cm := NewConfigManager(filepath.Join(tempDir, "does_not_exist.json"), "", logger)
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "kline-collector", config.AppName)
	})

	t.Run("invalid file values fail validation", func(t *testing.T) {
		badPath := filepath.Join(tempDir, "bad.json")
		require.NoError(t, os.WriteFile(badPath, []byte(`{"batch":{"concurrency":0}}`), 0644))

		cm := NewConfigManager(badPath, "", logger)
		_, err := cm.LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration validation failed")
		assert.Nil(t, cm.GetConfig())
	})
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	cm := NewConfigManager("", "", slog.Default())

	envVars := map[string]string{
		"KLINES_SOURCE":          "coinbase",
		"KLINES_PAGE_SIZE":       "250",
		"KLINES_PAGE_INTERVAL":   "2s",
		"KLINES_WEIGHT_LIMIT":    "0",
		"KLINES_HISTORY_START":   "2016-05-01",
		"KLINES_STORAGE_ENABLED": "true",
		"KLINES_STORAGE_TYPE":    "memory",
		"KLINES_EXPORT_FORMAT":   "parquet",
		"KLINES_ROLLING_WINDOW":  "10",
		"KLINES_RESAMPLE":        "4h",
		"KLINES_NORMALIZE":       "true",
		"KLINES_CONCURRENCY":     "2",
		"KLINES_RETRY_ATTEMPTS":  "5",
		"KLINES_LOG_LEVEL":       "error",
		"KLINES_SYMBOLS":         "pepe:PEPEUSDT, bonk:BONKUSDT",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	t.Run("loads config from environment", func(t *testing.T) {
		config := DefaultConfig()
		require.NoError(t, cm.loadFromEnv(config))

		assert.Equal(t, "coinbase", config.Source.Type)
		assert.Equal(t, 250, config.Source.PageSize)
		assert.Equal(t, 2*time.Second, config.Source.PageIntervalDuration())
		assert.Equal(t, 0, config.Source.WeightLimit)
		assert.Equal(t, time.Date(2016, time.May, 1, 0, 0, 0, 0, time.UTC), config.Source.HistoryStartTime())
		assert.True(t, config.Storage.Enabled)
		assert.Equal(t, "memory", config.Storage.Type)
		assert.Equal(t, "parquet", config.Export.Format)
		assert.Equal(t, 10, config.Preprocess.Window)
		assert.Equal(t, 4*time.Hour, config.Preprocess.ResampleDuration())
		assert.True(t, config.Preprocess.Normalize)
		assert.Equal(t, 2, config.Batch.Concurrency)
		assert.Equal(t, 5, config.ErrorHandling.RetryPolicy.MaxAttempts)
		assert.Equal(t, "error", config.Logging.Level)
		assert.Equal(t, map[string]string{"pepe": "PEPEUSDT", "bonk": "BONKUSDT"}, config.Symbols)
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		t.Setenv("KLINES_PAGE_SIZE", "lots")
		t.Setenv("KLINES_NORMALIZE", "maybe")
		t.Setenv("KLINES_SYMBOLS", "pepe")

		config := DefaultConfig()
		err := cm.loadFromEnv(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "KLINES_PAGE_SIZE")
		assert.Contains(t, err.Error(), "KLINES_NORMALIZE")
		assert.Contains(t, err.Error(), "must be name:ID")
	})
}

func TestLoadConfigFromDotEnv(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("KLINES_LOG_LEVEL=warn\nKLINES_PAGE_SIZE=400\n"), 0644))

	unsetForTest(t, "KLINES_LOG_LEVEL")
	unsetForTest(t, "KLINES_PAGE_SIZE")

	t.Run("seeds unset variables", func(t *testing.T) {
		cm := NewConfigManager("", envPath, slog.Default())
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "warn", config.Logging.Level)
		assert.Equal(t, 400, config.Source.PageSize)
	})

	t.Run("process environment wins over file", func(t *testing.T) {
		t.Setenv("KLINES_PAGE_SIZE", "700")
		cm := NewConfigManager("", envPath, slog.Default())
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 700, config.Source.PageSize)
	})

	t.Run("missing env file is ignored", func(t *testing.T) {
		cm := NewConfigManager("", filepath.Join(tempDir, "nope.env"), slog.Default())
		_, err := cm.LoadConfig(context.Background())
		assert.NoError(t, err)
	})
}

func TestSaveConfig(t *testing.T) {
	tempDir := t.TempDir()
	logger := slog.Default()

	t.Run("round trips through load", func(t *testing.T) {
		configPath := filepath.Join(tempDir, "nested", "dir", "config.json")
		cm := NewConfigManager(configPath, "", logger)
		cm.config = DefaultConfig()
		cm.config.AppName = "saved"
		cm.config.Source.PageSize = 123

		require.NoError(t, cm.SaveConfig(context.Background()))
		assert.FileExists(t, configPath)

		reloaded, err := NewConfigManager(configPath, "", logger).LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "saved", reloaded.AppName)
		assert.Equal(t, 123, reloaded.Source.PageSize)
	})

	t.Run("fails when no config path specified", func(t *testing.T) {
		cm := NewConfigManager("", "", logger)
		cm.config = DefaultConfig()
		err := cm.SaveConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no config path specified")
	})

	t.Run("fails before load", func(t *testing.T) {
		cm := NewConfigManager(filepath.Join(tempDir, "x.json"), "", logger)
		assert.Error(t, cm.SaveConfig(context.Background()))
	})
}

func TestConfigString(t *testing.T) {
	configStr := DefaultConfig().String()
	assert.Contains(t, configStr, "kline-collector")
	assert.Contains(t, configStr, `"page_size": 1000`)
}
