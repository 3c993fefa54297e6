// Package config provides layered configuration for the kline collector.
// Values are resolved from defaults, an optional JSON file, an optional .env
// file and KLINES_* environment variables, in that order, then validated.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable the collector reads.
const EnvPrefix = "KLINES_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName string `json:"app_name"`
	Version string `json:"version"`

	Source        SourceConfig        `json:"source"`
	Symbols       map[string]string   `json:"symbols"` // extra name -> source id entries merged over the defaults
	Storage       StorageConfig       `json:"storage"`
	Export        ExportConfig        `json:"export"`
	Preprocess    PreprocessConfig    `json:"preprocess"`
	Batch         BatchConfig         `json:"batch"`
	Logging       LoggingConfig       `json:"logging"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling"`
}

// SourceConfig selects and tunes the kline source.
type SourceConfig struct {
	Type             string `json:"type"`               // "binance", "binance-sdk", "coinbase"
	BaseURL          string `json:"base_url"`           // empty means the source's public endpoint
	PageSize         int    `json:"page_size"`          // clamped to the source maximum
	PageInterval     string `json:"page_interval"`      // minimum spacing between page requests
	Timeout          string `json:"timeout"`            // per-request HTTP timeout
	HonorRateHeaders bool   `json:"honor_rate_headers"` // back off on Retry-After and used-weight headers
	WeightLimit      int    `json:"weight_limit"`       // used-weight ceiling per minute, 0 disables
	MaxEmptyWindows  int    `json:"max_empty_windows"`  // empty time ranges requested before history counts as exhausted
	HistoryStart     string `json:"history_start"`      // YYYY-MM-DD floor for range stepping, empty for the source default
}

// StorageConfig configures the series store
type StorageConfig struct {
	Enabled      bool   `json:"enabled"`
	Type         string `json:"type"`         // "duckdb", "memory"
	DatabaseURL  string `json:"database_url"` // DuckDB file path
	QueryTimeout string `json:"query_timeout"`
}

// ExportConfig configures table export
type ExportConfig struct {
	Enabled   bool   `json:"enabled"`
	Directory string `json:"directory"`
	Format    string `json:"format"` // "csv", "json", "parquet"
}

// PreprocessConfig configures derived columns and reshaping
type PreprocessConfig struct {
	Window    int    `json:"window"`    // rolling window for Volatility and MA_Close
	Resample  string `json:"resample"`  // bucket duration, empty disables
	Normalize bool   `json:"normalize"` // min-max scale the market columns
}

// BatchConfig configures concurrent multi-symbol runs
type BatchConfig struct {
	Concurrency int `json:"concurrency"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level"`     // debug, info, warn, error
	Format        string            `json:"format"`    // json, text
	Output        string            `json:"output"`    // stdout, stderr, file, both
	FilePath      string            `json:"file_path"` // required for file and both
	MaxSize       int               `json:"max_size"`  // MB
	MaxBackups    int               `json:"max_backups"`
	MaxAge        int               `json:"max_age"` // days
	Compress      bool              `json:"compress"`
	ContextFields map[string]string `json:"context_fields"`
}

// ErrorHandlingConfig configures caller-side retries of whole fetches
type ErrorHandlingConfig struct {
	RetryPolicy RetryPolicyConfig `json:"retry_policy"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int    `json:"max_attempts"`     // includes the first attempt
	InitialDelay    string `json:"initial_delay"`    // Initial delay between retries
	MaxDelay        string `json:"max_delay"`        // Maximum delay between retries
	BackoffStrategy string `json:"backoff_strategy"` // fixed, exponential
	Jitter          bool   `json:"jitter"`           // Add randomness to delays
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. envFile names an
// optional dotenv file; a missing file is not an error.
func NewConfigManager(configPath, envFile string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    envFile,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables, including those seeded from the .env file (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"source_type", config.Source.Type,
		"storage_enabled", config.Storage.Enabled,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadDotEnv seeds the process environment from the .env file without
// overriding variables that are already set.
func (cm *ConfigManager) loadDotEnv() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); os.IsNotExist(err) {
		cm.logger.Debug("env file does not exist, skipping", "path", cm.envFile)
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		return fmt.Errorf("failed to parse %s: %w", cm.envFile, err)
	}
	cm.logger.Debug("loaded env file", "path", cm.envFile)
	return nil
}

func lookupEnv(key string) (string, bool) {
	val := os.Getenv(EnvPrefix + key)
	return val, val != ""
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var bad []string

	setInt := func(key string, dst *int) {
		if val, ok := lookupEnv(key); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				bad = append(bad, fmt.Sprintf("%s%s=%q is not an integer", EnvPrefix, key, val))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if val, ok := lookupEnv(key); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				bad = append(bad, fmt.Sprintf("%s%s=%q is not a boolean", EnvPrefix, key, val))
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		if val, ok := lookupEnv(key); ok {
			*dst = val
		}
	}

	// Source
	setString("SOURCE", &config.Source.Type)
	setString("BASE_URL", &config.Source.BaseURL)
	setInt("PAGE_SIZE", &config.Source.PageSize)
	setString("PAGE_INTERVAL", &config.Source.PageInterval)
	setString("HTTP_TIMEOUT", &config.Source.Timeout)
	setBool("HONOR_RATE_HEADERS", &config.Source.HonorRateHeaders)
	setInt("WEIGHT_LIMIT", &config.Source.WeightLimit)
	setInt("MAX_EMPTY_WINDOWS", &config.Source.MaxEmptyWindows)
	setString("HISTORY_START", &config.Source.HistoryStart)

	// Storage
	setBool("STORAGE_ENABLED", &config.Storage.Enabled)
	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DATABASE_URL", &config.Storage.DatabaseURL)

	// Export
	setBool("EXPORT_ENABLED", &config.Export.Enabled)
	setString("EXPORT_DIR", &config.Export.Directory)
	setString("EXPORT_FORMAT", &config.Export.Format)

	// Preprocess
	setInt("ROLLING_WINDOW", &config.Preprocess.Window)
	setString("RESAMPLE", &config.Preprocess.Resample)
	setBool("NORMALIZE", &config.Preprocess.Normalize)

	// Batch
	setInt("CONCURRENCY", &config.Batch.Concurrency)

	// Retry
	setInt("RETRY_ATTEMPTS", &config.ErrorHandling.RetryPolicy.MaxAttempts)
	setString("RETRY_INITIAL_DELAY", &config.ErrorHandling.RetryPolicy.InitialDelay)

	// Logging
	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	// KLINES_SYMBOLS=name:ID,name:ID
	if val, ok := lookupEnv("SYMBOLS"); ok {
		if config.Symbols == nil {
			config.Symbols = make(map[string]string)
		}
		for _, pair := range strings.Split(val, ",") {
			name, id, found := strings.Cut(strings.TrimSpace(pair), ":")
			if !found || name == "" || id == "" {
				bad = append(bad, fmt.Sprintf("%sSYMBOLS entry %q must be name:ID", EnvPrefix, pair))
				continue
			}
			config.Symbols[name] = id
		}
	}

	if len(bad) > 0 {
		return fmt.Errorf("invalid environment:\n- %s", strings.Join(bad, "\n- "))
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// Validate checks the configuration for consistency and required fields,
// reporting every problem at once.
func Validate(config *AppConfig) error {
	var errors []string

	validSources := map[string]bool{"binance": true, "binance-sdk": true, "coinbase": true}
	if !validSources[config.Source.Type] {
		errors = append(errors, "source.type must be one of: binance, binance-sdk, coinbase")
	}
	if config.Source.PageSize <= 0 {
		errors = append(errors, "source.page_size must be greater than 0")
	}
	if _, err := time.ParseDuration(config.Source.PageInterval); err != nil {
		errors = append(errors, fmt.Sprintf("source.page_interval is not a valid duration: %v", err))
	}
	if _, err := time.ParseDuration(config.Source.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("source.timeout is not a valid duration: %v", err))
	}
	if config.Source.WeightLimit < 0 {
		errors = append(errors, "source.weight_limit must not be negative")
	}
	if config.Source.MaxEmptyWindows < 0 {
		errors = append(errors, "source.max_empty_windows must not be negative")
	}
	if config.Source.HistoryStart != "" {
		if _, err := time.Parse(time.DateOnly, config.Source.HistoryStart); err != nil {
			errors = append(errors, fmt.Sprintf("source.history_start must be YYYY-MM-DD: %v", err))
		}
	}

	if config.Storage.Enabled {
		switch config.Storage.Type {
		case "duckdb":
			if config.Storage.DatabaseURL == "" {
				errors = append(errors, "storage.database_url is required for DuckDB storage")
			}
		case "memory":
		default:
			errors = append(errors, "storage.type must be one of: duckdb, memory")
		}
	}

	if config.Export.Enabled {
		validFormats := map[string]bool{"csv": true, "json": true, "parquet": true}
		if !validFormats[config.Export.Format] {
			errors = append(errors, "export.format must be one of: csv, json, parquet")
		}
		if config.Export.Directory == "" {
			errors = append(errors, "export.directory is required when export is enabled")
		}
	}

	if config.Preprocess.Window <= 0 {
		errors = append(errors, "preprocess.window must be greater than 0")
	}
	if config.Preprocess.Resample != "" {
		if d, err := time.ParseDuration(config.Preprocess.Resample); err != nil || d <= 0 {
			errors = append(errors, "preprocess.resample must be a positive duration")
		}
	}

	if config.Batch.Concurrency <= 0 {
		errors = append(errors, "batch.concurrency must be greater than 0")
	}

	policy := config.ErrorHandling.RetryPolicy
	if policy.MaxAttempts <= 0 {
		errors = append(errors, "error_handling.retry_policy.max_attempts must be greater than 0")
	}
	if policy.BackoffStrategy != "fixed" && policy.BackoffStrategy != "exponential" {
		errors = append(errors, "error_handling.retry_policy.backoff_strategy must be one of: fixed, exponential")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	switch config.Logging.Output {
	case "stdout", "stderr":
	case "file", "both":
		if config.Logging.FilePath == "" {
			errors = append(errors, "logging.file_path is required for file output")
		}
	default:
		errors = append(errors, "logging.output must be one of: stdout, stderr, file, both")
	}

	for name, id := range config.Symbols {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(id) == "" {
			errors = append(errors, "symbols entries must have a non-empty name and id")
			break
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig saves the current configuration to the config file
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "kline-collector",
		Version: "1.0.0",
		Source: SourceConfig{
			Type:             "binance",
			PageSize:         1000,
			PageInterval:     "1s",
			Timeout:          "30s",
			HonorRateHeaders: true,
			WeightLimit:      1200,
			MaxEmptyWindows:  24,
		},
		Symbols: make(map[string]string),
		Storage: StorageConfig{
			Enabled:      false,
			Type:         "duckdb",
			DatabaseURL:  "./data/klines.db",
			QueryTimeout: "30s",
		},
		Export: ExportConfig{
			Enabled:   true,
			Directory: "./data/exports",
			Format:    "csv",
		},
		Preprocess: PreprocessConfig{
			Window: 5,
		},
		Batch: BatchConfig{
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "kline-collector",
			},
		},
		ErrorHandling: ErrorHandlingConfig{
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "1s",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
				Jitter:          true,
			},
		},
	}
}

// PageIntervalDuration returns the parsed page interval, falling back to one second.
func (s SourceConfig) PageIntervalDuration() time.Duration {
	d, err := time.ParseDuration(s.PageInterval)
	if err != nil || d < 0 {
		return time.Second
	}
	return d
}

// HistoryStartTime returns the parsed history floor, zero when unset or invalid.
func (s SourceConfig) HistoryStartTime() time.Time {
	if s.HistoryStart == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.DateOnly, s.HistoryStart)
	if err != nil {
		return time.Time{}
	}
	return t
}

// TimeoutDuration returns the parsed request timeout, falling back to 30 seconds.
func (s SourceConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// ResampleDuration returns the resample bucket, zero when resampling is off.
func (p PreprocessConfig) ResampleDuration() time.Duration {
	if p.Resample == "" {
		return 0
	}
	d, err := time.ParseDuration(p.Resample)
	if err != nil {
		return 0
	}
	return d
}

// String returns a JSON representation of the configuration
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
