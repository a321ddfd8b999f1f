package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Throttled queue
	MaxConcurrent int
	MinInterval   time.Duration
	MaxRetries    int
	BaseBackoff   time.Duration

	// Credential pool
	CredentialSpacing time.Duration
	FastPathWait      time.Duration
	CredentialsFile   string

	// Storage gateway
	APIBaseURL           string
	GatewayHost          string
	DownloadTimeout      time.Duration
	UploadTimeout        time.Duration
	DefaultRetryAfter    time.Duration
	MaxRateLimitAttempts int
	DownloadCacheTTL     time.Duration
	MetadataPrefix       string
	ProxyURL             string
	UploadRateLimit      string
	TempDir              string

	// Publish pipeline
	LocalOrigin string
	UploadDir   string
	RetryRounds int

	// Chapter store
	DatabasePath string

	// Logging configuration
	LogLevel    string
	EnableDebug bool
	QuietMode   bool
	LogFile     string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent: 3,
		MinInterval:   time.Second,
		MaxRetries:    3,
		BaseBackoff:   time.Second,

		CredentialSpacing: time.Second,
		FastPathWait:      100 * time.Millisecond,
		CredentialsFile:   "credentials.toml",

		APIBaseURL:           "https://api.pinata.cloud",
		GatewayHost:          "gateway.pinata.cloud",
		DownloadTimeout:      10 * time.Second,
		UploadTimeout:        60 * time.Second,
		DefaultRetryAfter:    3600 * time.Second,
		MaxRateLimitAttempts: 5,
		DownloadCacheTTL:     5 * time.Minute,
		MetadataPrefix:       "TaleForge",
		TempDir:              os.TempDir(),

		LocalOrigin: "http://localhost:3001/uploads/",
		UploadDir:   "uploads",
		RetryRounds: 2,

		DatabasePath: "taleforge.db",

		LogLevel:    "info",
		EnableDebug: false,
		QuietMode:   false,
		LogFile:     "", // Empty means stderr
	}
}

// LoadFromFile merges a TOML, YAML or JSON config file into c. Keys mirror the
// environment variables without the TALEFORGE_ prefix, e.g. max_concurrent.
func (c *Config) LoadFromFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if v.IsSet("max_concurrent") {
		c.MaxConcurrent = v.GetInt("max_concurrent")
	}
	if v.IsSet("min_interval") {
		c.MinInterval = v.GetDuration("min_interval")
	}
	if v.IsSet("max_retries") {
		c.MaxRetries = v.GetInt("max_retries")
	}
	if v.IsSet("base_backoff") {
		c.BaseBackoff = v.GetDuration("base_backoff")
	}
	if v.IsSet("credential_spacing") {
		c.CredentialSpacing = v.GetDuration("credential_spacing")
	}
	if v.IsSet("fast_path_wait") {
		c.FastPathWait = v.GetDuration("fast_path_wait")
	}
	if v.IsSet("credentials_file") {
		c.CredentialsFile = v.GetString("credentials_file")
	}
	if v.IsSet("api_base_url") {
		c.APIBaseURL = v.GetString("api_base_url")
	}
	if v.IsSet("gateway_host") {
		c.GatewayHost = v.GetString("gateway_host")
	}
	if v.IsSet("download_timeout") {
		c.DownloadTimeout = v.GetDuration("download_timeout")
	}
	if v.IsSet("upload_timeout") {
		c.UploadTimeout = v.GetDuration("upload_timeout")
	}
	if v.IsSet("default_retry_after") {
		c.DefaultRetryAfter = v.GetDuration("default_retry_after")
	}
	if v.IsSet("max_rate_limit_attempts") {
		c.MaxRateLimitAttempts = v.GetInt("max_rate_limit_attempts")
	}
	if v.IsSet("download_cache_ttl") {
		c.DownloadCacheTTL = v.GetDuration("download_cache_ttl")
	}
	if v.IsSet("metadata_prefix") {
		c.MetadataPrefix = v.GetString("metadata_prefix")
	}
	if v.IsSet("proxy") {
		c.ProxyURL = v.GetString("proxy")
	}
	if v.IsSet("upload_rate_limit") {
		c.UploadRateLimit = v.GetString("upload_rate_limit")
	}
	if v.IsSet("temp_dir") {
		c.TempDir = v.GetString("temp_dir")
	}
	if v.IsSet("local_origin") {
		c.LocalOrigin = v.GetString("local_origin")
	}
	if v.IsSet("upload_dir") {
		c.UploadDir = v.GetString("upload_dir")
	}
	if v.IsSet("retry_rounds") {
		c.RetryRounds = v.GetInt("retry_rounds")
	}
	if v.IsSet("database") {
		c.DatabasePath = v.GetString("database")
	}
	if v.IsSet("log_level") {
		c.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("log_file") {
		c.LogFile = v.GetString("log_file")
	}
	if v.IsSet("debug") {
		c.EnableDebug = v.GetBool("debug")
	}
	if v.IsSet("quiet") {
		c.QuietMode = v.GetBool("quiet")
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if n := os.Getenv("TALEFORGE_MAX_CONCURRENT"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			c.MaxConcurrent = v
		}
	}

	if d, ok := envDuration("TALEFORGE_MIN_INTERVAL"); ok {
		c.MinInterval = d
	}

	if n := os.Getenv("TALEFORGE_MAX_RETRIES"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v >= 0 {
			c.MaxRetries = v
		}
	}

	if d, ok := envDuration("TALEFORGE_DOWNLOAD_TIMEOUT"); ok {
		c.DownloadTimeout = d
	}

	if d, ok := envDuration("TALEFORGE_UPLOAD_TIMEOUT"); ok {
		c.UploadTimeout = d
	}

	if d, ok := envDuration("TALEFORGE_DOWNLOAD_CACHE_TTL"); ok {
		c.DownloadCacheTTL = d
	}

	if path := os.Getenv("TALEFORGE_CREDENTIALS"); path != "" {
		c.CredentialsFile = path
	}

	c.APIBaseURL = GetEnvWithDefault("TALEFORGE_API_URL", c.APIBaseURL)
	c.GatewayHost = GetEnvWithDefault("TALEFORGE_GATEWAY_HOST", c.GatewayHost)
	c.ProxyURL = GetEnvWithDefault("TALEFORGE_PROXY", c.ProxyURL)
	c.UploadRateLimit = GetEnvWithDefault("TALEFORGE_RATE_LIMIT", c.UploadRateLimit)
	c.TempDir = GetEnvWithDefault("TALEFORGE_TEMP_DIR", c.TempDir)
	c.LocalOrigin = GetEnvWithDefault("TALEFORGE_LOCAL_ORIGIN", c.LocalOrigin)
	c.UploadDir = GetEnvWithDefault("TALEFORGE_UPLOAD_DIR", c.UploadDir)
	c.DatabasePath = GetEnvWithDefault("TALEFORGE_DB", c.DatabasePath)

	// Load logging configuration from environment
	if logLevel := os.Getenv("TALEFORGE_LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}

	if debug := os.Getenv("TALEFORGE_DEBUG"); debug != "" {
		c.EnableDebug = debug == "true" || debug == "1"
	}

	if quiet := os.Getenv("TALEFORGE_QUIET"); quiet != "" {
		c.QuietMode = quiet == "true" || quiet == "1"
	}

	if logFile := os.Getenv("TALEFORGE_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}
}

// envDuration accepts Go duration strings ("1500ms") or bare milliseconds
func envDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	if ms, err := strconv.Atoi(raw); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d, true
	}
	return 0, false
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	if c.MaxConcurrent < 1 || c.MaxConcurrent > 32 {
		return NewValidationErrorWithValue("max_concurrent", "must be 1-32", c.MaxConcurrent)
	}

	if c.MinInterval < 0 {
		return NewValidationErrorWithValue("min_interval", "must be >= 0", c.MinInterval)
	}

	if c.MaxRetries < 0 {
		return NewValidationErrorWithValue("max_retries", "must be >= 0", c.MaxRetries)
	}

	if c.DownloadTimeout <= 0 {
		return NewValidationErrorWithValue("download_timeout", "must be > 0", c.DownloadTimeout)
	}

	if c.DownloadCacheTTL < 0 {
		return NewValidationErrorWithValue("download_cache_ttl", "must be >= 0", c.DownloadCacheTTL)
	}

	if c.MaxRateLimitAttempts < 1 {
		return NewValidationErrorWithValue("max_rate_limit_attempts", "must be >= 1", c.MaxRateLimitAttempts)
	}

	if c.RetryRounds < 0 {
		return NewValidationErrorWithValue("retry_rounds", "must be >= 0", c.RetryRounds)
	}

	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return NewValidationErrorWithValue("api_base_url", "must start with http:// or https://", c.APIBaseURL)
	}

	if strings.TrimSpace(c.GatewayHost) == "" {
		return NewValidationError("gateway_host", "cannot be empty").
			WithSuggestion("Set TALEFORGE_GATEWAY_HOST, e.g. gateway.pinata.cloud")
	}

	if strings.TrimSpace(c.LocalOrigin) == "" {
		return NewValidationError("local_origin", "cannot be empty")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}
