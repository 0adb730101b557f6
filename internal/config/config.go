package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the imgmatch service configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Comparator ComparatorConfig `yaml:"comparator"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Retry      RetryConfig      `yaml:"retry"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// TelemetryConfig holds tracing settings. The exporter endpoint comes from OTEL_EXPORTER_OTLP_ENDPOINT.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`

	// MaxBodyBytes caps request bodies, inline base64 probes included.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Database drivers.
const (
	DriverRedis  = "redis"
	DriverValkey = "valkey"
	DriverMongo  = "mongo"
)

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // redis, valkey, mongo (default: redis)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
	MongoURI         string   `yaml:"mongo_uri"`
	MongoDatabase    string   `yaml:"mongo_database"`
}

// StorageConfig holds key layout and expiry settings.
type StorageConfig struct {
	KeyPrefix        string `yaml:"key_prefix"`
	StatusTTLHours   int    `yaml:"status_ttl_hours"`
	ArtifactTTLSec   int    `yaml:"artifact_ttl_sec"`
	ImageCacheTTLSec int    `yaml:"image_cache_ttl_sec"`
}

// StatusTTL returns the status record expiry.
func (s StorageConfig) StatusTTL() time.Duration {
	return time.Duration(s.StatusTTLHours) * time.Hour
}

// ArtifactTTL returns the transient artifact expiry.
func (s StorageConfig) ArtifactTTL() time.Duration {
	return time.Duration(s.ArtifactTTLSec) * time.Second
}

// ImageCacheTTL returns the normalized image cache expiry.
func (s StorageConfig) ImageCacheTTL() time.Duration {
	return time.Duration(s.ImageCacheTTLSec) * time.Second
}

// ProvidersConfig holds search provider settings.
type ProvidersConfig struct {
	Bing BingConfig `yaml:"bing"`
}

// BingConfig holds Bing Visual Search and Image Search settings.
type BingConfig struct {
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Market        string  `yaml:"market"`
	PageSize      int     `yaml:"page_size"`
	MaxPages      int     `yaml:"max_pages"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	VisualSearch  *bool   `yaml:"visual_search"`
	TextSearch    *bool   `yaml:"text_search"`
}

// VisualSearchEnabled reports whether reverse-image search is on.
func (b BingConfig) VisualSearchEnabled() bool { return b.VisualSearch == nil || *b.VisualSearch }

// TextSearchEnabled reports whether text-query image search is on.
func (b BingConfig) TextSearchEnabled() bool { return b.TextSearch == nil || *b.TextSearch }

// Comparator drivers and error policies.
const (
	ComparatorHTTP   = "http"
	ComparatorOpenAI = "openai"

	OnErrorSkip  = "skip"
	OnErrorAbort = "abort"
)

// ComparatorConfig holds similarity comparator settings.
type ComparatorConfig struct {
	Driver        string  `yaml:"driver"` // http, openai (default: http)
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	Threshold     float64 `yaml:"threshold"`
	OnError       string  `yaml:"on_error"` // skip, abort (default: skip)
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// PipelineConfig holds per-request processing limits.
type PipelineConfig struct {
	BatchWidth               int   `yaml:"batch_width"`
	CallTimeoutSec           int   `yaml:"call_timeout_sec"`
	MaxImageBytes            int   `yaml:"max_image_bytes"`
	MaxDownloadBytes         int64 `yaml:"max_download_bytes"`
	MaxDimension             int   `yaml:"max_dimension"`
	JPEGQuality              int   `yaml:"jpeg_quality"`
	FallbackJPEGQuality      int   `yaml:"fallback_jpeg_quality"`
	MaxConcurrentRequests    int   `yaml:"max_concurrent_requests"`
	FailWhenAllProvidersFail bool  `yaml:"fail_when_all_providers_fail"`
}

// CallTimeout returns the per-call network timeout.
func (p PipelineConfig) CallTimeout() time.Duration {
	return time.Duration(p.CallTimeoutSec) * time.Second
}

// RetryConfig holds the shared retry policy.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
}

// NotifyConfig holds downstream webhook settings. Empty URLs disable the hook.
type NotifyConfig struct {
	MatchesURL              string `yaml:"matches_url"`
	ClearedURL              string `yaml:"cleared_url"`
	Secret                  string `yaml:"secret"`
	SecretHeader            string `yaml:"secret_header"`
	ClearedBatchSize        int    `yaml:"cleared_batch_size"`
	ClearedFlushIntervalSec int    `yaml:"cleared_flush_interval_sec"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, expanding ${VAR} references, then
// applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 32 << 20
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverRedis
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Database.MongoDatabase == "" {
		c.Database.MongoDatabase = "imgmatch"
	}

	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "imgmatch:"
	}
	if c.Storage.StatusTTLHours <= 0 {
		c.Storage.StatusTTLHours = 168
	}
	if c.Storage.ArtifactTTLSec <= 0 {
		c.Storage.ArtifactTTLSec = 300
	}
	if c.Storage.ImageCacheTTLSec <= 0 {
		c.Storage.ImageCacheTTLSec = 3600
	}

	b := &c.Providers.Bing
	if b.Endpoint == "" {
		b.Endpoint = "https://api.bing.microsoft.com/v7.0"
	}
	if b.Market == "" {
		b.Market = "en-US"
	}
	if b.PageSize <= 0 {
		b.PageSize = 50
	}
	if b.MaxPages <= 0 {
		b.MaxPages = 4
	}
	if b.RatePerSecond <= 0 {
		b.RatePerSecond = 3
	}

	if c.Comparator.Driver == "" {
		c.Comparator.Driver = ComparatorHTTP
	}
	if c.Comparator.Threshold <= 0 {
		c.Comparator.Threshold = 90
	}
	if c.Comparator.OnError == "" {
		c.Comparator.OnError = OnErrorSkip
	}
	if c.Comparator.RatePerSecond <= 0 {
		c.Comparator.RatePerSecond = 10
	}
	if c.Comparator.Driver == ComparatorOpenAI && c.Comparator.Model == "" {
		c.Comparator.Model = "gpt-4o-mini"
	}

	p := &c.Pipeline
	if p.BatchWidth <= 0 {
		p.BatchWidth = 10
	}
	if p.CallTimeoutSec <= 0 {
		p.CallTimeoutSec = 15
	}
	if p.MaxImageBytes <= 0 {
		p.MaxImageBytes = 1 << 20
	}
	if p.MaxDownloadBytes <= 0 {
		p.MaxDownloadBytes = 20 << 20
	}
	if p.MaxDimension <= 0 {
		p.MaxDimension = 1024
	}
	if p.JPEGQuality <= 0 {
		p.JPEGQuality = 85
	}
	if p.FallbackJPEGQuality <= 0 {
		p.FallbackJPEGQuality = 60
	}
	if p.MaxConcurrentRequests <= 0 {
		p.MaxConcurrentRequests = 4
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelayMs <= 0 {
		c.Retry.InitialDelayMs = 500
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = 5000
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2
	}

	if c.Notify.SecretHeader == "" {
		c.Notify.SecretHeader = "X-Webhook-Secret"
	}
	if c.Notify.ClearedBatchSize <= 0 {
		c.Notify.ClearedBatchSize = 20
	}
	if c.Notify.ClearedFlushIntervalSec <= 0 {
		c.Notify.ClearedFlushIntervalSec = 30
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "imgmatch"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.Database.Driver {
	case DriverRedis, DriverValkey:
		if len(c.Database.Addrs) == 0 {
			return fmt.Errorf("database.addrs is required")
		}
	case DriverMongo:
		if c.Database.MongoURI == "" {
			return fmt.Errorf("database.mongo_uri is required for driver %q", DriverMongo)
		}
		// Artifacts and the image cache always live in Redis.
		if len(c.Database.Addrs) == 0 {
			return fmt.Errorf("database.addrs is required")
		}
	default:
		return fmt.Errorf("database.driver must be %q, %q or %q, got %q",
			DriverRedis, DriverValkey, DriverMongo, c.Database.Driver)
	}

	switch c.Comparator.Driver {
	case ComparatorHTTP:
		if c.Comparator.Endpoint == "" {
			return fmt.Errorf("comparator.endpoint is required for driver %q", ComparatorHTTP)
		}
	case ComparatorOpenAI:
	default:
		return fmt.Errorf("comparator.driver must be %q or %q, got %q",
			ComparatorHTTP, ComparatorOpenAI, c.Comparator.Driver)
	}
	if c.Comparator.Threshold > 100 {
		return fmt.Errorf("comparator.threshold must be between 0 and 100, got %v", c.Comparator.Threshold)
	}
	switch c.Comparator.OnError {
	case OnErrorSkip, OnErrorAbort:
	default:
		return fmt.Errorf("comparator.on_error must be %q or %q, got %q",
			OnErrorSkip, OnErrorAbort, c.Comparator.OnError)
	}

	if c.Pipeline.BatchWidth < 1 || c.Pipeline.BatchWidth > 50 {
		return fmt.Errorf("pipeline.batch_width must be between 1 and 50, got %d", c.Pipeline.BatchWidth)
	}
	if c.Pipeline.CallTimeoutSec < 5 || c.Pipeline.CallTimeoutSec > 30 {
		return fmt.Errorf("pipeline.call_timeout_sec must be between 5 and 30, got %d", c.Pipeline.CallTimeoutSec)
	}
	if c.Pipeline.FallbackJPEGQuality > c.Pipeline.JPEGQuality {
		return fmt.Errorf("pipeline.fallback_jpeg_quality (%d) must not exceed jpeg_quality (%d)",
			c.Pipeline.FallbackJPEGQuality, c.Pipeline.JPEGQuality)
	}
	if c.Pipeline.JPEGQuality > 100 {
		return fmt.Errorf("pipeline.jpeg_quality must be at most 100, got %d", c.Pipeline.JPEGQuality)
	}

	if c.Retry.MaxDelayMs < c.Retry.InitialDelayMs {
		return fmt.Errorf("retry.max_delay_ms (%d) must be >= initial_delay_ms (%d)",
			c.Retry.MaxDelayMs, c.Retry.InitialDelayMs)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
