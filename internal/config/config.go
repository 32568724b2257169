package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRetentionTTL is the single authoritative retention window for job records.
const DefaultRetentionTTL = 24 * time.Hour

// Config holds all configuration for the jobgate server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Callback  CallbackConfig  `yaml:"callback"`
	Executor  ExecutorConfig  `yaml:"executor"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// JobsConfig controls job record retention and how long a submission waits.
type JobsConfig struct {
	Backend       string        `yaml:"backend"`
	RetentionTTL  time.Duration `yaml:"retention_ttl"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
}

// CallbackConfig describes the inbound completion callback surface.
type CallbackConfig struct {
	PublicBaseURL string `yaml:"public_base_url"`
	SigningSecret string `yaml:"signing_secret"`
}

// ExecutorConfig describes the external executor and the resilience
// policies wrapped around calls to it.
type ExecutorConfig struct {
	BaseURL          string        `yaml:"base_url"`
	StartPath        string        `yaml:"start_path"`
	APIKey           string        `yaml:"api_key"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BackoffInitial   time.Duration `yaml:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	BackoffJitter    float64       `yaml:"backoff_jitter"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool `yaml:"trust_proxy"`
}

var validBackends = map[string]bool{
	"redis":    true,
	"postgres": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Default returns the built-in configuration before any file or environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "development"},
		Log:    LogConfig{Level: "info"},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			Backend:       "redis",
			RetentionTTL:  DefaultRetentionTTL,
			PurgeInterval: 5 * time.Minute,
			WaitTimeout:   60 * time.Second,
		},
		Executor: ExecutorConfig{
			StartPath:        "/api/v1/jobs",
			AttemptTimeout:   10 * time.Second,
			MaxRetries:       3,
			BackoffInitial:   2 * time.Second,
			BackoffMax:       30 * time.Second,
			BackoffJitter:    0.2,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// JOBGATE_CONFIG_FILE, and environment variables, in increasing precedence.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("JOBGATE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = envInt("JOBGATE_PORT", c.Server.Port)
	c.Server.Env = envString("JOBGATE_ENV", c.Server.Env)
	c.Log.Level = strings.ToLower(envString("LOG_LEVEL", c.Log.Level))

	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)

	c.Redis.URL = envString("REDIS_URL", c.Redis.URL)

	c.Jobs.Backend = envString("JOB_STORE_BACKEND", c.Jobs.Backend)
	c.Jobs.RetentionTTL = envDuration("JOB_RETENTION_TTL", c.Jobs.RetentionTTL)
	c.Jobs.PurgeInterval = envDuration("JOB_PURGE_INTERVAL", c.Jobs.PurgeInterval)
	c.Jobs.WaitTimeout = envDuration("JOB_WAIT_TIMEOUT", c.Jobs.WaitTimeout)

	c.Callback.PublicBaseURL = strings.TrimRight(envString("PUBLIC_BASE_URL", c.Callback.PublicBaseURL), "/")
	c.Callback.SigningSecret = envString("CALLBACK_SIGNING_SECRET", c.Callback.SigningSecret)

	c.Executor.BaseURL = strings.TrimRight(envString("EXECUTOR_BASE_URL", c.Executor.BaseURL), "/")
	c.Executor.StartPath = envString("EXECUTOR_START_PATH", c.Executor.StartPath)
	c.Executor.APIKey = envString("EXECUTOR_API_KEY", c.Executor.APIKey)
	c.Executor.AttemptTimeout = envDuration("DISPATCH_ATTEMPT_TIMEOUT", c.Executor.AttemptTimeout)
	c.Executor.MaxRetries = envInt("DISPATCH_MAX_RETRIES", c.Executor.MaxRetries)
	c.Executor.BackoffInitial = envDuration("DISPATCH_BACKOFF_INITIAL", c.Executor.BackoffInitial)
	c.Executor.BackoffMax = envDuration("DISPATCH_BACKOFF_MAX", c.Executor.BackoffMax)
	c.Executor.BackoffJitter = envFloat("DISPATCH_BACKOFF_JITTER", c.Executor.BackoffJitter)
	c.Executor.BreakerThreshold = envInt("BREAKER_FAILURE_THRESHOLD", c.Executor.BreakerThreshold)
	c.Executor.BreakerCooldown = envDuration("BREAKER_COOLDOWN", c.Executor.BreakerCooldown)

	c.RateLimit.RequestsPerMinute = envInt("RATE_LIMIT_PER_MINUTE", c.RateLimit.RequestsPerMinute)
	c.RateLimit.TrustProxy = envBool("RATE_LIMIT_TRUST_PROXY", c.RateLimit.TrustProxy)
}

func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBackends[c.Jobs.Backend] {
		return fmt.Errorf("JOB_STORE_BACKEND must be one of redis, postgres; got %q", c.Jobs.Backend)
	}
	if c.Jobs.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when JOB_STORE_BACKEND is postgres")
	}
	if c.Jobs.Backend == "postgres" && c.Jobs.PurgeInterval <= 0 {
		return fmt.Errorf("JOB_PURGE_INTERVAL must be positive when JOB_STORE_BACKEND is postgres")
	}

	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	if c.Executor.BaseURL == "" {
		return fmt.Errorf("EXECUTOR_BASE_URL is required")
	}
	if !isHTTPURL(c.Executor.BaseURL) {
		return fmt.Errorf("EXECUTOR_BASE_URL must start with http:// or https://, got %q", c.Executor.BaseURL)
	}

	if c.Callback.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if !isHTTPURL(c.Callback.PublicBaseURL) {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Callback.PublicBaseURL)
	}

	if c.Callback.SigningSecret == "" {
		return fmt.Errorf("CALLBACK_SIGNING_SECRET is required")
	}

	if c.Jobs.RetentionTTL <= 0 {
		return fmt.Errorf("JOB_RETENTION_TTL must be positive")
	}
	if c.Jobs.WaitTimeout <= 0 {
		return fmt.Errorf("JOB_WAIT_TIMEOUT must be positive")
	}
	if c.Jobs.WaitTimeout >= c.Jobs.RetentionTTL {
		return fmt.Errorf("JOB_WAIT_TIMEOUT (%s) must be shorter than JOB_RETENTION_TTL (%s)",
			c.Jobs.WaitTimeout, c.Jobs.RetentionTTL)
	}

	if c.Executor.AttemptTimeout <= 0 {
		return fmt.Errorf("DISPATCH_ATTEMPT_TIMEOUT must be positive")
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("DISPATCH_MAX_RETRIES must not be negative")
	}
	if c.Executor.BackoffInitial <= 0 {
		return fmt.Errorf("DISPATCH_BACKOFF_INITIAL must be positive")
	}
	if c.Executor.BackoffMax < c.Executor.BackoffInitial {
		return fmt.Errorf("DISPATCH_BACKOFF_MAX (%s) must not be shorter than DISPATCH_BACKOFF_INITIAL (%s)",
			c.Executor.BackoffMax, c.Executor.BackoffInitial)
	}
	if c.Executor.BackoffJitter < 0 || c.Executor.BackoffJitter >= 1 {
		return fmt.Errorf("DISPATCH_BACKOFF_JITTER must be in [0, 1), got %v", c.Executor.BackoffJitter)
	}
	if c.Executor.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if c.Executor.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive")
	}

	return nil
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
