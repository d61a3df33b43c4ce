// Package common provides shared utilities for Sweep
package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ErrConfig marks unreadable, unparseable, or invalid configuration.
// Callers use it to exit with the config-error status.
var ErrConfig = errors.New("invalid configuration")

// Config holds all configuration for Sweep
type Config struct {
	Environment string            `toml:"environment"`
	Server      ServerConfig      `toml:"server"`
	Engine      EngineConfig      `toml:"engine"`
	Retry       RetryConfig       `toml:"retry"`
	Handler     HandlerConfig     `toml:"handler"`
	Cache       CacheConfig       `toml:"cache"`
	Git         GitConfig         `toml:"git"`
	GitHub      GitHubConfig      `toml:"github"`
	Scan        ScanConfig        `toml:"scan"`
	Output      OutputConfig      `toml:"output"`
	Logging     LoggingConfig     `toml:"logging"`
	Auth        AuthConfig        `toml:"auth"`
	Cron        []CronEntryConfig `toml:"cron"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  string `toml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout"`
}

// GetReadTimeout parses and returns the read timeout duration
func (c *ServerConfig) GetReadTimeout() time.Duration {
	d, err := time.ParseDuration(c.ReadTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetWriteTimeout parses and returns the write timeout duration
func (c *ServerConfig) GetWriteTimeout() time.Duration {
	d, err := time.ParseDuration(c.WriteTimeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// EngineConfig holds orchestrator sizing configuration
type EngineConfig struct {
	MaxConcurrent    int `toml:"max_concurrent"`
	HistoryRingSize  int `toml:"history_ring_size"`
	ActivityRingSize int `toml:"activity_ring_size"`
	BusBuffer        int `toml:"bus_buffer"`
}

// RetryConfig holds backoff and circuit breaker configuration
type RetryConfig struct {
	BaseDelay   string  `toml:"base_delay"`
	MaxDelay    string  `toml:"max_delay"`
	Jitter      float64 `toml:"jitter"`
	AbsoluteMax int     `toml:"absolute_max"`
	TimeoutMax  int     `toml:"timeout_max"`
	LedgerTTL   string  `toml:"ledger_ttl"`
}

// GetBaseDelay parses and returns the base backoff delay
func (c *RetryConfig) GetBaseDelay() time.Duration {
	d, err := time.ParseDuration(c.BaseDelay)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetMaxDelay parses and returns the backoff cap
func (c *RetryConfig) GetMaxDelay() time.Duration {
	d, err := time.ParseDuration(c.MaxDelay)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetLedgerTTL parses and returns the retry ledger entry TTL
func (c *RetryConfig) GetLedgerTTL() time.Duration {
	d, err := time.ParseDuration(c.LedgerTTL)
	if err != nil {
		return time.Hour
	}
	return d
}

// HandlerConfig holds handler execution limits
type HandlerConfig struct {
	DefaultTimeout string            `toml:"default_timeout"`
	CancelGrace    string            `toml:"cancel_grace"`
	Timeouts       map[string]string `toml:"timeouts"` // per job type
}

// GetDefaultTimeout parses and returns the handler deadline
func (c *HandlerConfig) GetDefaultTimeout() time.Duration {
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetCancelGrace parses and returns the post-cancel grace window
func (c *HandlerConfig) GetCancelGrace() time.Duration {
	d, err := time.ParseDuration(c.CancelGrace)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetTimeoutFor returns the deadline for a job type, falling back to the default.
func (c *HandlerConfig) GetTimeoutFor(jobType string) time.Duration {
	if raw, ok := c.Timeouts[jobType]; ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return c.GetDefaultTimeout()
}

// CacheConfig holds scan cache configuration
type CacheConfig struct {
	Enabled      bool              `toml:"enabled"`
	TTL          string            `toml:"ttl"`
	TTLOverrides map[string]string `toml:"ttl_overrides"` // per job type
}

// GetTTL parses and returns the default cache entry TTL
func (c *CacheConfig) GetTTL() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetTTLFor returns the cache TTL for a job type, falling back to the default.
func (c *CacheConfig) GetTTLFor(jobType string) time.Duration {
	if raw, ok := c.TTLOverrides[jobType]; ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return c.GetTTL()
}

// GitConfig holds the Git side-effect protocol configuration
type GitConfig struct {
	BranchPrefix string `toml:"branch_prefix"`
	BaseBranch   string `toml:"base_branch"`
	Remote       string `toml:"remote"`
	DryRun       bool   `toml:"dry_run"`
	Token        string `toml:"token"`
	AuthorName   string `toml:"author_name"`
	AuthorEmail  string `toml:"author_email"`
}

// GitHubConfig holds pull request creation configuration
type GitHubConfig struct {
	Enabled   bool   `toml:"enabled"`
	Token     string `toml:"token"`
	BaseURL   string `toml:"base_url"` // enterprise instances; empty = github.com
	RateLimit int    `toml:"rate_limit"`
}

// ScanConfig holds duplicate-detection defaults
type ScanConfig struct {
	ExcludedPaths  []string `toml:"excluded_paths"`
	MinBlockLines  int      `toml:"min_block_lines"`
	MinSimilarity  float64  `toml:"min_similarity"`
	HandlerVersion string   `toml:"handler_version"`
	CleanupGlobs   []string `toml:"cleanup_globs"`
}

// OutputConfig holds durable artifact locations
type OutputConfig struct {
	ReportsDir  string `toml:"reports_dir"`
	HistoryFile string `toml:"history_file"`
	TempDir     string `toml:"temp_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string `toml:"level"`
	FilePath string `toml:"file_path"`
}

// AuthConfig holds bearer token authentication for mutating routes
type AuthConfig struct {
	Enabled     bool   `toml:"enabled"`
	JWTSecret   string `toml:"jwt_secret"`
	TokenExpiry string `toml:"token_expiry"`
}

// GetTokenExpiry parses and returns the token expiry duration.
func (c *AuthConfig) GetTokenExpiry() time.Duration {
	d, err := time.ParseDuration(c.TokenExpiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// CronEntryConfig declares one cron-driven job producer.
type CronEntryConfig struct {
	Name            string   `toml:"name"`
	Schedule        string   `toml:"schedule"`
	JobType         string   `toml:"job_type"`
	RepositoryPath  string   `toml:"repository_path"`
	RepositoryPaths []string `toml:"repository_paths"`
	GroupName       string   `toml:"group_name"`
	RunOnStartup    bool     `toml:"run_on_startup"`
	SkipIfQueued    bool     `toml:"skip_if_queued"`
	ForceRefresh    bool     `toml:"force_refresh"`
	IncludeTests    bool     `toml:"include_tests"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         4242,
			ReadTimeout:  "30s",
			WriteTimeout: "300s",
		},
		Engine: EngineConfig{
			MaxConcurrent:    3,
			HistoryRingSize:  500,
			ActivityRingSize: 200,
			BusBuffer:        1024,
		},
		Retry: RetryConfig{
			BaseDelay:   "60s",
			MaxDelay:    "30m",
			Jitter:      0.2,
			AbsoluteMax: 10,
			TimeoutMax:  2,
			LedgerTTL:   "1h",
		},
		Handler: HandlerConfig{
			DefaultTimeout: "10m",
			CancelGrace:    "30s",
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     "1h",
		},
		Git: GitConfig{
			BranchPrefix: "sweep",
			BaseBranch:   "main",
			Remote:       "origin",
			DryRun:       true,
			AuthorName:   "sweep",
			AuthorEmail:  "sweep@localhost",
		},
		GitHub: GitHubConfig{
			RateLimit: 5,
		},
		Scan: ScanConfig{
			ExcludedPaths: []string{
				"node_modules", "vendor", ".git", "dist", "build",
				"__pycache__", ".venv", "coverage",
			},
			MinBlockLines:  3,
			MinSimilarity:  0.8,
			HandlerVersion: "2.1.0",
			CleanupGlobs:   []string{"*.orig", "*.rej", ".DS_Store"},
		},
		Output: OutputConfig{
			ReportsDir:  "data/reports",
			HistoryFile: "data/history/jobs.ndjson",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			TokenExpiry: "24h",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read config file %s: %v", ErrConfig, path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config file %s: %v", ErrConfig, path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SWEEP_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("SWEEP_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("SWEEP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("SWEEP_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if mc := os.Getenv("SWEEP_MAX_CONCURRENT"); mc != "" {
		if n, err := strconv.Atoi(mc); err == nil {
			config.Engine.MaxConcurrent = n
		}
	}

	if dir := os.Getenv("SWEEP_REPORTS_DIR"); dir != "" {
		config.Output.ReportsDir = dir
	}

	if f := os.Getenv("SWEEP_HISTORY_FILE"); f != "" {
		config.Output.HistoryFile = f
	}

	if v := os.Getenv("SWEEP_GIT_TOKEN"); v != "" {
		config.Git.Token = v
	}

	if v := os.Getenv("SWEEP_GIT_DRY_RUN"); v != "" {
		config.Git.DryRun = v == "true" || v == "1"
	}

	if v := os.Getenv("SWEEP_GITHUB_TOKEN"); v != "" {
		config.GitHub.Token = v
	}

	if v := os.Getenv("SWEEP_AUTH_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Engine.MaxConcurrent <= 0 {
		return fmt.Errorf("engine.max_concurrent must be positive, got %d", c.Engine.MaxConcurrent)
	}
	if c.Engine.HistoryRingSize <= 0 || c.Engine.ActivityRingSize <= 0 {
		return fmt.Errorf("ring sizes must be positive")
	}
	if c.Engine.BusBuffer <= 0 {
		return fmt.Errorf("engine.bus_buffer must be positive, got %d", c.Engine.BusBuffer)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be in [0,1], got %.2f", c.Retry.Jitter)
	}
	if c.Retry.AbsoluteMax <= 0 {
		return fmt.Errorf("retry.absolute_max must be positive, got %d", c.Retry.AbsoluteMax)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.enabled requires auth.jwt_secret")
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ResolveGitToken resolves the Git push token from environment or config.
func (c *Config) ResolveGitToken() string {
	for _, name := range []string{"SWEEP_GIT_TOKEN", "GIT_TOKEN"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return c.Git.Token
}

// ResolveGitHubToken resolves the PR creation token from environment or config.
// Falls back to the Git token so a single credential can serve both.
func (c *Config) ResolveGitHubToken() string {
	for _, name := range []string{"SWEEP_GITHUB_TOKEN", "GITHUB_TOKEN"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	if c.GitHub.Token != "" {
		return c.GitHub.Token
	}
	return c.ResolveGitToken()
}
