package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration parameters
type Config struct {
	Input      InputConfig      `json:"input" yaml:"input"`
	Run        RunConfig        `json:"run" yaml:"run"`
	DeadLetter DeadLetterConfig `json:"dead_letter" yaml:"dead_letter"`
	Search     SearchConfig     `json:"search" yaml:"search"`
	Acquire    AcquireConfig    `json:"acquire" yaml:"acquire"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Verify     VerifyConfig     `json:"verify" yaml:"verify"`
	Background BackgroundConfig `json:"background" yaml:"background"`
	Compose    ComposeConfig    `json:"compose" yaml:"compose"`
	StatusAddr string           `json:"status_addr" yaml:"status_addr"` // empty disables the status server
	DBPath     string           `json:"db_path" yaml:"db_path"`
	ReportPath string           `json:"report_path" yaml:"report_path"`
	LogLevel   string           `json:"log_level" yaml:"log_level"`
}

// InputConfig describes the record table and how to turn a row into a query
type InputConfig struct {
	Path              string   `json:"path" yaml:"path"`
	Format            string   `json:"format" yaml:"format"`             // csv, parquet (default: from extension)
	IndexColumn       string   `json:"index_column" yaml:"index_column"` // empty = row position
	QueryColumns      []string `json:"query_columns" yaml:"query_columns"`
	PlaceholderValues []string `json:"placeholder_values" yaml:"placeholder_values"`
	QuerySuffix       string   `json:"query_suffix" yaml:"query_suffix"`
}

// RunConfig holds worker pool settings
type RunConfig struct {
	Workers    int   `json:"workers" yaml:"workers"`
	ChunkSize  int   `json:"chunk_size" yaml:"chunk_size"`
	Resume     *bool `json:"resume" yaml:"resume"`
	MaxResults int   `json:"max_results" yaml:"max_results"`
	DBMaxConns int   `json:"db_max_conns" yaml:"db_max_conns"`
}

// DeadLetterConfig controls the retry pass after the main loop
type DeadLetterConfig struct {
	Enabled    *bool `json:"enabled" yaml:"enabled"`
	MaxRetries int   `json:"max_retries" yaml:"max_retries"`
}

// SearchConfig holds coordinator and per-source settings
type SearchConfig struct {
	MinResults         int            `json:"min_results" yaml:"min_results"`
	InterSourceDelayMs int            `json:"inter_source_delay_ms" yaml:"inter_source_delay_ms"`
	BreakerThreshold   int            `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldownSec int            `json:"breaker_cooldown_sec" yaml:"breaker_cooldown_sec"`
	RequestTimeoutMs   int            `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	UserAgent          string         `json:"user_agent" yaml:"user_agent"`
	Sources            []SourceConfig `json:"sources" yaml:"sources"`
}

// SourceConfig describes one external image search source. Sources are
// queried in list order.
type SourceConfig struct {
	Name         string            `json:"name" yaml:"name"`
	Type         string            `json:"type" yaml:"type"` // json, html
	Enabled      *bool             `json:"enabled" yaml:"enabled"`
	URL          string            `json:"url" yaml:"url"` // {query} and {count} are substituted
	RateLimitRPS float64           `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	Trust        float64           `json:"trust" yaml:"trust"` // small ranking bonus for this source's candidates
	Method       string            `json:"method" yaml:"method"`
	Headers      map[string]string `json:"headers" yaml:"headers"`
	ResultPath   string            `json:"result_path" yaml:"result_path"` // json: dot-notation path to the result array
	Fields       map[string]string `json:"fields" yaml:"fields"`           // json: url, title, width, height
	Selector     string            `json:"selector" yaml:"selector"`       // html: CSS selector for image elements
	Attributes   []string          `json:"attributes" yaml:"attributes"`   // html: attributes holding the image URL
}

// AcquireConfig holds download and validation thresholds
type AcquireConfig struct {
	AssetDir         string   `json:"asset_dir" yaml:"asset_dir"`
	MinBytes         int64    `json:"min_bytes" yaml:"min_bytes"`
	MaxBytes         int64    `json:"max_bytes" yaml:"max_bytes"`
	MinWidth         int      `json:"min_width" yaml:"min_width"`
	MinHeight        int      `json:"min_height" yaml:"min_height"`
	MinAspect        float64  `json:"min_aspect" yaml:"min_aspect"`
	MaxAspect        float64  `json:"max_aspect" yaml:"max_aspect"`
	MinStdDev        float64  `json:"min_stddev" yaml:"min_stddev"`
	MinColors        int      `json:"min_colors" yaml:"min_colors"`
	FetchAttempts    int      `json:"fetch_attempts" yaml:"fetch_attempts"`
	FetchBaseDelayMs int      `json:"fetch_base_delay_ms" yaml:"fetch_base_delay_ms"`
	FetchMaxDelayMs  int      `json:"fetch_max_delay_ms" yaml:"fetch_max_delay_ms"`
	FetchTimeoutMs   int      `json:"fetch_timeout_ms" yaml:"fetch_timeout_ms"`
	MaxPerDomain     int      `json:"max_per_domain" yaml:"max_per_domain"` // 0 = no cap
	TrustedDomains   []string `json:"trusted_domains" yaml:"trusted_domains"`
	PenaltyTerms     []string `json:"penalty_terms" yaml:"penalty_terms"`
	JPEGQuality      int      `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// CacheConfig selects the result cache backend
type CacheConfig struct {
	Backend string      `json:"backend" yaml:"backend"` // sqlite, memory, redis
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig holds connection settings for the redis backend
type RedisConfig struct {
	Addrs     []string `json:"addrs" yaml:"addrs"`
	Username  string   `json:"username" yaml:"username"`
	Password  string   `json:"password" yaml:"password"`
	DB        int      `json:"db" yaml:"db"`
	KeyPrefix string   `json:"key_prefix" yaml:"key_prefix"`
}

// VerifyConfig configures the semantic verification gate
type VerifyConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	BaseURL       string  `json:"base_url" yaml:"base_url"`
	APIKey        string  `json:"api_key" yaml:"api_key"`
	Model         string  `json:"model" yaml:"model"`
	MinScore      float64 `json:"min_score" yaml:"min_score"`
	TimeoutMs     int     `json:"timeout_ms" yaml:"timeout_ms"`
	// AcceptOnError decides verifier errors and timeouts. It does not pick
	// the asset when every candidate is rejected; FallbackUnverified does.
	AcceptOnError *bool `json:"accept_on_error" yaml:"accept_on_error"`
	MaxCandidates int   `json:"max_candidates" yaml:"max_candidates"`
	// FallbackUnverified uses the best candidate unverified when all are
	// rejected. When false the record gets the placeholder instead.
	FallbackUnverified *bool `json:"fallback_unverified" yaml:"fallback_unverified"`
}

// BackgroundConfig configures the background removal collaborator
type BackgroundConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	TimeoutMs int    `json:"timeout_ms" yaml:"timeout_ms"`
	OutputDir string `json:"output_dir" yaml:"output_dir"`
}

// ComposeConfig configures the final hand-off
type ComposeConfig struct {
	OutputDir       string `json:"output_dir" yaml:"output_dir"`
	PlaceholderPath string `json:"placeholder_path" yaml:"placeholder_path"`
	PostgresDSN     string `json:"postgres_dsn" yaml:"postgres_dsn"` // empty disables the manifest
}

// LoadConfig reads, expands and validates configuration from a JSON or YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ResumeEnabled reports whether previously done records are skipped
func (c *Config) ResumeEnabled() bool { return boolValue(c.Run.Resume, true) }

// DeadLetterEnabled reports whether the retry pass runs after the main loop
func (c *Config) DeadLetterEnabled() bool { return boolValue(c.DeadLetter.Enabled, true) }

// AcceptOnError reports the verification fail-open policy
func (c *Config) AcceptOnError() bool { return boolValue(c.Verify.AcceptOnError, true) }

// FallbackUnverified reports whether rejected records still use the best candidate
func (c *Config) FallbackUnverified() bool { return boolValue(c.Verify.FallbackUnverified, true) }

// IsEnabled reports whether the source takes part in searches
func (s SourceConfig) IsEnabled() bool { return boolValue(s.Enabled, true) }

// EnabledSources returns enabled sources in priority order
func (c *Config) EnabledSources() []SourceConfig {
	var out []SourceConfig
	for _, s := range c.Search.Sources {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

func boolValue(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func boolPtr(v bool) *bool { return &v }

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	if cfg.Input.Format == "" {
		switch strings.ToLower(filepath.Ext(cfg.Input.Path)) {
		case ".parquet":
			cfg.Input.Format = "parquet"
		default:
			cfg.Input.Format = "csv"
		}
	}
	if len(cfg.Input.PlaceholderValues) == 0 {
		cfg.Input.PlaceholderValues = []string{"-", "n/a", "na", "nan", "none", "null", "unknown", "tbd"}
	}

	if cfg.Run.Workers == 0 {
		cfg.Run.Workers = 4
	}
	if cfg.Run.ChunkSize == 0 {
		cfg.Run.ChunkSize = 100
	}
	if cfg.Run.Resume == nil {
		cfg.Run.Resume = boolPtr(true)
	}
	if cfg.Run.MaxResults == 0 {
		cfg.Run.MaxResults = 20
	}
	if cfg.Run.DBMaxConns == 0 {
		cfg.Run.DBMaxConns = cfg.Run.Workers + 2
	}

	if cfg.DeadLetter.Enabled == nil {
		cfg.DeadLetter.Enabled = boolPtr(true)
	}
	if cfg.DeadLetter.MaxRetries == 0 {
		cfg.DeadLetter.MaxRetries = 3
	}

	if cfg.Search.MinResults == 0 {
		cfg.Search.MinResults = 10
	}
	if cfg.Search.BreakerThreshold == 0 {
		cfg.Search.BreakerThreshold = 5
	}
	if cfg.Search.BreakerCooldownSec == 0 {
		cfg.Search.BreakerCooldownSec = 60
	}
	if cfg.Search.RequestTimeoutMs == 0 {
		cfg.Search.RequestTimeoutMs = 10000
	}
	if cfg.Search.UserAgent == "" {
		cfg.Search.UserAgent = "image-weaver/1.0"
	}
	for i := range cfg.Search.Sources {
		s := &cfg.Search.Sources[i]
		if s.Type == "" {
			s.Type = "json"
		}
		if s.Type == "html" && s.Selector == "" {
			s.Selector = "img"
		}
		if s.Type == "html" && len(s.Attributes) == 0 {
			s.Attributes = []string{"data-src", "src"}
		}
	}

	if cfg.Acquire.AssetDir == "" {
		cfg.Acquire.AssetDir = "assets"
	}
	if cfg.Acquire.MinBytes == 0 {
		cfg.Acquire.MinBytes = 5 * 1024
	}
	if cfg.Acquire.MaxBytes == 0 {
		cfg.Acquire.MaxBytes = 20 * 1024 * 1024
	}
	if cfg.Acquire.MinWidth == 0 {
		cfg.Acquire.MinWidth = 300
	}
	if cfg.Acquire.MinHeight == 0 {
		cfg.Acquire.MinHeight = 300
	}
	if cfg.Acquire.MinAspect == 0 {
		cfg.Acquire.MinAspect = 0.33
	}
	if cfg.Acquire.MaxAspect == 0 {
		cfg.Acquire.MaxAspect = 3.0
	}
	if cfg.Acquire.MinStdDev == 0 {
		cfg.Acquire.MinStdDev = 10
	}
	if cfg.Acquire.MinColors == 0 {
		cfg.Acquire.MinColors = 16
	}
	if cfg.Acquire.FetchAttempts == 0 {
		cfg.Acquire.FetchAttempts = 3
	}
	if cfg.Acquire.FetchBaseDelayMs == 0 {
		cfg.Acquire.FetchBaseDelayMs = 500
	}
	if cfg.Acquire.FetchMaxDelayMs == 0 {
		cfg.Acquire.FetchMaxDelayMs = 8000
	}
	if cfg.Acquire.FetchTimeoutMs == 0 {
		cfg.Acquire.FetchTimeoutMs = 15000
	}
	if len(cfg.Acquire.PenaltyTerms) == 0 {
		cfg.Acquire.PenaltyTerms = []string{"thumb", "icon", "logo", "sprite", "avatar", "placeholder", "banner"}
	}
	if cfg.Acquire.JPEGQuality == 0 {
		cfg.Acquire.JPEGQuality = 90
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "sqlite"
	}
	if cfg.Cache.Redis.KeyPrefix == "" {
		cfg.Cache.Redis.KeyPrefix = "weaver:cache:"
	}

	if cfg.Verify.Model == "" {
		cfg.Verify.Model = "gpt-4o-mini"
	}
	if cfg.Verify.MinScore == 0 {
		cfg.Verify.MinScore = 0.5
	}
	if cfg.Verify.TimeoutMs == 0 {
		cfg.Verify.TimeoutMs = 30000
	}
	if cfg.Verify.AcceptOnError == nil {
		cfg.Verify.AcceptOnError = boolPtr(true)
	}
	if cfg.Verify.FallbackUnverified == nil {
		cfg.Verify.FallbackUnverified = boolPtr(true)
	}
	if cfg.Verify.MaxCandidates == 0 {
		cfg.Verify.MaxCandidates = 3
	}

	if cfg.Background.TimeoutMs == 0 {
		cfg.Background.TimeoutMs = 60000
	}
	if cfg.Background.OutputDir == "" {
		cfg.Background.OutputDir = filepath.Join(cfg.Acquire.AssetDir, "nobg")
	}

	if cfg.Compose.OutputDir == "" {
		cfg.Compose.OutputDir = "output"
	}

	if cfg.DBPath == "" {
		cfg.DBPath = "weaver.db"
	}
	if cfg.ReportPath == "" {
		cfg.ReportPath = "report.json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if cfg.Input.Path == "" {
		return fmt.Errorf("input.path is required")
	}
	if _, err := os.Stat(cfg.Input.Path); err != nil {
		return fmt.Errorf("input.path: %w", err)
	}
	if cfg.Input.Format != "csv" && cfg.Input.Format != "parquet" {
		return fmt.Errorf("input.format must be csv or parquet, got %q", cfg.Input.Format)
	}
	if len(cfg.Input.QueryColumns) == 0 {
		return fmt.Errorf("input.query_columns must list at least one column")
	}
	if cfg.Run.Workers < 1 {
		return fmt.Errorf("run.workers must be >= 1")
	}
	if cfg.Run.ChunkSize < 1 {
		return fmt.Errorf("run.chunk_size must be >= 1")
	}
	if cfg.Run.MaxResults < 1 {
		return fmt.Errorf("run.max_results must be >= 1")
	}
	if cfg.DeadLetter.MaxRetries < 1 {
		return fmt.Errorf("dead_letter.max_retries must be >= 1")
	}

	enabled := cfg.EnabledSources()
	if len(enabled) == 0 {
		return fmt.Errorf("search.sources must contain at least one enabled source")
	}
	seen := make(map[string]bool)
	for i, s := range cfg.Search.Sources {
		if s.Name == "" {
			return fmt.Errorf("search.sources[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("search.sources[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.URL == "" {
			return fmt.Errorf("search.sources.%s.url is required", s.Name)
		}
		if s.Type != "json" && s.Type != "html" {
			return fmt.Errorf("search.sources.%s.type must be json or html, got %q", s.Name, s.Type)
		}
		if s.RateLimitRPS < 0 {
			return fmt.Errorf("search.sources.%s.rate_limit_rps must be >= 0", s.Name)
		}
	}

	if cfg.Acquire.MinAspect > cfg.Acquire.MaxAspect {
		return fmt.Errorf("acquire.min_aspect must not exceed acquire.max_aspect")
	}
	if cfg.Acquire.MaxBytes < cfg.Acquire.MinBytes {
		return fmt.Errorf("acquire.max_bytes must be >= acquire.min_bytes")
	}
	if cfg.Acquire.MaxPerDomain < 0 {
		return fmt.Errorf("acquire.max_per_domain must be >= 0")
	}
	if cfg.Acquire.JPEGQuality < 1 || cfg.Acquire.JPEGQuality > 100 {
		return fmt.Errorf("acquire.jpeg_quality must be between 1 and 100")
	}

	switch cfg.Cache.Backend {
	case "sqlite", "memory":
	case "redis":
		if len(cfg.Cache.Redis.Addrs) == 0 {
			return fmt.Errorf("cache.redis.addrs is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be sqlite, memory or redis, got %q", cfg.Cache.Backend)
	}

	if cfg.Verify.Enabled {
		if cfg.Verify.MinScore < 0 || cfg.Verify.MinScore > 1 {
			return fmt.Errorf("verify.min_score must be between 0 and 1")
		}
		if cfg.Verify.MaxCandidates < 1 {
			return fmt.Errorf("verify.max_candidates must be >= 1")
		}
	}
	if cfg.Background.Enabled && cfg.Background.Endpoint == "" {
		return fmt.Errorf("background.endpoint is required when background removal is enabled")
	}
	if cfg.Compose.PlaceholderPath != "" {
		if _, err := os.Stat(cfg.Compose.PlaceholderPath); err != nil {
			return fmt.Errorf("compose.placeholder_path: %w", err)
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
