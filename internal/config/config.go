package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"codeguard/internal/analysis"
	"codeguard/internal/governor"
	"codeguard/internal/ratelimit"
)

const DefaultPath = "configs/config.yaml"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Execution ExecutionConfig `yaml:"execution"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Security  SecurityConfig  `yaml:"security"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type RateLimitConfig struct {
	Window            time.Duration `yaml:"window"`
	MaxRequests       int           `yaml:"max_requests"`
	BasePenalty       time.Duration `yaml:"base_penalty"`
	MaxPenalty        time.Duration `yaml:"max_penalty"`
	ViolationDecay    time.Duration `yaml:"violation_decay"`
	EscalateOnBlocked bool          `yaml:"escalate_on_blocked"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	Shards            int           `yaml:"shards"`
}

type ExecutionConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	CPUTime            time.Duration `yaml:"cpu_time"`
	MaxOutputBytes     int64         `yaml:"max_output_bytes"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	SlotWait           time.Duration `yaml:"slot_wait"`
	OverloadRetryAfter time.Duration `yaml:"overload_retry_after"`
	MemoryMB           int64         `yaml:"memory_mb"`
	MaxProcesses       int64         `yaml:"max_processes"`
	MaxFileSizeMB      int64         `yaml:"max_file_size_mb"`
	MaxOpenFiles       int64         `yaml:"max_open_files"`
	Runtime            string        `yaml:"runtime"`
	Interpreter        string        `yaml:"interpreter"`
	HelperPath         string        `yaml:"helper_path"` // empty runs the interpreter directly
	Namespaces         bool          `yaml:"namespaces"`
	Seccomp            bool          `yaml:"seccomp"` // needs helper_path

	// AllowHostNetwork accepts a configuration where neither a network
	// namespace nor the seccomp filter keeps the child off the network.
	AllowHostNetwork bool `yaml:"allow_host_network"`
	ScratchRoot        string        `yaml:"scratch_root"`
}

type AnalysisConfig struct {
	Policy         string   `yaml:"policy"` // "blocklist" (default) or "allowlist"
	AllowedModules []string `yaml:"allowed_modules"`
	MaxSourceBytes int      `yaml:"max_source_bytes"`
	MaxNodes       int      `yaml:"max_nodes"`
	MaxDepth       int      `yaml:"max_depth"`
	MaxLoopNesting int      `yaml:"max_loop_nesting"`
}

type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	AuditBuffer int    `yaml:"audit_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	AllowedKeys  []string `yaml:"allowed_keys"`

	// AnalyzePerMinute caps /v1/analyze calls per client address. Zero
	// disables the limit.
	AnalyzePerMinute int `yaml:"analyze_per_minute"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CONFIG_PATH or the default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// FromEnvironment loads CONFIG_PATH (or the default path) when the file
// exists, falls back to defaults otherwise, then applies CODEGUARD_*
// overrides.
func FromEnvironment() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}

	var cfg *Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("config loaded")
	} else {
		log.Info().Str("path", path).Msg("no config file found, using defaults")
		cfg = DefaultConfig()
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	limits := governor.DefaultLimits()
	rl := ratelimit.DefaultConfig()
	ao := analysis.DefaultOptions()

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		RateLimit: RateLimitConfig{
			Window:          rl.Window,
			MaxRequests:     rl.MaxRequests,
			BasePenalty:     rl.BasePenalty,
			MaxPenalty:      rl.MaxPenalty,
			IdleTTL:         rl.IdleTTL,
			CleanupInterval: rl.CleanupInterval,
			Shards:          rl.Shards,
		},
		Execution: ExecutionConfig{
			Timeout:            limits.Timeout,
			MaxOutputBytes:     limits.MaxOutputBytes,
			MaxConcurrent:      32,
			SlotWait:           2 * time.Second,
			OverloadRetryAfter: 5 * time.Second,
			MemoryMB:           limits.MemoryMB,
			MaxProcesses:       limits.MaxProcesses,
			MaxFileSizeMB:      limits.MaxFileSizeMB,
			MaxOpenFiles:       limits.MaxOpenFiles,
			Runtime:            "python",
			Namespaces:         true,
		},
		Analysis: AnalysisConfig{
			Policy:         analysis.PolicyBlocklist,
			MaxSourceBytes: ao.MaxSourceBytes,
			MaxNodes:       ao.MaxNodes,
			MaxDepth:       ao.MaxDepth,
			MaxLoopNesting: ao.MaxLoopNesting,
		},
		Database: DatabaseConfig{
			AuditBuffer: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:     "X-API-Key",
			AnalyzePerMinute: 120,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.MaxRequestBody < int64(c.Analysis.MaxSourceBytes) {
		return fmt.Errorf("server.max_request_body_bytes (%d) must be >= analysis.max_source_bytes (%d)",
			c.Server.MaxRequestBody, c.Analysis.MaxSourceBytes)
	}
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("execution: %w", err)
	}
	if c.Execution.MaxConcurrent < 1 {
		return fmt.Errorf("execution.max_concurrent must be >= 1")
	}
	if c.Execution.SlotWait < 0 {
		return fmt.Errorf("execution.slot_wait must not be negative")
	}
	if c.Execution.Seccomp && c.Execution.HelperPath == "" {
		return fmt.Errorf("execution.seccomp requires execution.helper_path")
	}
	if !c.Execution.Namespaces && !c.Execution.Seccomp && !c.Execution.AllowHostNetwork {
		return fmt.Errorf("execution: submissions would share the host network; enable namespaces or seccomp, or set allow_host_network")
	}
	if err := c.RateLimiter().Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if c.Analysis.MaxSourceBytes < 1 || c.Analysis.MaxNodes < 1 || c.Analysis.MaxDepth < 1 || c.Analysis.MaxLoopNesting < 1 {
		return fmt.Errorf("analysis limits must all be >= 1")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	if c.Security.AnalyzePerMinute < 0 {
		return fmt.Errorf("security.analyze_per_minute must not be negative")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Execution.ScratchRoot != "" && !filepath.IsAbs(c.Execution.ScratchRoot) {
		return fmt.Errorf("execution.scratch_root: %q must be an absolute path", c.Execution.ScratchRoot)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Limits returns the per-execution resource limits.
func (c *Config) Limits() governor.Limits {
	return governor.Limits{
		Timeout:        c.Execution.Timeout,
		MaxOutputBytes: c.Execution.MaxOutputBytes,
		MemoryMB:       c.Execution.MemoryMB,
		MaxProcesses:   c.Execution.MaxProcesses,
		MaxFileSizeMB:  c.Execution.MaxFileSizeMB,
		MaxOpenFiles:   c.Execution.MaxOpenFiles,
		CPUTime:        c.Execution.CPUTime,
	}
}

func (c *Config) RateLimiter() ratelimit.Config {
	return ratelimit.Config{
		Window:          c.RateLimit.Window,
		MaxRequests:     c.RateLimit.MaxRequests,
		BasePenalty:     c.RateLimit.BasePenalty,
		MaxPenalty:      c.RateLimit.MaxPenalty,
		ViolationDecay:  c.RateLimit.ViolationDecay,
		IdleTTL:         c.RateLimit.IdleTTL,
		CleanupInterval: c.RateLimit.CleanupInterval,
		Shards:          c.RateLimit.Shards,
	}
}

// AnalyzeRateLimiter is the per-address limiter for /v1/analyze. ok is false
// when the limit is disabled.
func (c *Config) AnalyzeRateLimiter() (cfg ratelimit.Config, ok bool) {
	if c.Security.AnalyzePerMinute == 0 {
		return ratelimit.Config{}, false
	}
	return ratelimit.Config{
		Window:          time.Minute,
		MaxRequests:     c.Security.AnalyzePerMinute,
		BasePenalty:     10 * time.Second,
		MaxPenalty:      5 * time.Minute,
		IdleTTL:         time.Hour,
		CleanupInterval: 10 * time.Minute,
		Shards:          16,
	}, true
}

func (c *Config) AnalyzerOptions() analysis.Options {
	return analysis.Options{
		MaxSourceBytes: c.Analysis.MaxSourceBytes,
		MaxNodes:       c.Analysis.MaxNodes,
		MaxDepth:       c.Analysis.MaxDepth,
		MaxLoopNesting: c.Analysis.MaxLoopNesting,
	}
}

// Policy builds the configured analysis policy.
func (c *Config) Policy() (analysis.Policy, error) {
	if c.Analysis.Policy == analysis.PolicyAllowlist && len(c.Analysis.AllowedModules) > 0 {
		return analysis.NewAllowlistPolicy(c.Analysis.AllowedModules), nil
	}
	return analysis.NewPolicy(c.Analysis.Policy)
}

// ApplyEnv overlays CODEGUARD_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	set := func(name string, apply func(string) error) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		if err := apply(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	set("CODEGUARD_HOST", str(&c.Server.Host))
	set("CODEGUARD_PORT", integer(&c.Server.Port))

	set("CODEGUARD_RATE_WINDOW", duration(&c.RateLimit.Window))
	set("CODEGUARD_RATE_MAX_REQUESTS", integer(&c.RateLimit.MaxRequests))
	set("CODEGUARD_BASE_PENALTY", duration(&c.RateLimit.BasePenalty))
	set("CODEGUARD_MAX_PENALTY", duration(&c.RateLimit.MaxPenalty))
	set("CODEGUARD_VIOLATION_DECAY", duration(&c.RateLimit.ViolationDecay))
	set("CODEGUARD_ESCALATE_ON_BLOCKED", boolean(&c.RateLimit.EscalateOnBlocked))

	set("CODEGUARD_EXEC_TIMEOUT", duration(&c.Execution.Timeout))
	set("CODEGUARD_MAX_OUTPUT_BYTES", int64Value(&c.Execution.MaxOutputBytes))
	set("CODEGUARD_MAX_CONCURRENT", integer(&c.Execution.MaxConcurrent))
	set("CODEGUARD_SLOT_WAIT", duration(&c.Execution.SlotWait))
	set("CODEGUARD_MEMORY_MB", int64Value(&c.Execution.MemoryMB))
	set("CODEGUARD_MAX_PROCESSES", int64Value(&c.Execution.MaxProcesses))
	set("CODEGUARD_INTERPRETER", str(&c.Execution.Interpreter))
	set("CODEGUARD_HELPER_PATH", str(&c.Execution.HelperPath))
	set("CODEGUARD_NAMESPACES", boolean(&c.Execution.Namespaces))
	set("CODEGUARD_SECCOMP", boolean(&c.Execution.Seccomp))
	set("CODEGUARD_ALLOW_HOST_NETWORK", boolean(&c.Execution.AllowHostNetwork))

	set("CODEGUARD_POLICY", str(&c.Analysis.Policy))
	set("CODEGUARD_MAX_SOURCE_BYTES", integer(&c.Analysis.MaxSourceBytes))
	set("CODEGUARD_MAX_AST_NODES", integer(&c.Analysis.MaxNodes))
	set("CODEGUARD_MAX_AST_DEPTH", integer(&c.Analysis.MaxDepth))

	set("CODEGUARD_DATABASE_DSN", str(&c.Database.DSN))
	set("CODEGUARD_ANALYZE_PER_MINUTE", integer(&c.Security.AnalyzePerMinute))
	set("CODEGUARD_API_KEYS", func(v string) error {
		c.Security.AllowedKeys = splitList(v)
		return nil
	})

	return errors.Join(errs...)
}

func str(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func int64Value(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
