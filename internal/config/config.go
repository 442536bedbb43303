// Package config handles loading and validating sandboxd configuration.
//
// Configuration is read once at startup from a YAML file, with selected
// values overridable via SANDBOXD_* environment variables. The loaded
// Config is never mutated afterwards and is shared read-only by every
// component.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for sandboxd.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Runtime state root. Default: ~/.sandboxd/workspace. Override: SANDBOXD_WORKSPACE.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Exec          ExecConfig           `json:"exec" yaml:"exec"`
	Network       NetworkConfig        `json:"network" yaml:"network"`
	Database      DatabaseConfig       `json:"database" yaml:"database"`
	Docker        DockerConfig         `json:"docker" yaml:"docker"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from workspace)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = janitor disabled
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8000".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"`     // API key → user ID.
	JWTSecret           string            `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`     // Override: SANDBOXD_JWT_SECRET. Empty = JWT auth disabled.
	JWTExpirySeconds    int               `json:"jwt_expiry_seconds" yaml:"jwt_expiry_seconds"`         // Default: 3600.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	AuditLogPath        string            `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"` // Default: derived from workspace.
}

// RateLimitConfig configures per-user request throttling.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = defaults to RequestsPerMinute.
}

// PolicyConfig is the immutable policy snapshot shared by all requests.
// Loaded once at startup; read-only sharing is safe without locks.
type PolicyConfig struct {
	// Command policy.
	CommandMaxLength  int      `json:"command_max_length" yaml:"command_max_length"` // Default: 1000.
	WhitelistEnabled  bool     `json:"whitelist_enabled" yaml:"whitelist_enabled"`
	CommandWhitelist  []string `json:"command_whitelist" yaml:"command_whitelist"` // Allowed literal command prefixes.
	BlacklistEnabled  bool     `json:"blacklist_enabled" yaml:"blacklist_enabled"`
	CommandBlacklist  []string `json:"command_blacklist" yaml:"command_blacklist"`                       // Substring patterns.
	DangerousPatterns []string `json:"dangerous_patterns,omitempty" yaml:"dangerous_patterns,omitempty"` // Extra regexes on top of the built-in set.

	// Filesystem policy.
	AllowedPaths      []string `json:"allowed_paths" yaml:"allowed_paths"`
	ForbiddenPaths    []string `json:"forbidden_paths" yaml:"forbidden_paths"`
	AllowedExtensions []string `json:"allowed_extensions" yaml:"allowed_extensions"`   // Empty = any extension.
	MaxFileSizeBytes  int64    `json:"max_file_size_bytes" yaml:"max_file_size_bytes"` // Default: 10 MB.

	// Network policy.
	AllowedDomains []string `json:"allowed_domains" yaml:"allowed_domains"` // Empty = no domain restriction (block list still applies).
	BlockedIPs     []string `json:"blocked_ips" yaml:"blocked_ips"`         // IPs or CIDRs, on top of the built-in private ranges.
}

// SandboxConfig selects and tunes the isolation strategy.
type SandboxConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Strategy       string `json:"strategy" yaml:"strategy"` // "auto" (default), "bwrap", "docker", "rlimit", "none".
	NetworkAllowed bool   `json:"network_allowed" yaml:"network_allowed"`

	// Resource limits applied by the selected strategy.
	MaxMemoryMB   int `json:"max_memory_mb" yaml:"max_memory_mb"`       // Default: 512.
	MaxCPUSeconds int `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`   // Default: 60.
	MaxProcesses  int `json:"max_processes" yaml:"max_processes"`       // Default: 64.
	MaxOpenFiles  int `json:"max_open_files" yaml:"max_open_files"`     // Default: 256.
	MaxFileSizeMB int `json:"max_file_size_mb" yaml:"max_file_size_mb"` // Default: 64.

	// Docker strategy settings.
	Image    string  `json:"image" yaml:"image"`         // Default: "sandboxd-runtime:latest".
	CPUCores float64 `json:"cpu_cores" yaml:"cpu_cores"` // Docker --cpus. 0 = 1.0.
}

// ExecConfig configures the execution gateway.
type ExecConfig struct {
	DefaultTimeoutSeconds int    `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Default: 30.
	MaxTimeoutSeconds     int    `json:"max_timeout_seconds" yaml:"max_timeout_seconds"`         // Default: 300.
	WorkingDirectory      string `json:"working_directory" yaml:"working_directory"`             // Default: derived from workspace.
	MaxOutputBytes        int    `json:"max_output_bytes" yaml:"max_output_bytes"`               // Default: 1 MB per stream.
}

// NetworkConfig configures the outbound request proxy.
type NetworkConfig struct {
	TimeoutSeconds   int   `json:"timeout_seconds" yaml:"timeout_seconds"`       // Default: 10.
	MaxRequestBytes  int64 `json:"max_request_bytes" yaml:"max_request_bytes"`   // Default: 1 MB.
	MaxResponseBytes int64 `json:"max_response_bytes" yaml:"max_response_bytes"` // Default: 5 MB.
}

// DatabaseConfig configures the read-only database query endpoint.
// Disabled when DSN is empty.
type DatabaseConfig struct {
	DSN            string `json:"dsn,omitempty" yaml:"dsn,omitempty"`     // Override: SANDBOXD_DB_DSN.
	MaxRows        int    `json:"max_rows" yaml:"max_rows"`               // Default: 1000.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
}

// DockerConfig configures the container run/list endpoints.
// Disabled when AllowedImages is empty.
type DockerConfig struct {
	AllowedImages  []string `json:"allowed_images" yaml:"allowed_images"`
	MemoryMB       int      `json:"memory_mb" yaml:"memory_mb"`             // Default: 512.
	CPUCores       float64  `json:"cpu_cores" yaml:"cpu_cores"`             // Default: 1.0.
	PIDsLimit      int      `json:"pids_limit" yaml:"pids_limit"`           // Default: 64.
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 60.
	NetworkAllowed bool     `json:"network_allowed" yaml:"network_allowed"`
}

// StorageConfig configures the persistence backend for audit events and
// execution history. When nil, defaults to SQLite under the workspace.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default).
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800.
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc".
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sandboxd".
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev.
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures sliding-window detection of suspicious client
// behavior, such as bursts of policy denials from a single user.
type AnomalyConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	DenialRateThreshold float64 `json:"denial_rate_threshold" yaml:"denial_rate_threshold"` // e.g. 0.5 = half of requests denied.
	WindowSeconds       int     `json:"window_seconds" yaml:"window_seconds"`               // Sliding window. Default: 300.
}

// JanitorConfig configures periodic cleanup of execution working
// directories and expired audit rows.
type JanitorConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Schedule           string `json:"schedule" yaml:"schedule"`                             // Cron expression. Default: "@hourly".
	ExecDirMaxAgeHours int    `json:"exec_dir_max_age_hours" yaml:"exec_dir_max_age_hours"` // Default: 24.
	AuditRetentionDays int    `json:"audit_retention_days" yaml:"audit_retention_days"`     // 0 = keep forever.
}

// --- Defaults and accessors ---

// Addr returns the listen address with a default of ":8000".
func (s *ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8000"
}

// MaxRequestSize returns the request body cap with a default of 1 MB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// JWTExpiry returns the JWT lifetime with a default of one hour.
func (s *ServerConfig) JWTExpiry() time.Duration {
	if s.JWTExpirySeconds > 0 {
		return time.Duration(s.JWTExpirySeconds) * time.Second
	}
	return time.Hour
}

// MaxLength returns the command length cap with a default of 1000.
func (p *PolicyConfig) MaxLength() int {
	if p.CommandMaxLength > 0 {
		return p.CommandMaxLength
	}
	return 1000
}

// MaxFileSize returns the file size cap with a default of 10 MB.
func (p *PolicyConfig) MaxFileSize() int64 {
	if p.MaxFileSizeBytes > 0 {
		return p.MaxFileSizeBytes
	}
	return 10 << 20
}

// DefaultTimeout returns the execution timeout with a default of 30s.
func (e *ExecConfig) DefaultTimeout() time.Duration {
	if e.DefaultTimeoutSeconds > 0 {
		return time.Duration(e.DefaultTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxTimeout returns the timeout ceiling with a default of 5 minutes.
func (e *ExecConfig) MaxTimeout() time.Duration {
	if e.MaxTimeoutSeconds > 0 {
		return time.Duration(e.MaxTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// MaxOutput returns the per-stream output cap with a default of 1 MB.
func (e *ExecConfig) MaxOutput() int {
	if e.MaxOutputBytes > 0 {
		return e.MaxOutputBytes
	}
	return 1 << 20
}

// Timeout returns the outbound request timeout with a default of 10s.
func (n *NetworkConfig) Timeout() time.Duration {
	if n.TimeoutSeconds > 0 {
		return time.Duration(n.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// Rows returns the query row cap with a default of 1000.
func (d *DatabaseConfig) Rows() int {
	if d.MaxRows > 0 {
		return d.MaxRows
	}
	return 1000
}

// Timeout returns the per-query timeout with a default of 30s.
func (d *DatabaseConfig) Timeout() time.Duration {
	if d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxRequest returns the outbound request body cap with a default of 1 MB.
func (n *NetworkConfig) MaxRequest() int64 {
	if n.MaxRequestBytes > 0 {
		return n.MaxRequestBytes
	}
	return 1 << 20
}

// MaxResponse returns the outbound response body cap with a default of 5 MB.
func (n *NetworkConfig) MaxResponse() int64 {
	if n.MaxResponseBytes > 0 {
		return n.MaxResponseBytes
	}
	return 5 << 20
}

// CronSchedule returns the janitor cron expression with a default of "@hourly".
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "@hourly"
}

// ExecDirMaxAge returns the working directory retention with a default of 24h.
func (j *JanitorConfig) ExecDirMaxAge() time.Duration {
	if j != nil && j.ExecDirMaxAgeHours > 0 {
		return time.Duration(j.ExecDirMaxAgeHours) * time.Hour
	}
	return 24 * time.Hour
}

// DefaultConfigPath returns ~/.sandboxd/config.yaml, falling back to a
// relative path when the home directory cannot be determined.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".sandboxd", "config.yaml")
}

// Load reads, applies environment overrides to, and validates a Config.
// A missing file yields the built-in defaults; an invalid file or an
// invalid resulting config is a fatal startup error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv layers SANDBOXD_* environment variables over the file values.
// Environment always wins.
func (c *Config) applyEnv() {
	if v := os.Getenv("SANDBOXD_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("SANDBOXD_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("SANDBOXD_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("SANDBOXD_API_KEY"); v != "" {
		if c.Server.APIKeyUserMapping == nil {
			c.Server.APIKeyUserMapping = make(map[string]string)
		}
		c.Server.APIKeyUserMapping[v] = "default"
	}
	if v := os.Getenv("SANDBOXD_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SANDBOXD_SANDBOX_STRATEGY"); v != "" {
		c.Sandbox.Strategy = v
	}
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Server.APIKeyUserMapping) == 0 && c.Server.JWTSecret == "" {
		errs = append(errs, "server: at least one API key or a JWT secret is required")
	}
	for key := range c.Server.APIKeyUserMapping {
		if len(key) < 16 {
			errs = append(errs, "server: API keys must be at least 16 characters")
			break
		}
	}

	if len(c.Policy.AllowedPaths) == 0 {
		errs = append(errs, "policy: at least one allowed path is required")
	}
	for _, p := range c.Policy.AllowedPaths {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Sprintf("policy: allowed path %q must be absolute", p))
		}
	}

	switch c.Sandbox.Strategy {
	case "", "auto", "bwrap", "docker", "rlimit", "none":
	default:
		errs = append(errs, fmt.Sprintf("sandbox: unknown strategy %q", c.Sandbox.Strategy))
	}

	if c.Exec.MaxTimeoutSeconds > 0 && c.Exec.DefaultTimeoutSeconds > c.Exec.MaxTimeoutSeconds {
		errs = append(errs, "exec: default timeout exceeds max timeout")
	}

	for _, d := range c.Policy.AllowedDomains {
		if strings.Contains(d, "/") || strings.Contains(d, ":") {
			errs = append(errs, fmt.Sprintf("policy: allowed domain %q must be a bare hostname", d))
		}
	}

	if c.Database.DSN != "" {
		if _, err := url.Parse(c.Database.DSN); err != nil {
			errs = append(errs, fmt.Sprintf("database: invalid DSN: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
