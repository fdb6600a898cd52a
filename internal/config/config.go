// Package config handles loading and validating BeamFlow runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
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

// Config is the root configuration for the BeamFlow plugin runtime.
type Config struct {
	// PluginsDir is the root directory plugin bundles are installed under.
	// Default: ~/.beamflow/plugins. Override: BEAMFLOW_PLUGINS_DIR.
	PluginsDir string `json:"plugins_dir,omitempty" yaml:"plugins_dir,omitempty"`

	// DataDir holds persistent state. Default: ~/.beamflow/data.
	// Override: BEAMFLOW_DATA_DIR.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`

	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = no admin API
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Reporter      *ReporterConfig      `json:"reporter,omitempty" yaml:"reporter,omitempty"`           // nil = usage reporter disabled
	DataAccess    *DataAccessConfig    `json:"data_access,omitempty" yaml:"data_access,omitempty"`     // nil = database capability stubbed
	WebAccess     *WebAccessConfig     `json:"web_access,omitempty" yaml:"web_access,omitempty"`       // nil = network capability stubbed
}

// StorageConfig configures the persistence backend.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/beamflow.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default)
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800
}

// SandboxConfig sets the global resource limit defaults for new sandboxes.
// Zero-value fields fall back to the built-in defaults.
type SandboxConfig struct {
	MaxMemoryMB        float64 `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxExecutionTimeMS int     `json:"max_execution_time_ms" yaml:"max_execution_time_ms"`
	MaxFileOperations  int     `json:"max_file_operations" yaml:"max_file_operations"`
	MaxNetworkRequests int     `json:"max_network_requests" yaml:"max_network_requests"`
	MaxDatabaseQueries int     `json:"max_database_queries" yaml:"max_database_queries"`
}

// MaxExecutionTime returns the execution ceiling as a duration.
func (s SandboxConfig) MaxExecutionTime() time.Duration {
	return time.Duration(s.MaxExecutionTimeMS) * time.Millisecond
}

// GatewayConfig configures the admin HTTP API.
type GatewayConfig struct {
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"`                 // Default: ":8080"
	APIKeys           map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`   // API key → operator id.
	RequestsPerMinute int               `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"`
	EventStream       bool              `json:"event_stream" yaml:"event_stream"` // WebSocket event stream endpoint.
	EventStreamToken  string            `json:"event_stream_token,omitempty" yaml:"event_stream_token,omitempty"`
}

// Addr returns the listen address, defaulting to ":8080".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "beamflow"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// ReporterConfig configures the periodic resource-usage reporter.
type ReporterConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression. Default: "@every 1m".
}

// CronSchedule returns the reporter cron expression with its default.
func (r *ReporterConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "@every 1m"
}

// DataAccessConfig configures the read-only SQL collaborator behind the
// plugin database capability. Deliberately separate from the runtime's own
// storage so plugins never query internal tables.
type DataAccessConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxRows        int    `json:"max_rows" yaml:"max_rows"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// WebAccessConfig configures the outbound HTTP collaborator behind the
// plugin network capability.
type WebAccessConfig struct {
	AllowedDomains   []string `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty"` // Empty = deny all.
	MaxResponseBytes int64    `json:"max_response_bytes" yaml:"max_response_bytes"`               // 0 = 5 MB default.
	TimeoutSeconds   int      `json:"timeout_seconds" yaml:"timeout_seconds"`                     // 0 = 10s default.
}

// Load reads a config file (YAML or JSON by extension) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a fully-defaulted config for hosts running without a
// config file (CLI one-shot mode).
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

// applyEnvOverrides lets environment variables take precedence over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BEAMFLOW_PLUGINS_DIR"); v != "" {
		c.PluginsDir = v
	}
	if v := os.Getenv("BEAMFLOW_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("BEAMFLOW_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("BEAMFLOW_EVENT_STREAM_TOKEN"); v != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{Enabled: true}
		}
		c.Gateway.EventStreamToken = v
	}
}

func (c *Config) applyDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if c.PluginsDir == "" {
		c.PluginsDir = filepath.Join(home, ".beamflow", "plugins")
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(home, ".beamflow", "data")
	}
}

// SQLitePath derives the SQLite database location.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "beamflow.db")
}

func (c *Config) validate() error {
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage driver is postgres but no DSN is configured")
		}
	}
	if c.Sandbox.MaxExecutionTimeMS < 0 {
		return fmt.Errorf("sandbox.max_execution_time_ms must not be negative")
	}
	if c.Gateway != nil && c.Gateway.Enabled && len(c.Gateway.APIKeys) == 0 {
		return fmt.Errorf("gateway is enabled but no API keys are configured")
	}
	return nil
}

// DefaultConfigPath returns the conventional config location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/beamflow.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".beamflow", "config.yaml")
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
