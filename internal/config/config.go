// Package config provides configuration loading and validation for the
// Stem runtime.
//
// Configuration file: /etc/stem/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (queue capacity, reservation TTL, etc).
//   - Invalid config on startup: the binary refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the Stem runtime.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this Stem instance in logs and operator output.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Loop configures the orchestrator's own behavior.
	Loop LoopConfig `yaml:"loop"`

	// Ledger configures the survival ledger.
	Ledger LedgerConfig `yaml:"ledger"`

	// Storage configures the bbolt persistent store.
	Storage StorageConfig `yaml:"storage"`

	// Spine configures the dispatch transport to body endpoints.
	Spine SpineConfig `yaml:"spine"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// LoopConfig holds orchestrator-level operational parameters.
type LoopConfig struct {
	// SenseQueueCapacity is the in-memory sense queue depth. Sends block
	// once full; this is the only knob the scheduler core itself
	// consumes directly. Default: 1024.
	SenseQueueCapacity int `yaml:"sense_queue_capacity"`

	// ShutdownTimeout bounds how long Run is given to drain and observe
	// the terminal Sleep sense once Shutdown has been called.
	// Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig holds survival-ledger parameters.
type LedgerConfig struct {
	// OpeningBalanceMicro is the survival balance the ledger starts with.
	// Default: 0 (an operator is expected to credit it before traffic).
	OpeningBalanceMicro int64 `yaml:"opening_balance_micro"`

	// FloorMicro is the balance PreDispatch will never reserve below.
	// Default: 0.
	FloorMicro int64 `yaml:"floor_micro"`

	// ReservationTTL is the number of cycles an open reservation may
	// survive before ReapExpired reclaims it. Default: 50.
	ReservationTTL uint64 `yaml:"reservation_ttl_cycles"`

	// RetentionCycles is how many cycles of ledger-entry history
	// PruneLedgerEntriesBefore keeps. 0 disables pruning. Default: 100000.
	RetentionCycles uint64 `yaml:"retention_cycles"`
}

// StorageConfig holds bbolt parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the bbolt file.
	// Default: /var/lib/stem/stem.db.
	DBPath string `yaml:"db_path"`

	// Enabled controls whether persistence is active. When false, Stem
	// runs entirely in-memory (useful for cmd/stem-sim and bench harnesses).
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// SpineEndpointConfig is one statically-configured body endpoint adapter
// Spine dials at startup.
type SpineEndpointConfig struct {
	// EndpointID must match the endpoint_id the adapter reports back in
	// capability registration.
	EndpointID string `yaml:"endpoint_id"`

	// DialAddr is the gRPC dial target (host:port) for this endpoint's
	// bodywire service.
	DialAddr string `yaml:"dial_addr"`

	// DialTimeout is parsed from the file but not applied: cmd/stem dials
	// with DialAddr only. No default is set.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// SpineConfig holds the body-endpoint dispatch transport parameters.
type SpineConfig struct {
	// Endpoints is the static list of body endpoints to dial and register
	// at startup. Endpoints that register further capabilities at
	// runtime do so over the same connection; this list only bootstraps
	// the initial dial.
	Endpoints []SpineEndpointConfig `yaml:"endpoints"`

	// DispatchTimeout is validated (>= 1ms) but not passed to Spine: an
	// act's round trip to its endpoint runs with no per-act deadline.
	// Default: 2s.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// Enabled controls whether the metrics HTTP server is started.
	// Default: true.
	Enabled bool `yaml:"enabled"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator override parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600. Default: /run/stem/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/stem/stem.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Loop: LoopConfig{
			SenseQueueCapacity: 1024,
			ShutdownTimeout:    10 * time.Second,
		},
		Ledger: LedgerConfig{
			OpeningBalanceMicro: 0,
			FloorMicro:          0,
			ReservationTTL:      50,
			RetentionCycles:     100000,
		},
		Storage: StorageConfig{
			DBPath:  DefaultDBPath,
			Enabled: true,
		},
		Spine: SpineConfig{
			DispatchTimeout: 2 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			Enabled:     true,
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/stem/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Loop.SenseQueueCapacity < 1 {
		errs = append(errs, fmt.Sprintf("loop.sense_queue_capacity must be >= 1, got %d", cfg.Loop.SenseQueueCapacity))
	}
	if cfg.Loop.ShutdownTimeout < time.Second {
		errs = append(errs, fmt.Sprintf("loop.shutdown_timeout must be >= 1s, got %s", cfg.Loop.ShutdownTimeout))
	}
	if cfg.Ledger.FloorMicro < 0 {
		errs = append(errs, fmt.Sprintf("ledger.floor_micro must be >= 0, got %d", cfg.Ledger.FloorMicro))
	}
	if cfg.Ledger.OpeningBalanceMicro < cfg.Ledger.FloorMicro {
		errs = append(errs, "ledger.opening_balance_micro must be >= ledger.floor_micro")
	}
	if cfg.Ledger.ReservationTTL < 1 {
		errs = append(errs, fmt.Sprintf("ledger.reservation_ttl_cycles must be >= 1, got %d", cfg.Ledger.ReservationTTL))
	}
	if cfg.Storage.Enabled && cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty when storage.enabled is true")
	}
	for i, ep := range cfg.Spine.Endpoints {
		if ep.EndpointID == "" {
			errs = append(errs, fmt.Sprintf("spine.endpoints[%d].endpoint_id must not be empty", i))
		}
		if ep.DialAddr == "" {
			errs = append(errs, fmt.Sprintf("spine.endpoints[%d].dial_addr must not be empty", i))
		}
	}
	if cfg.Spine.DispatchTimeout < time.Millisecond {
		errs = append(errs, fmt.Sprintf("spine.dispatch_timeout must be >= 1ms, got %s", cfg.Spine.DispatchTimeout))
	}
	if cfg.Observability.Enabled && cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty when observability.enabled is true")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be one of json|console, got %q", cfg.Observability.LogFormat))
	}
	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
