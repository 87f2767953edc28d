// Package config provides configuration loading and management for the sync
// orchestrator server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// RoleLocal identifies the on-premise database instance
	RoleLocal = "local"

	// RoleRemote identifies the cloud database instance
	RoleRemote = "remote"
)

// Defaults applied by Validate when the corresponding field is unset.
const (
	DefaultBatchSize          = 500
	DefaultWorkers            = 4
	DefaultMaxBatchRetries    = 3
	DefaultBackupFreshness    = 24 * time.Hour
	DefaultConfirmationPhrase = "I UNDERSTAND THE RISK"
	DefaultDiskSafetyMargin   = 1.5
	DefaultSnapshotDir        = "./snapshots"
	DefaultHistoryPath        = "./data/history.db"
	DefaultSchedule           = "0 3 * * *"
)

// Default per-phase timeouts. Export and import scale with row count on
// top of their base values.
const (
	DefaultValidationTimeout   = 30 * time.Second
	DefaultPreparationTimeout  = 10 * time.Minute
	DefaultFinalizationTimeout = 15 * time.Minute
	DefaultVerificationTimeout = 5 * time.Minute
	DefaultExportBaseTimeout   = 5 * time.Minute
	DefaultImportBaseTimeout   = 10 * time.Minute
	DefaultPerThousandRows     = 2 * time.Second
)

// Option defines the interface for configuration loader options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Server holds the HTTP listener settings
	Server ServerConfig `yaml:"server,omitempty"`

	// Log holds logging settings
	Log LogConfig `yaml:"log,omitempty"`

	// Local is the on-premise database instance
	Local InstanceConfig `yaml:"local"`

	// Remote is the cloud database instance
	Remote InstanceConfig `yaml:"remote"`

	// Sync holds orchestration tuning
	Sync SyncConfig `yaml:"sync,omitempty"`

	// History holds the history store settings
	History HistoryConfig `yaml:"history,omitempty"`

	// Scheduler holds the background snapshot refresher settings
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080"
	Address string `yaml:"address,omitempty"`
}

// LogConfig defines logging settings
type LogConfig struct {
	// Debug enables debug-level logging
	Debug bool `yaml:"debug,omitempty"`

	// File, when set, adds a rotating file sink alongside stderr
	File string `yaml:"file,omitempty"`
}

// InstanceConfig defines connection settings for one database instance
type InstanceConfig struct {
	// Role is set by the loader to "local" or "remote"; it is not read
	// from the file
	Role string `yaml:"-"`

	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`
}

// GetPassword returns the instance password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from the DBSYNC_<ROLE>_DB_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *InstanceConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	envVar := fmt.Sprintf("DBSYNC_%s_DB_PASSWORD", strings.ToUpper(d.Role))
	if envPassword := os.Getenv(envVar); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured for %s instance: set passwordFile or %s environment variable",
		d.Role, envVar,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special
// characters safely.
func (d *InstanceConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// SyncConfig defines orchestration tuning
type SyncConfig struct {
	// BatchSize is the number of rows transferred per batch
	BatchSize int `yaml:"batchSize,omitempty"`

	// Workers bounds the import worker pool. Batch order within a table
	// is always preserved regardless of this value.
	Workers int `yaml:"workers,omitempty"`

	// SnapshotDir is the directory receiving pre-sync snapshots
	SnapshotDir string `yaml:"snapshotDir,omitempty"`

	// BackupFreshness is how recent a target snapshot must be for the
	// preparation phase to reuse it instead of taking a new one (e.g. "24h")
	BackupFreshness string `yaml:"backupFreshness,omitempty"`

	// ConfirmationPhrase is the literal phrase the second approval must match
	ConfirmationPhrase string `yaml:"confirmationPhrase,omitempty"`

	// MaxBatchRetries bounds transient-error retries per batch
	MaxBatchRetries int `yaml:"maxBatchRetries,omitempty"`

	// DiskSafetyMargin multiplies the estimated transfer size when
	// checking target disk space
	DiskSafetyMargin float64 `yaml:"diskSafetyMargin,omitempty"`

	// PhaseTimeouts overrides the per-phase timeouts
	PhaseTimeouts PhaseTimeoutsConfig `yaml:"phaseTimeouts,omitempty"`
}

// PhaseTimeoutsConfig defines per-phase timeout overrides as duration strings
type PhaseTimeoutsConfig struct {
	Validation      string `yaml:"validation,omitempty"`
	Preparation     string `yaml:"preparation,omitempty"`
	Finalization    string `yaml:"finalization,omitempty"`
	Verification    string `yaml:"verification,omitempty"`
	ExportBase      string `yaml:"exportBase,omitempty"`
	ImportBase      string `yaml:"importBase,omitempty"`
	PerThousandRows string `yaml:"perThousandRows,omitempty"`
}

// HistoryConfig defines the history store settings
type HistoryConfig struct {
	// Path is the sqlite database file backing the sync history
	Path string `yaml:"path,omitempty"`
}

// SchedulerConfig defines the background snapshot refresher settings
type SchedulerConfig struct {
	// Enabled turns the refresher on
	Enabled bool `yaml:"enabled,omitempty"`

	// Schedule is a cron expression; defaults to nightly at 03:00
	Schedule string `yaml:"schedule,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Local.Role = RoleLocal
	cfg.Remote.Role = RoleRemote

	return &cfg, nil
}

// Validate checks the configuration for errors and applies defaults
func (c *Config) Validate() error {
	if err := validateInstance(&c.Local); err != nil {
		return err
	}
	if err := validateInstance(&c.Remote); err != nil {
		return err
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	s := &c.Sync
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.Workers <= 0 {
		s.Workers = DefaultWorkers
	}
	if s.MaxBatchRetries <= 0 {
		s.MaxBatchRetries = DefaultMaxBatchRetries
	}
	if s.DiskSafetyMargin <= 0 {
		s.DiskSafetyMargin = DefaultDiskSafetyMargin
	}
	if s.SnapshotDir == "" {
		s.SnapshotDir = DefaultSnapshotDir
	}
	if s.ConfirmationPhrase == "" {
		s.ConfirmationPhrase = DefaultConfirmationPhrase
	}
	if s.BackupFreshness != "" {
		if _, err := time.ParseDuration(s.BackupFreshness); err != nil {
			return fmt.Errorf("sync.backupFreshness: invalid duration %q: %w", s.BackupFreshness, err)
		}
	}
	if err := validatePhaseTimeouts(&s.PhaseTimeouts); err != nil {
		return err
	}

	if c.History.Path == "" {
		c.History.Path = DefaultHistoryPath
	}
	if c.Scheduler.Schedule == "" {
		c.Scheduler.Schedule = DefaultSchedule
	}

	return nil
}

func validateInstance(inst *InstanceConfig) error {
	prefix := fmt.Sprintf("%s instance", inst.Role)
	if inst.Host == "" {
		return fmt.Errorf("%s: host is required", prefix)
	}
	if inst.Port <= 0 || inst.Port > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535", prefix)
	}
	if inst.User == "" {
		return fmt.Errorf("%s: user is required", prefix)
	}
	if inst.Database == "" {
		return fmt.Errorf("%s: database is required", prefix)
	}
	return nil
}

func validatePhaseTimeouts(pt *PhaseTimeoutsConfig) error {
	fields := map[string]string{
		"validation":      pt.Validation,
		"preparation":     pt.Preparation,
		"finalization":    pt.Finalization,
		"verification":    pt.Verification,
		"exportBase":      pt.ExportBase,
		"importBase":      pt.ImportBase,
		"perThousandRows": pt.PerThousandRows,
	}
	for name, val := range fields {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("sync.phaseTimeouts.%s: invalid duration %q: %w", name, val, err)
		}
	}
	return nil
}

// GetBackupFreshness returns the parsed backup freshness threshold
func (c *Config) GetBackupFreshness() time.Duration {
	return parseDurationOr(c.Sync.BackupFreshness, DefaultBackupFreshness)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// PhaseTimeouts resolves the configured timeouts into durations
type PhaseTimeouts struct {
	Validation      time.Duration
	Preparation     time.Duration
	Finalization    time.Duration
	Verification    time.Duration
	ExportBase      time.Duration
	ImportBase      time.Duration
	PerThousandRows time.Duration
}

// GetPhaseTimeouts returns the parsed per-phase timeouts with defaults applied
func (c *Config) GetPhaseTimeouts() PhaseTimeouts {
	pt := c.Sync.PhaseTimeouts
	return PhaseTimeouts{
		Validation:      parseDurationOr(pt.Validation, DefaultValidationTimeout),
		Preparation:     parseDurationOr(pt.Preparation, DefaultPreparationTimeout),
		Finalization:    parseDurationOr(pt.Finalization, DefaultFinalizationTimeout),
		Verification:    parseDurationOr(pt.Verification, DefaultVerificationTimeout),
		ExportBase:      parseDurationOr(pt.ExportBase, DefaultExportBaseTimeout),
		ImportBase:      parseDurationOr(pt.ImportBase, DefaultImportBaseTimeout),
		PerThousandRows: parseDurationOr(pt.PerThousandRows, DefaultPerThousandRows),
	}
}
