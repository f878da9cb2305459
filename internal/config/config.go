// Package config provides YAML configuration loading and validation for the
// string hub process.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the string hub.
type Config struct {
	// EnableIntervals is the enableIntervals option (spec § 6). It is loaded
	// and kept in Config; no code in this module reads it.
	EnableIntervals bool `yaml:"enable_intervals"`

	// TCALPrescale thins the merged TCAL stream: only every Nth merged TCAL
	// buffer is passed to the TCAL processor, so RAPCal updates and formatted
	// records both happen at that reduced rate. Defaults to 10 when zero.
	TCALPrescale int `yaml:"tcal_prescale"`

	// SNDistance is the supernova channel's configured distance parameter
	// (spec § 6). It is loaded and kept in Config; it is not passed to the
	// supernova consumer or read anywhere else in this module.
	SNDistance int `yaml:"sn_distance"`

	// UsePrioritySort, if true, is accepted but has no effect: the merge
	// engine is always the tournament-tree implementation (spec § 1
	// Non-goals).
	UsePrioritySort bool `yaml:"use_priority_sort"`

	// HitSpooling enables the WAL-mode SQLite durability queue in front of
	// the sender transport.
	HitSpooling bool `yaml:"hit_spooling"`

	// HitSpoolDir is the directory containing the hit-spool SQLite database.
	// Required when HitSpooling is true.
	HitSpoolDir string `yaml:"hit_spool_dir"`

	// HitSpoolInterval is the interval, in seconds, on which the spool
	// drains queued buffers to the sender. Defaults to 5 when zero.
	HitSpoolInterval int `yaml:"hit_spool_interval"`

	// HitSpoolNumFiles is the hitSpoolNumFiles option. Defaults to 1 when
	// zero. The spool always uses a single database file
	// (HitSpoolDir/hitspool.db) and never rotates it; this value is not read.
	HitSpoolNumFiles int `yaml:"hit_spool_num_files"`

	// Channels is the static roster of merge input channels, grouped by
	// stream kind (spec § 1: "a static channel list from configuration").
	Channels ChannelRoster `yaml:"channels"`

	// QueueSize bounds each channel sort engine's producer-facing queue.
	// Defaults to sortengine.DefaultQueueSize when zero.
	QueueSize int `yaml:"queue_size"`

	// Sender holds the outbound gRPC transport's dial and mTLS settings.
	Sender SenderConfig `yaml:"sender"`

	// StatusAPI holds the HTTP status/control API's listen address and JWT
	// verification key path. The API is served over plain HTTP.
	StatusAPI StatusAPIConfig `yaml:"status_api"`

	// CalibstorePostgresDSN is the PostgreSQL connection string used by the
	// RAPCal update batch store. Leave empty to disable calibstore.
	CalibstorePostgresDSN string `yaml:"calibstore_postgres_dsn"`

	// CaliblogPath is the file path of the tamper-evident RAPCal update
	// ledger. Required.
	CaliblogPath string `yaml:"caliblog_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// ChannelRoster is the static list of mbids feeding each stream kind's merge.
type ChannelRoster struct {
	Hit  []uint64 `yaml:"hit"`
	Moni []uint64 `yaml:"moni"`
	TCAL []uint64 `yaml:"tcal"`
	SN   []uint64 `yaml:"sn"`
}

// SenderConfig holds the mTLS gRPC client settings used to push merged
// buffers to a downstream collector.
type SenderConfig struct {
	// Addr is the "host:port" of the downstream gRPC collector. Required.
	Addr string `yaml:"addr"`

	// CertPath is the path to the PEM-encoded client certificate. Required.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the PEM-encoded client private key. Required.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the collector's server certificate. Required.
	CAPath string `yaml:"ca_path"`
}

// StatusAPIConfig holds the HTTP status/control API's settings.
type StatusAPIConfig struct {
	// ListenAddr is the HTTP listen address (e.g. "127.0.0.1:9100").
	// Defaults to "127.0.0.1:9100" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// JWTPublicKeyPath is the path to a PEM-encoded RSA public key used to
	// verify bearer tokens on every /api/v1 route. Leave empty to disable
	// authentication (dev only).
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered, joined with errors.Join.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TCALPrescale == 0 {
		cfg.TCALPrescale = 10
	}
	if cfg.HitSpoolInterval == 0 {
		cfg.HitSpoolInterval = 5
	}
	if cfg.HitSpoolNumFiles == 0 {
		cfg.HitSpoolNumFiles = 1
	}
	if cfg.StatusAPI.ListenAddr == "" {
		cfg.StatusAPI.ListenAddr = "127.0.0.1:9100"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.TCALPrescale < 0 {
		errs = append(errs, errors.New("tcal_prescale must not be negative"))
	}

	if cfg.Sender.Addr == "" {
		errs = append(errs, errors.New("sender.addr is required"))
	}
	if cfg.Sender.CertPath == "" {
		errs = append(errs, errors.New("sender.cert_path is required"))
	}
	if cfg.Sender.KeyPath == "" {
		errs = append(errs, errors.New("sender.key_path is required"))
	}
	if cfg.Sender.CAPath == "" {
		errs = append(errs, errors.New("sender.ca_path is required"))
	}

	if cfg.HitSpooling && cfg.HitSpoolDir == "" {
		errs = append(errs, errors.New("hit_spool_dir is required when hit_spooling is true"))
	}

	if cfg.CaliblogPath == "" {
		errs = append(errs, errors.New("caliblog_path is required"))
	}

	if len(cfg.Channels.Hit) == 0 && len(cfg.Channels.Moni) == 0 &&
		len(cfg.Channels.TCAL) == 0 && len(cfg.Channels.SN) == 0 {
		errs = append(errs, errors.New("channels: at least one mbid must be configured across hit, moni, tcal, sn"))
	}

	return errors.Join(errs...)
}
