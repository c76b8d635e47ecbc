package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/otad/internal/logger"
)

// Defaults applied when the config file is missing or leaves a field unset.
const (
	DefaultAppPath        = "./application"
	DefaultBackupPath     = "./backup"
	DefaultUpdateInterval = 3600 // seconds
	DefaultHealthInterval = 60   // seconds
	DefaultHealthTimeout  = 10   // seconds
	DefaultHealthPort     = 8080
	DefaultHealthEndpoint = "/health"
	DefaultManifest       = "requirements.txt"
	DefaultTelemetryDSN   = "./otad.db"
)

// AppConfig describes how the supervised application is launched.
type AppConfig struct {
	// Entrypoint is the artifact file that must exist before a start is
	// attempted, relative to app_path.
	Entrypoint string `toml:"entrypoint" mapstructure:"entrypoint"`
	// Command launches the application. Empty means run the entrypoint
	// directly.
	Command string `toml:"command" mapstructure:"command"`
	// Installer installs declared dependencies, e.g. "pip install".
	Installer string `toml:"installer" mapstructure:"installer"`
	// Manifest is the dependency list file, relative to app_path.
	Manifest string `toml:"manifest" mapstructure:"manifest"`
	PIDFile  string `toml:"pidfile" mapstructure:"pidfile"`
	// StopGraceSeconds bounds the wait between SIGTERM and SIGKILL.
	StopGraceSeconds int `toml:"stop_grace_seconds" mapstructure:"stop_grace_seconds"`
}

// HealthConfig describes how the application's health is probed.
type HealthConfig struct {
	Port     int    `toml:"port" mapstructure:"port"`
	Endpoint string `toml:"endpoint" mapstructure:"endpoint"`
	// Command is the external probe invoked by the orchestrator;
	// exit code 0 means healthy. Empty disables command probing in
	// favor of the endpoint check.
	Command string `toml:"command" mapstructure:"command"`
}

// TelemetryConfig selects the update-record sink.
type TelemetryConfig struct {
	DSN    string `toml:"dsn" mapstructure:"dsn"`
	Bucket string `toml:"bucket" mapstructure:"bucket"`
}

// ServerConfig holds the daemon's optional HTTP surfaces.
type ServerConfig struct {
	Listen        string `toml:"listen" mapstructure:"listen"`
	MetricsListen string `toml:"metrics_listen" mapstructure:"metrics_listen"`
}

// Config is the resolved daemon configuration. It is loaded once at
// startup and treated as immutable afterwards.
type Config struct {
	RepoOwner   string `toml:"repo_owner" mapstructure:"repo_owner"`
	RepoName    string `toml:"repo_name" mapstructure:"repo_name"`
	AccessToken string `toml:"access_token" mapstructure:"access_token"`
	// RemoteRoot is the directory inside the repository holding the
	// deployable artifact tree ("" means the repository root).
	RemoteRoot string `toml:"remote_root" mapstructure:"remote_root"`

	AppPath    string `toml:"app_path" mapstructure:"app_path"`
	BackupPath string `toml:"backup_path" mapstructure:"backup_path"`

	UpdateInterval      int `toml:"update_interval" mapstructure:"update_interval"`
	HealthCheckInterval int `toml:"health_check_interval" mapstructure:"health_check_interval"`
	HealthCheckTimeout  int `toml:"health_check_timeout" mapstructure:"health_check_timeout"`

	App       AppConfig       `toml:"app" mapstructure:"app"`
	Health    HealthConfig    `toml:"health" mapstructure:"health"`
	Telemetry TelemetryConfig `toml:"telemetry" mapstructure:"telemetry"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
}

// Default returns a configuration populated with the documented defaults.
func Default() Config {
	return Config{
		AppPath:             DefaultAppPath,
		BackupPath:          DefaultBackupPath,
		UpdateInterval:      DefaultUpdateInterval,
		HealthCheckInterval: DefaultHealthInterval,
		HealthCheckTimeout:  DefaultHealthTimeout,
		App: AppConfig{
			Manifest: DefaultManifest,
		},
		Health: HealthConfig{
			Port:     DefaultHealthPort,
			Endpoint: DefaultHealthEndpoint,
		},
		Telemetry: TelemetryConfig{
			DSN: DefaultTelemetryDSN,
		},
	}
}

// Load reads a TOML config file and applies defaults for unset fields.
// A missing file is not an error: the defaults carry the daemon
// (configuration problems must never be fatal to the update loop).
// A present but malformed file is reported so typos don't silently
// degrade to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AppPath == "" {
		cfg.AppPath = DefaultAppPath
	}
	if cfg.BackupPath == "" {
		cfg.BackupPath = DefaultBackupPath
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthInterval
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = DefaultHealthTimeout
	}
	if cfg.App.Manifest == "" {
		cfg.App.Manifest = DefaultManifest
	}
	if cfg.Health.Port <= 0 {
		cfg.Health.Port = DefaultHealthPort
	}
	if cfg.Health.Endpoint == "" {
		cfg.Health.Endpoint = DefaultHealthEndpoint
	}
	if cfg.Telemetry.DSN == "" {
		cfg.Telemetry.DSN = DefaultTelemetryDSN
	}
}

// Validate checks the fields that cannot be defaulted away. Remote
// identity may legitimately be empty (update checks then always fail
// conservatively and the daemon degrades to plain supervision), so only
// structural contradictions are rejected.
func (c Config) Validate() error {
	if c.AppPath == c.BackupPath {
		return errors.New("app_path and backup_path must differ")
	}
	if c.RepoName != "" && c.RepoOwner == "" {
		return errors.New("repo_name set without repo_owner")
	}
	if c.RepoOwner != "" && c.RepoName == "" {
		return errors.New("repo_owner set without repo_name")
	}
	return nil
}

// Interval returns the update polling interval as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Second
}

// HealthTimeout returns the probe timeout as a duration.
func (c Config) HealthTimeout() time.Duration {
	return time.Duration(c.HealthCheckTimeout) * time.Second
}

// StopGrace returns the configured SIGTERM grace period, or zero when
// the supervisor default should apply.
func (c Config) StopGrace() time.Duration {
	if c.App.StopGraceSeconds <= 0 {
		return 0
	}
	return time.Duration(c.App.StopGraceSeconds) * time.Second
}

// HealthURL builds the endpoint probe URL from port and endpoint path.
func (c Config) HealthURL() string {
	return fmt.Sprintf("http://localhost:%d%s", c.Health.Port, c.Health.Endpoint)
}
