// Package config loads antfarm's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override the file.
const (
	EnvConfig  = "ANTFARM_CONFIG"
	EnvDSN     = "ANTFARM_DB_DSN"
	EnvDataDir = "ANTFARM_DATA_DIR"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// StoreConfig selects the database.
type StoreConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// EngineConfig holds engine tuning.
type EngineConfig struct {
	ReapAfter     time.Duration `toml:"reap_after"`
	ReapOnClaim   bool          `toml:"reap_on_claim"`
	ClaimAttempts int           `toml:"claim_attempts"`
	MaxStories    int           `toml:"max_stories"`
}

// MedicConfig holds medic thresholds. MongoURI moves the check history to
// MongoDB when set.
type MedicConfig struct {
	WorkerTimeout   time.Duration `toml:"worker_timeout"`
	StuckMultiplier int           `toml:"stuck_multiplier"`
	MaxAbandonments int           `toml:"max_abandonments"`
	HistoryLimit    int           `toml:"history_limit"`
	MongoURI        string        `toml:"mongo_uri"`
	MongoDatabase   string        `toml:"mongo_database"`
}

// ScheduleConfig holds the cron specs of the background jobs.
type ScheduleConfig struct {
	Reaper string `toml:"reaper"`
	Medic  string `toml:"medic"`
}

// HandoffConfig controls the immediate-handoff listener. RedisAddr switches
// the version gate from memory to Redis.
type HandoffConfig struct {
	Enabled     bool          `toml:"enabled"`
	RedisAddr   string        `toml:"redis_addr"`
	RedisPrefix string        `toml:"redis_prefix"`
	VersionTTL  time.Duration `toml:"version_ttl"`
}

// WorkspaceConfig locates the progress sidecar.
type WorkspaceConfig struct {
	Root string `toml:"root"`
}

// WorkflowsConfig locates the workflow definitions.
type WorkflowsConfig struct {
	Dir string `toml:"dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// AgentConfig is how `antfarm serve` runs one agent: Command is executed per
// claimed step, Poll is the cron spec of its dispatcher job.
type AgentConfig struct {
	Command []string      `toml:"command"`
	Poll    string        `toml:"poll"`
	Timeout time.Duration `toml:"timeout"`
}

// Config is the main configuration struct.
type Config struct {
	DataDir   string                 `toml:"data_dir"`
	Store     StoreConfig            `toml:"store"`
	Engine    EngineConfig           `toml:"engine"`
	Medic     MedicConfig            `toml:"medic"`
	Schedule  ScheduleConfig         `toml:"schedule"`
	Handoff   HandoffConfig          `toml:"handoff"`
	Workspace WorkspaceConfig        `toml:"workspace"`
	Workflows WorkflowsConfig        `toml:"workflows"`
	Logging   LoggingConfig          `toml:"logging"`
	Agents    map[string]AgentConfig `toml:"agents"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir: ".antfarm",
		Store: StoreConfig{
			Driver: DriverSQLite,
		},
		Engine: EngineConfig{
			ReapAfter:     15 * time.Minute,
			ReapOnClaim:   true,
			ClaimAttempts: 5,
			MaxStories:    20,
		},
		Medic: MedicConfig{
			WorkerTimeout:   30 * time.Minute,
			StuckMultiplier: 2,
			MaxAbandonments: 3,
			HistoryLimit:    500,
			MongoDatabase:   "antfarm",
		},
		Schedule: ScheduleConfig{
			Reaper: "@every 1m",
			Medic:  "@every 5m",
		},
		Handoff: HandoffConfig{
			Enabled:     true,
			RedisPrefix: "antfarm:",
			VersionTTL:  time.Hour,
		},
		Workflows: WorkflowsConfig{
			Dir: "workflows",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
		},
		Agents: map[string]AgentConfig{},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path falls back to $ANTFARM_CONFIG; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			md, err := toml.Decode(string(data), cfg)
			if err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				return nil, fmt.Errorf("parsing config: unknown key %q", undecoded[0].String())
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDSN); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if c.Agents == nil {
		c.Agents = map[string]AgentConfig{}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}

	positive := map[string]time.Duration{
		"engine.reap_after":    c.Engine.ReapAfter,
		"medic.worker_timeout": c.Medic.WorkerTimeout,
	}
	if c.Handoff.RedisAddr != "" {
		positive["handoff.version_ttl"] = c.Handoff.VersionTTL
	}
	for _, name := range []string{"engine.reap_after", "medic.worker_timeout", "handoff.version_ttl"} {
		if d, ok := positive[name]; ok && d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	for name, n := range map[string]int{
		"engine.claim_attempts":  c.Engine.ClaimAttempts,
		"medic.stuck_multiplier": c.Medic.StuckMultiplier,
		"medic.max_abandonments": c.Medic.MaxAbandonments,
		"medic.history_limit":    c.Medic.HistoryLimit,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Engine.MaxStories < 0 {
		errs = append(errs, errors.New("engine.max_stories must not be negative"))
	}

	switch c.Logging.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not supported", c.Logging.Level))
	}
	switch c.Logging.Format {
	case LogFormatJSON, LogFormatText:
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not supported", c.Logging.Format))
	}

	for id, a := range c.Agents {
		if len(a.Command) == 0 {
			errs = append(errs, fmt.Errorf("agents.%q: command is required", id))
		}
	}
	return errors.Join(errs...)
}

// DSN returns the store DSN, defaulting SQLite to a file in the data dir.
func (c *Config) DSN() string {
	if c.Store.DSN != "" || c.Store.Driver != DriverSQLite {
		return c.Store.DSN
	}
	return "file:" + filepath.Join(c.DataDir, "antfarm.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// WorkspaceRoot returns the sidecar root, defaulting to <data_dir>/workspaces.
func (c *Config) WorkspaceRoot() string {
	if c.Workspace.Root != "" {
		return c.Workspace.Root
	}
	return filepath.Join(c.DataDir, "workspaces")
}

// LogFile returns the log file path, relative paths resolved against the
// data dir. It is empty when file logging is off.
func (c *Config) LogFile() string {
	if c.Logging.File == "" || filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(c.DataDir, c.Logging.File)
}
