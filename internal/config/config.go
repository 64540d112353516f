// Package config loads fieldq settings from defaults, an optional config
// file, a .env file and FIELDQ_* environment variables, in increasing order
// of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FIELDQ_API_BASE_URL.
const EnvPrefix = "FIELDQ"

// Config is the effective configuration.
type Config struct {
	DB           DBConfig           `mapstructure:"db" yaml:"db" toml:"db"`
	API          APIConfig          `mapstructure:"api" yaml:"api" toml:"api"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync" toml:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity" toml:"connectivity"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard" yaml:"dashboard" toml:"dashboard"`
	Log          LogConfig          `mapstructure:"log" yaml:"log" toml:"log"`
}

// DBConfig locates the durable store.
type DBConfig struct {
	Path string `mapstructure:"path" yaml:"path" toml:"path"`
}

// APIConfig addresses the field server.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url" toml:"base_url"`
	WSURL   string        `mapstructure:"ws_url" yaml:"ws_url" toml:"ws_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" toml:"timeout"`
	Token   string        `mapstructure:"token" yaml:"token,omitempty" toml:"token,omitempty"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval" toml:"interval"`
	Ceiling  int           `mapstructure:"ceiling" yaml:"ceiling" toml:"ceiling"`
	Backoff  time.Duration `mapstructure:"backoff" yaml:"backoff" toml:"backoff"`
	// ManualRate bounds manual "sync all" requests per second
	ManualRate float64 `mapstructure:"manual_rate" yaml:"manual_rate" toml:"manual_rate"`
}

// ConnectivityConfig tunes the connectivity monitor.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url" yaml:"probe_url" toml:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" toml:"probe_interval"`
	Debounce      time.Duration `mapstructure:"debounce" yaml:"debounce" toml:"debounce"`
}

// DashboardConfig configures the local dashboard server.
type DashboardConfig struct {
	Port int `mapstructure:"port" yaml:"port" toml:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" toml:"level"`
	Format     string `mapstructure:"format" yaml:"format" toml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty" toml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
}

// HomeDir returns the fieldq home: $FIELDQ_HOME or ~/.fieldq.
func HomeDir() string {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldq"
	}
	return filepath.Join(home, ".fieldq")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	home := HomeDir()

	v.SetDefault("db.path", filepath.Join(home, "fieldq.db"))

	v.SetDefault("api.base_url", "http://localhost:3000/api")
	v.SetDefault("api.ws_url", "ws://localhost:3000/ws")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.token", "")

	v.SetDefault("sync.interval", 60*time.Second)
	v.SetDefault("sync.ceiling", 3)
	v.SetDefault("sync.backoff", time.Duration(0))
	v.SetDefault("sync.manual_rate", 0.2)

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 5*time.Second)
	v.SetDefault("connectivity.debounce", 500*time.Millisecond)

	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Loader reads configuration and optionally watches the config file.
type Loader struct {
	v      *viper.Viper
	logger logrus.FieldLogger
}

// NewLoader creates a Loader. configFile may be empty, in which case
// fieldq.{yaml,toml} is searched for in the working directory and HomeDir.
// A .env file in the working directory is loaded first when present.
func NewLoader(configFile string, logger logrus.FieldLogger) (*Loader, error) {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "config")
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warnf("failed to load .env: %v", err)
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("fieldq")
		v.AddConfigPath(".")
		v.AddConfigPath(HomeDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	return &Loader{v: v, logger: logger}, nil
}

// Viper exposes the underlying viper instance.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Load decodes the current settings.
func (l *Loader) Load() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with the new settings every time the config file
// changes. Invalid edits are logged and ignored. No-op without a file.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.ConfigFile() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.Load()
		if err != nil {
			l.logger.WithError(err).Warnf("ignoring invalid config change in %s", e.Name)
			return
		}
		l.logger.Infof("config reloaded from %s", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (c *Config) applyDerived() {
	if c.Connectivity.ProbeURL == "" {
		c.Connectivity.ProbeURL = strings.TrimRight(c.API.BaseURL, "/") + "/health"
	}
	c.DB.Path = expandHome(c.DB.Path)
	c.Log.File = expandHome(c.Log.File)
}

// Validate rejects settings the app cannot run with.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.Sync.Interval <= 0 {
		return errors.Errorf("sync.interval must be positive (got %s)", c.Sync.Interval)
	}
	if c.Sync.Ceiling < 1 {
		return errors.Errorf("sync.ceiling must be at least 1 (got %d)", c.Sync.Ceiling)
	}
	if c.Sync.Backoff < 0 {
		return errors.Errorf("sync.backoff must not be negative (got %s)", c.Sync.Backoff)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return errors.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
