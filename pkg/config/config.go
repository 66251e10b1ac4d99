package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. GLC_API_BASE_URL.
	EnvPrefix = "GLC"

	// DefaultBaseURL is the production control plane.
	DefaultBaseURL = "https://app.gamelauncher.cloud"

	// DefaultAPITimeout bounds control-plane calls.
	DefaultAPITimeout = "30s"

	// DefaultPollInterval is the build status poll interval.
	DefaultPollInterval = "5s"

	// DefaultProgressRate caps transfer progress updates per second.
	DefaultProgressRate = 10.0

	// DefaultOutputDir is where build archives are written.
	DefaultOutputDir = "./Builds"

	// DefaultArchiveName is the archive file name.
	DefaultArchiveName = "Build.zip"

	// DefaultMinFreeSpace is the free space required beyond the build size.
	DefaultMinFreeSpace = "1GB"

	// DefaultEnvironment selects which stored API key is used.
	DefaultEnvironment = "production"

	// DefaultHistoryDriver is the upload history database driver.
	DefaultHistoryDriver = "sqlite"

	appDirName          = "glc"
	settingsFileName    = "glc_config.json"
	historyDatabaseName = "history.db"
)

// Config is the root configuration for glc.
type Config struct {
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Upload   UploadConfig   `yaml:"upload" mapstructure:"upload"`
	Build    BuildConfig    `yaml:"build" mapstructure:"build"`
	Settings SettingsConfig `yaml:"settings" mapstructure:"settings"`
	History  HistoryConfig  `yaml:"history" mapstructure:"history"`
}

// APIConfig contains control-plane client settings.
type APIConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Timeout   string `yaml:"timeout" mapstructure:"timeout"`
	UserAgent string `yaml:"user_agent,omitempty" mapstructure:"user_agent"`

	// defaultBaseURL is set when neither the file nor the environment
	// named a base URL.
	defaultBaseURL bool
}

// BaseURLIsDefault reports whether BaseURL was filled in by Load rather
// than configured.
func (c *APIConfig) BaseURLIsDefault() bool {
	return c.defaultBaseURL
}

// UploadConfig contains orchestrator settings.
type UploadConfig struct {
	PollInterval string  `yaml:"poll_interval" mapstructure:"poll_interval"`
	ProgressRate float64 `yaml:"progress_rate" mapstructure:"progress_rate"`
}

// BuildConfig contains archive producer settings.
type BuildConfig struct {
	OutputDir        string `yaml:"output_dir" mapstructure:"output_dir"`
	ArchiveName      string `yaml:"archive_name" mapstructure:"archive_name"`
	MinFreeSpace     string `yaml:"min_free_space" mapstructure:"min_free_space"`
	CompressionLevel int    `yaml:"compression_level,omitempty" mapstructure:"compression_level"`
}

// SettingsConfig locates the persisted session document.
type SettingsConfig struct {
	Path        string `yaml:"path" mapstructure:"path"`
	UseKeyring  bool   `yaml:"use_keyring" mapstructure:"use_keyring"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// HistoryConfig contains upload history database settings.
type HistoryConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// Load reads the configuration file at path, if any, and applies GLC_*
// environment overrides and defaults. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	// Left empty so applyDefaults can tell a configured URL from the default.
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.timeout", DefaultAPITimeout)
	v.SetDefault("api.user_agent", "")

	v.SetDefault("upload.poll_interval", DefaultPollInterval)
	v.SetDefault("upload.progress_rate", DefaultProgressRate)

	v.SetDefault("build.output_dir", DefaultOutputDir)
	v.SetDefault("build.archive_name", DefaultArchiveName)
	v.SetDefault("build.min_free_space", DefaultMinFreeSpace)
	v.SetDefault("build.compression_level", 0)

	v.SetDefault("settings.path", "")
	v.SetDefault("settings.use_keyring", false)
	v.SetDefault("settings.environment", DefaultEnvironment)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.driver", DefaultHistoryDriver)
	v.SetDefault("history.sqlite.path", "")
	v.SetDefault("history.postgres.host", "localhost")
	v.SetDefault("history.postgres.port", 5432)
	v.SetDefault("history.postgres.user", "")
	v.SetDefault("history.postgres.password", "")
	v.SetDefault("history.postgres.database", "glc")
	v.SetDefault("history.postgres.ssl_mode", "disable")
}

// applyDefaults fills values that depend on the user's environment.
func (c *Config) applyDefaults() error {
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
		c.API.defaultBaseURL = true
	}

	if c.Settings.Path != "" && c.History.SQLite.Path != "" {
		return nil
	}

	dir, err := AppDir()
	if err != nil {
		return err
	}

	if c.Settings.Path == "" {
		c.Settings.Path = filepath.Join(dir, settingsFileName)
	}

	if c.History.SQLite.Path == "" {
		c.History.SQLite.Path = filepath.Join(dir, historyDatabaseName)
	}

	return nil
}

// AppDir returns the per-user directory holding glc state.
func AppDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating user config dir: %w", err)
	}

	return filepath.Join(base, appDirName), nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api.base_url %q must be an http(s) URL", c.API.BaseURL)
	}

	if _, err := positiveDuration("api.timeout", c.API.Timeout); err != nil {
		return err
	}

	if _, err := positiveDuration("upload.poll_interval", c.Upload.PollInterval); err != nil {
		return err
	}

	if _, err := units.FromHumanSize(c.Build.MinFreeSpace); err != nil {
		return fmt.Errorf("build.min_free_space %q: %w", c.Build.MinFreeSpace, err)
	}

	if c.Build.ArchiveName == "" || strings.ContainsAny(c.Build.ArchiveName, `/\`) {
		return fmt.Errorf("build.archive_name %q must be a plain file name", c.Build.ArchiveName)
	}

	if c.Build.CompressionLevel < -2 || c.Build.CompressionLevel > 9 {
		return fmt.Errorf("build.compression_level %d must be between -2 and 9", c.Build.CompressionLevel)
	}

	if c.Settings.Environment == "" {
		return errors.New("settings.environment is required")
	}

	if !c.History.Enabled {
		return nil
	}

	switch c.History.Driver {
	case "sqlite":
		if c.History.SQLite.Path == "" {
			return errors.New("history.sqlite.path is required")
		}
	case "postgres":
		if c.History.Postgres.Host == "" || c.History.Postgres.Database == "" {
			return errors.New("history.postgres host and database are required")
		}
	default:
		return fmt.Errorf("unsupported history.driver %q", c.History.Driver)
	}

	return nil
}

func positiveDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, value, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}

	return d, nil
}

// TimeoutDuration returns the parsed api.timeout. Call Validate first.
func (c *APIConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)

	return d
}

// PollIntervalDuration returns the parsed upload.poll_interval.
func (c *UploadConfig) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)

	return d
}

// MinFreeSpaceBytes returns the parsed build.min_free_space.
func (c *BuildConfig) MinFreeSpaceBytes() int64 {
	n, _ := units.FromHumanSize(c.MinFreeSpace)

	return n
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c

	if out.History.Postgres.Password != "" {
		out.History.Postgres.Password = "********"
	}

	return &out
}
