package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. DOJANG_DB_DRIVER.
const EnvPrefix = "DOJANG"

// Config holds all runtime settings of the progress engine
type Config struct {
	DBDriver string
	DBDSN    string
	LogMode  string

	// Snapshot cache
	SnapshotTTL         time.Duration
	RefreshTimeout      time.Duration
	FirstComputeTimeout time.Duration
	FailureBackoff      time.Duration
	CacheSize           int

	// Location used for calendar-day bucketing
	Location *time.Location

	// Background jobs
	WarmInterval      time.Duration
	WarmConcurrency   int
	ReminderStartHour int
	ReminderEndHour   int
	MetricsAddr       string
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db_driver", "sqlite3")
	v.SetDefault("db_dsn", "data/dojang.db")
	v.SetDefault("log_mode", "dev")
	v.SetDefault("snapshot_ttl", 5*time.Minute)
	v.SetDefault("refresh_timeout", 2*time.Second)
	v.SetDefault("first_compute_timeout", 10*time.Second)
	v.SetDefault("failure_backoff", 30*time.Second)
	v.SetDefault("cache_size", 256)
	v.SetDefault("timezone", "UTC")
	v.SetDefault("warm_interval", 15*time.Minute)
	v.SetDefault("warm_concurrency", 4)
	v.SetDefault("reminder_start_hour", 8)
	v.SetDefault("reminder_end_hour", 21)
	v.SetDefault("metrics_addr", "")
}

// NewViper returns a viper instance wired to the DOJANG_* environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// LoadDotEnv reads .env files into the process environment; missing files are ignored.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load reads .env, then resolves the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper builds and validates a Config from an already populated viper.
func FromViper(v *viper.Viper) (*Config, error) {
	loc, err := time.LoadLocation(v.GetString("timezone"))
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", v.GetString("timezone"), err)
	}
	cfg := &Config{
		DBDriver:            v.GetString("db_driver"),
		DBDSN:               v.GetString("db_dsn"),
		LogMode:             v.GetString("log_mode"),
		SnapshotTTL:         v.GetDuration("snapshot_ttl"),
		RefreshTimeout:      v.GetDuration("refresh_timeout"),
		FirstComputeTimeout: v.GetDuration("first_compute_timeout"),
		FailureBackoff:      v.GetDuration("failure_backoff"),
		CacheSize:           v.GetInt("cache_size"),
		Location:            loc,
		WarmInterval:        v.GetDuration("warm_interval"),
		WarmConcurrency:     v.GetInt("warm_concurrency"),
		ReminderStartHour:   v.GetInt("reminder_start_hour"),
		ReminderEndHour:     v.GetInt("reminder_end_hour"),
		MetricsAddr:         v.GetString("metrics_addr"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return errors.New("db dsn must not be empty")
	}
	if c.SnapshotTTL <= 0 {
		return fmt.Errorf("snapshot ttl must be positive, got %s", c.SnapshotTTL)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive, got %d", c.CacheSize)
	}
	if c.ReminderStartHour < 0 || c.ReminderStartHour > 23 || c.ReminderEndHour < 0 || c.ReminderEndHour > 23 {
		return fmt.Errorf("reminder hours must be within 0-23, got %d-%d", c.ReminderStartHour, c.ReminderEndHour)
	}
	return nil
}
