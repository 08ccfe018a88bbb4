// Package config loads jobshop settings from TOML files and JOBSHOP_*
// environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"jobshop/internal/calendar"
	"jobshop/internal/constraint"
	"jobshop/internal/errors"
)

// ErrInvalidConfig marks settings outside their allowed range.
var ErrInvalidConfig = errors.Kind("invalid configuration", errors.ErrValidation)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Solver     SolverConfig     `mapstructure:"solver"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Calendar   CalendarConfig   `mapstructure:"calendar"`
	Disruption DisruptionConfig `mapstructure:"disruption"`
	API        APIConfig        `mapstructure:"api"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type WorkersConfig struct {
	Count int           `mapstructure:"count"`
	Poll  time.Duration `mapstructure:"poll"`
	// ReplanCheck is how often cron replan plans are checked.
	ReplanCheck time.Duration `mapstructure:"replan_check"`
}

type SolverConfig struct {
	TimeLimitSeconds   int     `mapstructure:"time_limit_seconds"`
	GapTolerance       float64 `mapstructure:"gap_tolerance"`
	GranularityMinutes int     `mapstructure:"granularity_minutes"`
	HorizonHours       int     `mapstructure:"horizon_hours"`
	// PoolSize bounds concurrent in-process solves.
	PoolSize int `mapstructure:"pool_size"`
}

func (s SolverConfig) Params() constraint.SolverParams {
	return constraint.SolverParams{
		TimeLimit:          time.Duration(s.TimeLimitSeconds) * time.Second,
		GapTolerance:       s.GapTolerance,
		GranularityMinutes: s.GranularityMinutes,
	}
}

func (s SolverConfig) Horizon() time.Duration { return time.Duration(s.HorizonHours) * time.Hour }

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type CalendarConfig struct {
	Timezone string `mapstructure:"timezone"`
	// WorkingHours maps lowercase weekday names to "HH:MM-HH:MM". Missing or
	// empty days are closed.
	WorkingHours map[string]string `mapstructure:"working_hours"`
	Holidays     []string          `mapstructure:"holidays"`
}

// Build returns the configured calendar.
func (c CalendarConfig) Build() (*calendar.Calendar, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "calendar.timezone %q: %v", c.Timezone, err)
	}
	cal := calendar.New(loc)
	for name, hours := range c.WorkingHours {
		day, ok := weekdays[strings.ToLower(name)]
		if !ok {
			return nil, errors.Wrapf(ErrInvalidConfig, "calendar.working_hours: unknown weekday %q", name)
		}
		if strings.TrimSpace(hours) == "" {
			continue
		}
		wh, err := calendar.ParseWorkingHours(hours)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "calendar.working_hours.%s: %v", name, err)
		}
		cal.SetWorkingHours(day, wh)
	}
	for _, h := range c.Holidays {
		d, err := time.ParseInLocation(time.DateOnly, h, loc)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "calendar.holidays: %v", err)
		}
		cal.AddHoliday(d)
	}
	return cal, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

type DisruptionConfig struct {
	ScopeHours   int `mapstructure:"scope_hours"`
	PaddingHours int `mapstructure:"padding_hours"`
}

type APIConfig struct {
	OptimizeRatePerMinute int `mapstructure:"optimize_rate_per_minute"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.path", "jobshop.db")

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.poll", "250ms")
	v.SetDefault("workers.replan_check", "30s")

	v.SetDefault("solver.time_limit_seconds", 300)
	v.SetDefault("solver.gap_tolerance", 0.01)
	v.SetDefault("solver.granularity_minutes", 15)
	v.SetDefault("solver.horizon_hours", 168) // one week
	v.SetDefault("solver.pool_size", 2)

	v.SetDefault("cache.ttl", "5m")

	v.SetDefault("calendar.timezone", "UTC")
	v.SetDefault("calendar.working_hours", map[string]string{
		"monday":    "08:00-17:00",
		"tuesday":   "08:00-17:00",
		"wednesday": "08:00-17:00",
		"thursday":  "08:00-17:00",
		"friday":    "08:00-17:00",
	})
	v.SetDefault("calendar.holidays", []string{})

	v.SetDefault("disruption.scope_hours", 24)
	v.SetDefault("disruption.padding_hours", 72)

	v.SetDefault("api.optimize_rate_per_minute", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("JOBSHOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Solver.Params().Validate(); err != nil {
		return errors.Wrap(err, "solver")
	}
	if c.Solver.HorizonHours <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "solver.horizon_hours must be positive, got %d", c.Solver.HorizonHours)
	}
	if c.Workers.Count < 1 {
		return errors.Wrapf(ErrInvalidConfig, "workers.count must be at least 1, got %d", c.Workers.Count)
	}
	if c.Workers.Poll <= 0 || c.Workers.ReplanCheck <= 0 {
		return errors.Wrap(ErrInvalidConfig, "workers.poll and workers.replan_check must be positive")
	}
	if c.Disruption.ScopeHours <= 0 || c.Disruption.PaddingHours < 0 {
		return errors.Wrapf(ErrInvalidConfig, "disruption scope %dh padding %dh", c.Disruption.ScopeHours, c.Disruption.PaddingHours)
	}
	if _, err := c.Calendar.Build(); err != nil {
		return err
	}
	return nil
}

// WriteDefault writes the default settings to path as TOML. An existing
// file is kept unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return errors.WithHint(errors.Newf("config file %s already exists", path), "pass --force to overwrite it")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	v := viper.New()
	SetDefaults(v)
	if err := toml.NewEncoder(f).Encode(v.AllSettings()); err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	return f.Close()
}
