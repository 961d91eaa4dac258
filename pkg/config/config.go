package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/efc-ti/efc-backup/pkg/errdefs"
)

// Config holds the full daemon configuration. Values come from an optional
// YAML file overlaid by environment variables; the env knob names are stable.
type Config struct {
	// BackupPath is the permanent archive root.
	BackupPath string `yaml:"backup_path"`

	// MaxParallelBackups bounds the per-batch worker count.
	MaxParallelBackups int `yaml:"max_parallel_backups"`

	// RetentionDays is the retention horizon for archives and catalog rows.
	RetentionDays int `yaml:"retention_days"`

	// Timezone is the IANA zone the cron schedules fire in.
	Timezone string `yaml:"timezone"`

	// Built-in schedule wall-clock settings.
	DailyBackupTime   string `yaml:"daily_backup_time"`   // HH:MM
	WeeklyBackupDay   string `yaml:"weekly_backup_day"`   // 0-6, Sunday = 0
	WeeklyBackupTime  string `yaml:"weekly_backup_time"`  // HH:MM
	MonthlyBackupDay  string `yaml:"monthly_backup_day"`  // 1-28
	MonthlyBackupTime string `yaml:"monthly_backup_time"` // HH:MM

	// UseVSS enables volume-shadow snapshots on Windows clients.
	UseVSS bool `yaml:"use_vss"`

	// CreateSystemImage enables the Windows system-image step on full backups
	// when the caller does not decide explicitly.
	CreateSystemImage bool `yaml:"create_system_image"`

	// NotifyOnSuccess dispatches notifications for fully successful runs too.
	NotifyOnSuccess bool `yaml:"notify_on_success"`

	// DataDir holds the catalog database.
	DataDir string `yaml:"data_dir"`

	// SSHCommandTimeout is the default per-command deadline.
	SSHCommandTimeout time.Duration `yaml:"ssh_command_timeout"`

	// MetricsAddr exposes prometheus metrics when non-empty, e.g. ":9321".
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging.
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BackupPath:         "/var/backups/efc-backup",
		MaxParallelBackups: 2,
		RetentionDays:      30,
		Timezone:           "UTC",
		DailyBackupTime:    "02:00",
		WeeklyBackupDay:    "0",
		WeeklyBackupTime:   "03:00",
		MonthlyBackupDay:   "1",
		MonthlyBackupTime:  "04:00",
		UseVSS:             true,
		CreateSystemImage:  false,
		DataDir:            "/var/lib/efc-backup",
		SSHCommandTimeout:  30 * time.Second,
		LogLevel:           "info",
		LogJSON:            true,
	}
}

// Load reads the YAML file at path (when non-empty), overlays environment
// variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", errdefs.ErrConfigInvalid, path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the stable environment knobs.
func (c *Config) applyEnv() {
	setString(&c.BackupPath, "BACKUP_PATH")
	setString(&c.DailyBackupTime, "DAILY_BACKUP_TIME")
	setString(&c.WeeklyBackupDay, "WEEKLY_BACKUP_DAY")
	setString(&c.WeeklyBackupTime, "WEEKLY_BACKUP_TIME")
	setString(&c.MonthlyBackupDay, "MONTHLY_BACKUP_DAY")
	setString(&c.MonthlyBackupTime, "MONTHLY_BACKUP_TIME")
	setInt(&c.MaxParallelBackups, "MAX_PARALLEL_BACKUPS")
	setInt(&c.RetentionDays, "RETENTION_DAYS")
	setBool(&c.UseVSS, "USE_VSS")
	setBool(&c.CreateSystemImage, "CREATE_SYSTEM_IMAGE")

	if v := os.Getenv("BACKUP_TIMEZONE"); v != "" {
		c.Timezone = v
	} else if v := os.Getenv("TZ"); v != "" {
		c.Timezone = v
	}
}

// Validate checks ranges and time formats.
func (c *Config) Validate() error {
	if c.MaxParallelBackups < 1 {
		return fmt.Errorf("%w: max_parallel_backups must be >= 1, got %d",
			errdefs.ErrConfigInvalid, c.MaxParallelBackups)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("%w: retention_days must be >= 1, got %d",
			errdefs.ErrConfigInvalid, c.RetentionDays)
	}
	for _, t := range []string{c.DailyBackupTime, c.WeeklyBackupTime, c.MonthlyBackupTime} {
		if _, _, err := ParseClock(t); err != nil {
			return err
		}
	}
	if d, err := strconv.Atoi(c.WeeklyBackupDay); err != nil || d < 0 || d > 6 {
		return fmt.Errorf("%w: weekly_backup_day must be 0-6, got %q",
			errdefs.ErrConfigInvalid, c.WeeklyBackupDay)
	}
	if d, err := strconv.Atoi(c.MonthlyBackupDay); err != nil || d < 1 || d > 28 {
		return fmt.Errorf("%w: monthly_backup_day must be 1-28, got %q",
			errdefs.ErrConfigInvalid, c.MonthlyBackupDay)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", errdefs.ErrConfigInvalid, c.Timezone)
	}
	return nil
}

// Location resolves the configured timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock splits an HH:MM string into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: invalid time %q, want HH:MM", errdefs.ErrConfigInvalid, s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q", errdefs.ErrConfigInvalid, s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q", errdefs.ErrConfigInvalid, s)
	}
	return hour, minute, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
