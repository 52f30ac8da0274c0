package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frequency controls how often maintenance is due.
type Frequency int

const (
	// EveryStartup runs maintenance on every process start.
	EveryStartup Frequency = iota
	// Daily runs maintenance once per calendar day.
	Daily
	// Weekly runs maintenance when at least 7 calendar days have passed.
	Weekly
	// Monthly runs maintenance once per calendar month.
	Monthly
)

var frequencyNames = map[Frequency]string{
	EveryStartup: "every_startup",
	Daily:        "daily",
	Weekly:       "weekly",
	Monthly:      "monthly",
}

// String returns the configuration-file spelling of f.
func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("frequency(%d)", int(f))
}

// ParseFrequency parses the configuration-file spelling of a frequency.
// Hyphens and case are ignored ("Every-Startup" == "every_startup").
func ParseFrequency(s string) (Frequency, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for f, name := range frequencyNames {
		if norm == name || norm == strings.ReplaceAll(name, "_", "") {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
}

// Maintenance defaults
const (
	DefaultFrequency                 = Daily
	DefaultRetentionDays             = 30
	DefaultMaxSessionFilesPerDay     = 10
	DefaultEnableLogCleanup          = true
	DefaultEnableOrphanedTaskCleanup = true
	DefaultStaleTaskHours            = 24
	DefaultSchedule                  = "@hourly"
)

// MaintenanceConfig validation errors
var (
	ErrInvalidFrequency       = errors.New("frequency must be one of every_startup, daily, weekly, monthly")
	ErrInvalidRetentionDays   = errors.New("retention_days must not be negative")
	ErrInvalidMaxSessionFiles = errors.New("max_session_files_per_day must not be negative")
	ErrMissingLogDir          = errors.New("log_dir is required when log cleanup is enabled")
	ErrMissingTaskStateFile   = errors.New("task_state_file is required when orphaned task cleanup is enabled")
	ErrInvalidStaleTaskHours  = errors.New("stale_task_hours must be at least 1")
	ErrMissingSchedule        = errors.New("schedule must not be empty")
)

// MaintenanceConfig is the maintenance snapshot. It is loaded once at start
// and only LastRun ever changes, through WithLastRun.
type MaintenanceConfig struct {
	Frequency Frequency

	// LastRun is the start time of the last completed run. Zero means never.
	LastRun time.Time

	// RetentionDays is the age in days after which session logs are
	// deleted. 0 disables age-based deletion.
	RetentionDays int

	// MaxSessionFilesPerDay caps the session logs kept per calendar day.
	// 0 means unlimited.
	MaxSessionFilesPerDay int

	EnableLogCleanup          bool
	EnableOrphanedTaskCleanup bool

	// LogDir is where session logs are written and cleaned.
	LogDir string

	// TaskStateFile is the background task registry location.
	TaskStateFile string

	// StaleTaskHours is how long a task may go without a heartbeat before
	// it is treated as orphaned.
	StaleTaskHours int

	// Schedule is the cron spec on which long-running processes re-check
	// whether maintenance is due.
	Schedule string
}

// NewMaintenanceConfig returns a MaintenanceConfig populated with defaults.
func NewMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Frequency:                 DefaultFrequency,
		RetentionDays:             DefaultRetentionDays,
		MaxSessionFilesPerDay:     DefaultMaxSessionFilesPerDay,
		EnableLogCleanup:          DefaultEnableLogCleanup,
		EnableOrphanedTaskCleanup: DefaultEnableOrphanedTaskCleanup,
		LogDir:                    LogDirectory(),
		TaskStateFile:             TaskStatePath(),
		StaleTaskHours:            DefaultStaleTaskHours,
		Schedule:                  DefaultSchedule,
	}
}

// Validate checks every field against its constraint.
func (c MaintenanceConfig) Validate() error {
	if _, ok := frequencyNames[c.Frequency]; !ok {
		return ErrInvalidFrequency
	}
	if c.RetentionDays < 0 {
		return ErrInvalidRetentionDays
	}
	if c.MaxSessionFilesPerDay < 0 {
		return ErrInvalidMaxSessionFiles
	}
	if c.EnableLogCleanup && strings.TrimSpace(c.LogDir) == "" {
		return ErrMissingLogDir
	}
	if c.EnableOrphanedTaskCleanup && strings.TrimSpace(c.TaskStateFile) == "" {
		return ErrMissingTaskStateFile
	}
	if c.StaleTaskHours < 1 {
		return ErrInvalidStaleTaskHours
	}
	if strings.TrimSpace(c.Schedule) == "" {
		return ErrMissingSchedule
	}
	return nil
}

// HasRun reports whether a last run has been recorded.
func (c MaintenanceConfig) HasRun() bool {
	return !c.LastRun.IsZero()
}

// WithLastRun returns a copy of c with LastRun replaced.
func (c MaintenanceConfig) WithLastRun(t time.Time) MaintenanceConfig {
	c.LastRun = t
	return c
}

// StaleTaskAge returns StaleTaskHours as a duration.
func (c MaintenanceConfig) StaleTaskAge() time.Duration {
	return time.Duration(c.StaleTaskHours) * time.Hour
}
