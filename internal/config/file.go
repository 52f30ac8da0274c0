package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/ini.v1"

	"github.com/rescale/rescale-pacer/internal/pathutil"
)

// Config is the complete pacer configuration.
//
// Config file location:
//   - Windows: %APPDATA%\Rescale\Pacer\pacer.conf
//   - Unix: ~/.config/rescale/pacer.conf
//
// INI format:
//
//	[throttle]
//	enabled = true
//	interval_ms = 600
//	count_threshold = 100
//	window_ms = 60000
//	cooldown_ms = 30000
//	retry_delay_ms = 60000
//	max_attempts = 3
//
//	[maintenance]
//	frequency = daily
//	last_run = 2025-01-14T09:30:00Z
//	retention_days = 30
//	max_session_files_per_day = 10
//	enable_log_cleanup = true
//	enable_orphaned_task_cleanup = true
//	log_dir = /home/me/.config/rescale/pacer-logs
//	task_state_file = /home/me/.config/rescale/pacer-tasks.json
//	stale_task_hours = 24
//	schedule = @hourly
//
//	[proxy]
//	mode = system
//	host =
//	port = 8080
//	user =
//	password =
//	no_proxy =
type Config struct {
	Throttle    ThrottleConfig
	Maintenance MaintenanceConfig
	Proxy       ProxyConfig
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Throttle:    NewThrottleConfig(),
		Maintenance: NewMaintenanceConfig(),
		Proxy:       NewProxyConfig(),
	}
}

// Validate validates both sections.
func (c *Config) Validate() error {
	if err := c.Throttle.Validate(); err != nil {
		return fmt.Errorf("[throttle] %w", err)
	}
	if err := c.Maintenance.Validate(); err != nil {
		return fmt.Errorf("[maintenance] %w", err)
	}
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("[proxy] %w", err)
	}
	return nil
}

// LoadConfig loads configuration from path. If path is empty the default
// path is used. A missing file yields defaults. Any malformed or
// out-of-range value is an error; nothing is silently clamped.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	path, err := configPath(path)
	if err != nil {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
	}

	p := &parser{}

	t := iniFile.Section("throttle")
	p.readBool(t, "enabled", &cfg.Throttle.Enabled)
	p.readInt64(t, "interval_ms", &cfg.Throttle.IntervalMs)
	p.readInt(t, "count_threshold", &cfg.Throttle.CountThreshold)
	p.readInt64(t, "window_ms", &cfg.Throttle.WindowMs)
	p.readInt64(t, "cooldown_ms", &cfg.Throttle.CooldownMs)
	p.readInt64(t, "retry_delay_ms", &cfg.Throttle.RetryDelayMs)
	p.readInt(t, "max_attempts", &cfg.Throttle.MaxAttempts)

	m := iniFile.Section("maintenance")
	if m.HasKey("frequency") {
		f, err := ParseFrequency(m.Key("frequency").String())
		if err != nil {
			p.fail(err)
		} else {
			cfg.Maintenance.Frequency = f
		}
	}
	if m.HasKey("last_run") {
		lastRun, err := parseLastRun(m.Key("last_run").String())
		if err != nil {
			p.fail(err)
		} else {
			cfg.Maintenance.LastRun = lastRun
		}
	}
	p.readInt(m, "retention_days", &cfg.Maintenance.RetentionDays)
	p.readInt(m, "max_session_files_per_day", &cfg.Maintenance.MaxSessionFilesPerDay)
	p.readBool(m, "enable_log_cleanup", &cfg.Maintenance.EnableLogCleanup)
	p.readBool(m, "enable_orphaned_task_cleanup", &cfg.Maintenance.EnableOrphanedTaskCleanup)
	p.readPath(m, "log_dir", &cfg.Maintenance.LogDir)
	p.readPath(m, "task_state_file", &cfg.Maintenance.TaskStateFile)
	p.readInt(m, "stale_task_hours", &cfg.Maintenance.StaleTaskHours)
	p.readString(m, "schedule", &cfg.Maintenance.Schedule)

	x := iniFile.Section("proxy")
	p.readString(x, "mode", &cfg.Proxy.Mode)
	p.readString(x, "host", &cfg.Proxy.Host)
	p.readInt(x, "port", &cfg.Proxy.Port)
	p.readString(x, "user", &cfg.Proxy.User)
	p.readString(x, "password", &cfg.Proxy.Password)
	p.readString(x, "no_proxy", &cfg.Proxy.NoProxy)

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path atomically. If path is empty the default path
// is used. Parent directories are created as needed.
func SaveConfig(cfg *Config, path string) error {
	path, err := configPath(path)
	if err != nil {
		return fmt.Errorf("failed to determine config path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	t, err := iniFile.NewSection("throttle")
	if err != nil {
		return fmt.Errorf("failed to create throttle section: %w", err)
	}
	t.Key("enabled").SetValue(strconv.FormatBool(cfg.Throttle.Enabled))
	t.Key("interval_ms").SetValue(strconv.FormatInt(cfg.Throttle.IntervalMs, 10))
	t.Key("count_threshold").SetValue(strconv.Itoa(cfg.Throttle.CountThreshold))
	t.Key("window_ms").SetValue(strconv.FormatInt(cfg.Throttle.WindowMs, 10))
	t.Key("cooldown_ms").SetValue(strconv.FormatInt(cfg.Throttle.CooldownMs, 10))
	t.Key("retry_delay_ms").SetValue(strconv.FormatInt(cfg.Throttle.RetryDelayMs, 10))
	t.Key("max_attempts").SetValue(strconv.Itoa(cfg.Throttle.MaxAttempts))

	m, err := iniFile.NewSection("maintenance")
	if err != nil {
		return fmt.Errorf("failed to create maintenance section: %w", err)
	}
	m.Key("frequency").SetValue(cfg.Maintenance.Frequency.String())
	m.Key("last_run").SetValue(formatLastRun(cfg.Maintenance.LastRun))
	m.Key("retention_days").SetValue(strconv.Itoa(cfg.Maintenance.RetentionDays))
	m.Key("max_session_files_per_day").SetValue(strconv.Itoa(cfg.Maintenance.MaxSessionFilesPerDay))
	m.Key("enable_log_cleanup").SetValue(strconv.FormatBool(cfg.Maintenance.EnableLogCleanup))
	m.Key("enable_orphaned_task_cleanup").SetValue(strconv.FormatBool(cfg.Maintenance.EnableOrphanedTaskCleanup))
	m.Key("log_dir").SetValue(cfg.Maintenance.LogDir)
	m.Key("task_state_file").SetValue(cfg.Maintenance.TaskStateFile)
	m.Key("stale_task_hours").SetValue(strconv.Itoa(cfg.Maintenance.StaleTaskHours))
	m.Key("schedule").SetValue(cfg.Maintenance.Schedule)

	x, err := iniFile.NewSection("proxy")
	if err != nil {
		return fmt.Errorf("failed to create proxy section: %w", err)
	}
	x.Key("mode").SetValue(cfg.Proxy.NormalizedMode())
	x.Key("host").SetValue(cfg.Proxy.Host)
	x.Key("port").SetValue(strconv.Itoa(cfg.Proxy.Port))
	x.Key("user").SetValue(cfg.Proxy.User)
	// Only written when set; the file is 0600 on Unix.
	if cfg.Proxy.Password != "" {
		x.Key("password").SetValue(cfg.Proxy.Password)
	}
	x.Key("no_proxy").SetValue(cfg.Proxy.NoProxy)

	// Temporary file + rename so a crash never leaves a half-written config
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// FileProvider is the configuration collaborator backed by an INI file.
// It hands out snapshots and persists the maintenance last-run timestamp.
type FileProvider struct {
	mu   sync.Mutex
	path string
}

// NewFileProvider returns a provider for path (empty = default path). A
// leading "~" is expanded once here so that reads and writes agree.
func NewFileProvider(path string) *FileProvider {
	if expanded, err := pathutil.Expand(path); err == nil {
		path = expanded
	}
	return &FileProvider{path: path}
}

// Path returns the resolved configuration file path.
func (p *FileProvider) Path() string {
	if p.path != "" {
		return p.path
	}
	path, err := DefaultConfigPath()
	if err != nil {
		return ""
	}
	return path
}

// Load reads and validates the configuration.
func (p *FileProvider) Load() (*Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return LoadConfig(p.path)
}

// PersistLastRun records t as the maintenance last-run time. The file is
// re-read first so that only last_run changes, even if the file was edited
// since it was loaded.
func (p *FileProvider) PersistLastRun(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, err := LoadConfig(p.path)
	if err != nil {
		return fmt.Errorf("failed to reload config before persisting last run: %w", err)
	}
	cfg.Maintenance = cfg.Maintenance.WithLastRun(t)

	if err := SaveConfig(cfg, p.path); err != nil {
		return fmt.Errorf("failed to persist last run: %w", err)
	}
	return nil
}

// configPath expands a leading "~" in path, or returns the default path
// when path is empty.
func configPath(path string) (string, error) {
	if path == "" {
		return DefaultConfigPath()
	}
	return pathutil.Expand(path)
}

func parseLastRun(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "never") {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("last_run must be RFC 3339 or empty: %w", err)
	}
	return t, nil
}

func formatLastRun(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// parser collects the first error while reading optional keys.
type parser struct {
	err error
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *parser) readInt64(s *ini.Section, name string, dst *int64) {
	if !s.HasKey(name) {
		return
	}
	v, err := s.Key(name).Int64()
	if err != nil {
		p.fail(fmt.Errorf("[%s] %s: %w", s.Name(), name, err))
		return
	}
	*dst = v
}

func (p *parser) readInt(s *ini.Section, name string, dst *int) {
	if !s.HasKey(name) {
		return
	}
	v, err := s.Key(name).Int()
	if err != nil {
		p.fail(fmt.Errorf("[%s] %s: %w", s.Name(), name, err))
		return
	}
	*dst = v
}

func (p *parser) readBool(s *ini.Section, name string, dst *bool) {
	if !s.HasKey(name) {
		return
	}
	v, err := s.Key(name).Bool()
	if err != nil {
		p.fail(fmt.Errorf("[%s] %s: %w", s.Name(), name, err))
		return
	}
	*dst = v
}

func (p *parser) readString(s *ini.Section, name string, dst *string) {
	if !s.HasKey(name) {
		return
	}
	*dst = strings.TrimSpace(s.Key(name).String())
}

// readPath reads a path value, expanding "~" and making it absolute.
func (p *parser) readPath(s *ini.Section, name string, dst *string) {
	var raw string
	p.readString(s, name, &raw)
	if raw == "" {
		if s.HasKey(name) {
			*dst = ""
		}
		return
	}
	resolved, err := pathutil.Resolve(raw)
	if err != nil {
		p.fail(fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = resolved
}
