package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.True(t, cfg.Throttle.Enabled)
	assert.EqualValues(t, 600, cfg.Throttle.IntervalMs)
	assert.Equal(t, 100, cfg.Throttle.CountThreshold)
	assert.EqualValues(t, 60_000, cfg.Throttle.WindowMs)
	assert.EqualValues(t, 30_000, cfg.Throttle.CooldownMs)
	assert.EqualValues(t, 60_000, cfg.Throttle.RetryDelayMs)
	assert.Equal(t, 3, cfg.Throttle.MaxAttempts)

	assert.Equal(t, Daily, cfg.Maintenance.Frequency)
	assert.False(t, cfg.Maintenance.HasRun())
	assert.Equal(t, 30, cfg.Maintenance.RetentionDays)
	assert.Equal(t, 10, cfg.Maintenance.MaxSessionFilesPerDay)
	assert.True(t, cfg.Maintenance.EnableLogCleanup)
	assert.True(t, cfg.Maintenance.EnableOrphanedTaskCleanup)
	assert.Equal(t, "@hourly", cfg.Maintenance.Schedule)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.conf"))
	require.NoError(t, err)
	assert.Equal(t, NewConfig(), cfg)
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pacer.conf")

	cfg := NewConfig()
	cfg.Throttle.Enabled = false
	cfg.Throttle.IntervalMs = 250
	cfg.Throttle.CountThreshold = 7
	cfg.Throttle.CooldownMs = 0
	cfg.Maintenance.Frequency = Weekly
	cfg.Maintenance.LastRun = time.Date(2024, 3, 9, 8, 15, 0, 0, time.UTC)
	cfg.Maintenance.RetentionDays = 0
	cfg.Maintenance.LogDir = "/rescale-pacer-test/logs"

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Throttle, loaded.Throttle)
	assert.Equal(t, cfg.Maintenance.Frequency, loaded.Maintenance.Frequency)
	assert.True(t, cfg.Maintenance.LastRun.Equal(loaded.Maintenance.LastRun))
	assert.Equal(t, 0, loaded.Maintenance.RetentionDays)
	assert.Equal(t, "/rescale-pacer-test/logs", loaded.Maintenance.LogDir)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file should be renamed away")
}

func TestLoadConfigRejectsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "negative cooldown",
			content: "[throttle]\ncooldown_ms = -1\n",
			wantErr: ErrInvalidCooldown,
		},
		{
			name:    "negative retry delay",
			content: "[throttle]\nretry_delay_ms = -500\n",
			wantErr: ErrInvalidRetryDelay,
		},
		{
			name:    "zero interval",
			content: "[throttle]\ninterval_ms = 0\n",
			wantErr: ErrInvalidInterval,
		},
		{
			name:    "zero threshold",
			content: "[throttle]\ncount_threshold = 0\n",
			wantErr: ErrInvalidCountThreshold,
		},
		{
			name:    "zero attempts",
			content: "[throttle]\nmax_attempts = 0\n",
			wantErr: ErrInvalidMaxAttempts,
		},
		{
			name:    "unknown frequency",
			content: "[maintenance]\nfrequency = hourly\n",
			wantErr: ErrInvalidFrequency,
		},
		{
			name:    "negative retention",
			content: "[maintenance]\nretention_days = -3\n",
			wantErr: ErrInvalidRetentionDays,
		},
		{
			name:    "negative session cap",
			content: "[maintenance]\nmax_session_files_per_day = -1\n",
			wantErr: ErrInvalidMaxSessionFiles,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pacer.conf")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfigRejectsMalformedNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pacer.conf")
	require.NoError(t, os.WriteFile(path, []byte("[throttle]\ninterval_ms = fast\n"), 0600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval_ms")
}

func TestLoadConfigExpandsHomeInPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	home, err = filepath.EvalSymlinks(home)
	if err != nil {
		t.Skipf("home directory not resolvable: %v", err)
	}

	path := filepath.Join(t.TempDir(), "pacer.conf")
	body := "[maintenance]\nlog_dir = ~/rescale-pacer-test-logs\ntask_state_file = ~/rescale-pacer-test-tasks.json\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "rescale-pacer-test-logs"), cfg.Maintenance.LogDir)
	assert.Equal(t, filepath.Join(home, "rescale-pacer-test-tasks.json"), cfg.Maintenance.TaskStateFile)
}

func TestLoadConfigRejectsBadLastRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pacer.conf")
	require.NoError(t, os.WriteFile(path, []byte("[maintenance]\nlast_run = yesterday\n"), 0600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last_run")
}

func TestFileProviderPersistLastRunOnlyChangesLastRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pacer.conf")

	cfg := NewConfig()
	cfg.Throttle.IntervalMs = 1234
	cfg.Maintenance.Frequency = Monthly
	require.NoError(t, SaveConfig(cfg, path))

	provider := NewFileProvider(path)
	when := time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, provider.PersistLastRun(when))

	loaded, err := provider.Load()
	require.NoError(t, err)
	assert.True(t, loaded.Maintenance.LastRun.Equal(when))
	assert.EqualValues(t, 1234, loaded.Throttle.IntervalMs)
	assert.Equal(t, Monthly, loaded.Maintenance.Frequency)
}

func TestFileProviderExpandsHomeForLoadAndPersist(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	provider := NewFileProvider("~/pacer.conf")
	assert.Equal(t, filepath.Join(home, "pacer.conf"), provider.Path())

	cfg := NewConfig()
	cfg.Throttle.IntervalMs = 1234
	require.NoError(t, SaveConfig(cfg, "~/pacer.conf"))
	require.FileExists(t, filepath.Join(home, "pacer.conf"))

	loaded, err := provider.Load()
	require.NoError(t, err)
	assert.EqualValues(t, 1234, loaded.Throttle.IntervalMs)

	when := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, provider.PersistLastRun(when))

	reread, err := LoadConfig(filepath.Join(home, "pacer.conf"))
	require.NoError(t, err)
	assert.True(t, reread.Maintenance.LastRun.Equal(when))

	_, err = os.Stat("~")
	assert.True(t, os.IsNotExist(err), "a literal ~ directory was created")
}

func TestFileProviderPersistLastRunFailsOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pacer.conf")
	require.NoError(t, os.WriteFile(path, []byte("[throttle]\ninterval_ms = -1\n"), 0600))

	err := NewFileProvider(path).PersistLastRun(time.Now())
	assert.Error(t, err)
}

func TestParseFrequency(t *testing.T) {
	tests := []struct {
		in   string
		want Frequency
	}{
		{"every_startup", EveryStartup},
		{"Every-Startup", EveryStartup},
		{"everystartup", EveryStartup},
		{"daily", Daily},
		{" WEEKLY ", Weekly},
		{"monthly", Monthly},
	}
	for _, tt := range tests {
		got, err := ParseFrequency(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseFrequency("fortnightly")
	assert.ErrorIs(t, err, ErrInvalidFrequency)
}

func TestWithLastRunReturnsCopy(t *testing.T) {
	original := NewMaintenanceConfig()
	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	updated := original.WithLastRun(when)

	assert.False(t, original.HasRun(), "original snapshot must not change")
	assert.True(t, updated.LastRun.Equal(when))
}
