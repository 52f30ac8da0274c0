package cli

import (
	"bytes"
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rescale/rescale-pacer/internal/api"
	"github.com/rescale/rescale-pacer/internal/config"
	"github.com/rescale/rescale-pacer/internal/core"
	"github.com/rescale/rescale-pacer/internal/progress"
	"github.com/rescale/rescale-pacer/internal/retry"
)

// executeCommand runs the root command with args and returns stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()
	AddCommands(root)

	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)

	err := root.Execute()
	return out.String(), err
}

// writeTestConfig writes a config whose log and task paths live under dir.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()

	cfg := config.NewConfig()
	cfg.Maintenance.LogDir = filepath.Join(dir, "logs")
	cfg.Maintenance.TaskStateFile = filepath.Join(dir, "tasks.json")

	path := filepath.Join(dir, "pacer.conf")
	if err := config.SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	return path
}

// TestCommandMetadata checks every subcommand is wired with usage text
func TestCommandMetadata(t *testing.T) {
	root := NewRootCmd()
	AddCommands(root)

	for _, name := range []string{"config", "maintenance", "probe", "watch"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatalf("Find(%q) error = %v", name, err)
		}
		if cmd.Use != name {
			t.Errorf("Expected Use=%q, got %q", name, cmd.Use)
		}
		if cmd.Short == "" {
			t.Errorf("%s: Short description is empty", name)
		}
	}
}

// TestConfigPathCommand tests that 'config path' echoes --config
func TestConfigPathCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.conf")

	out, err := executeCommand(t, "--session-log=false", "--config", path, "config", "path")
	if err != nil {
		t.Fatalf("config path error = %v", err)
	}
	if strings.TrimSpace(out) != path {
		t.Errorf("Expected %q, got %q", path, out)
	}
}

// TestConfigInitAndShow tests writing defaults and reading them back
func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pacer.conf")

	out, err := executeCommand(t, "--session-log=false", "--config", path, "config", "init")
	if err != nil {
		t.Fatalf("config init error = %v", err)
	}
	if !strings.Contains(out, "Configuration saved to") {
		t.Errorf("Unexpected init output: %q", out)
	}

	out, err = executeCommand(t, "--session-log=false", "--config", path, "config", "init")
	if err != nil {
		t.Fatalf("second config init error = %v", err)
	}
	if !strings.Contains(out, "already exists") {
		t.Errorf("Expected existing config to be kept, got %q", out)
	}

	out, err = executeCommand(t, "--session-log=false", "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	for _, want := range []string{"[throttle]", "interval_ms      = 600", "[maintenance]", "frequency                    = daily", "last_run                     = never"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show output missing %q:\n%s", want, out)
		}
	}
}

// TestConfigShowRejectsInvalidFile tests that a bad value fails loudly
func TestConfigShowRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	cfg.Throttle.IntervalMs = 0
	// SaveConfig does not validate, so the broken value reaches disk.
	if err := config.SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	if _, err := executeCommand(t, "--session-log=false", "--config", path, "config", "show"); err == nil {
		t.Error("Expected error for interval_ms = 0")
	}
}

// TestConfigShowMasksProxyPassword tests the [proxy] section output
func TestConfigShowMasksProxyPassword(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewConfig()
	cfg.Maintenance.LogDir = filepath.Join(dir, "logs")
	cfg.Maintenance.TaskStateFile = filepath.Join(dir, "tasks.json")
	cfg.Proxy = config.ProxyConfig{Mode: config.ProxyModeBasic, Host: "proxy.corp", Port: 3128, User: "alice", Password: "s3cret"}
	path := filepath.Join(dir, "pacer.conf")
	if err := config.SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	out, err := executeCommand(t, "--session-log=false", "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	for _, want := range []string{"[proxy]", "mode     = basic", "host     = proxy.corp", "port     = 3128", "password = ********"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "s3cret") {
		t.Error("config show printed the proxy password")
	}
}

// TestMaintenanceRunForcedPersistsLastRun tests a forced run end to end
func TestMaintenanceRunForcedPersistsLastRun(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	out, err := executeCommand(t, "--session-log=false", "--config", path, "maintenance", "run", "--force")
	if err != nil {
		t.Fatalf("maintenance run error = %v", err)
	}
	if !strings.Contains(out, "succeeded") {
		t.Errorf("Expected succeeded summary, got %q", out)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !cfg.Maintenance.HasRun() {
		t.Error("Expected last_run to be persisted")
	}

	out, err = executeCommand(t, "--session-log=false", "--config", path, "maintenance", "run")
	if err != nil {
		t.Fatalf("second maintenance run error = %v", err)
	}
	if !strings.Contains(out, "skipped") {
		t.Errorf("Expected second run to be skipped, got %q", out)
	}
}

// TestMaintenanceStatus tests the status report before any run
func TestMaintenanceStatus(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	out, err := executeCommand(t, "--session-log=false", "--config", path, "maintenance", "status")
	if err != nil {
		t.Fatalf("maintenance status error = %v", err)
	}
	for _, want := range []string{"Frequency:  daily", "Last run:   never", "Due now:    true", "Tasks:      0 registered"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

// TestProbeRequiresURL tests flag validation
func TestProbeRequiresURL(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	_, err := executeCommand(t, "--session-log=false", "--config", path, "probe")
	if err == nil || !strings.Contains(err.Error(), "--url") {
		t.Errorf("Expected --url error, got %v", err)
	}
}

func newProbeEngine(t *testing.T) *core.Engine {
	t.Helper()

	dir := t.TempDir()
	cfg := config.NewConfig()
	cfg.Throttle.IntervalMs = 1
	cfg.Throttle.RetryDelayMs = 1
	cfg.Maintenance.LogDir = filepath.Join(dir, "logs")
	cfg.Maintenance.TaskStateFile = filepath.Join(dir, "tasks.json")

	engine, err := core.NewEngine(cfg, core.Deps{})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine
}

// TestRunProbe tests the worker pool against a healthy endpoint
func TestRunProbe(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
	}))
	defer server.Close()

	engine := newProbeEngine(t)
	client, err := api.NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	summary := runProbe(context.Background(), engine, client.Operation("GET", "/", nil), 5, 2, progress.NewNoOpProgress())
	if summary.succeeded != 5 {
		t.Errorf("Expected 5 successes, got %d", summary.succeeded)
	}
	if summary.failed() != 0 {
		t.Errorf("Expected no failures, got %d", summary.failed())
	}
	if got := engine.Gate().Stats().Admissions; got != 5 {
		t.Errorf("Expected 5 admissions, got %d", got)
	}

	var out bytes.Buffer
	summary.print(&out, engine.Gate().Stats())
	if !strings.Contains(out.String(), "5 succeeded") {
		t.Errorf("Unexpected summary: %q", out.String())
	}
}

// TestRunProbeFatal tests that client errors are counted as fatal
func TestRunProbeFatal(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.Error(w, "missing", nethttp.StatusNotFound)
	}))
	defer server.Close()

	engine := newProbeEngine(t)
	client, err := api.NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	summary := runProbe(context.Background(), engine, client.Operation("GET", "/", nil), 3, 1, progress.NewNoOpProgress())
	if summary.fatal != 3 {
		t.Errorf("Expected 3 fatal failures, got %d", summary.fatal)
	}
	if len(summary.firstFailureReasons) != 3 {
		t.Errorf("Expected 3 recorded reasons, got %d", len(summary.firstFailureReasons))
	}
}

// TestProbeSummaryRecord tests outcome classification
func TestProbeSummaryRecord(t *testing.T) {
	s := &probeSummary{}
	s.record(nil)
	s.record(context.Canceled)
	s.record(&retry.OperationError{Outcome: retry.OutcomeRateLimited, Attempts: 3, Err: retry.ErrRateLimited})
	s.record(errors.New("boom"))

	if s.succeeded != 1 || s.cancelled != 1 || s.rateLimitExhausted != 1 || s.fatal != 1 {
		t.Errorf("Unexpected counts: %+v", s)
	}
	if s.failed() != 2 {
		t.Errorf("Expected 2 failures, got %d", s.failed())
	}
}

// TestFormatTime tests the zero-time placeholder
func TestFormatTime(t *testing.T) {
	if got := formatTime(config.MaintenanceConfig{}.LastRun); got != "never" {
		t.Errorf("Expected 'never', got %q", got)
	}
}

// countingReporter records how far a batch advanced.
type countingReporter struct {
	mu       sync.Mutex
	total    int64
	done     int64
	finished bool
}

func (r *countingReporter) Start(total int64, description string) { r.total = total }

func (r *countingReporter) SetDescription(desc string) {}

func (r *countingReporter) Add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done += n
}

func (r *countingReporter) Finish() { r.finished = true }

// TestRunProbeReportsProgress tests that every request advances the reporter
func TestRunProbeReportsProgress(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
	}))
	defer server.Close()

	engine := newProbeEngine(t)
	client, err := api.NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	reporter := &countingReporter{}
	runProbe(context.Background(), engine, client.Operation("GET", "/", nil), 4, 2, reporter)

	if reporter.total != 4 || reporter.done != 4 || !reporter.finished {
		t.Errorf("Unexpected progress: total=%d done=%d finished=%t", reporter.total, reporter.done, reporter.finished)
	}
}

// TestProbeDescription tests the cooldown label
func TestProbeDescription(t *testing.T) {
	if got := probeDescription(0); got != "requests" {
		t.Errorf("Expected 'requests', got %q", got)
	}
	if got := probeDescription(29600 * time.Millisecond); got != "cooling down 30s" {
		t.Errorf("Expected 'cooling down 30s', got %q", got)
	}
}
