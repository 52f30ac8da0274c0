// Package logcleanup enforces retention on session log files.
//
// Each process writes one session log, named
// rescale-pacer-YYYYMMDD-HHMMSS.log. Rotated backups keep that prefix with
// a timestamp suffix and may be gzip compressed. Nothing that does not match
// the naming pattern is ever touched.
package logcleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/rescale-pacer/internal/clock"
)

// SessionPrefix starts every session log file name.
const SessionPrefix = "rescale-pacer-"

const sessionTimeLayout = "20060102-150405"

var sessionPattern = regexp.MustCompile(`^rescale-pacer-(\d{8}-\d{6})(-[0-9T.:-]+)?\.log(\.gz)?$`)

// SessionFileName returns the session log name for a process started at t.
func SessionFileName(t time.Time) string {
	return SessionPrefix + t.Format(sessionTimeLayout) + ".log"
}

// IsSessionFile reports whether name is a session log or one of its backups.
func IsSessionFile(name string) bool {
	return sessionPattern.MatchString(name)
}

// Report summarises one cleanup pass.
type Report struct {
	Scanned        int
	DeletedExpired int
	DeletedExcess  int
	Kept           int
}

// Cleaner deletes session logs in one directory.
type Cleaner struct {
	dir     string
	current string
	clock   clock.Clock
	logger  zerolog.Logger
}

// Option customises a Cleaner.
type Option func(*Cleaner)

// WithCurrentFile protects the file the running process is writing.
func WithCurrentFile(path string) Option {
	return func(c *Cleaner) { c.current = path }
}

// WithClock sets the clock. Defaults to the wall clock.
func WithClock(cl clock.Clock) Option {
	return func(c *Cleaner) { c.clock = cl }
}

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cleaner) { c.logger = l }
}

// New creates a cleaner for dir.
func New(dir string, opts ...Option) *Cleaner {
	c := &Cleaner{
		dir:    dir,
		clock:  clock.New(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "logcleanup").Logger()
	return c
}

// RunLogCleanup implements the maintenance log cleanup step.
func (c *Cleaner) RunLogCleanup(ctx context.Context, retentionDays, maxSessionFilesPerDay int) error {
	report, err := c.Clean(ctx, retentionDays, maxSessionFilesPerDay)
	c.logger.Info().
		Int("scanned", report.Scanned).
		Int("deleted_expired", report.DeletedExpired).
		Int("deleted_excess", report.DeletedExcess).
		Msg("log cleanup finished")
	return err
}

type sessionFile struct {
	path    string
	modTime time.Time
}

// Clean deletes session logs modified more than retentionDays calendar days
// before today (0 disables the age check), then keeps at most maxSessionFilesPerDay newest files per
// calendar day of modification (0 means unlimited). Individual deletion
// failures are collected and returned together; the pass continues past them.
func (c *Cleaner) Clean(ctx context.Context, retentionDays, maxSessionFilesPerDay int) (Report, error) {
	var report Report

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, nil
		}
		return report, fmt.Errorf("failed to read log directory: %w", err)
	}

	now := c.clock.Now()
	var errs []error
	byDay := make(map[string][]sessionFile)

	for _, entry := range entries {
		if entry.IsDir() || !IsSessionFile(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		report.Scanned++

		f := sessionFile{path: filepath.Join(c.dir, entry.Name()), modTime: info.ModTime()}
		if c.isCurrent(f.path) {
			report.Kept++
			continue
		}

		if retentionDays > 0 && daysBetween(f.modTime, now) > retentionDays {
			if err := c.remove(f.path); err != nil {
				errs = append(errs, err)
				continue
			}
			report.DeletedExpired++
			continue
		}

		day := f.modTime.In(now.Location()).Format("2006-01-02")
		byDay[day] = append(byDay[day], f)
	}

	for _, files := range byDay {
		if maxSessionFilesPerDay <= 0 || len(files) <= maxSessionFilesPerDay {
			report.Kept += len(files)
			continue
		}

		sort.Slice(files, func(i, j int) bool {
			return files[i].modTime.After(files[j].modTime)
		})

		report.Kept += maxSessionFilesPerDay
		for _, f := range files[maxSessionFilesPerDay:] {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := c.remove(f.path); err != nil {
				errs = append(errs, err)
				continue
			}
			report.DeletedExcess++
		}
	}

	return report, errors.Join(errs...)
}

func (c *Cleaner) isCurrent(path string) bool {
	if c.current == "" {
		return false
	}
	a, errA := filepath.Abs(path)
	b, errB := filepath.Abs(c.current)
	return errA == nil && errB == nil && a == b
}

func (c *Cleaner) remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn().Err(err).Str("file", filepath.Base(path)).Msg("failed to delete session log")
		return fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err)
	}
	c.logger.Debug().Str("file", filepath.Base(path)).Msg("deleted session log")
	return nil
}

// daysBetween counts calendar days from mod to now in now's location.
func daysBetween(mod, now time.Time) int {
	my, mm, md := mod.In(now.Location()).Date()
	ny, nm, nd := now.Date()
	a := time.Date(my, mm, md, 0, 0, 0, 0, time.UTC)
	b := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
