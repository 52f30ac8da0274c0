// Package progress reports the progress of a counted batch of work on the
// terminal.
package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Reporter is the interface for reporting batch progress.
type Reporter interface {
	Start(total int64, description string)
	Add(n int64)
	SetDescription(desc string)
	Finish()
}

// ForWriter returns a progress bar on out when out is a terminal, and a
// no-op reporter otherwise so that redirected output stays clean.
func ForWriter(out io.Writer) Reporter {
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return NewCLIProgress(out)
	}
	return NewNoOpProgress()
}

// CLIProgress implements Reporter with a single progress bar.
type CLIProgress struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

// NewCLIProgress creates a CLI reporter writing to out.
func NewCLIProgress(out io.Writer) *CLIProgress {
	return &CLIProgress{out: out}
}

// Start initializes the bar with the number of items and a description.
func (p *CLIProgress) Start(total int64, description string) {
	out := p.out
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("req"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(out, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add advances the bar by n items.
func (p *CLIProgress) Add(n int64) {
	if p.bar != nil {
		_ = p.bar.Add64(n)
	}
}

// SetDescription updates the bar description.
func (p *CLIProgress) SetDescription(desc string) {
	if p.bar != nil {
		p.bar.Describe(desc)
	}
}

// Finish completes the bar.
func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// NoOpProgress is a reporter that does nothing (non-terminal output, tests).
type NoOpProgress struct{}

// NewNoOpProgress creates a new no-op reporter.
func NewNoOpProgress() *NoOpProgress {
	return &NoOpProgress{}
}

// Start does nothing.
func (p *NoOpProgress) Start(total int64, description string) {}

// Add does nothing.
func (p *NoOpProgress) Add(n int64) {}

// SetDescription does nothing.
func (p *NoOpProgress) SetDescription(desc string) {}

// Finish does nothing.
func (p *NoOpProgress) Finish() {}
