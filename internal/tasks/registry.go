// Package tasks tracks background tasks in a JSON state file so that tasks
// left behind by crashed processes can be found and removed.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rescale/rescale-pacer/internal/clock"
)

const stateVersion = "1"

// ErrTaskNotFound is returned when a task ID is not in the registry.
var ErrTaskNotFound = errors.New("task not found")

// Task is one registered background task.
type Task struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// stateFile is the on-disk format.
type stateFile struct {
	Version string           `json:"version"`
	Tasks   map[string]*Task `json:"tasks"`
}

// Registry reads and writes the task state file. Every operation loads the
// file, applies its change and saves atomically.
type Registry struct {
	mu         sync.Mutex
	path       string
	staleAfter time.Duration
	clock      clock.Clock
	alive      func(pid int) bool
	logger     zerolog.Logger
}

// Option customises a Registry.
type Option func(*Registry)

// WithStaleAfter sets how long a task may go without a heartbeat before it is
// orphaned. Defaults to 24 hours.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) { r.staleAfter = d }
}

// WithClock sets the clock. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// withLiveness replaces the process liveness probe (tests only).
func withLiveness(fn func(pid int) bool) Option {
	return func(r *Registry) { r.alive = fn }
}

// NewRegistry creates a registry backed by path.
func NewRegistry(path string, opts ...Option) *Registry {
	r := &Registry{
		path:       path,
		staleAfter: 24 * time.Hour,
		clock:      clock.New(),
		alive:      processAlive,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "tasks").Logger()
	return r
}

// Path returns the state file location.
func (r *Registry) Path() string {
	return r.path
}

// Register records a new task owned by the current process.
func (r *Registry) Register(kind, description string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load()
	if err != nil {
		return Task{}, err
	}

	now := r.clock.Now()
	task := &Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		PID:         os.Getpid(),
		StartedAt:   now,
		HeartbeatAt: now,
	}
	state.Tasks[task.ID] = task

	if err := r.save(state); err != nil {
		return Task{}, err
	}
	return *task, nil
}

// Heartbeat marks a task as still active.
func (r *Registry) Heartbeat(id string) error {
	return r.update(func(state *stateFile) error {
		task, ok := state.Tasks[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		task.HeartbeatAt = r.clock.Now()
		return nil
	})
}

// Complete removes a finished task.
func (r *Registry) Complete(id string) error {
	return r.update(func(state *stateFile) error {
		if _, ok := state.Tasks[id]; !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		delete(state.Tasks, id)
		return nil
	})
}

// List returns all registered tasks, oldest first.
func (r *Registry) List() ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load()
	if err != nil {
		return nil, err
	}
	return sortedTasks(state.Tasks), nil
}

// CleanupOrphanedTasks removes tasks whose process is gone or whose heartbeat
// is older than the stale threshold. It returns the removed tasks.
func (r *Registry) CleanupOrphanedTasks(ctx context.Context) ([]Task, error) {
	var removed []Task

	err := r.update(func(state *stateFile) error {
		now := r.clock.Now()
		for _, task := range sortedTasks(state.Tasks) {
			if err := ctx.Err(); err != nil {
				return err
			}

			reason := ""
			switch {
			case !r.alive(task.PID):
				reason = "process not running"
			case now.Sub(task.HeartbeatAt) > r.staleAfter:
				reason = "heartbeat stale"
			default:
				continue
			}

			delete(state.Tasks, task.ID)
			removed = append(removed, task)
			r.logger.Info().
				Str("task_id", task.ID).
				Str("kind", task.Kind).
				Int("pid", task.PID).
				Str("reason", reason).
				Msg("removed orphaned task")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// RunOrphanedTaskCleanup implements the maintenance orphaned task step.
func (r *Registry) RunOrphanedTaskCleanup(ctx context.Context) error {
	removed, err := r.CleanupOrphanedTasks(ctx)
	if err != nil {
		return err
	}
	r.logger.Info().Int("removed", len(removed)).Msg("orphaned task cleanup finished")
	return nil
}

func (r *Registry) update(fn func(*stateFile) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return r.save(state)
}

// load reads the state file. A missing file is an empty registry.
func (r *Registry) load() (*stateFile, error) {
	state := &stateFile{Version: stateVersion, Tasks: make(map[string]*Task)}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, fmt.Errorf("failed to read task state file: %w", err)
	}

	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse task state file: %w", err)
	}

	if state.Tasks == nil {
		state.Tasks = make(map[string]*Task)
	}
	return state, nil
}

// save writes the state file atomically.
func (r *Registry) save(state *stateFile) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task state directory: %w", err)
	}

	state.Version = stateVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task state: %w", err)
	}

	// Write to temp file first, then rename for atomicity
	tmpFile := r.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write task state file: %w", err)
	}

	if err := os.Rename(tmpFile, r.path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename task state file: %w", err)
	}

	return nil
}

func sortedTasks(m map[string]*Task) []Task {
	tasks := make([]Task, 0, len(m))
	for _, t := range m {
		tasks = append(tasks, *t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
	return tasks
}
