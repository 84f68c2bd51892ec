// Package state records the lifecycle of experiment runs on disk
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/types"
	"github.com/poltergeist/crater/pkg/utils"
)

// DefaultStaleAfter is how old a heartbeat may get before the run holding
// an experiment is presumed dead
const DefaultStaleAfter = 2 * time.Minute

// RunStatus is the lifecycle stage of a run
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusFinished    RunStatus = "finished"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
)

// RunState is the persisted record of the latest run of an experiment
type RunState struct {
	Experiment string     `json:"experiment"`
	Status     RunStatus  `json:"status"`
	RunID      string     `json:"runId,omitempty"`
	ProcessID  int        `json:"processId"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Heartbeat  time.Time  `json:"heartbeat"`
	Done       int        `json:"done"`
	Total      int        `json:"total"`
	LastError  string     `json:"lastError,omitempty"`
}

// Manager guards experiments against concurrent runs and keeps their
// run records current
type Manager struct {
	dirs       config.Dirs
	logger     logger.Logger
	staleAfter time.Duration
	alive      func(pid int) bool
	mu         sync.Mutex
}

// NewManager creates a new run state manager
func NewManager(dirs config.Dirs, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		dirs:       dirs,
		logger:     log,
		staleAfter: DefaultStaleAfter,
		alive:      processAlive,
	}
}

// Begin claims the experiment for this process. It fails with
// ErrRunInProgress while another live run holds it.
func (m *Manager) Begin(name, runID string, total int) (*RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.load(name)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		m.logger.Warn("ignoring unreadable run state", logger.WithField("experiment", name), logger.WithError(err))
	}
	if current != nil && m.holds(name, current) {
		return nil, fmt.Errorf("%w: %s is being run by process %d since %s",
			types.ErrRunInProgress, name, current.ProcessID, current.StartedAt.Format(time.RFC3339))
	}

	now := time.Now()
	st := &RunState{
		Experiment: name,
		Status:     RunStatusRunning,
		RunID:      runID,
		ProcessID:  os.Getpid(),
		StartedAt:  now,
		Heartbeat:  now,
		Total:      total,
	}
	if err := m.save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Heartbeat refreshes the liveness and progress of a running experiment
func (m *Manager) Heartbeat(name string, done, total int) error {
	return m.update(name, func(st *RunState) {
		st.Heartbeat = time.Now()
		st.Done = done
		st.Total = total
	})
}

// Finish records the final status of a run and releases the experiment
func (m *Manager) Finish(name string, status RunStatus, runErr error) error {
	return m.update(name, func(st *RunState) {
		now := time.Now()
		st.Status = status
		st.Heartbeat = now
		st.FinishedAt = &now
		if runErr != nil {
			st.LastError = runErr.Error()
		}
	})
}

// Read returns the run record of an experiment; ErrNotFound if it never ran
func (m *Manager) Read(name string) (*RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(name)
}

// IsLocked reports whether a live run holds the experiment
func (m *Manager) IsLocked(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(name)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.holds(name, st), nil
}

// StatusForError maps the result of a run to the status it is recorded with
func StatusForError(err error) RunStatus {
	switch {
	case err == nil:
		return RunStatusFinished
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RunStatusInterrupted
	default:
		return RunStatusFailed
	}
}

// Private methods

// holds applies the liveness rules. A record copied from another
// experiment never holds this one.
func (m *Manager) holds(name string, st *RunState) bool {
	if st.Experiment != name || st.Status != RunStatusRunning {
		return false
	}
	if time.Since(st.Heartbeat) > m.staleAfter {
		return false
	}
	return m.alive(st.ProcessID)
}

func (m *Manager) update(name string, apply func(st *RunState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(name)
	if err != nil {
		return err
	}
	if st.ProcessID != os.Getpid() {
		return fmt.Errorf("%w: run state of %s belongs to process %d", types.ErrRunInProgress, name, st.ProcessID)
	}

	apply(st)
	return m.save(st)
}

func (m *Manager) load(name string) (*RunState, error) {
	path := m.dirs.RunStateFile(name)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no run recorded for %s", types.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: failed to read %s: %v", types.ErrFilesystem, path, err)
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", types.ErrCorruptState, path, err)
	}
	return &st, nil
}

func (m *Manager) save(st *RunState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	if err := utils.WriteFileAtomic(m.dirs.RunStateFile(st.Experiment), data); err != nil {
		return fmt.Errorf("%w: failed to write run state of %s: %v", types.ErrStorage, st.Experiment, err)
	}
	return nil
}

// processAlive sends signal 0, which checks for existence without delivering anything
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
