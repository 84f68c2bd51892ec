// Package types provides core types for crater experiments
package types

import (
	"fmt"
	"time"
)

// Mode represents what is run for every task of an experiment
type Mode string

const (
	ModeBuildAndTest     Mode = "build-and-test"
	ModeBuildOnly        Mode = "build-only"
	ModeCheckOnly        Mode = "check-only"
	ModeUnstableFeatures Mode = "unstable-features"
)

// CapLints represents the lint cap passed to the compiler
type CapLints string

const (
	CapLintsAllow  CapLints = "allow"
	CapLintsWarn   CapLints = "warn"
	CapLintsDeny   CapLints = "deny"
	CapLintsForbid CapLints = "forbid"
)

// CrateSelect represents how the package list of an experiment is chosen
type CrateSelect string

const (
	CrateSelectFull        CrateSelect = "full"
	CrateSelectDemo        CrateSelect = "demo"
	CrateSelectSmallRandom CrateSelect = "small-random"
	CrateSelectTop100      CrateSelect = "top-100"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ParseMode parses a mode from its string form
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeBuildAndTest, ModeBuildOnly, ModeCheckOnly, ModeUnstableFeatures:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrConfig, s)
}

// ParseCapLints parses a lint cap from its string form
func ParseCapLints(s string) (CapLints, error) {
	switch c := CapLints(s); c {
	case CapLintsAllow, CapLintsWarn, CapLintsDeny, CapLintsForbid:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown cap-lints value %q", ErrConfig, s)
}

// ParseCrateSelect parses a corpus selection mode from its string form
func ParseCrateSelect(s string) (CrateSelect, error) {
	switch c := CrateSelect(s); c {
	case CrateSelectFull, CrateSelectDemo, CrateSelectSmallRandom, CrateSelectTop100:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown crate selection %q", ErrConfig, s)
}

// OutcomeStatus represents the recorded result of one task
type OutcomeStatus string

const (
	OutcomeTestPass  OutcomeStatus = "test-pass"
	OutcomeBuildFail OutcomeStatus = "build-fail"
	OutcomeTestFail  OutcomeStatus = "test-fail"
	OutcomeError     OutcomeStatus = "error"
)

// IsSuccess reports whether the status counts as a passing task
func (s OutcomeStatus) IsSuccess() bool {
	return s == OutcomeTestPass
}

// TaskOutcome is what gets reported to the result sink for a task
type TaskOutcome struct {
	Status   OutcomeStatus `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// BuildOutput is the captured result of one build tool invocation
type BuildOutput struct {
	Output   string
	ExitCode int
}
