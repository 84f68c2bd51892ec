package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for experiment operations.
// Callers check them with errors.Is; every error returned by the core wraps one.
var (
	// ErrConfig indicates an invalid experiment definition
	ErrConfig = errors.New("invalid experiment configuration")

	// ErrNotFound indicates a missing experiment or a missing required file
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a destination experiment is already defined
	ErrAlreadyExists = errors.New("already exists")

	// ErrCorruptState indicates a persisted record that cannot be decoded
	ErrCorruptState = errors.New("corrupt experiment state")

	// ErrStorage indicates a failure persisting experiment or result data
	ErrStorage = errors.New("storage failure")

	// ErrCorpusConsistency indicates the curated demo list and the corpus diverged
	ErrCorpusConsistency = errors.New("corpus consistency violation")

	// ErrMirrorFetch indicates a failed mirror clone or update; never fatal
	ErrMirrorFetch = errors.New("mirror fetch failed")

	// ErrShaCapture indicates the commit of a mirror could not be resolved
	ErrShaCapture = errors.New("sha capture failed")

	// ErrBuildTool indicates the build tool ran and exited unsuccessfully
	ErrBuildTool = errors.New("build tool failed")

	// ErrFilesystem indicates a copy, create or remove failure
	ErrFilesystem = errors.New("filesystem operation failed")

	// ErrToolchainPrepare indicates a toolchain could not be installed
	ErrToolchainPrepare = errors.New("toolchain preparation failed")

	// ErrRunInProgress indicates that another live process is running the experiment
	ErrRunInProgress = errors.New("run in progress")
)

// ShaCaptureError names the mirror directory whose commit could not be resolved
type ShaCaptureError struct {
	Dir    string
	Reason string
	Err    error
}

func (e *ShaCaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to capture sha for %s: %s: %v", e.Dir, e.Reason, e.Err)
	}
	return fmt.Sprintf("unable to capture sha for %s: %s", e.Dir, e.Reason)
}

// Is makes errors.Is(err, ErrShaCapture) hold
func (e *ShaCaptureError) Is(target error) bool {
	return target == ErrShaCapture
}

func (e *ShaCaptureError) Unwrap() error {
	return e.Err
}

// BuildToolError carries the captured output of a failed build tool run
type BuildToolError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *BuildToolError) Error() string {
	return fmt.Sprintf("build tool %v exited with status %d", e.Args, e.ExitCode)
}

// Is makes errors.Is(err, ErrBuildTool) hold
func (e *BuildToolError) Is(target error) bool {
	return target == ErrBuildTool
}
