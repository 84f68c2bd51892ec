// Package engine drives the (toolchain, package) task grid of an experiment.
//
// A run prepares both toolchains, syncs repo mirrors, then works in two
// phases on a bounded worker pool: first every package gets its canonical
// sources patched and locked, then every task fetches dependencies and runs
// the mode command in a disposable working copy. Outcomes flow to a single
// recorder goroutine, which is the only writer to the result sink.
package engine

import (
	"context"
	"time"

	"github.com/poltergeist/crater/pkg/interfaces"
	"github.com/poltergeist/crater/pkg/types"
)

// LockManager captures lock files and prefetches dependencies
type LockManager interface {
	CaptureLockfile(ctx context.Context, ex *types.Experiment, tc types.Toolchain, pkg types.Package) error
	FetchDeps(ctx context.Context, ex *types.Experiment, tc types.Toolchain, pkg types.Package) error
	ShareLockfile(ex *types.Experiment, from, to types.Toolchain, pkg types.Package) error
}

// Isolator runs an action in canonical source or a working copy
type Isolator interface {
	WithWorkingCopy(ex *types.Experiment, tc types.Toolchain, pkg types.Package, allowSourceMutation bool, action func(dir string) error) error
}

// MirrorSyncer updates repo mirrors and pins their commits
type MirrorSyncer interface {
	FetchRepoCrates(ctx context.Context, ex *types.Experiment) int
	CaptureShas(ctx context.Context, ex *types.Experiment, pkgs []types.Package, sink interfaces.ResultSink) error
}

// RunNotifier is told about run boundaries
type RunNotifier interface {
	NotifyRunStart(experiment string, tasks int)
	NotifyRunFinished(experiment string, counts map[types.OutcomeStatus]int, elapsed time.Duration)
	NotifyRunFailed(experiment string, err error)
}

// Dependencies are the collaborators of the engine. Notifier is optional.
type Dependencies struct {
	Runtime  interfaces.ToolchainRuntime
	Sources  interfaces.SourceProvider
	Patcher  interfaces.ManifestPatcher
	Locks    LockManager
	Isolator Isolator
	Mirror   MirrorSyncer
	Sink     interfaces.ResultSink
	Notifier RunNotifier
}
