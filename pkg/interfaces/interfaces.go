// Package interfaces provides the collaborator abstractions the experiment
// core is written against
package interfaces

import (
	"context"

	"github.com/poltergeist/crater/pkg/types"
)

// CorpusSource provides the universe of known packages
type CorpusSource interface {
	ReadAllPackages() ([]types.Package, error)
	ReadPopularityRanked() ([]types.Package, error)
}

// VersionControlMirror maintains local repository mirrors
type VersionControlMirror interface {
	ShallowCloneOrPull(ctx context.Context, url string, localDir string) error
	// ResolveHead returns the raw output of the head query run in localDir
	ResolveHead(ctx context.Context, localDir string) (string, error)
}

// ResultSink durably records SHAs and task outcomes
type ResultSink interface {
	RecordSha(ex *types.Experiment, repo types.RepoPackage, sha string) error
	RecordTaskOutcome(ex *types.Experiment, tc types.Toolchain, pkg types.Package, outcome types.TaskOutcome) error
}

// LockState tells the build tool whether it may rewrite the lock file
type LockState int

const (
	Unlocked LockState = iota
	Locked
)

// BuildToolRequest describes one build tool invocation
type BuildToolRequest struct {
	Experiment    *types.Experiment
	Toolchain     types.Toolchain
	Dir           string
	Args          []string
	Lock          LockState
	AllowNetwork  bool
	CaptureOutput bool
}

// ToolchainRuntime installs toolchains and runs the build tool.
// A non-zero exit from the tool must be reported as an error wrapping
// types.ErrBuildTool; any other error is treated as infrastructure failure.
type ToolchainRuntime interface {
	Prepare(ctx context.Context, tc types.Toolchain) error
	RunBuildTool(ctx context.Context, req BuildToolRequest) (*types.BuildOutput, error)
}

// ManifestPatcher rewrites registry package manifests so they build
// outside of their original workspace
type ManifestPatcher interface {
	Patch(sourceDir string, pkg types.RegistryPackage) error
}

// SourceProvider populates the canonical source directory of a package
type SourceProvider interface {
	Populate(ctx context.Context, pkg types.Package, dest string) error
}

// LockfilePolicy decides whether existing lock files are regenerated
type LockfilePolicy interface {
	ShouldUpdateLockfile(pkg types.Package) bool
}
