// Package lockfile captures and shares dependency lock files
package lockfile

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/interfaces"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/types"
	"github.com/poltergeist/crater/pkg/utils"
)

// FileName is the lock file written by the build tool
const FileName = "Cargo.lock"

// Isolator runs an action in canonical source or a working copy
type Isolator interface {
	WithWorkingCopy(ex *types.Experiment, tc types.Toolchain, pkg types.Package, allowSourceMutation bool, action func(dir string) error) error
}

// Manager generates lock files and prefetches locked dependencies
type Manager struct {
	policy  interfaces.LockfilePolicy
	iso     Isolator
	runtime interfaces.ToolchainRuntime
	dirs    config.Dirs
	logger  logger.Logger
}

// NewManager creates a lock file manager
func NewManager(
	policy interfaces.LockfilePolicy,
	iso Isolator,
	runtime interfaces.ToolchainRuntime,
	dirs config.Dirs,
	log logger.Logger,
) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		policy:  policy,
		iso:     iso,
		runtime: runtime,
		dirs:    dirs,
		logger:  log,
	}
}

// Path is the canonical lock file of a package for a toolchain
func (m *Manager) Path(ex *types.Experiment, tc types.Toolchain, pkg types.Package) string {
	return filepath.Join(m.dirs.SourceDir(ex.Name, tc, pkg), FileName)
}

// CaptureLockfile makes sure the canonical source carries a lock file.
// An existing lock is kept unless the policy asks for regeneration.
func (m *Manager) CaptureLockfile(ctx context.Context, ex *types.Experiment, tc types.Toolchain, pkg types.Package) error {
	if utils.FileExists(m.Path(ex, tc, pkg)) && !m.policy.ShouldUpdateLockfile(pkg) {
		m.logger.Debug("keeping existing lockfile", logger.WithField("package", pkg.String()))
		return nil
	}

	err := m.iso.WithWorkingCopy(ex, tc, pkg, true, func(dir string) error {
		_, err := m.runtime.RunBuildTool(ctx, interfaces.BuildToolRequest{
			Experiment:    ex,
			Toolchain:     tc,
			Dir:           dir,
			Args:          []string{"generate-lockfile", "--manifest-path", "Cargo.toml", "-Zno-index-update"},
			Lock:          interfaces.Unlocked,
			AllowNetwork:  false,
			CaptureOutput: true,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("unable to generate lockfile for %s: %w", pkg, err)
	}

	return nil
}

// FetchDeps downloads the locked dependencies of a package in a working copy
func (m *Manager) FetchDeps(ctx context.Context, ex *types.Experiment, tc types.Toolchain, pkg types.Package) error {
	err := m.iso.WithWorkingCopy(ex, tc, pkg, false, func(dir string) error {
		_, err := m.runtime.RunBuildTool(ctx, interfaces.BuildToolRequest{
			Experiment:    ex,
			Toolchain:     tc,
			Dir:           dir,
			Args:          []string{"fetch", "--manifest-path", "Cargo.toml"},
			Lock:          interfaces.Locked,
			AllowNetwork:  true,
			CaptureOutput: true,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("unable to fetch dependencies of %s: %w", pkg, err)
	}

	return nil
}

// ShareLockfile copies the lock file captured for one toolchain into the
// canonical source of another
func (m *Manager) ShareLockfile(ex *types.Experiment, from, to types.Toolchain, pkg types.Package) error {
	src := m.Path(ex, from, pkg)
	if !utils.FileExists(src) {
		return fmt.Errorf("%w: lockfile of %s for %s", types.ErrNotFound, pkg, from)
	}

	if err := utils.CopyFile(src, m.Path(ex, to, pkg)); err != nil {
		return fmt.Errorf("%w: failed to share lockfile of %s: %v", types.ErrFilesystem, pkg, err)
	}
	return nil
}
