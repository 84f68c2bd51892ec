// Package workdir hands out disposable working copies of canonical sources
package workdir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/types"
	"github.com/poltergeist/crater/pkg/utils"
)

// Isolator runs actions against canonical sources or throwaway copies of them
type Isolator struct {
	dirs   config.Dirs
	logger logger.Logger
}

// NewIsolator creates an isolator over the given directory layout
func NewIsolator(dirs config.Dirs, log logger.Logger) *Isolator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Isolator{dirs: dirs, logger: log}
}

// WithWorkingCopy runs action for one (toolchain, package) pair.
//
// With allowSourceMutation the action runs in the canonical source directory
// and its writes persist. Otherwise it runs in a fresh copy that is removed
// before WithWorkingCopy returns, also when the action fails or panics.
func (i *Isolator) WithWorkingCopy(
	ex *types.Experiment,
	tc types.Toolchain,
	pkg types.Package,
	allowSourceMutation bool,
	action func(dir string) error,
) (err error) {
	source := i.dirs.SourceDir(ex.Name, tc, pkg)

	if allowSourceMutation {
		return action(source)
	}

	dir := i.dirs.WorkDirPrefix(ex.Name, tc, pkg) + "-" + uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("%w: failed to create work root for %s: %v", types.ErrFilesystem, pkg, err)
	}

	defer func() {
		rmErr := utils.RemoveAll(dir)
		if rmErr == nil {
			return
		}
		i.logger.Warn("failed to remove working copy",
			logger.WithField("dir", dir),
			logger.WithError(rmErr))
		if err == nil {
			err = fmt.Errorf("%w: failed to remove working copy %s: %v", types.ErrFilesystem, dir, rmErr)
		}
	}()

	if err := utils.CopyDirectory(source, dir); err != nil {
		return fmt.Errorf("%w: failed to copy %s into working copy: %v", types.ErrFilesystem, pkg, err)
	}

	i.logger.Debug("created working copy",
		logger.WithField("package", pkg.String()),
		logger.WithField("toolchain", tc.String()))

	return action(dir)
}
