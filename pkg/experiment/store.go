// Package experiment persists experiment records and their directory trees
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/types"
	"github.com/poltergeist/crater/pkg/utils"
)

// PackageSelector resolves a crate selection into packages
type PackageSelector interface {
	Select(mode types.CrateSelect) ([]types.Package, error)
}

// DefineOptions describes a new experiment
type DefineOptions struct {
	Name       string
	Toolchains []types.Toolchain
	Mode       types.Mode
	Crates     types.CrateSelect
	CapLints   types.CapLints
	Flags      *string
}

// Store manages experiments under the experiments root
type Store struct {
	dirs     config.Dirs
	selector PackageSelector
	logger   logger.Logger
}

// NewStore creates an experiment store
func NewStore(dirs config.Dirs, selector PackageSelector, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Store{
		dirs:     dirs,
		selector: selector,
		logger:   log,
	}
}

// Define replaces any experiment of the same name with a freshly selected one
func (s *Store) Define(ctx context.Context, opts DefineOptions) (*types.Experiment, error) {
	if s.selector == nil {
		return nil, fmt.Errorf("%w: no corpus selector configured", types.ErrConfig)
	}
	if err := types.ValidateExperimentName(opts.Name); err != nil {
		return nil, err
	}

	if err := s.Delete(opts.Name); err != nil {
		return nil, err
	}

	pkgs, err := s.selector.Select(opts.Crates)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s crates: %w", opts.Crates, err)
	}

	return s.DefineWithPackages(ctx, opts.Name, opts.Toolchains, pkgs, opts.Mode, opts.CapLints, opts.Flags)
}

// DefineWithPackages defines an experiment over an explicit package list
func (s *Store) DefineWithPackages(
	ctx context.Context,
	name string,
	toolchains []types.Toolchain,
	pkgs []types.Package,
	mode types.Mode,
	capLints types.CapLints,
	flags *string,
) (*types.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := types.ValidateExperimentName(name); err != nil {
		return nil, err
	}

	if err := s.Delete(name); err != nil {
		return nil, err
	}

	ex := &types.Experiment{
		Name:       name,
		Packages:   types.PackageList(pkgs),
		Toolchains: toolchains,
		Mode:       mode,
		CapLints:   capLints,
		Flags:      flags,
	}

	if err := ex.Validate(); err != nil {
		return nil, err
	}

	s.logger.Info(fmt.Sprintf("defining experiment %s for %d crates", name, len(pkgs)),
		logger.WithField("mode", mode),
		logger.WithField("toolchains", fmt.Sprintf("%s,%s", toolchains[0], toolchains[1])))

	data, err := json.MarshalIndent(ex, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode experiment %s: %v", types.ErrStorage, name, err)
	}

	if err := utils.WriteFileAtomic(s.dirs.RecordFile(name), data); err != nil {
		return nil, fmt.Errorf("%w: failed to save experiment %s: %v", types.ErrStorage, name, err)
	}

	return ex, nil
}

// Load reads a persisted experiment
func (s *Store) Load(name string) (*types.Experiment, error) {
	if err := types.ValidateExperimentName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.dirs.RecordFile(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: experiment %s", types.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: failed to read experiment %s: %v", types.ErrStorage, name, err)
	}

	var ex types.Experiment
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("%w: experiment %s: %v", types.ErrCorruptState, name, err)
	}

	return &ex, nil
}

// Exists reports whether an experiment record is present
func (s *Store) Exists(name string) bool {
	if types.ValidateExperimentName(name) != nil {
		return false
	}
	return utils.FileExists(s.dirs.RecordFile(name))
}

// List returns the names of all defined experiments, sorted
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dirs.ExperimentsRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", types.ErrFilesystem, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() && s.Exists(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	return names, nil
}

// Copy duplicates the whole tree of an experiment under a new name.
// The record inside the copy is rewritten to carry the new name.
func (s *Store) Copy(src, dst string) error {
	for _, name := range []string{src, dst} {
		if err := types.ValidateExperimentName(name); err != nil {
			return err
		}
	}
	if !s.Exists(src) {
		return fmt.Errorf("%w: experiment %s", types.ErrNotFound, src)
	}
	if utils.PathExists(s.dirs.ExperimentDir(dst)) {
		return fmt.Errorf("%w: experiment %s", types.ErrAlreadyExists, dst)
	}

	ex, err := s.Load(src)
	if err != nil {
		return err
	}

	if err := utils.CopyDirectory(s.dirs.ExperimentDir(src), s.dirs.ExperimentDir(dst)); err != nil {
		_ = utils.RemoveAll(s.dirs.ExperimentDir(dst))
		return fmt.Errorf("%w: failed to copy experiment %s to %s: %v", types.ErrFilesystem, src, dst, err)
	}

	ex.Name = dst
	data, err := json.MarshalIndent(ex, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode experiment %s: %v", types.ErrStorage, dst, err)
	}
	if err := utils.WriteFileAtomic(s.dirs.RecordFile(dst), data); err != nil {
		return fmt.Errorf("%w: failed to save experiment %s: %v", types.ErrStorage, dst, err)
	}

	s.logger.Info(fmt.Sprintf("copied experiment %s to %s", src, dst))
	return nil
}

// Delete removes an experiment tree. Deleting a missing experiment is a no-op.
func (s *Store) Delete(name string) error {
	if err := types.ValidateExperimentName(name); err != nil {
		return err
	}
	dir := s.dirs.ExperimentDir(name)
	if !utils.PathExists(dir) {
		return nil
	}

	if err := utils.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: failed to delete experiment %s: %v", types.ErrFilesystem, name, err)
	}

	s.logger.Debug("deleted experiment", logger.WithField("experiment", name))
	return nil
}

// DeleteAllTargetDirs removes the compiled artifacts of every toolchain
func (s *Store) DeleteAllTargetDirs(name string) error {
	if err := types.ValidateExperimentName(name); err != nil {
		return err
	}
	dir := s.dirs.TargetRoot(name)
	if !utils.PathExists(dir) {
		return nil
	}

	size, _ := utils.GetDirectorySize(dir)
	if err := utils.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: failed to delete target dirs of %s: %v", types.ErrFilesystem, name, err)
	}

	s.logger.Info(fmt.Sprintf("deleted target dirs of %s", name),
		logger.WithField("freed", utils.FormatBytes(size)))
	return nil
}
