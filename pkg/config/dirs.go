package config

import (
	"path/filepath"

	"github.com/poltergeist/crater/pkg/types"
)

// Dirs holds the process-wide directory layout. It is resolved once at
// startup and handed to every component that touches the filesystem.
type Dirs struct {
	ExperimentsRoot string
	MirrorsRoot     string
	ListsRoot       string
	ResultsDB       string
}

// NewDirs lays out all directories under a single work root
func NewDirs(root string) Dirs {
	return Dirs{
		ExperimentsRoot: filepath.Join(root, "ex"),
		MirrorsRoot:     filepath.Join(root, "gh-mirrors"),
		ListsRoot:       filepath.Join(root, "lists"),
		ResultsDB:       filepath.Join(root, "results.db"),
	}
}

// ExperimentDir is the persisted tree of one experiment
func (d Dirs) ExperimentDir(name string) string {
	return filepath.Join(d.ExperimentsRoot, name)
}

// RecordFile is the serialized experiment record
func (d Dirs) RecordFile(name string) string {
	return filepath.Join(d.ExperimentDir(name), "config.json")
}

// RunStateFile records the last run of an experiment
func (d Dirs) RunStateFile(name string) string {
	return filepath.Join(d.ExperimentDir(name), "run.json")
}

// SourcesDir holds the canonical sources of an experiment
func (d Dirs) SourcesDir(name string) string {
	return filepath.Join(d.ExperimentDir(name), "sources")
}

// SourceDir is the canonical source of one package for one toolchain
func (d Dirs) SourceDir(name string, tc types.Toolchain, pkg types.Package) string {
	return filepath.Join(d.SourcesDir(name), tc.String(), filepath.FromSlash(pkg.ID()))
}

// WorkRoot holds the ephemeral working copies of an experiment
func (d Dirs) WorkRoot(name string) string {
	return filepath.Join(d.ExperimentDir(name), "work")
}

// WorkDirPrefix is the path prefix of working copies for one task
func (d Dirs) WorkDirPrefix(name string, tc types.Toolchain, pkg types.Package) string {
	return filepath.Join(d.WorkRoot(name), tc.String(), filepath.FromSlash(pkg.ID()))
}

// TargetRoot holds the compiled artifacts of an experiment
func (d Dirs) TargetRoot(name string) string {
	return filepath.Join(d.ExperimentDir(name), "target")
}

// TargetDir holds the compiled artifacts of one toolchain
func (d Dirs) TargetDir(name string, tc types.Toolchain) string {
	return filepath.Join(d.TargetRoot(name), tc.String())
}

// MirrorDir is the local mirror of a source repository
func (d Dirs) MirrorDir(repo types.RepoPackage) string {
	return filepath.Join(d.MirrorsRoot, repo.Org+"."+repo.Name)
}
