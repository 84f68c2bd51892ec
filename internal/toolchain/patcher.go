package toolchain

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/types"
	"github.com/poltergeist/crater/pkg/utils"
)

var dependencyTables = []string{"dependencies", "dev-dependencies", "build-dependencies"}

// ManifestPatcher rewrites Cargo.toml of registry packages so that they
// build on their own: workspace links, patch sections and path
// dependencies only make sense inside the upstream repository.
type ManifestPatcher struct {
	logger logger.Logger
}

// NewManifestPatcher creates a manifest patcher
func NewManifestPatcher(log logger.Logger) *ManifestPatcher {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ManifestPatcher{logger: log}
}

// Patch implements interfaces.ManifestPatcher
func (p *ManifestPatcher) Patch(sourceDir string, pkg types.RegistryPackage) error {
	if !manifestExists(sourceDir) {
		return fmt.Errorf("%w: manifest of %s", types.ErrNotFound, pkg)
	}
	path := filepath.Join(sourceDir, "Cargo.toml")

	var manifest map[string]interface{}
	if _, err := toml.DecodeFile(path, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest of %s: %w", pkg, err)
	}

	if !frobManifest(manifest) {
		return nil
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(manifest); err != nil {
		return fmt.Errorf("failed to encode manifest of %s: %w", pkg, err)
	}
	if err := utils.WriteFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: failed to write manifest of %s: %v", types.ErrFilesystem, pkg, err)
	}

	p.logger.Debug("patched manifest", logger.WithField("package", pkg.String()))
	return nil
}

// frobManifest edits the manifest in place and reports whether it changed
func frobManifest(manifest map[string]interface{}) bool {
	changed := false

	if pkgTable, ok := manifest["package"].(map[string]interface{}); ok {
		if _, ok := pkgTable["workspace"]; ok {
			delete(pkgTable, "workspace")
			changed = true
		}
	}

	for _, key := range []string{"workspace", "patch", "replace"} {
		if _, ok := manifest[key]; ok {
			delete(manifest, key)
			changed = true
		}
	}

	for _, table := range dependencyTables {
		if frobDependencies(manifest[table]) {
			changed = true
		}
	}

	if targets, ok := manifest["target"].(map[string]interface{}); ok {
		for _, target := range targets {
			targetTable, ok := target.(map[string]interface{})
			if !ok {
				continue
			}
			for _, table := range dependencyTables {
				if frobDependencies(targetTable[table]) {
					changed = true
				}
			}
		}
	}

	return changed
}

// frobDependencies drops path keys from dependencies that also name a
// registry version, and removes dependencies that exist only as paths
func frobDependencies(v interface{}) bool {
	deps, ok := v.(map[string]interface{})
	if !ok {
		return false
	}

	changed := false
	for name, dep := range deps {
		spec, ok := dep.(map[string]interface{})
		if !ok {
			continue
		}
		if _, hasPath := spec["path"]; !hasPath {
			continue
		}

		if _, hasVersion := spec["version"]; hasVersion {
			delete(spec, "path")
		} else {
			delete(deps, name)
		}
		changed = true
	}
	return changed
}

// manifestExists reports whether dir holds a Cargo manifest
func manifestExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "Cargo.toml"))
	return err == nil
}
