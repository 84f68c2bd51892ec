package corpus

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/poltergeist/crater/pkg/types"
	"gopkg.in/yaml.v3"
)

// List file base names inside the lists directory
const (
	AllListName     = "crates"
	PopularListName = "popular"
)

// FileSource reads package lists from YAML or JSON files in a directory
type FileSource struct {
	dir string
}

// NewFileSource creates a corpus source over a lists directory
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// ReadAllPackages implements interfaces.CorpusSource
func (s *FileSource) ReadAllPackages() ([]types.Package, error) {
	return s.readList(AllListName)
}

// ReadPopularityRanked implements interfaces.CorpusSource
func (s *FileSource) ReadPopularityRanked() ([]types.Package, error) {
	return s.readList(PopularListName)
}

func (s *FileSource) readList(name string) ([]types.Package, error) {
	path, err := s.findList(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", path, err)
	}

	// JSON lists parse as YAML as well
	var specs []types.PackageSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse list %s: %w", path, err)
	}

	pkgs := make([]types.Package, 0, len(specs))
	for i, spec := range specs {
		p, err := spec.Package()
		if err != nil {
			return nil, fmt.Errorf("list %s entry %d: %w", path, i, err)
		}
		pkgs = append(pkgs, p)
	}

	return pkgs, nil
}

func (s *FileSource) findList(name string) (string, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(s.dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no %s list in %s", types.ErrNotFound, name, s.dir)
}
