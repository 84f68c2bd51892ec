package toolchain

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/types"
	"github.com/poltergeist/crater/pkg/utils"
)

// DefaultRegistryURL serves .crate archives
const DefaultRegistryURL = "https://static.crates.io/crates"

// Sources implements interfaces.SourceProvider. Registry packages are
// downloaded and unpacked; repo packages are copied out of their mirror.
type Sources struct {
	dirs        config.Dirs
	registryURL string
	client      *http.Client
	logger      logger.Logger
}

// NewSources creates a source provider. An empty registryURL selects the
// public registry.
func NewSources(dirs config.Dirs, registryURL string, log logger.Logger) *Sources {
	if registryURL == "" {
		registryURL = DefaultRegistryURL
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Sources{
		dirs:        dirs,
		registryURL: strings.TrimSuffix(registryURL, "/"),
		client:      &http.Client{Timeout: 5 * time.Minute},
		logger:      log,
	}
}

// Populate fills dest with the sources of pkg, replacing anything there
func (s *Sources) Populate(ctx context.Context, pkg types.Package, dest string) error {
	if err := utils.RemoveAll(dest); err != nil {
		return fmt.Errorf("%w: failed to clear %s: %v", types.ErrFilesystem, dest, err)
	}

	var err error
	switch p := pkg.(type) {
	case types.RegistryPackage:
		err = s.download(ctx, p, dest)
	case types.RepoPackage:
		err = s.copyMirror(p, dest)
	default:
		err = fmt.Errorf("unsupported package variant %T", pkg)
	}

	if err != nil {
		_ = utils.RemoveAll(dest)
		return err
	}
	return nil
}

func (s *Sources) copyMirror(repo types.RepoPackage, dest string) error {
	mirror := s.dirs.MirrorDir(repo)
	if !utils.DirectoryExists(mirror) {
		return fmt.Errorf("%w: mirror of %s", types.ErrNotFound, repo.Slug())
	}

	if err := utils.CopyDirectory(mirror, dest); err != nil {
		return fmt.Errorf("%w: failed to copy mirror of %s: %v", types.ErrFilesystem, repo.Slug(), err)
	}
	return utils.RemoveAll(filepath.Join(dest, ".git"))
}

func (s *Sources) download(ctx context.Context, pkg types.RegistryPackage, dest string) error {
	url := fmt.Sprintf("%s/%s/%s-%s.crate", s.registryURL, pkg.Name, pkg.Name, pkg.Version)
	s.logger.Debug("downloading crate", logger.WithField("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", pkg, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: registry returned %s", pkg, resp.Status)
	}

	if err := unpackCrate(resp.Body, pkg.Name+"-"+pkg.Version, dest); err != nil {
		return fmt.Errorf("failed to unpack %s: %w", pkg, err)
	}
	return nil
}

// unpackCrate extracts a gzipped tarball whose entries live under prefix
func unpackCrate(r io.Reader, prefix, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		rel := strings.TrimPrefix(filepath.ToSlash(hdr.Name), prefix+"/")
		if rel == "" || rel == prefix {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %s escapes the destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func writeEntry(r io.Reader, path string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
