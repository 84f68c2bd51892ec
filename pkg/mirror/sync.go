// Package mirror keeps local mirrors of repo packages and pins their commits
package mirror

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/interfaces"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/types"
)

var shaPattern = regexp.MustCompile(`^[0-9a-f]{7,64}$`)

// Sync drives the version control mirror for an experiment
type Sync struct {
	vcs    interfaces.VersionControlMirror
	dirs   config.Dirs
	logger logger.Logger
}

// NewSync creates a mirror sync
func NewSync(vcs interfaces.VersionControlMirror, dirs config.Dirs, log logger.Logger) *Sync {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Sync{vcs: vcs, dirs: dirs, logger: log}
}

// FetchRepoCrates clones or updates the mirror of every repo package.
// Failures are logged and counted; they never stop the loop.
func (s *Sync) FetchRepoCrates(ctx context.Context, ex *types.Experiment) int {
	failed := 0

	for _, repo := range ex.RepoPackages() {
		if ctx.Err() != nil {
			s.logger.Warn("mirror fetch interrupted")
			break
		}

		dir := s.dirs.MirrorDir(repo)
		if err := s.vcs.ShallowCloneOrPull(ctx, repo.URL(), dir); err != nil {
			failed++
			err = fmt.Errorf("%w: %s: %v", types.ErrMirrorFetch, repo.Slug(), err)
			s.logger.Warn("failed to update mirror",
				logger.WithField("repo", repo.Slug()),
				logger.WithError(err))
			continue
		}

		s.logger.Debug("mirror up to date", logger.WithField("repo", repo.Slug()))
	}

	return failed
}

// CaptureShas resolves the head commit of every repo package mirror and
// records it. The first failure aborts the capture.
func (s *Sync) CaptureShas(ctx context.Context, ex *types.Experiment, pkgs []types.Package, sink interfaces.ResultSink) error {
	for _, pkg := range pkgs {
		repo, ok := pkg.(types.RepoPackage)
		if !ok {
			continue
		}

		dir := s.dirs.MirrorDir(repo)
		raw, err := s.vcs.ResolveHead(ctx, dir)
		if err != nil {
			return &types.ShaCaptureError{Dir: dir, Reason: "head query failed", Err: err}
		}

		sha, err := parseSha(dir, raw)
		if err != nil {
			return err
		}

		if err := sink.RecordSha(ex, repo, sha); err != nil {
			return fmt.Errorf("failed to record the sha of GitHub repo %s: %w", repo.Slug(), err)
		}

		s.logger.Debug("captured sha",
			logger.WithField("repo", repo.Slug()),
			logger.WithField("sha", sha))
	}

	return nil
}

// parseSha takes the first line of the head query output
func parseSha(dir, raw string) (string, error) {
	line, _, _ := strings.Cut(raw, "\n")
	line = strings.TrimSpace(line)

	if line == "" {
		return "", &types.ShaCaptureError{Dir: dir, Reason: "empty output"}
	}
	if !shaPattern.MatchString(line) {
		return "", &types.ShaCaptureError{Dir: dir, Reason: fmt.Sprintf("malformed commit id %q", line)}
	}
	return line, nil
}
