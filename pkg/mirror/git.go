package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/process"
	"github.com/poltergeist/crater/pkg/utils"
)

// Git implements interfaces.VersionControlMirror with the git CLI
type Git struct {
	binary string
	logger logger.Logger
}

// NewGit creates a git mirror using the git binary on PATH
func NewGit(log logger.Logger) *Git {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Git{binary: "git", logger: log}
}

// ShallowCloneOrPull makes localDir a depth-1 mirror of url
func (g *Git) ShallowCloneOrPull(ctx context.Context, url string, localDir string) error {
	if utils.DirectoryExists(filepath.Join(localDir, ".git")) {
		if _, err := g.run(ctx, localDir, "fetch", "--depth", "1", "origin"); err != nil {
			return err
		}
		_, err := g.run(ctx, localDir, "reset", "--hard", "FETCH_HEAD")
		return err
	}

	// Leftovers of an interrupted clone would make git refuse the directory
	if utils.PathExists(localDir) {
		g.logger.Warn("removing incomplete mirror", logger.WithField("dir", localDir))
		if err := utils.RemoveAll(localDir); err != nil {
			return fmt.Errorf("failed to remove incomplete mirror %s: %w", localDir, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(localDir), 0755); err != nil {
		return err
	}
	_, err := g.run(ctx, "", "clone", "--depth", "1", url, localDir)
	return err
}

// ResolveHead returns the raw output of rev-parse HEAD
func (g *Git) ResolveHead(ctx context.Context, localDir string) (string, error) {
	return g.run(ctx, localDir, "rev-parse", "HEAD")
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := &process.Command{
		Name: g.binary,
		Args: args,
		Dir:  dir,
		// Never block on a credential prompt for a missing repo
		Env:     map[string]string{"GIT_TERMINAL_PROMPT": "0"},
		Capture: true,
		Logger:  g.logger,
	}

	result, err := cmd.Run(ctx)
	if err != nil {
		if result != nil {
			return "", fmt.Errorf("%w: %s", err, result.Output)
		}
		return "", err
	}
	return result.Output, nil
}
