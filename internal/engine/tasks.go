package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/poltergeist/crater/pkg/interfaces"
	"github.com/poltergeist/crater/pkg/types"
)

// featureGate matches crate-level unstable feature attributes
var featureGate = regexp.MustCompile(`#!\[feature\(([^)]*)\)\]`)

// runMode runs the experiment's mode in a disposable working copy
func (e *Engine) runMode(ctx context.Context, ex *types.Experiment, tc types.Toolchain, pkg types.Package) types.TaskOutcome {
	var outcome types.TaskOutcome

	err := e.deps.Isolator.WithWorkingCopy(ex, tc, pkg, false, func(dir string) error {
		switch ex.Mode {
		case types.ModeBuildOnly:
			outcome = e.runSteps(ctx, ex, tc, dir, step{[]string{"build", "--frozen"}, types.OutcomeBuildFail})

		case types.ModeBuildAndTest:
			outcome = e.runSteps(ctx, ex, tc, dir,
				step{[]string{"build", "--frozen"}, types.OutcomeBuildFail},
				step{[]string{"test", "--frozen"}, types.OutcomeTestFail})

		case types.ModeCheckOnly:
			outcome = e.runSteps(ctx, ex, tc, dir,
				step{[]string{"check", "--frozen", "--all", "--all-targets"}, types.OutcomeBuildFail})

		case types.ModeUnstableFeatures:
			features, err := scanUnstableFeatures(dir)
			if err != nil {
				return err
			}
			outcome = types.TaskOutcome{
				Status: types.OutcomeTestPass,
				Output: strings.Join(features, "\n"),
			}

		default:
			return fmt.Errorf("%w: unknown mode %q", types.ErrConfig, ex.Mode)
		}
		return nil
	})
	if err != nil {
		return outcomeFromError(err, types.OutcomeBuildFail)
	}

	return outcome
}

// step is one build tool invocation and the status it yields on failure
type step struct {
	args   []string
	failAs types.OutcomeStatus
}

// runSteps stops at the first failing step
func (e *Engine) runSteps(ctx context.Context, ex *types.Experiment, tc types.Toolchain, dir string, steps ...step) types.TaskOutcome {
	var output strings.Builder

	for _, s := range steps {
		res, err := e.deps.Runtime.RunBuildTool(ctx, interfaces.BuildToolRequest{
			Experiment:    ex,
			Toolchain:     tc,
			Dir:           dir,
			Args:          s.args,
			Lock:          interfaces.Locked,
			AllowNetwork:  false,
			CaptureOutput: true,
		})
		if err != nil {
			outcome := outcomeFromError(err, s.failAs)
			outcome.Output = output.String() + outcome.Output
			return outcome
		}
		if res != nil {
			output.WriteString(res.Output)
		}
	}

	return types.TaskOutcome{
		Status: types.OutcomeTestPass,
		Output: output.String(),
	}
}

// scanUnstableFeatures lists the distinct feature gates enabled by the
// Rust sources under dir, sorted
func scanUnstableFeatures(dir string) ([]string, error) {
	seen := make(map[string]bool)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "target" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".rs" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, m := range featureGate.FindAllSubmatch(data, -1) {
			for _, name := range strings.Split(string(m[1]), ",") {
				if name = strings.TrimSpace(name); name != "" {
					seen[name] = true
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan %s: %v", types.ErrFilesystem, dir, err)
	}

	features := make([]string, 0, len(seen))
	for name := range seen {
		features = append(features, name)
	}
	sort.Strings(features)
	return features, nil
}
