package cli_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/poltergeist/crater/pkg/cli"
	"github.com/poltergeist/crater/pkg/results"
	"github.com/poltergeist/crater/pkg/types"
)

const testConfig = `demo-crates:
  crates:
    - lazy_static
  github-repos:
    - brson/hello-rs
`

const testCrates = `- type: registry
  name: lazy_static
  version: 1.4.0
- type: registry
  name: serde
  version: 1.0.0
- type: repo
  org: brson
  name: hello-rs
`

// setupWorkDir creates a work directory with a corpus list and a config file
func setupWorkDir(t *testing.T) (workDir, configPath string) {
	t.Helper()

	workDir = t.TempDir()
	listsDir := filepath.Join(workDir, "lists")
	if err := os.MkdirAll(listsDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(listsDir, "crates.yaml"), []byte(testCrates), 0644); err != nil {
		t.Fatal(err)
	}

	configPath = filepath.Join(t.TempDir(), "crater.yaml")
	if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
		t.Fatal(err)
	}
	return workDir, configPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	c := cli.NewCLIWithOutput(cli.NewConfig(), &out, &errOut)
	err := c.Execute(args)
	return out.String(), err
}

func TestDefineEx(t *testing.T) {
	workDir, configPath := setupWorkDir(t)

	out, err := execute(t, "--work-dir", workDir, "--config", configPath,
		"define-ex", "--ex", "exp1", "--crate-select", "demo", "--mode", "build-only", "stable", "beta")
	if err != nil {
		t.Fatalf("define-ex failed: %v", err)
	}
	if !strings.Contains(out, "defined experiment exp1: stable vs beta, 2 crates") {
		t.Errorf("unexpected output: %q", out)
	}

	if _, err := os.Stat(filepath.Join(workDir, "ex", "exp1", "config.json")); err != nil {
		t.Errorf("experiment record not written: %v", err)
	}

	out, err = execute(t, "--work-dir", workDir, "list-ex")
	if err != nil {
		t.Fatalf("list-ex failed: %v", err)
	}
	for _, want := range []string{"exp1", "stable beta", "build-only"} {
		if !strings.Contains(out, want) {
			t.Errorf("list-ex output missing %q:\n%s", want, out)
		}
	}
}

func TestDefineEx_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{
			name:    "same toolchain twice",
			args:    []string{"define-ex", "stable", "stable"},
			wantErr: types.ErrConfig,
		},
		{
			name:    "rustflags without a flag-aware toolchain",
			args:    []string{"define-ex", "--rustflags", "-Zfoo", "stable", "beta"},
			wantErr: types.ErrConfig,
		},
		{
			name:    "flag-aware toolchain without rustflags",
			args:    []string{"define-ex", "stable", "beta+rustflags"},
			wantErr: types.ErrConfig,
		},
		{
			name:    "unknown mode",
			args:    []string{"define-ex", "--mode", "fuzz", "stable", "beta"},
			wantErr: types.ErrConfig,
		},
		{
			name:    "unknown toolchain suffix",
			args:    []string{"define-ex", "stable", "beta+lto"},
			wantErr: types.ErrConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workDir, configPath := setupWorkDir(t)

			args := append([]string{"--work-dir", workDir, "--config", configPath}, tt.args...)
			_, err := execute(t, args...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			if _, statErr := os.Stat(filepath.Join(workDir, "ex", "default")); !os.IsNotExist(statErr) {
				t.Errorf("nothing should be persisted for an invalid definition")
			}
		})
	}
}

func TestDefineEx_FlagAware(t *testing.T) {
	workDir, configPath := setupWorkDir(t)

	_, err := execute(t, "--work-dir", workDir, "--config", configPath,
		"define-ex", "--rustflags", "-Zfoo", "stable", "beta+rustflags")
	if err != nil {
		t.Fatalf("define-ex failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(workDir, "ex", "default", "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"beta+rustflags"`, `"rustflags": "-Zfoo"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("record missing %s:\n%s", want, data)
		}
	}
}

func TestCopyAndDeleteEx(t *testing.T) {
	workDir, configPath := setupWorkDir(t)
	base := []string{"--work-dir", workDir, "--config", configPath}

	if _, err := execute(t, append(base, "define-ex", "--ex", "exp1", "stable", "beta")...); err != nil {
		t.Fatalf("define-ex failed: %v", err)
	}

	if _, err := execute(t, append(base, "copy-ex", "exp1", "exp2")...); err != nil {
		t.Fatalf("copy-ex failed: %v", err)
	}

	_, err := execute(t, append(base, "copy-ex", "exp1", "exp2")...)
	if !errors.Is(err, types.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	_, err = execute(t, append(base, "copy-ex", "missing", "exp3")...)
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := execute(t, append(base, "delete-ex", "--ex", "exp1")...); err != nil {
		t.Fatalf("delete-ex failed: %v", err)
	}

	out, err := execute(t, append(base, "list-ex")...)
	if err != nil {
		t.Fatalf("list-ex failed: %v", err)
	}
	if strings.Contains(out, "exp1") || !strings.Contains(out, "exp2") {
		t.Errorf("expected only exp2 to remain:\n%s", out)
	}

	// Deleting twice is fine
	if _, err := execute(t, append(base, "delete-ex", "--ex", "exp1")...); err != nil {
		t.Errorf("second delete-ex failed: %v", err)
	}
}

func TestDeleteAllTargetDirs(t *testing.T) {
	workDir, configPath := setupWorkDir(t)
	base := []string{"--work-dir", workDir, "--config", configPath}

	if _, err := execute(t, append(base, "define-ex", "--ex", "exp1", "stable", "beta")...); err != nil {
		t.Fatalf("define-ex failed: %v", err)
	}

	target := filepath.Join(workDir, "ex", "exp1", "target", "stable", "debug")
	if err := os.MkdirAll(target, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "libfoo.rlib"), []byte("artifact"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, append(base, "delete-all-target-dirs", "--ex", "exp1")...); err != nil {
		t.Fatalf("delete-all-target-dirs failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(workDir, "ex", "exp1", "target")); !os.IsNotExist(err) {
		t.Errorf("target directory should be gone")
	}
	if _, err := os.Stat(filepath.Join(workDir, "ex", "exp1", "config.json")); err != nil {
		t.Errorf("experiment record should survive: %v", err)
	}
}

func TestListEx_Empty(t *testing.T) {
	out, err := execute(t, "--work-dir", t.TempDir(), "list-ex")
	if err != nil {
		t.Fatalf("list-ex failed: %v", err)
	}
	if !strings.Contains(out, "no experiments defined") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestRunEx_Missing(t *testing.T) {
	_, err := execute(t, "--work-dir", t.TempDir(), "run-ex", "--ex", "nope")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkDirFromEnvironment(t *testing.T) {
	workDir, configPath := setupWorkDir(t)
	t.Setenv("CRATER_WORK_DIR", workDir)

	if _, err := execute(t, "--config", configPath, "define-ex", "--ex", "envexp", "stable", "beta"); err != nil {
		t.Fatalf("define-ex failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(workDir, "ex", "envexp", "config.json")); err != nil {
		t.Errorf("experiment should be defined under CRATER_WORK_DIR: %v", err)
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--work-dir", t.TempDir(), "--config", filepath.Join(t.TempDir(), "nope.yaml"), "list-ex")
	if err == nil || !strings.Contains(err.Error(), "failed to load config") {
		t.Errorf("expected config load error, got %v", err)
	}
}

func TestRunEx_RefusesConcurrentRun(t *testing.T) {
	workDir, configPath := setupWorkDir(t)
	base := []string{"--work-dir", workDir, "--config", configPath}

	if _, err := execute(t, append(base, "define-ex", "--ex", "exp1", "stable", "beta")...); err != nil {
		t.Fatalf("define-ex failed: %v", err)
	}

	// A run record held by this (live) process
	record := fmt.Sprintf(`{"experiment": "exp1", "status": "running", "processId": %d, "startedAt": %q, "heartbeat": %q, "done": 1, "total": 4}`,
		os.Getpid(), time.Now().Format(time.RFC3339Nano), time.Now().Format(time.RFC3339Nano))
	if err := os.WriteFile(filepath.Join(workDir, "ex", "exp1", "run.json"), []byte(record), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, append(base, "run-ex", "--ex", "exp1")...)
	if !errors.Is(err, types.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	out, err := execute(t, append(base, "list-ex")...)
	if err != nil {
		t.Fatalf("list-ex failed: %v", err)
	}
	if !strings.Contains(out, "running 1/4") {
		t.Errorf("list-ex should show the live run:\n%s", out)
	}
}

// recordOutcome writes an outcome for the stable toolchain straight into the results database
func recordOutcome(t *testing.T, workDir, name string, pkg types.Package, status types.OutcomeStatus) {
	t.Helper()

	sink, err := results.NewSQLiteSink(filepath.Join(workDir, "results.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	ex := &types.Experiment{Name: name}
	if err := sink.RecordTaskOutcome(ex, types.MustParseToolchain("stable"), pkg, types.TaskOutcome{Status: status}); err != nil {
		t.Fatal(err)
	}
	if repo, ok := pkg.(types.RepoPackage); ok {
		if err := sink.RecordSha(ex, repo, "0123456789abcdef0123456789abcdef01234567"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDefineEx_ClearsPreviousResults(t *testing.T) {
	workDir, configPath := setupWorkDir(t)
	base := []string{"--work-dir", workDir, "--config", configPath}

	if _, err := execute(t, append(base, "define-ex", "--ex", "exp1", "stable", "beta")...); err != nil {
		t.Fatalf("define-ex failed: %v", err)
	}
	recordOutcome(t, workDir, "exp1", types.RegistryPackage{Name: "old", Version: "0.1"}, types.OutcomeBuildFail)
	recordOutcome(t, workDir, "exp2", types.RegistryPackage{Name: "other", Version: "1.0"}, types.OutcomeTestPass)

	if _, err := execute(t, append(base, "define-ex", "--ex", "exp1", "stable", "beta")...); err != nil {
		t.Fatalf("second define-ex failed: %v", err)
	}

	sink, err := results.NewSQLiteSink(filepath.Join(workDir, "results.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	stale, err := sink.ListOutcomes("exp1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("redefined experiment kept %d old outcomes: %+v", len(stale), stale)
	}

	others, err := sink.ListOutcomes("exp2")
	if err != nil {
		t.Fatal(err)
	}
	if len(others) != 1 {
		t.Errorf("outcomes of other experiments must survive, got %d", len(others))
	}
}

func TestReportEx(t *testing.T) {
	workDir, configPath := setupWorkDir(t)
	base := []string{"--work-dir", workDir, "--config", configPath}

	if _, err := execute(t, append(base, "define-ex", "--ex", "exp1", "stable", "beta")...); err != nil {
		t.Fatalf("define-ex failed: %v", err)
	}

	out, err := execute(t, append(base, "report-ex", "--ex", "exp1")...)
	if err != nil {
		t.Fatalf("report-ex failed: %v", err)
	}
	if !strings.Contains(out, "no outcomes recorded for exp1") {
		t.Errorf("unexpected output for an experiment without outcomes: %q", out)
	}

	recordOutcome(t, workDir, "exp1", types.RegistryPackage{Name: "lazy_static", Version: "1.4.0"}, types.OutcomeTestPass)
	recordOutcome(t, workDir, "exp1", types.RepoPackage{Org: "brson", Name: "hello-rs"}, types.OutcomeBuildFail)

	out, err = execute(t, append(base, "report-ex", "--ex", "exp1")...)
	if err != nil {
		t.Fatalf("report-ex failed: %v", err)
	}
	for _, want := range []string{"lazy_static-1.4.0", "brson/hello-rs", "0123456789ab", "test-pass", "build-fail"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, append(base, "list-ex")...)
	if err != nil {
		t.Fatalf("list-ex failed: %v", err)
	}
	if !strings.Contains(out, "test-pass=1 build-fail=1") {
		t.Errorf("list-ex should show recorded counts:\n%s", out)
	}
}
