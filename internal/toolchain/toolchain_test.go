package toolchain

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/interfaces"
	"github.com/poltergeist/crater/pkg/types"
)

func strPtr(s string) *string { return &s }

func TestRustFlags(t *testing.T) {
	tests := []struct {
		name string
		ex   *types.Experiment
		tc   types.Toolchain
		want string
	}{
		{
			name: "plain toolchain",
			ex:   &types.Experiment{CapLints: types.CapLintsForbid},
			tc:   types.MustParseToolchain("stable"),
			want: "--cap-lints=forbid",
		},
		{
			name: "flags ignored by plain toolchain",
			ex:   &types.Experiment{CapLints: types.CapLintsWarn, Flags: strPtr("-Zfoo")},
			tc:   types.MustParseToolchain("stable"),
			want: "--cap-lints=warn",
		},
		{
			name: "flag-aware toolchain",
			ex:   &types.Experiment{CapLints: types.CapLintsWarn, Flags: strPtr("-Zfoo")},
			tc:   types.MustParseToolchain("nightly+rustflags"),
			want: "--cap-lints=warn -Zfoo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rustFlags(tt.ex, tt.tc); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRuntime_Environment(t *testing.T) {
	dirs := config.NewDirs(t.TempDir())
	r := NewRuntime(dirs, nil)
	ex := &types.Experiment{Name: "exp", CapLints: types.CapLintsAllow}
	tc := types.MustParseToolchain("beta")

	env := r.environment(interfaces.BuildToolRequest{
		Experiment: ex,
		Toolchain:  tc,
		Args:       []string{"generate-lockfile", "-Zno-index-update"},
	})

	if env["CARGO_TARGET_DIR"] != dirs.TargetDir("exp", tc) {
		t.Errorf("unexpected target dir %s", env["CARGO_TARGET_DIR"])
	}
	if env["CARGO_NET_OFFLINE"] != "true" {
		t.Error("expected offline mode without network")
	}
	if env["__CARGO_TEST_CHANNEL_OVERRIDE_DO_NOT_USE_THIS"] != "nightly" {
		t.Error("expected -Z flags to be unlocked")
	}

	env = r.environment(interfaces.BuildToolRequest{Experiment: ex, Toolchain: tc, Args: []string{"fetch"}, AllowNetwork: true})
	if _, ok := env["CARGO_NET_OFFLINE"]; ok {
		t.Error("network must be allowed for fetch")
	}
}

// writeScript creates an executable shell script standing in for a binary
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRuntime_RunBuildTool(t *testing.T) {
	bin := t.TempDir()
	cargo := writeScript(t, bin, "cargo", `echo "args: $*"; echo "flags: $RUSTFLAGS"; [ "$2" = "build" ] || exit 101`)

	r := NewRuntime(config.NewDirs(t.TempDir()), nil, WithBinaries("true", cargo))
	ex := &types.Experiment{Name: "exp", CapLints: types.CapLintsForbid}
	tc := types.MustParseToolchain("stable")

	out, err := r.RunBuildTool(context.Background(), interfaces.BuildToolRequest{
		Experiment:    ex,
		Toolchain:     tc,
		Dir:           t.TempDir(),
		Args:          []string{"build", "--frozen"},
		Lock:          interfaces.Locked,
		CaptureOutput: true,
	})
	if err != nil {
		t.Fatalf("RunBuildTool failed: %v", err)
	}
	if !strings.Contains(out.Output, "args: +stable build --frozen --locked") {
		t.Errorf("unexpected invocation %q", out.Output)
	}
	if !strings.Contains(out.Output, "flags: --cap-lints=forbid") {
		t.Errorf("expected RUSTFLAGS in environment, got %q", out.Output)
	}

	_, err = r.RunBuildTool(context.Background(), interfaces.BuildToolRequest{
		Experiment:    ex,
		Toolchain:     tc,
		Dir:           t.TempDir(),
		Args:          []string{"test", "--frozen"},
		CaptureOutput: true,
	})
	var toolErr *types.BuildToolError
	if !errors.As(err, &toolErr) || !errors.Is(err, types.ErrBuildTool) {
		t.Fatalf("expected BuildToolError, got %v", err)
	}
	if toolErr.ExitCode != 101 || !strings.Contains(toolErr.Output, "args: +stable test") {
		t.Errorf("unexpected error details %+v", toolErr)
	}
}

func TestRuntime_PrepareOnce(t *testing.T) {
	bin := t.TempDir()
	log := filepath.Join(bin, "calls")
	rustup := writeScript(t, bin, "rustup", `echo "$*" >> `+log+"\n")

	r := NewRuntime(config.NewDirs(t.TempDir()), nil, WithBinaries(rustup, "true"))
	tc := types.MustParseToolchain("nightly-2024-01-01")

	for i := 0; i < 3; i++ {
		if err := r.Prepare(context.Background(), tc); err != nil {
			t.Fatalf("Prepare failed: %v", err)
		}
	}

	data, err := os.ReadFile(log)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(data), "toolchain install nightly-2024-01-01 --profile minimal") != 1 {
		t.Errorf("expected a single install, got %q", data)
	}
}

func TestRuntime_PrepareFailure(t *testing.T) {
	rustup := writeScript(t, t.TempDir(), "rustup", "echo 'no such toolchain' >&2; exit 1\n")
	r := NewRuntime(config.NewDirs(t.TempDir()), nil, WithBinaries(rustup, "true"))

	err := r.Prepare(context.Background(), types.MustParseToolchain("bogus"))
	if err == nil || !strings.Contains(err.Error(), "no such toolchain") {
		t.Errorf("expected rustup output in error, got %v", err)
	}
}

func TestManifestPatcher(t *testing.T) {
	dir := t.TempDir()
	manifest := `
[package]
name = "foo"
version = "1.0.0"
workspace = ".."

[dependencies]
serde = "1.0"
bar = { path = "../bar", version = "0.2" }
local-only = { path = "../local" }

[target.'cfg(unix)'.dev-dependencies]
baz = { path = "../baz", version = "1" }

[patch.crates-io]
serde = { path = "../serde" }
`
	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	if err := NewManifestPatcher(nil).Patch(dir, types.RegistryPackage{Name: "foo", Version: "1.0.0"}); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}

	var got map[string]interface{}
	if _, err := toml.DecodeFile(filepath.Join(dir, "Cargo.toml"), &got); err != nil {
		t.Fatalf("patched manifest does not parse: %v", err)
	}

	pkg := got["package"].(map[string]interface{})
	if _, ok := pkg["workspace"]; ok {
		t.Error("workspace key should be removed")
	}
	if _, ok := got["patch"]; ok {
		t.Error("patch section should be removed")
	}

	deps := got["dependencies"].(map[string]interface{})
	if deps["serde"] != "1.0" {
		t.Errorf("plain dependency changed: %v", deps["serde"])
	}
	bar := deps["bar"].(map[string]interface{})
	if _, ok := bar["path"]; ok || bar["version"] != "0.2" {
		t.Errorf("expected path dropped from bar, got %v", bar)
	}
	if _, ok := deps["local-only"]; ok {
		t.Error("path-only dependency should be removed")
	}

	baz := got["target"].(map[string]interface{})["cfg(unix)"].(map[string]interface{})["dev-dependencies"].(map[string]interface{})["baz"].(map[string]interface{})
	if _, ok := baz["path"]; ok {
		t.Error("expected target dependency path to be dropped")
	}
}

func TestManifestPatcher_Untouched(t *testing.T) {
	dir := t.TempDir()
	manifest := "[package]\nname = \"foo\"\n\n# keep me\n[dependencies]\nserde = \"1.0\"\n"
	path := filepath.Join(dir, "Cargo.toml")
	if err := os.WriteFile(path, []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	if err := NewManifestPatcher(nil).Patch(dir, types.RegistryPackage{Name: "foo", Version: "1.0.0"}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != manifest {
		t.Error("a clean manifest must not be rewritten")
	}

	if err := NewManifestPatcher(nil).Patch(t.TempDir(), types.RegistryPackage{Name: "x", Version: "1"}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound without a manifest, got %v", err)
	}
}

func crateArchive(t *testing.T, prefix string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: prefix + "/" + name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSources_Registry(t *testing.T) {
	archive := crateArchive(t, "foo-1.0.0", map[string]string{
		"Cargo.toml": "[package]\nname = \"foo\"\n",
		"src/lib.rs": "pub fn foo() {}\n",
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/foo/foo-1.0.0.crate" {
			http.NotFound(w, r)
			return
		}
		w.Write(archive)
	}))
	defer server.Close()

	dirs := config.NewDirs(t.TempDir())
	sources := NewSources(dirs, server.URL, nil)
	dest := filepath.Join(t.TempDir(), "src")

	if err := sources.Populate(context.Background(), types.RegistryPackage{Name: "foo", Version: "1.0.0"}, dest); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "src", "lib.rs"))
	if err != nil || string(data) != "pub fn foo() {}\n" {
		t.Errorf("unexpected unpacked source %q %v", data, err)
	}

	missing := filepath.Join(t.TempDir(), "missing")
	if err := sources.Populate(context.Background(), types.RegistryPackage{Name: "nope", Version: "0.1.0"}, missing); err == nil {
		t.Error("expected error for unknown crate")
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Error("failed populate must not leave a partial directory")
	}
}

func TestSources_Repo(t *testing.T) {
	dirs := config.NewDirs(t.TempDir())
	repo := types.RepoPackage{Org: "brson", Name: "hello-rs"}

	mirror := dirs.MirrorDir(repo)
	if err := os.MkdirAll(filepath.Join(mirror, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mirror, "Cargo.toml"), []byte("[package]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "src")
	if err := NewSources(dirs, "", nil).Populate(context.Background(), repo, dest); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "Cargo.toml")); err != nil {
		t.Error("expected manifest to be copied")
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); !os.IsNotExist(err) {
		t.Error("git metadata should not be copied into sources")
	}

	other := types.RepoPackage{Org: "nobody", Name: "nothing"}
	if err := NewSources(dirs, "", nil).Populate(context.Background(), other, dest); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound without a mirror, got %v", err)
	}
}
