// Package toolchain runs rustup and cargo on behalf of the experiment engine
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/interfaces"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/process"
	"github.com/poltergeist/crater/pkg/types"
)

// Runtime implements interfaces.ToolchainRuntime with rustup and cargo
type Runtime struct {
	dirs   config.Dirs
	logger logger.Logger

	rustup string
	cargo  string

	mu       sync.Mutex
	prepared map[string]bool
}

// Option configures a Runtime
type Option func(*Runtime)

// WithBinaries overrides the rustup and cargo executables
func WithBinaries(rustup, cargo string) Option {
	return func(r *Runtime) {
		r.rustup = rustup
		r.cargo = cargo
	}
}

// NewRuntime creates a cargo runtime writing artifacts below dirs
func NewRuntime(dirs config.Dirs, log logger.Logger, opts ...Option) *Runtime {
	if log == nil {
		log = logger.NewNopLogger()
	}
	r := &Runtime{
		dirs:     dirs,
		logger:   log,
		rustup:   "rustup",
		cargo:    "cargo",
		prepared: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prepare installs a toolchain once per process
func (r *Runtime) Prepare(ctx context.Context, tc types.Toolchain) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.prepared[tc.Name] {
		return nil
	}

	r.logger.Info(fmt.Sprintf("installing toolchain %s", tc.Name))
	cmd := &process.Command{
		Name:    r.rustup,
		Args:    []string{"toolchain", "install", tc.Name, "--profile", "minimal"},
		Capture: true,
		Logger:  r.logger,
	}
	if result, err := cmd.Run(ctx); err != nil {
		if result != nil {
			return fmt.Errorf("rustup failed for %s: %w\n%s", tc.Name, err, result.Output)
		}
		return fmt.Errorf("rustup failed for %s: %w", tc.Name, err)
	}

	r.prepared[tc.Name] = true
	return nil
}

// RunBuildTool runs cargo with the toolchain of the request
func (r *Runtime) RunBuildTool(ctx context.Context, req interfaces.BuildToolRequest) (*types.BuildOutput, error) {
	args := append([]string{"+" + req.Toolchain.Name}, req.Args...)
	if req.Lock == interfaces.Locked {
		args = append(args, "--locked")
	}

	cmd := &process.Command{
		Name:    r.cargo,
		Args:    args,
		Dir:     req.Dir,
		Env:     r.environment(req),
		Capture: req.CaptureOutput,
		Logger:  r.logger,
	}

	result, err := cmd.Run(ctx)
	if err != nil {
		var exitErr *process.ExitError
		if errors.As(err, &exitErr) {
			return nil, &types.BuildToolError{
				Args:     req.Args,
				ExitCode: exitErr.ExitCode,
				Output:   exitErr.Output,
			}
		}
		return nil, err
	}

	return &types.BuildOutput{Output: result.Output, ExitCode: result.ExitCode}, nil
}

func (r *Runtime) environment(req interfaces.BuildToolRequest) map[string]string {
	env := map[string]string{
		"CARGO_TARGET_DIR":  r.dirs.TargetDir(req.Experiment.Name, req.Toolchain),
		"CARGO_INCREMENTAL": "0",
		"RUST_BACKTRACE":    "full",
		"RUSTFLAGS":         rustFlags(req.Experiment, req.Toolchain),
	}

	if !req.AllowNetwork {
		env["CARGO_NET_OFFLINE"] = "true"
	}

	// Lets stable cargo accept -Z flags such as -Zno-index-update
	for _, arg := range req.Args {
		if strings.HasPrefix(arg, "-Z") {
			env["__CARGO_TEST_CHANNEL_OVERRIDE_DO_NOT_USE_THIS"] = "nightly"
			break
		}
	}

	return env
}

// rustFlags composes the lint cap with the experiment flags of flag-aware toolchains
func rustFlags(ex *types.Experiment, tc types.Toolchain) string {
	flags := "--cap-lints=" + string(ex.CapLints)
	if tc.FlagAware && ex.Flags != nil && *ex.Flags != "" {
		flags += " " + *ex.Flags
	}
	return flags
}
