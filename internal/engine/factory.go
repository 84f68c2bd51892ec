package engine

import (
	"github.com/poltergeist/crater/internal/toolchain"
	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/interfaces"
	"github.com/poltergeist/crater/pkg/lockfile"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/mirror"
	"github.com/poltergeist/crater/pkg/notifier"
	"github.com/poltergeist/crater/pkg/workdir"
)

// DependencyFactory creates default implementations of dependencies.
// Constructors take every collaborator explicitly; this is the one place
// that knows the concrete types.
type DependencyFactory struct {
	dirs   config.Dirs
	logger logger.Logger
	config *config.Config
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(dirs config.Dirs, cfg *config.Config, log logger.Logger) *DependencyFactory {
	if cfg == nil {
		cfg = config.NewManager().GetDefaultConfig()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &DependencyFactory{
		dirs:   dirs,
		logger: log,
		config: cfg,
	}
}

// CreateDefaults wires the production dependencies around the given sink
func (f *DependencyFactory) CreateDefaults(sink interfaces.ResultSink) Dependencies {
	runtime := toolchain.NewRuntime(f.dirs, f.logger)
	iso := workdir.NewIsolator(f.dirs, f.logger)

	deps := Dependencies{
		Runtime:  runtime,
		Sources:  toolchain.NewSources(f.dirs, toolchain.DefaultRegistryURL, f.logger),
		Patcher:  toolchain.NewManifestPatcher(f.logger),
		Locks:    lockfile.NewManager(f.config, iso, runtime, f.dirs, f.logger),
		Isolator: iso,
		Mirror:   mirror.NewSync(mirror.NewGit(f.logger), f.dirs, f.logger),
		Sink:     sink,
	}

	if f.config.NotificationsEnabled() {
		deps.Notifier = notifier.New(notifier.Config{Enabled: true, Beep: true}, f.logger)
	}

	return deps
}

// CreateWithOverrides creates dependencies with specific overrides.
// Non-nil fields of overrides replace the defaults.
func (f *DependencyFactory) CreateWithOverrides(sink interfaces.ResultSink, overrides Dependencies) Dependencies {
	deps := f.CreateDefaults(sink)

	if overrides.Runtime != nil {
		deps.Runtime = overrides.Runtime
	}
	if overrides.Sources != nil {
		deps.Sources = overrides.Sources
	}
	if overrides.Patcher != nil {
		deps.Patcher = overrides.Patcher
	}
	if overrides.Locks != nil {
		deps.Locks = overrides.Locks
	}
	if overrides.Isolator != nil {
		deps.Isolator = overrides.Isolator
	}
	if overrides.Mirror != nil {
		deps.Mirror = overrides.Mirror
	}
	if overrides.Sink != nil {
		deps.Sink = overrides.Sink
	}
	if overrides.Notifier != nil {
		deps.Notifier = overrides.Notifier
	}

	return deps
}
