package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poltergeist/crater/pkg/config"
	pcontext "github.com/poltergeist/crater/pkg/context"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/types"
	"github.com/poltergeist/crater/pkg/utils"
)

// Options tunes a run
type Options struct {
	// Workers bounds concurrent tasks; zero means one per CPU
	Workers int

	// ReuseLockfiles copies the lock generated for the first toolchain to
	// the second instead of regenerating it, unless the second is flag-aware
	ReuseLockfiles bool
}

// Summary tallies the tasks of one run
type Summary struct {
	Experiment     string
	Tasks          int
	Passed         int
	BuildFailed    int
	TestFailed     int
	Errored        int
	Skipped        int
	MirrorFailures int
	Duration       time.Duration
}

// Counts returns the recorded outcomes by status
func (s *Summary) Counts() map[types.OutcomeStatus]int {
	return map[types.OutcomeStatus]int{
		types.OutcomeTestPass:  s.Passed,
		types.OutcomeBuildFail: s.BuildFailed,
		types.OutcomeTestFail:  s.TestFailed,
		types.OutcomeError:     s.Errored,
	}
}

// Recorded is the number of tasks with an outcome in the sink
func (s *Summary) Recorded() int {
	return s.Passed + s.BuildFailed + s.TestFailed + s.Errored
}

func (s *Summary) add(status types.OutcomeStatus) {
	switch status {
	case types.OutcomeTestPass:
		s.Passed++
	case types.OutcomeBuildFail:
		s.BuildFailed++
	case types.OutcomeTestFail:
		s.TestFailed++
	default:
		s.Errored++
	}
}

// taskResult is what workers hand to the recorder
type taskResult struct {
	tc      types.Toolchain
	pkg     types.Package
	outcome types.TaskOutcome
}

type taskKey struct {
	tc    types.Toolchain
	pkgID string
}

// Engine runs experiments
type Engine struct {
	dirs   config.Dirs
	deps   Dependencies
	opts   Options
	logger logger.Logger

	done  atomic.Int64
	total atomic.Int64
}

// New creates an engine. Every dependency except the notifier is required.
func New(dirs config.Dirs, deps Dependencies, opts Options, log logger.Logger) *Engine {
	if deps.Runtime == nil {
		panic("Runtime dependency is required")
	}
	if deps.Sources == nil {
		panic("Sources dependency is required")
	}
	if deps.Patcher == nil {
		panic("Patcher dependency is required")
	}
	if deps.Locks == nil {
		panic("Locks dependency is required")
	}
	if deps.Isolator == nil {
		panic("Isolator dependency is required")
	}
	if deps.Mirror == nil {
		panic("Mirror dependency is required")
	}
	if deps.Sink == nil {
		panic("Sink dependency is required")
	}

	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Engine{
		dirs:   dirs,
		deps:   deps,
		opts:   opts,
		logger: log,
	}
}

// Progress reports finished and total tasks of the current run
func (e *Engine) Progress() (done, total int) {
	return int(e.done.Load()), int(e.total.Load())
}

// PrepareAllToolchains installs the toolchains one after the other
func (e *Engine) PrepareAllToolchains(ctx context.Context, ex *types.Experiment) error {
	for _, tc := range ex.Toolchains {
		if err := e.deps.Runtime.Prepare(ctx, tc); err != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrToolchainPrepare, tc, err)
		}
	}
	return nil
}

// Run executes every task of the experiment and records its outcome.
//
// Per-task failures end up in the sink and never fail the run. Run returns
// an error only for experiment-level failures, an interruption through ctx,
// or a sink that could not store every outcome; the summary is returned in
// all cases.
func (e *Engine) Run(ctx context.Context, ex *types.Experiment) (*Summary, error) {
	ctx = pcontext.EnrichRun(ctx, ex.Name)
	log := logger.WithContext(ctx, e.logger)
	start := time.Now()

	summary := &Summary{
		Experiment: ex.Name,
		Tasks:      len(ex.Packages) * len(ex.Toolchains),
	}
	e.done.Store(0)
	e.total.Store(int64(summary.Tasks))

	fail := func(err error) (*Summary, error) {
		summary.Skipped = summary.Tasks - summary.Recorded()
		summary.Duration = time.Since(start)
		log.Error("experiment aborted", logger.WithError(err))
		if e.deps.Notifier != nil {
			e.deps.Notifier.NotifyRunFailed(ex.Name, err)
		}
		return summary, err
	}

	log.Info(fmt.Sprintf("running %d tasks with %d workers", summary.Tasks, e.opts.Workers))
	if e.deps.Notifier != nil {
		e.deps.Notifier.NotifyRunStart(ex.Name, summary.Tasks)
	}

	if err := e.createDirs(ex); err != nil {
		return fail(err)
	}

	if err := e.PrepareAllToolchains(ctx, ex); err != nil {
		return fail(err)
	}

	summary.MirrorFailures = e.deps.Mirror.FetchRepoCrates(ctx, ex)
	if summary.MirrorFailures > 0 {
		log.Warn(fmt.Sprintf("%d repo mirrors could not be updated", summary.MirrorFailures))
	}

	if err := e.deps.Mirror.CaptureShas(ctx, ex, ex.Packages, e.deps.Sink); err != nil {
		return fail(err)
	}

	results := make(chan taskResult, e.opts.Workers)
	var sinkErr error
	var recorder sync.WaitGroup
	recorder.Add(1)
	go func() {
		defer recorder.Done()
		sinkErr = e.record(ex, results, summary, log)
	}()

	var skipped atomic.Int64
	ready := e.prepareSources(ctx, ex, results, &skipped, log)
	e.runTasks(ctx, ex, ready, results, &skipped, log)

	close(results)
	recorder.Wait()

	summary.Skipped = int(skipped.Load())
	summary.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("experiment %s interrupted after %d of %d tasks: %w",
			ex.Name, summary.Recorded(), summary.Tasks, err))
	}
	if sinkErr != nil {
		return fail(fmt.Errorf("%w: not every outcome of %s was recorded: %v", types.ErrStorage, ex.Name, sinkErr))
	}

	log.Success(fmt.Sprintf("experiment %s finished", ex.Name),
		logger.WithField("passed", summary.Passed),
		logger.WithField("build_failed", summary.BuildFailed),
		logger.WithField("test_failed", summary.TestFailed),
		logger.WithField("errors", summary.Errored))
	if e.deps.Notifier != nil {
		e.deps.Notifier.NotifyRunFinished(ex.Name, summary.Counts(), summary.Duration)
	}

	return summary, nil
}

func (e *Engine) createDirs(ex *types.Experiment) error {
	for _, dir := range []string{
		e.dirs.SourcesDir(ex.Name),
		e.dirs.WorkRoot(ex.Name),
		e.dirs.TargetRoot(ex.Name),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: failed to create %s: %v", types.ErrFilesystem, dir, err)
		}
	}
	return nil
}

// record is the single consumer of task results. It keeps going after a
// sink failure so that every other outcome still gets its chance.
func (e *Engine) record(ex *types.Experiment, results <-chan taskResult, summary *Summary, log logger.Logger) error {
	var firstErr error

	for r := range results {
		summary.add(r.outcome.Status)
		e.done.Add(1)
		tasksTotal.WithLabelValues(string(r.outcome.Status)).Inc()
		taskDuration.WithLabelValues(r.tc.String()).Observe(r.outcome.Duration.Seconds())

		if err := e.deps.Sink.RecordTaskOutcome(ex, r.tc, r.pkg, r.outcome); err != nil {
			sinkErrors.Inc()
			log.Error("failed to record outcome",
				logger.WithField("package", r.pkg.String()),
				logger.WithField("toolchain", r.tc.String()),
				logger.WithError(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		fields := []logger.Field{
			logger.WithField("toolchain", r.tc.String()),
			logger.WithField("status", r.outcome.Status),
		}
		if r.outcome.Status.IsSuccess() {
			log.WithTask(r.pkg.String()).Info("task finished", fields...)
		} else {
			log.WithTask(r.pkg.String()).Warn("task finished", fields...)
		}
	}

	return firstErr
}

// prepareSources runs the mutating steps of every package and returns the
// tasks whose canonical source is ready
func (e *Engine) prepareSources(
	ctx context.Context,
	ex *types.Experiment,
	results chan<- taskResult,
	skipped *atomic.Int64,
	log logger.Logger,
) map[taskKey]bool {
	var mu sync.Mutex
	ready := make(map[taskKey]bool, len(ex.Packages)*len(ex.Toolchains))

	group, groupCtx := NewSafeGroup(ctx, log)
	group.SetLimit(e.opts.Workers)

	for _, pkg := range ex.Packages {
		pkg := pkg
		group.Go(func() error {
			if groupCtx.Err() != nil {
				skipped.Add(int64(len(ex.Toolchains)))
				e.done.Add(int64(len(ex.Toolchains)))
				tasksSkipped.Add(float64(len(ex.Toolchains)))
				return nil
			}

			var firstReady bool
			for i, tc := range ex.Toolchains {
				start := time.Now()
				err := e.preparePackage(groupCtx, ex, i, tc, pkg, firstReady)
				if i == 0 {
					firstReady = err == nil
				}

				if err != nil && groupCtx.Err() != nil {
					skipped.Add(1)
					e.done.Add(1)
					tasksSkipped.Inc()
					continue
				}

				if err != nil {
					log.WithTask(pkg.String()).Warn("failed to prepare sources",
						logger.WithField("toolchain", tc.String()),
						logger.WithError(err))
					results <- taskResult{tc: tc, pkg: pkg, outcome: types.TaskOutcome{
						Status:   types.OutcomeError,
						Error:    err.Error(),
						Duration: time.Since(start),
					}}
					continue
				}

				mu.Lock()
				ready[taskKey{tc: tc, pkgID: pkg.ID()}] = true
				mu.Unlock()
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		log.Error("source preparation worker failed", logger.WithError(err))
	}

	return ready
}

// preparePackage populates, patches and locks the canonical source of one
// package for one toolchain. It recovers from panics so that one broken
// package cannot take its siblings down.
func (e *Engine) preparePackage(
	ctx context.Context,
	ex *types.Experiment,
	index int,
	tc types.Toolchain,
	pkg types.Package,
	firstReady bool,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while preparing %s: %v", pkg, r)
		}
	}()

	dest := e.dirs.SourceDir(ex.Name, tc, pkg)
	if !utils.DirectoryExists(dest) {
		if err := e.deps.Sources.Populate(ctx, pkg, dest); err != nil {
			return fmt.Errorf("failed to fetch sources of %s: %w", pkg, err)
		}
	}

	switch p := pkg.(type) {
	case types.RegistryPackage:
		if err := e.deps.Patcher.Patch(dest, p); err != nil {
			return fmt.Errorf("failed to patch manifest of %s: %w", pkg, err)
		}
	case types.RepoPackage:
		// repo manifests are built as they are
	}

	if index > 0 && e.opts.ReuseLockfiles && firstReady && !tc.FlagAware {
		return e.deps.Locks.ShareLockfile(ex, ex.Toolchains[0], tc, pkg)
	}
	return e.deps.Locks.CaptureLockfile(ctx, ex, tc, pkg)
}

// runTasks fetches dependencies and runs the mode command for every ready task
func (e *Engine) runTasks(
	ctx context.Context,
	ex *types.Experiment,
	ready map[taskKey]bool,
	results chan<- taskResult,
	skipped *atomic.Int64,
	log logger.Logger,
) {
	group, groupCtx := NewSafeGroup(ctx, log)
	group.SetLimit(e.opts.Workers)

	for _, pkg := range ex.Packages {
		for _, tc := range ex.Toolchains {
			if !ready[taskKey{tc: tc, pkgID: pkg.ID()}] {
				continue
			}

			pkg, tc := pkg, tc
			group.Go(func() error {
				if groupCtx.Err() != nil {
					skipped.Add(1)
					e.done.Add(1)
					tasksSkipped.Inc()
					return nil
				}

				outcome := e.executeTask(groupCtx, ex, tc, pkg, log)

				// A task cut short by the interruption has no meaningful outcome
				if outcome.Status == types.OutcomeError && groupCtx.Err() != nil {
					skipped.Add(1)
					e.done.Add(1)
					tasksSkipped.Inc()
					return nil
				}

				results <- taskResult{tc: tc, pkg: pkg, outcome: outcome}
				return nil
			})
		}
	}

	if err := group.Wait(); err != nil {
		log.Error("task worker failed", logger.WithError(err))
	}
}

// executeTask turns every failure of a task into its outcome
func (e *Engine) executeTask(
	ctx context.Context,
	ex *types.Experiment,
	tc types.Toolchain,
	pkg types.Package,
	log logger.Logger,
) (outcome types.TaskOutcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.WithTask(pkg.String()).Error("task panic recovered",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			outcome = types.TaskOutcome{
				Status: types.OutcomeError,
				Error:  fmt.Sprintf("task panic: %v", r),
			}
		}
		outcome.Duration = time.Since(start)
	}()

	if err := e.deps.Locks.FetchDeps(ctx, ex, tc, pkg); err != nil {
		return outcomeFromError(err, types.OutcomeBuildFail)
	}

	return e.runMode(ctx, ex, tc, pkg)
}

// outcomeFromError classifies a failed step. Build tool failures are the
// package's fault; anything else is an infrastructure error.
func outcomeFromError(err error, toolFailure types.OutcomeStatus) types.TaskOutcome {
	var toolErr *types.BuildToolError
	if errors.As(err, &toolErr) {
		return types.TaskOutcome{
			Status: toolFailure,
			Output: toolErr.Output,
			Error:  err.Error(),
		}
	}
	return types.TaskOutcome{
		Status: types.OutcomeError,
		Error:  err.Error(),
	}
}
