package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/poltergeist/crater/internal/engine"
	"github.com/poltergeist/crater/internal/state"
	pcontext "github.com/poltergeist/crater/pkg/context"
	"github.com/poltergeist/crater/pkg/corpus"
	"github.com/poltergeist/crater/pkg/experiment"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/process"
	"github.com/poltergeist/crater/pkg/results"
	"github.com/poltergeist/crater/pkg/types"
	"github.com/poltergeist/crater/pkg/utils"
	"github.com/spf13/cobra"
)

const defaultExperiment = "default"

func (c *CLI) newDefineExCmd() *cobra.Command {
	var (
		name        string
		crateSelect string
		mode        string
		capLints    string
		rustflags   string
	)

	cmd := &cobra.Command{
		Use:   "define-ex <toolchain> <toolchain>",
		Short: "Define an experiment",
		Long: `Define an experiment comparing two toolchains over a crate selection.
An existing experiment with the same name is replaced.

A toolchain suffixed with +rustflags builds with the --rustflags value.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := experiment.DefineOptions{Name: name}

			for _, arg := range args {
				tc, err := types.ParseToolchain(arg)
				if err != nil {
					return err
				}
				opts.Toolchains = append(opts.Toolchains, tc)
			}

			var err error
			if opts.Mode, err = types.ParseMode(mode); err != nil {
				return err
			}
			if opts.CapLints, err = types.ParseCapLints(capLints); err != nil {
				return err
			}
			if opts.Crates, err = types.ParseCrateSelect(crateSelect); err != nil {
				return err
			}
			if cmd.Flags().Changed("rustflags") {
				opts.Flags = &rustflags
			}

			ex, err := c.newStore().Define(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := c.clearResults(ex.Name); err != nil {
				return err
			}

			c.printSuccess(fmt.Sprintf("defined experiment %s: %s vs %s, %d crates",
				ex.Name, ex.Toolchains[0], ex.Toolchains[1], len(ex.Packages)))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "ex", defaultExperiment, "experiment name")
	cmd.Flags().StringVar(&crateSelect, "crate-select", string(types.CrateSelectDemo), "crates to build (full, demo, small-random, top-100)")
	cmd.Flags().StringVar(&mode, "mode", string(types.ModeBuildAndTest), "what to run (build-and-test, build-only, check-only, unstable-features)")
	cmd.Flags().StringVar(&capLints, "cap-lints", string(types.CapLintsForbid), "lint cap (allow, warn, deny, forbid)")
	cmd.Flags().StringVar(&rustflags, "rustflags", "", "compiler flags for +rustflags toolchains")

	return cmd
}

func (c *CLI) newRunExCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "run-ex",
		Short: "Run an experiment",
		Long: `Build every crate of the experiment with both toolchains and record the
outcomes in the results database. Ctrl-C stops the run; tasks already
recorded are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runExperiment(cmd.Context(), name)
		},
	}

	cmd.Flags().StringVar(&name, "ex", defaultExperiment, "experiment name")
	return cmd
}

func (c *CLI) newCopyExCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "copy-ex <src> <dst>",
		Short: "Copy an experiment and its results",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.newStore().Copy(args[0], args[1]); err != nil {
				return err
			}

			sink, err := results.NewSQLiteSink(c.dirs.ResultsDB)
			if err != nil {
				return err
			}
			defer sink.Close()

			if err := sink.CopyExperiment(args[0], args[1]); err != nil {
				return err
			}

			c.printSuccess(fmt.Sprintf("copied experiment %s to %s", args[0], args[1]))
			return nil
		},
	}
}

func (c *CLI) newDeleteExCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "delete-ex",
		Short: "Delete an experiment and its results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.newStore().Delete(name); err != nil {
				return err
			}
			if err := c.clearResults(name); err != nil {
				return err
			}

			c.printSuccess(fmt.Sprintf("deleted experiment %s", name))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "ex", defaultExperiment, "experiment name")
	return cmd
}

func (c *CLI) newDeleteAllTargetDirsCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "delete-all-target-dirs",
		Short: "Delete the build artifacts of an experiment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.newStore().DeleteAllTargetDirs(name); err != nil {
				return err
			}
			c.printSuccess(fmt.Sprintf("deleted target directories of %s", name))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "ex", defaultExperiment, "experiment name")
	return cmd
}

func (c *CLI) newListExCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-ex",
		Short: "List defined experiments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := c.newStore()

			names, err := store.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				c.printInfo("no experiments defined")
				return nil
			}

			runs := state.NewManager(c.dirs, c.logger)

			var sink *results.SQLiteSink
			if utils.FileExists(c.dirs.ResultsDB) {
				if sink, err = results.NewSQLiteSink(c.dirs.ResultsDB); err != nil {
					return err
				}
				defer sink.Close()
			}

			w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTOOLCHAINS\tMODE\tCRATES\tLAST RUN\tRESULTS")
			fmt.Fprintln(w, "----\t----------\t----\t------\t--------\t-------")

			for _, name := range names {
				ex, err := store.Load(name)
				if err != nil {
					fmt.Fprintf(w, "%s\t-\t-\t-\t-\t%v\n", name, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s %s\t%s\t%d\t%s\t%s\n",
					ex.Name, ex.Toolchains[0], ex.Toolchains[1], ex.Mode, len(ex.Packages),
					lastRun(runs, name), resultCounts(sink, name))
			}

			return w.Flush()
		},
	}
}

func (c *CLI) newReportExCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "report-ex",
		Short: "Show the recorded outcomes of an experiment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ex, err := c.newStore().Load(name)
			if err != nil {
				return err
			}

			sink, err := results.NewSQLiteSink(c.dirs.ResultsDB)
			if err != nil {
				return err
			}
			defer sink.Close()

			records, err := sink.ListOutcomes(ex.Name)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				c.printInfo(fmt.Sprintf("no outcomes recorded for %s", ex.Name))
				return nil
			}

			w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOOLCHAIN\tCRATE\tCOMMIT\tSTATUS\tDURATION")
			fmt.Fprintln(w, "---------\t-----\t------\t------\t--------")

			for _, r := range records {
				pkg, err := r.Package.Package()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.Toolchain, pkg, pinnedCommit(sink, ex.Name, pkg), r.Outcome.Status, r.Outcome.Duration.Round(time.Millisecond))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&name, "ex", defaultExperiment, "experiment name")
	return cmd
}

// clearResults drops every row recorded for name from the results database
func (c *CLI) clearResults(name string) error {
	sink, err := results.NewSQLiteSink(c.dirs.ResultsDB)
	if err != nil {
		return err
	}
	defer sink.Close()

	return sink.DeleteExperiment(name)
}

func (c *CLI) newStore() *experiment.Store {
	selector := corpus.NewSelector(corpus.NewFileSource(c.dirs.ListsRoot), c.settings.DemoCrates)
	return experiment.NewStore(c.dirs, selector, c.logger)
}

func lastRun(runs *state.Manager, name string) string {
	st, err := runs.Read(name)
	if err != nil {
		return "-"
	}
	if st.Status == state.RunStatusRunning {
		if locked, _ := runs.IsLocked(name); !locked {
			return "abandoned"
		}
		return fmt.Sprintf("running %d/%d", st.Done, st.Total)
	}
	return string(st.Status)
}

func resultCounts(sink *results.SQLiteSink, name string) string {
	if sink == nil {
		return "-"
	}
	counts, err := sink.CountByStatus(name)
	if err != nil || len(counts) == 0 {
		return "-"
	}

	var parts []string
	for _, status := range []types.OutcomeStatus{
		types.OutcomeTestPass, types.OutcomeBuildFail, types.OutcomeTestFail, types.OutcomeError,
	} {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", status, n))
		}
	}
	return strings.Join(parts, " ")
}

// pinnedCommit is the commit a repo package was built at, "-" for registry crates
func pinnedCommit(sink *results.SQLiteSink, name string, pkg types.Package) string {
	repo, ok := pkg.(types.RepoPackage)
	if !ok {
		return "-"
	}
	sha, err := sink.GetSha(name, repo)
	if err != nil {
		return "?"
	}
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return sha
}

func (c *CLI) runExperiment(ctx context.Context, name string) (err error) {
	ex, err := c.newStore().Load(name)
	if err != nil {
		return err
	}

	ctx = pcontext.WithRunID(ctx, "")
	runs := state.NewManager(c.dirs, c.logger)
	if _, err := runs.Begin(ex.Name, pcontext.GetRunID(ctx), len(ex.Packages)*len(ex.Toolchains)); err != nil {
		return err
	}
	defer func() {
		if finishErr := runs.Finish(ex.Name, state.StatusForError(err), err); finishErr != nil {
			c.logger.Warn("failed to record run state", logger.WithError(finishErr))
		}
	}()

	sink, err := results.NewSQLiteSink(c.dirs.ResultsDB)
	if err != nil {
		return err
	}
	defer sink.Close()

	deps := engine.NewDependencyFactory(c.dirs, c.settings, c.logger).CreateDefaults(sink)
	eng := engine.New(c.dirs, deps, engine.Options{
		Workers:        c.config.workers(c.settings.Runner.Workers),
		ReuseLockfiles: c.settings.ReuseLockfiles(),
	}, c.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pm := process.NewManager(c.logger)
	pm.RegisterShutdownHandler(cancel)
	pm.SetHeartbeat(process.DefaultHeartbeatInterval, func() {
		done, total := eng.Progress()
		c.logger.Info(fmt.Sprintf("progress: %d of %d tasks done", done, total),
			logger.WithField("experiment", ex.Name))
		if err := runs.Heartbeat(ex.Name, done, total); err != nil {
			c.logger.Debug("failed to update run state", logger.WithError(err))
		}
	})
	pm.Start(ctx)
	defer pm.Stop()

	if c.config.MetricsAddr != "" {
		stop := serveMetrics(c.config.MetricsAddr, c.logger)
		defer stop()
	}

	summary, runErr := eng.Run(ctx, ex)
	if summary != nil {
		c.printSummary(summary)
	}
	return runErr
}

func (c *CLI) printSummary(s *engine.Summary) {
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tTASKS")
	fmt.Fprintln(w, "------\t-----")
	fmt.Fprintf(w, "%s\t%d\n", types.OutcomeTestPass, s.Passed)
	fmt.Fprintf(w, "%s\t%d\n", types.OutcomeBuildFail, s.BuildFailed)
	fmt.Fprintf(w, "%s\t%d\n", types.OutcomeTestFail, s.TestFailed)
	fmt.Fprintf(w, "%s\t%d\n", types.OutcomeError, s.Errored)
	fmt.Fprintf(w, "skipped\t%d\n", s.Skipped)
	w.Flush()

	if s.MirrorFailures > 0 {
		c.printWarning(fmt.Sprintf("%d repo mirrors could not be updated", s.MirrorFailures))
	}
	c.printInfo(fmt.Sprintf("%s: %d of %d tasks recorded in %s",
		s.Experiment, s.Recorded(), s.Tasks, s.Duration.Round(1e9)))
}
