// Package cli provides the command-line interface for crater
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/poltergeist/crater/pkg/config"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CLI holds the command tree and everything the commands share
type CLI struct {
	config   *Config
	viper    *viper.Viper
	rootCmd  *cobra.Command
	logger   logger.Logger
	output   io.Writer
	errorOut io.Writer

	// resolved in the pre-run hook
	settings *config.Config
	dirs     config.Dirs
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &CLI{
		config:   cfg,
		viper:    viper.New(),
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(cfg)
	c.output = output
	c.errorOut = errorOut
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "crater",
		Short: "Build the package ecosystem with two toolchains and compare",
		Long: `crater defines experiments over a corpus of registry crates and
GitHub repositories, builds every package with two toolchains, and records
per-package outcomes so regressions between the toolchains show up.`,

		SilenceUsage:      true,
		PersistentPreRunE: c.initializeConfig,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("crater v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newDefineExCmd())
	c.rootCmd.AddCommand(c.newRunExCmd())
	c.rootCmd.AddCommand(c.newCopyExCmd())
	c.rootCmd.AddCommand(c.newDeleteExCmd())
	c.rootCmd.AddCommand(c.newDeleteAllTargetDirsCmd())
	c.rootCmd.AddCommand(c.newListExCmd())
	c.rootCmd.AddCommand(c.newReportExCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", c.config.ConfigFile, "config file (JSON or YAML)")
	flags.StringVar(&c.config.WorkDir, "work-dir", c.config.WorkDir, "directory holding experiments, mirrors, lists and results")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", c.config.Verbosity, "log level (debug, info, warn, error)")
	flags.IntVarP(&c.config.Jobs, "jobs", "j", c.config.Jobs, "concurrent tasks (default: config file, then CPU count)")
	flags.StringVar(&c.config.MetricsAddr, "metrics-addr", c.config.MetricsAddr, "serve prometheus metrics on this address during runs")
}

// initializeConfig layers environment over flags and loads the config file
func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	c.viper.SetEnvPrefix("CRATER")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.viper.AutomaticEnv()

	if err := c.viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	c.config.ConfigFile = c.viper.GetString("config")
	c.config.WorkDir = c.viper.GetString("work-dir")
	c.config.Verbosity = c.viper.GetString("verbosity")
	c.config.Jobs = c.viper.GetInt("jobs")
	c.config.MetricsAddr = c.viper.GetString("metrics-addr")

	mgr := config.NewManager()
	settings := mgr.GetDefaultConfig()
	if c.config.ConfigFile != "" {
		loaded, err := mgr.LoadConfig(c.config.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		settings = loaded
	}
	c.settings = settings
	c.dirs = config.NewDirs(c.config.WorkDir)

	level := c.config.Verbosity
	logFile := ""
	if settings.Logging != nil {
		logFile = settings.Logging.File
		explicit := cmd.Flags().Changed("verbosity") || os.Getenv("CRATER_VERBOSITY") != ""
		if !explicit && settings.Logging.Level != "" {
			level = string(settings.Logging.Level)
		}
	}

	if c.errorOut == os.Stderr {
		c.logger = logger.CreateLogger(logFile, level)
	} else {
		c.logger = logger.CreateLoggerWithOutput(level, c.errorOut)
	}

	if c.config.ConfigFile != "" {
		c.logger.Debug("Using config file", logger.WithField("file", c.config.ConfigFile))
	}

	return nil
}

// Helper methods for user-facing output

func (c *CLI) printSuccess(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.GreenString("[crater]"), message)
}

func (c *CLI) printInfo(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.CyanString("[crater]"), message)
}

func (c *CLI) printWarning(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.YellowString("[crater]"), message)
}

// ExecuteWithVersion runs the CLI on the process arguments
func ExecuteWithVersion(version string) error {
	cfg := NewConfig()
	cfg.Version = version
	return NewCLI(cfg).ExecuteContext(context.Background(), os.Args[1:])
}
