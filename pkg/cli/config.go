package cli

import (
	"runtime"
)

// Config holds the global command-line settings
type Config struct {
	ConfigFile  string
	WorkDir     string
	Verbosity   string
	Version     string
	Jobs        int
	MetricsAddr string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		WorkDir:   "work",
		Verbosity: "info",
	}
}

// workers resolves the worker count from the flag, the config file and
// the machine, in that order
func (c *Config) workers(fromFile int) int {
	if c.Jobs > 0 {
		return c.Jobs
	}
	if fromFile > 0 {
		return fromFile
	}
	return runtime.NumCPU()
}
