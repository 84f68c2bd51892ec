package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/poltergeist/crater/pkg/logger"
)

// Command describes one subprocess invocation
type Command struct {
	Name string
	Args []string
	Dir  string

	// Env is appended to the current environment
	Env map[string]string

	// Capture keeps the combined output in the Result. Uncaptured output
	// is streamed to the logger at debug level.
	Capture bool

	Logger logger.Logger
}

// Result is the outcome of a finished command
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a command that ran but exited unsuccessfully
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
}

// Run executes the command and waits for it. A non-zero exit returns the
// Result together with an *ExitError; failing to start returns only an error.
func (c *Command) Run(ctx context.Context) (*Result, error) {
	log := c.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir

	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var outputBuffer bytes.Buffer
	var out io.Writer = &outputBuffer
	var stream *lineLogger
	if !c.Capture {
		stream = &lineLogger{log: log, command: c.Name}
		out = stream
	}
	cmd.Stdout = out
	cmd.Stderr = out

	log.Debug("running command",
		logger.WithField("command", c.String()),
		logger.WithField("dir", c.Dir))

	startTime := time.Now()
	err := cmd.Run()
	if stream != nil {
		stream.Flush()
	}

	result := &Result{
		Output:   outputBuffer.String(),
		Duration: time.Since(startTime),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", c.String(), ctxErr)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExitError{
				Command:  c.String(),
				ExitCode: result.ExitCode,
				Output:   result.Output,
			}
		}
		return nil, fmt.Errorf("failed to run %s: %w", c.String(), err)
	}

	return result, nil
}

// String renders the command line
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// lineLogger forwards complete output lines to a logger
type lineLogger struct {
	log     logger.Logger
	command string
	mu      sync.Mutex
	pending bytes.Buffer
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending.Write(p)
	for {
		line, err := w.pending.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write
			w.pending.Reset()
			w.pending.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits any trailing partial line
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	scanner := bufio.NewScanner(&w.pending)
	for scanner.Scan() {
		w.emit(scanner.Text())
	}
	w.pending.Reset()
}

func (w *lineLogger) emit(line string) {
	if line == "" {
		return
	}
	w.log.Debug(line, logger.WithField("command", w.command))
}
