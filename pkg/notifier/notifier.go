// Package notifier sends desktop notifications about experiment runs
package notifier

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/poltergeist/crater/pkg/logger"
	"github.com/poltergeist/crater/pkg/types"
)

// SendFunc delivers one notification
type SendFunc func(title, message string) error

// RunNotifier tells the user when long experiment runs start and end
type RunNotifier struct {
	enabled bool
	beep    bool
	send    SendFunc
	logger  logger.Logger
}

// Config represents notification configuration
type Config struct {
	Enabled bool
	// Beep plays a sound when a run fails
	Beep bool
}

// New creates a new run notifier backed by desktop notifications
func New(config Config, log logger.Logger) *RunNotifier {
	return NewWithSender(config, log, func(title, message string) error {
		return beeep.Notify(title, message, "")
	})
}

// NewWithSender creates a run notifier with a custom delivery function
func NewWithSender(config Config, log logger.Logger, send SendFunc) *RunNotifier {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &RunNotifier{
		enabled: config.Enabled,
		beep:    config.Beep,
		send:    send,
		logger:  log,
	}
}

// NotifyRunStart notifies that an experiment run has started
func (n *RunNotifier) NotifyRunStart(experiment string, tasks int) {
	if !n.enabled {
		return
	}

	n.sendNotification("crater", fmt.Sprintf("Running %s (%d tasks)...", experiment, tasks))
}

// NotifyRunFinished notifies that every task of a run has an outcome
func (n *RunNotifier) NotifyRunFinished(experiment string, counts map[types.OutcomeStatus]int, elapsed time.Duration) {
	if !n.enabled {
		return
	}

	failed := counts[types.OutcomeBuildFail] + counts[types.OutcomeTestFail]
	message := fmt.Sprintf("%s finished in %s: %d passed, %d failed, %d errors",
		experiment, formatDuration(elapsed), counts[types.OutcomeTestPass], failed, counts[types.OutcomeError])

	n.sendNotification("✅ Experiment Finished", message)
}

// NotifyRunFailed notifies that a run was aborted
func (n *RunNotifier) NotifyRunFailed(experiment string, err error) {
	if !n.enabled {
		return
	}

	n.sendNotification("❌ Experiment Failed", fmt.Sprintf("%s: %v", experiment, err))

	if n.beep && runtime.GOOS != "windows" {
		if err := beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration); err != nil {
			n.logger.Debug("failed to play sound", logger.WithError(err))
		}
	}
}

func (n *RunNotifier) sendNotification(title, message string) {
	if err := n.send(title, message); err != nil {
		// Headless build machines have no notification daemon
		n.logger.Debug("failed to send notification", logger.WithError(err))
		n.logger.Info(fmt.Sprintf("%s: %s", title, message))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
