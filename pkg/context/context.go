// Package context carries run identity through context.Context
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Context keys for run tracing.
// Using unexported struct pointers prevents key collisions.
var (
	runIDKey      = &struct{}{}
	experimentKey = &struct{}{}
	startTimeKey  = &struct{}{}
)

// WithRunID adds a run ID to the context
func WithRunID(parent context.Context, runID string) context.Context {
	if runID == "" {
		runID = GenerateRunID()
	}
	return context.WithValue(parent, runIDKey, runID)
}

// GetRunID retrieves the run ID from context, or "" when absent
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// WithExperiment adds the experiment name to the context
func WithExperiment(parent context.Context, name string) context.Context {
	return context.WithValue(parent, experimentKey, name)
}

// GetExperiment retrieves the experiment name from context, or "" when absent
func GetExperiment(ctx context.Context) string {
	if name, ok := ctx.Value(experimentKey).(string); ok {
		return name
	}
	return ""
}

// WithStartTime adds the run start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime retrieves the start time from context
func GetStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// GenerateRunID creates a new unique run ID
func GenerateRunID() string {
	return "run_" + uuid.New().String()
}

// EnrichRun tags a context with a fresh run ID, the experiment name and
// the current time. An existing run ID is kept.
func EnrichRun(parent context.Context, experiment string) context.Context {
	ctx := parent
	if GetRunID(ctx) == "" {
		ctx = WithRunID(ctx, "")
	}
	ctx = WithExperiment(ctx, experiment)
	return WithStartTime(ctx, time.Now())
}
