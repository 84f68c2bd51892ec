package logger

import (
	"context"
	"time"

	pcontext "github.com/poltergeist/crater/pkg/context"
)

// WithContext creates a logger that tags every line with the run ID and
// experiment carried by ctx
func WithContext(ctx context.Context, logger Logger) Logger {
	if ctx == nil {
		return logger
	}
	return &contextualLogger{
		ctx:    ctx,
		logger: logger,
	}
}

// contextualLogger wraps a logger with automatic context field extraction
type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

// contextFields extracts tracing fields from context
func contextFields(ctx context.Context, fields []Field) []Field {
	var out []Field

	if runID := pcontext.GetRunID(ctx); runID != "" {
		out = append(out, WithField("run_id", runID))
	}
	if ex := pcontext.GetExperiment(ctx); ex != "" {
		out = append(out, WithField("experiment", ex))
	}
	if start, ok := pcontext.GetStartTime(ctx); ok {
		out = append(out, WithField("elapsed", time.Since(start).Round(time.Millisecond)))
	}

	return append(out, fields...)
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	cl.logger.Info(message, contextFields(cl.ctx, fields)...)
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	cl.logger.Error(message, contextFields(cl.ctx, fields)...)
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	cl.logger.Warn(message, contextFields(cl.ctx, fields)...)
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	cl.logger.Debug(message, contextFields(cl.ctx, fields)...)
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	cl.logger.Success(message, contextFields(cl.ctx, fields)...)
}

func (cl *contextualLogger) WithTask(task string) Logger {
	return &contextualLogger{
		ctx:    cl.ctx,
		logger: cl.logger.WithTask(task),
	}
}
