package obsv

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// ErrorReporter captures unexpected (Internal-kind) errors, mirroring
// shared/observability/errors.go's ErrorProvider but trimmed to the one
// thing the gateway core needs: report, don't decide severity.
type ErrorReporter struct {
	enabled bool
	service string
	logger  *zap.Logger
}

// ErrorReporterConfig configures Sentry reporting; DSN empty disables it.
type ErrorReporterConfig struct {
	ServiceName string
	Environment string
	DSN         string
	SampleRate  float64
}

// NewErrorReporter builds the reporter. With no DSN it still logs
// locally through zap but never talks to Sentry — the core fails open,
// it does not pretend to have error tracking it wasn't given.
func NewErrorReporter(cfg ErrorReporterConfig, logger *zap.Logger) (*ErrorReporter, error) {
	r := &ErrorReporter{service: cfg.ServiceName, logger: logger}
	if cfg.DSN == "" {
		return r, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.SampleRate,
		AttachStacktrace: true,
	}); err != nil {
		return nil, fmt.Errorf("obsv: init sentry: %w", err)
	}
	r.enabled = true
	return r, nil
}

// CaptureInternal reports an Internal-kind error with request context.
func (r *ErrorReporter) CaptureInternal(err error, requestID, component string) {
	r.logger.Error("internal error captured",
		zap.Error(err),
		zap.String("service", r.service),
		zap.String("request_id", requestID),
		zap.String("component", component),
	)
	if !r.enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("request_id", requestID)
		scope.SetTag("component", component)
		sentry.CaptureException(err)
	})
}

// CapturePanic recovers a panic, reports it, then re-panics so normal
// process-level recovery (gin.Recovery) still runs.
func (r *ErrorReporter) CapturePanic(requestID, component string) {
	if rec := recover(); rec != nil {
		stack := string(debug.Stack())
		r.logger.Error("panic recovered",
			zap.Any("panic", rec),
			zap.String("stack_trace", stack),
			zap.String("request_id", requestID),
			zap.String("component", component),
		)
		if r.enabled {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("request_id", requestID)
				scope.SetTag("component", component)
				sentry.CaptureException(fmt.Errorf("panic: %v", rec))
			})
		}
		panic(rec)
	}
}

// Flush waits up to timeout for buffered Sentry events to send.
func (r *ErrorReporter) Flush(timeout time.Duration) bool {
	if !r.enabled {
		return true
	}
	return sentry.Flush(timeout)
}
