// Package observability wraps sentry-go for error capture and tracing.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/irfndi/hrguard/internal/config"
)

// Span operations used by hrguard.
const (
	SpanOpDBQuery  = "db.query"
	SpanOpCache    = "cache"
	SpanOpGuard    = "guard"
	SpanOpPublish  = "queue.publish"
	SpanOpHTTP     = "http.server"
	SpanOpShutdown = "shutdown"
)

var enabled bool

// InitSentry configures the global hub. Without a DSN it is a no-op and every
// helper in this package degrades to nothing.
func InitSentry(cfg config.SentryConfig, release, environment string) error {
	if !cfg.Enabled || cfg.DSN == "" {
		enabled = false
		return nil
	}
	if cfg.Release != "" {
		release = cfg.Release
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Release:          release,
		Environment:      environment,
		SampleRate:       cfg.SampleRate,
		EnableTracing:    cfg.TracesSampleRate > 0,
		TracesSampleRate: cfg.TracesSampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	enabled = true
	return nil
}

// Enabled reports whether InitSentry installed a client.
func Enabled() bool {
	return enabled
}

// Flush waits for buffered events until ctx is done or two seconds pass.
func Flush(ctx context.Context) {
	if !enabled {
		return
	}
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	sentry.Flush(timeout)
}

// StartSpan starts a child span of whatever transaction ctx carries.
func StartSpan(ctx context.Context, op, description string) (context.Context, *sentry.Span) {
	span := sentry.StartSpan(ctx, op, sentry.WithDescription(description))
	return span.Context(), span
}

// FinishSpan sets the span status from err and finishes it.
func FinishSpan(span *sentry.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		span.SetData("error", err.Error())
	} else {
		span.Status = sentry.SpanStatusOK
	}
	span.Finish()
}

func hubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

// CaptureException reports err on the request hub when there is one.
func CaptureException(ctx context.Context, err error) {
	if err == nil || !enabled {
		return
	}
	hubFromContext(ctx).CaptureException(err)
}

// AddBreadcrumb records a breadcrumb on the request hub when there is one.
func AddBreadcrumb(ctx context.Context, category, message string, level sentry.Level) {
	if !enabled {
		return
	}
	hubFromContext(ctx).AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Level:     level,
		Timestamp: time.Now(),
	}, nil)
}
