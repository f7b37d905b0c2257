package sentryutil

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/env"
	"github.com/SplitFi/go-salesindexer/service/logger"
)

// InitSentry configures the global sentry client. Local environments skip it.
func InitSentry() {
	if env.IsLocal() {
		logger.For(nil).Info("skipping sentry init")
		return
	}

	logger.For(nil).Info("initializing sentry...")

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              env.GetString("SENTRY_DSN"),
		Environment:      env.GetString("ENV"),
		TracesSampleRate: env.GetFloat64("SENTRY_TRACES_SAMPLE_RATE"),
		Release:          env.GetString("VERSION"),
		AttachStacktrace: true,
	})
	if err != nil {
		logger.For(nil).Fatalf("failed to start sentry: %s", err)
	}
}

// NewSentryHubContext returns a context with a hub cloned from the parent, so that scopes
// set by one goroutine don't leak into another.
func NewSentryHubContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	hub := SentryHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return sentry.SetHubOnContext(ctx, hub.Clone())
}

// SentryHubFromContext returns the hub stored on ctx, if any.
func SentryHubFromContext(ctx context.Context) *sentry.Hub {
	if ctx == nil {
		return nil
	}
	return sentry.GetHubFromContext(ctx)
}

// ReportError sends err to sentry using the hub on ctx.
func ReportError(ctx context.Context, err error, extra ...logrus.Fields) {
	hub := SentryHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for _, fields := range extra {
			for k, v := range fields {
				scope.SetExtra(k, v)
			}
		}
		hub.CaptureException(err)
	})
}

// RecoverAndRaise reports a panic to sentry and re-panics. Use it with defer at the top of a goroutine.
func RecoverAndRaise(ctx context.Context) {
	if r := recover(); r != nil {
		hub := SentryHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.Recover(r)
		hub.Flush(2 * time.Second)
		panic(r)
	}
}

// RecoverAndReport reports a panic to sentry and converts it into an error.
func RecoverAndReport(ctx context.Context, errp *error) {
	if r := recover(); r != nil {
		hub := SentryHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.Recover(r)
		err := fmt.Errorf("recovered from panic: %v", r)
		logger.For(ctx).WithError(err).Error("panic recovered")
		if errp != nil {
			*errp = err
		}
	}
}
