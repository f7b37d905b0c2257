package tracing

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// StartSpan starts a sentry span and returns it with the derived context.
func StartSpan(ctx context.Context, operation, description string, options ...sentry.SpanOption) (*sentry.Span, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	span := sentry.StartSpan(ctx, operation, options...)
	span.Description = description
	return span, span.Context()
}

// FinishSpan finishes span if it isn't nil.
func FinishSpan(span *sentry.Span) {
	if span != nil {
		span.Finish()
	}
}

// AddEventDataToSpan attaches data to span.
func AddEventDataToSpan(span *sentry.Span, data map[string]interface{}) {
	if span == nil {
		return
	}
	if span.Data == nil {
		span.Data = make(map[string]interface{}, len(data))
	}
	for k, v := range data {
		span.Data[k] = v
	}
}
