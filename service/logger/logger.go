package logger

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

type loggerContextKey struct{}

var defaultLogger = logrus.New()

func init() {
	defaultLogger.SetOutput(os.Stderr)
	defaultLogger.SetLevel(logrus.InfoLevel)
}

// For returns a log entry carrying the fields stored on ctx. A nil context is allowed.
func For(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if entry, ok := ctx.Value(loggerContextKey{}).(*logrus.Entry); ok && entry != nil {
			return entry
		}
	}
	return logrus.NewEntry(defaultLogger)
}

// NewContextWithFields returns a child context whose logger carries fields in addition to
// whatever the parent already had.
func NewContextWithFields(ctx context.Context, fields logrus.Fields) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerContextKey{}, For(ctx).WithFields(fields))
}

// InitWithGCPDefaults switches to JSON output using the field names Cloud Logging expects.
func InitWithGCPDefaults() {
	defaultLogger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyTime:  "timestamp",
		},
	})
}

// SetLevel sets the level of the default logger.
func SetLevel(level logrus.Level) {
	defaultLogger.SetLevel(level)
}
