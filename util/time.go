package util

import (
	"time"

	"github.com/SplitFi/go-salesindexer/service/logger"
)

// Track logs the time it takes to execute a function. Use it with defer.
func Track(s string, startTime time.Time) {
	logger.For(nil).Debugf("%s took %v", s, time.Since(startTime))
}
