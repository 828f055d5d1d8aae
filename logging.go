package fiber

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type accepted by this package. A nil
// *Logger is valid and discards everything.
type Logger = logiface.Logger[logiface.Event]

// Package-level logger, used by fibers and by any scheduler that was not
// given one explicitly via [WithLogger].
var globalLogger atomic.Pointer[Logger]

// warnLimiter throttles repeated warnings per category, e.g. one per unknown
// thread affinity.
var warnLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
})

// SetLogger sets the package-level logger. Passing nil disables logging.
func SetLogger(logger *Logger) {
	globalLogger.Store(logger)
}

// getLogger returns the package-level logger, which may be nil.
func getLogger() *Logger {
	return globalLogger.Load()
}

// NewJSONLogger returns a logger writing one JSON object per line to w,
// enabled for level and everything more severe.
func NewJSONLogger(w io.Writer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// allowWarning reports whether a warning in the given category may be logged
// now.
func allowWarning(category any) bool {
	_, ok := warnLimiter.Allow(category)
	return ok
}

// fatal logs a violated invariant and panics with an [*InvariantError].
func fatal(logger *Logger, op, message string) {
	err := &InvariantError{Op: op, Message: message}
	logger.Crit().
		Str("op", op).
		Err(err).
		Log("invariant violated")
	panic(err)
}
