package testutil

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
)

// Logger returns a "standard" testing logger, with debug level and common flaky
// errors ignored.
func Logger(t testing.TB) slog.Logger {
	return slogtest.Make(
		t, &slogtest.Options{IgnoreErrorFn: IgnoreLoggedError},
	).Leveled(slog.LevelDebug)
}

func IgnoreLoggedError(entry slog.SinkEntry) bool {
	err, ok := slogtest.FindFirstError(entry)
	if !ok {
		return false
	}
	// Canceled queries usually happen when we're shutting down tests, and so
	// ignoring them should reduce flakiness.
	return isQueryCanceledError(err)
}

// isQueryCanceledError reproduces database.IsQueryCanceledError with string
// matching so that testutil does not import lib/pq.
func isQueryCanceledError(err error) bool {
	if xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if strings.Contains(err.Error(), "canceling statement due to user request") {
		return true
	}
	return false
}
