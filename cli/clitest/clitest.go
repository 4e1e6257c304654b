// Package clitest runs the pgcrypto command in tests.
package clitest

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/pgcryptofields/cli"
	"github.com/coder/pgcryptofields/testutil"
	"github.com/coder/serpent"
)

// New returns an invocation of the root command with args. Output goes to
// the test log and the environment is empty, so PGCRYPTO_* variables of the
// developer never leak into a test.
func New(t testing.TB, args ...string) *serpent.Invocation {
	var root cli.RootCmd
	return NewWithCommand(t, root.Command(), args...)
}

// NewWithCommand is New for an arbitrary command.
func NewWithCommand(t testing.TB, cmd *serpent.Command, args ...string) *serpent.Invocation {
	t.Helper()

	inv := cmd.Invoke(args...)
	inv.Environ = serpent.Environ{}
	inv.Stdin = strings.NewReader("")
	inv.Stdout = LogWriter(t, "stdout")
	inv.Stderr = LogWriter(t, "stderr")
	return inv.WithContext(testutil.Context(t, testutil.WaitLong))
}

// Run runs inv, capturing stdout, and fails the test on error.
func Run(t testing.TB, inv *serpent.Invocation) string {
	t.Helper()

	var out bytes.Buffer
	inv.Stdout = &out
	require.NoError(t, inv.Run())
	return out.String()
}

type logWriter struct {
	mu     sync.Mutex
	t      testing.TB
	prefix string
}

// LogWriter returns a writer that logs every line with t.Log.
func LogWriter(t testing.TB, prefix string) io.Writer {
	return &logWriter{t: t, prefix: prefix}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		w.t.Logf("%s: %s", w.prefix, line)
	}
	return len(p), nil
}
