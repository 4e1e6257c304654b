package clilog_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog/v3"

	"github.com/coder/pgcryptofields/cli/clilog"
	"github.com/coder/pgcryptofields/testutil"
	"github.com/coder/serpent"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// https://github.com/natefinch/lumberjack/pull/100
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).mill.func1"),
	)
}

func TestBuilder(t *testing.T) {
	t.Parallel()

	t.Run("NoConfiguration", func(t *testing.T) {
		t.Parallel()

		stdout, _ := run(t, clilog.New(clilog.WithHuman("")))
		require.Empty(t, stdout)
	})

	t.Run("Human", func(t *testing.T) {
		t.Parallel()

		_, stderr := run(t, clilog.New())
		require.Contains(t, stderr, "info message")
		require.NotContains(t, stderr, "debug message")
	})

	t.Run("Verbose", func(t *testing.T) {
		t.Parallel()

		stdout, _ := run(t, clilog.New(clilog.WithHuman("/dev/stdout"), clilog.WithVerbose(true)))
		require.Contains(t, stdout, "debug message")
		require.Contains(t, stdout, "info message")
	})

	t.Run("Filter", func(t *testing.T) {
		t.Parallel()

		stdout, _ := run(t, clilog.New(clilog.WithHuman("/dev/stdout"), clilog.WithFilter("^test$")))
		require.Contains(t, stdout, "debug message")

		stdout, _ = run(t, clilog.New(clilog.WithHuman("/dev/stdout"), clilog.WithFilter("nothing")))
		require.NotContains(t, stdout, "debug message")
		// Filters never drop other levels.
		require.Contains(t, stdout, "info message")
	})

	t.Run("BadFilter", func(t *testing.T) {
		t.Parallel()

		cmd := &serpent.Command{
			Handler: func(inv *serpent.Invocation) error {
				_, _, err := clilog.New(clilog.WithFilter("(")).Build(inv)
				return err
			},
		}
		err := cmd.Invoke().WithContext(testutil.Context(t, testutil.WaitShort)).Run()
		require.ErrorContains(t, err, "compile filters")
	})

	t.Run("JSONFile", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "pgcrypto.json")
		run(t, clilog.New(clilog.WithHuman(""), clilog.WithJSON(path)))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 1)
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
		assert.Equal(t, "info message", entry["msg"])
	})
}

// run builds a logger from b and writes a debug and an info entry.
func run(t *testing.T, b *clilog.Builder) (stdout, stderr string) {
	t.Helper()

	var outBuf, errBuf bytes.Buffer
	cmd := &serpent.Command{
		Handler: func(inv *serpent.Invocation) error {
			logger, closeLog, err := b.Build(inv)
			if err != nil {
				return err
			}
			defer closeLog()
			logger = logger.Named("test")
			logger.Debug(inv.Context(), "debug message")
			logger.Info(inv.Context(), "info message", slog.F("key", "value"))
			return nil
		},
	}
	inv := cmd.Invoke().WithContext(testutil.Context(t, testutil.WaitShort))
	inv.Stdout = &outBuf
	inv.Stderr = &errBuf
	require.NoError(t, inv.Run())
	return outBuf.String(), errBuf.String()
}
