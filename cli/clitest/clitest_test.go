package clitest_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/pgcryptofields/cli"
	"github.com/coder/pgcryptofields/cli/clitest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCli(t *testing.T) {
	t.Parallel()

	out := clitest.Run(t, clitest.New(t))
	require.Contains(t, out, "pgcrypto")
	require.Contains(t, out, "SUBCOMMANDS")
}

func TestHandlersOK(t *testing.T) {
	t.Parallel()

	var root cli.RootCmd
	clitest.HandlersOK(t, root.Command())
}
