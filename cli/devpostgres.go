package cli

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/natefinch/atomic"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/pgcryptofields/cli/cliui"
	"github.com/coder/pgcryptofields/cryptorand"
	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/database/migrations"
	"github.com/coder/serpent"
)

func (r *RootCmd) devPostgres() *serpent.Command {
	var (
		dataDir string
		port    int64
	)
	return &serpent.Command{
		Use:    "dev-postgres",
		Short:  "Run a throwaway PostgreSQL with pgcrypto installed.",
		Long:   "The server keeps its data, password and port under --data-dir and runs until interrupted.",
		Hidden: true,
		Options: serpent.OptionSet{
			{
				Flag:        "data-dir",
				Env:         "PGCRYPTO_DEV_POSTGRES_DIR",
				Description: "Directory holding the binaries and data of the server.",
				Default:     ".pgcrypto-postgres",
				Value:       serpent.StringOf(&dataDir),
			},
			{
				Flag:        "port",
				Description: "Port to listen on. A free port is picked and remembered when unset.",
				Default:     "0",
				Value:       serpent.Int64Of(&port),
			},
		},
		Middleware: serpent.RequireNArgs(0),
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()
			logger, closeLog, err := r.logger(inv)
			if err != nil {
				return err
			}
			defer closeLog()

			usr, err := user.Current()
			if err != nil {
				return err
			}
			if usr.Uid == "0" {
				return xerrors.New("the embedded PostgreSQL cannot run as the root user")
			}
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return xerrors.Errorf("create %s: %w", dataDir, err)
			}

			password, err := readOrWrite(filepath.Join(dataDir, "password"), func() (string, error) {
				return cryptorand.String(16)
			})
			if err != nil {
				return xerrors.Errorf("postgres password: %w", err)
			}
			if port == 0 {
				raw, err := readOrWrite(filepath.Join(dataDir, "port"), freePort)
				if err != nil {
					return xerrors.Errorf("postgres port: %w", err)
				}
				if _, err := fmt.Sscanf(raw, "%d", &port); err != nil {
					return xerrors.Errorf("parse postgres port %q: %w", raw, err)
				}
			}

			stdlibLogger := slog.Stdlib(ctx, logger.Named("postgres"), slog.LevelDebug)
			ep := embeddedpostgres.NewDatabase(
				embeddedpostgres.DefaultConfig().
					Version(embeddedpostgres.V16).
					BinariesPath(filepath.Join(dataDir, "bin")).
					DataPath(filepath.Join(dataDir, "data")).
					RuntimePath(filepath.Join(dataDir, "runtime")).
					CachePath(filepath.Join(dataDir, "cache")).
					Username("pgcrypto").
					Password(password).
					Database("pgcrypto").
					// #nosec G115 - ports fit in 16 bits
					Port(uint32(port)).
					Logger(stdlibLogger.Writer()),
			)
			if err := ep.Start(); err != nil {
				return xerrors.Errorf("start embedded postgres: %w", err)
			}
			defer func() {
				if err := ep.Stop(); err != nil {
					logger.Error(ctx, "stop embedded postgres", slog.Error(err))
				}
			}()

			url := fmt.Sprintf("postgres://pgcrypto@localhost:%d/pgcrypto?sslmode=disable&password=%s", port, password)
			sqlDB, err := database.Connect(ctx, logger, url, database.ConnectOptions{Migrate: migrations.Up})
			if err != nil {
				return xerrors.Errorf("migrate embedded postgres: %w", err)
			}
			_ = sqlDB.Close()

			_, _ = fmt.Fprintf(inv.Stdout, "PostgreSQL is ready, press Ctrl+C to stop it.\n\n%s\n",
				cliui.Code(fmt.Sprintf("export %s=%q", envPostgresURL, url)))
			<-ctx.Done()
			return nil
		},
	}
}

// readOrWrite returns the trimmed contents of path, generating and storing
// them first when the file does not exist.
func readOrWrite(path string, generate func() (string, error)) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	value, err := generate()
	if err != nil {
		return "", err
	}
	if err := atomic.WriteFile(path, strings.NewReader(value)); err != nil {
		return "", err
	}
	return value, nil
}

func freePort() (string, error) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return "", xerrors.Errorf("listen for random port: %w", err)
	}
	_ = listener.Close()
	tcpAddr, valid := listener.Addr().(*net.TCPAddr)
	if !valid {
		return "", xerrors.Errorf("listener returned non TCP addr: %T", listener.Addr())
	}
	return fmt.Sprint(tcpAddr.Port), nil
}
