// Package cli implements the pgcrypto command: key management, migrations
// and maintenance of pgcrypto encrypted tables.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/pgcryptofields/buildinfo"
	"github.com/coder/pgcryptofields/cli/cliui"
	"github.com/coder/pgcryptofields/cli/clilog"
	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/database/migrations"
	"github.com/coder/pgcryptofields/pgcrypto"
	"github.com/coder/pgcryptofields/tracing"
	"github.com/coder/pretty"
	"github.com/coder/serpent"
)

const (
	varVerbose     = "verbose"
	envConfig      = "PGCRYPTO_CONFIG"
	envPostgresURL = "PGCRYPTO_PG_CONNECTION_URL"
)

// RootCmd holds the global options shared by every subcommand.
type RootCmd struct {
	configPath  string
	postgresURL string
	trace       bool

	verbose   bool
	logHuman  string
	logJSON   string
	logFilter []string

	// Key overrides, applied on top of the config file.
	publicKeyFile        string
	privateKeyFile       string
	privateKeyPassphrase string
	passphrase           string
	hmacKey              string
	digestAlgorithm      string
}

// Command returns the root command with every subcommand attached.
func (r *RootCmd) Command() *serpent.Command {
	cmd := &serpent.Command{
		Use:   "pgcrypto",
		Short: "Manage PostgreSQL columns encrypted with pgcrypto.",
		Long: fmt.Sprintf("pgcrypto %s\n\n", buildinfo.Version()) + formatExamples(
			example{
				Description: "Generate a key pair for pgp_pub columns",
				Command:     "pgcrypto keys generate --name app --email app@example.com --out-dir ./keys",
			},
			example{
				Description: "Install the extension and check the configured keys against the database",
				Command:     "pgcrypto migrate && pgcrypto verify",
			},
		),
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
		Options: serpent.OptionSet{
			{
				Flag:        "config",
				Env:         envConfig,
				Description: "Path to a YAML file with key files and table schemas.",
				Value:       serpent.StringOf(&r.configPath),
			},
			{
				Flag:        "postgres-url",
				Env:         envPostgresURL,
				Description: "URL of a PostgreSQL database.",
				Value:       serpent.StringOf(&r.postgresURL),
			},
			{
				Flag:        "trace",
				Env:         "PGCRYPTO_TRACE",
				Description: "Trace database statements with OpenTelemetry. Arguments are never recorded.",
				Value:       serpent.BoolOf(&r.trace),
			},
			{
				Flag:          varVerbose,
				FlagShorthand: "v",
				Env:           "PGCRYPTO_VERBOSE",
				Description:   "Enable debug logging.",
				Value:         serpent.BoolOf(&r.verbose),
			},
			{
				Flag:        "log-human",
				Env:         "PGCRYPTO_LOGGING_HUMAN",
				Description: "Output human-readable logs to a given file.",
				Default:     "/dev/stderr",
				Value:       serpent.StringOf(&r.logHuman),
			},
			{
				Flag:        "log-json",
				Env:         "PGCRYPTO_LOGGING_JSON",
				Description: "Output JSON logs to a given file.",
				Value:       serpent.StringOf(&r.logJSON),
			},
			{
				Flag:        "log-filter",
				Env:         "PGCRYPTO_LOG_FILTER",
				Description: "Filter debug logs by matching against a given regex. Use .* to match all debug logs.",
				Value:       serpent.StringArrayOf(&r.logFilter),
			},
			{
				Flag:        "public-key-file",
				Env:         "PGCRYPTO_PUBLIC_KEY_FILE",
				Description: "Armored PGP public key used by pgp_pub columns. Overrides the config file.",
				Value:       serpent.StringOf(&r.publicKeyFile),
			},
			{
				Flag:        "private-key-file",
				Env:         "PGCRYPTO_PRIVATE_KEY_FILE",
				Description: "Armored PGP private key used by pgp_pub columns. Overrides the config file.",
				Value:       serpent.StringOf(&r.privateKeyFile),
			},
			{
				Flag:        "private-key-passphrase",
				Env:         "PGCRYPTO_PRIVATE_KEY_PASSPHRASE",
				Description: "Passphrase protecting the PGP private key. Overrides the config file.",
				Value:       serpent.StringOf(&r.privateKeyPassphrase),
			},
			{
				Flag:        "passphrase",
				Env:         "PGCRYPTO_PASSPHRASE",
				Description: "Passphrase used by pgp_sym columns. Overrides the config file.",
				Value:       serpent.StringOf(&r.passphrase),
			},
			{
				Flag:        "hmac-key",
				Env:         "PGCRYPTO_HMAC_KEY",
				Description: "Key used by hmac columns. Overrides the config file.",
				Value:       serpent.StringOf(&r.hmacKey),
			},
			{
				Flag:        "digest-algorithm",
				Env:         "PGCRYPTO_DIGEST_ALGORITHM",
				Description: "Hash algorithm of digest and hmac columns. Overrides the config file.",
				Value:       serpent.StringOf(&r.digestAlgorithm),
			},
		},
	}
	cmd.AddSubcommands(
		r.devPostgres(),
		r.keys(),
		r.list(),
		r.migrate(),
		r.rotate(),
		r.sql(),
		r.verify(),
		r.version(),
	)
	cmd.Walk(func(c *serpent.Command) {
		if c.HelpHandler == nil {
			c.HelpHandler = helpHandler()
		}
	})
	return cmd
}

// Main runs the command with the OS environment and exits on error.
func (r *RootCmd) Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := r.Command().Invoke().WithContext(ctx).WithOS().Run()
	stop()
	if err != nil {
		if errors.Is(err, cliui.Canceled) {
			//nolint:revive
			os.Exit(1)
		}
		pretty.Fprintf(os.Stderr, cliui.DefaultStyles.Error, "%s\n", err.Error())
		//nolint:revive
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies key overrides.
func (r *RootCmd) loadConfig() (*pgcrypto.Config, error) {
	cfg := &pgcrypto.Config{}
	if r.configPath != "" {
		var err error
		cfg, err = pgcrypto.LoadConfig(r.configPath)
		if err != nil {
			return nil, err
		}
	}
	overrides := []struct {
		dst *string
		src string
	}{
		{&cfg.Keys.PublicKeyFile, r.publicKeyFile},
		{&cfg.Keys.PrivateKeyFile, r.privateKeyFile},
		{&cfg.Keys.PrivateKeyPassphrase, r.privateKeyPassphrase},
		{&cfg.Keys.Passphrase, r.passphrase},
		{&cfg.Keys.HMACKey, r.hmacKey},
		{&cfg.Keys.DigestAlgorithm, r.digestAlgorithm},
	}
	for _, o := range overrides {
		if o.src != "" {
			*o.dst = o.src
		}
	}
	return cfg, nil
}

// loadKeys returns the config and the key material it references.
func (r *RootCmd) loadKeys() (*pgcrypto.Config, pgcrypto.Keys, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		return nil, pgcrypto.Keys{}, err
	}
	keys, err := cfg.LoadKeys()
	if err != nil {
		return nil, pgcrypto.Keys{}, err
	}
	return cfg, keys, nil
}

func (r *RootCmd) logger(inv *serpent.Invocation) (slog.Logger, func(), error) {
	return clilog.New(
		clilog.WithHuman(r.logHuman),
		clilog.WithJSON(r.logJSON),
		clilog.WithFilter(r.logFilter...),
		clilog.WithVerbose(r.verbose),
	).Build(inv)
}

// connect opens the database named by --postgres-url. Migrations are applied
// first when migrate is set. The returned function closes the pool and
// flushes traces.
func (r *RootCmd) connect(ctx context.Context, logger slog.Logger, migrate bool) (*sql.DB, func(), error) {
	if r.postgresURL == "" {
		return nil, nil, xerrors.Errorf("no database configured, set --postgres-url or %s", envPostgresURL)
	}
	closeTracing := func(context.Context) error { return nil }
	if r.trace {
		var err error
		_, closeTracing, err = tracing.TracerProvider(ctx, "pgcrypto", tracing.TracerOpts{Default: true})
		if err != nil {
			return nil, nil, xerrors.Errorf("start tracing: %w", err)
		}
	}
	opts := database.ConnectOptions{Trace: r.trace}
	if migrate {
		opts.Migrate = migrations.Up
	}
	sqlDB, err := database.Connect(ctx, logger, r.postgresURL, opts)
	if err != nil {
		_ = closeTracing(ctx)
		return nil, nil, xerrors.Errorf("connect to postgres: %w", err)
	}
	return sqlDB, func() {
		_ = sqlDB.Close()
		// The invocation context may be canceled already.
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := closeTracing(flushCtx); err != nil {
			logger.Warn(flushCtx, "flush traces", slog.Error(err))
		}
	}, nil
}

// tables returns the configured tables named in names, or all of them.
func tables(cfg *pgcrypto.Config, names []string) ([]pgcrypto.Table, error) {
	if len(names) == 0 {
		if len(cfg.Tables) == 0 {
			return nil, xerrors.New("no tables configured")
		}
		return cfg.Tables, nil
	}
	out := make([]pgcrypto.Table, 0, len(names))
	for _, name := range names {
		t, err := cfg.Table(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ciphers returns the distinct ciphers used by tables.
func ciphers(tables []pgcrypto.Table) []pgcrypto.Cipher {
	var out []pgcrypto.Cipher
	seen := map[pgcrypto.Cipher]bool{}
	for _, t := range tables {
		for _, c := range t.Ciphers() {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

type example struct {
	Description string
	Command     string
}

// formatExamples formats the examples as width wrapped bulletpoint
// descriptions with the command underneath.
func formatExamples(examples ...example) string {
	var sb []byte
	for i, e := range examples {
		if len(e.Description) > 0 {
			sb = append(sb, "  - "+e.Description+":\n\n"...)
		}
		sb = append(sb, "     $ "+e.Command...)
		if i < len(examples)-1 {
			sb = append(sb, "\n\n"...)
		}
	}
	return string(sb)
}
