package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/pgcryptofields/cli/cliui"
	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/pgcrypto"
	"github.com/coder/serpent"
)

type rotateFlags struct {
	Tables               []string
	PublicKeyFile        string
	PrivateKeyFile       string
	PrivateKeyPassphrase string
	Passphrase           string
	HMACKey              string
	DigestAlgorithm      string
}

func (f *rotateFlags) attach(opts *serpent.OptionSet) {
	*opts = append(*opts,
		serpent.Option{
			Flag:        "table",
			Description: "Tables to rotate. Defaults to every configured table.",
			Value:       serpent.StringArrayOf(&f.Tables),
		},
		serpent.Option{
			Flag:        "new-public-key-file",
			Env:         "PGCRYPTO_NEW_PUBLIC_KEY_FILE",
			Description: "Armored PGP public key pgp_pub columns are re-encrypted with.",
			Value:       serpent.StringOf(&f.PublicKeyFile),
		},
		serpent.Option{
			Flag:        "new-private-key-file",
			Env:         "PGCRYPTO_NEW_PRIVATE_KEY_FILE",
			Description: "Armored PGP private key matching --new-public-key-file.",
			Value:       serpent.StringOf(&f.PrivateKeyFile),
		},
		serpent.Option{
			Flag:        "new-private-key-passphrase",
			Env:         "PGCRYPTO_NEW_PRIVATE_KEY_PASSPHRASE",
			Description: "Passphrase protecting the new PGP private key.",
			Value:       serpent.StringOf(&f.PrivateKeyPassphrase),
		},
		serpent.Option{
			Flag:        "new-passphrase",
			Env:         "PGCRYPTO_NEW_PASSPHRASE",
			Description: "Passphrase pgp_sym columns are re-encrypted with.",
			Value:       serpent.StringOf(&f.Passphrase),
		},
		serpent.Option{
			Flag:        "new-hmac-key",
			Env:         "PGCRYPTO_NEW_HMAC_KEY",
			Description: "New hmac key. Existing hmac values cannot be rehashed and keep the old key.",
			Value:       serpent.StringOf(&f.HMACKey),
		},
		serpent.Option{
			Flag:        "new-digest-algorithm",
			Env:         "PGCRYPTO_NEW_DIGEST_ALGORITHM",
			Description: "New hash algorithm. Existing hash values keep the old algorithm.",
			Value:       serpent.StringOf(&f.DigestAlgorithm),
		},
		cliui.SkipPromptOption(),
	)
}

// keys returns old with the new key material applied.
func (f *rotateFlags) keys(old pgcrypto.Keys) (pgcrypto.Keys, error) {
	if f.PublicKeyFile == "" && f.Passphrase == "" && f.HMACKey == "" && f.DigestAlgorithm == "" {
		return pgcrypto.Keys{}, xerrors.New("no new keys given, set --new-public-key-file or --new-passphrase")
	}
	if (f.PublicKeyFile == "") != (f.PrivateKeyFile == "") {
		return pgcrypto.Keys{}, xerrors.New("--new-public-key-file and --new-private-key-file must be set together")
	}
	next := old
	if f.PublicKeyFile != "" {
		var err error
		next, err = pgcrypto.KeysConfig{
			PublicKeyFile:  f.PublicKeyFile,
			PrivateKeyFile: f.PrivateKeyFile,
		}.Load()
		if err != nil {
			return pgcrypto.Keys{}, err
		}
		next.PrivateKeyPassphrase = f.PrivateKeyPassphrase
		next.Passphrase = old.Passphrase
		next.HMACKey = old.HMACKey
		next.DigestAlgorithm = old.DigestAlgorithm
	}
	if f.Passphrase != "" {
		next.Passphrase = f.Passphrase
	}
	if f.HMACKey != "" {
		next.HMACKey = f.HMACKey
	}
	if f.DigestAlgorithm != "" {
		next.DigestAlgorithm = f.DigestAlgorithm
	}
	return next, nil
}

func (r *RootCmd) rotate() *serpent.Command {
	var flags rotateFlags
	cmd := &serpent.Command{
		Use:   "rotate",
		Short: "Re-encrypt PGP columns with new keys.",
		Long: "Values are decrypted and encrypted again inside PostgreSQL in a single transaction. " +
			"Hash columns cannot be recovered and keep their values. The old keys are revoked in the keyring.\n\n" + formatExamples(
			example{
				Description: "Rotate the symmetric passphrase of the users table",
				Command:     "pgcrypto rotate --table users --new-passphrase \"$(pgcrypto keys secret)\"",
			},
		),
		Middleware: serpent.RequireNArgs(0),
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()
			logger, closeLog, err := r.logger(inv)
			if err != nil {
				return err
			}
			defer closeLog()

			cfg, oldKeys, err := r.loadKeys()
			if err != nil {
				return err
			}
			ts, err := tables(cfg, flags.Tables)
			if err != nil {
				return err
			}
			newKeys, err := flags.keys(oldKeys)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(ts))
			for _, t := range ts {
				names = append(names, t.Name)
			}
			msg := fmt.Sprintf("Data will be decrypted with the current keys and re-encrypted with the new keys.\n\n- Tables: %s\n- Old keys: %s\n- New keys: %s\n\nRotate encryption keys?",
				strings.Join(names, ", "), oldKeys.String(), newKeys.String())
			if err := cliui.Confirm(inv, msg); err != nil {
				return err
			}

			sqlDB, closeDB, err := r.connect(ctx, logger, true)
			if err != nil {
				return err
			}
			defer closeDB()
			logger.Info(ctx, "connected to postgres")

			results, err := pgcrypto.Rotate(ctx, logger, database.New(sqlDB), ts, oldKeys, newKeys)
			if err != nil {
				return xerrors.Errorf("rotate keys: %w", err)
			}
			if len(results) == 0 {
				_, _ = fmt.Fprintln(inv.Stdout, "No PGP key changed, nothing to rotate.")
				return nil
			}

			tw := cliui.Table()
			tw.AppendHeader(table.Row{"table", "rows", "columns"})
			var total int64
			for _, res := range results {
				total += res.Rows
				tw.AppendRow(table.Row{res.Table, humanize.Comma(res.Rows), strings.Join(res.Columns, ", ")})
			}
			_, _ = fmt.Fprintln(inv.Stdout, tw.Render())
			_, _ = fmt.Fprintf(inv.Stdout, "\nRe-encrypted %s in %s.\n", english.Plural(int(total), "row", "rows"), english.Plural(len(results), "table", "tables"))
			_, _ = fmt.Fprintf(inv.Stdout, "Update your config with the new keys before the next deploy, the old ones are revoked.\n")
			logger.Info(ctx, "rotation completed successfully", slog.F("tables", len(results)))
			return nil
		},
	}
	flags.attach(&cmd.Options)
	return cmd
}
