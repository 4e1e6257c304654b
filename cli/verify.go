package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/pgcryptofields/cli/cliui"
	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/pgcrypto"
	"github.com/coder/serpent"
)

func (r *RootCmd) verify() *serpent.Command {
	return &serpent.Command{
		Use:   "verify",
		Short: "Check that the configured keys match the database.",
		Long: "Keys are registered in the keyring the first time they are seen. Later runs fail " +
			"if a key no longer decrypts what it registered, or was revoked by a rotation. " +
			"The first row of every configured table is then decrypted.",
		Middleware: serpent.RequireNArgs(0),
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()
			logger, closeLog, err := r.logger(inv)
			if err != nil {
				return err
			}
			defer closeLog()

			cfg, keys, err := r.loadKeys()
			if err != nil {
				return err
			}
			sqlDB, closeDB, err := r.connect(ctx, logger, false)
			if err != nil {
				return err
			}
			defer closeDB()
			db := database.New(sqlDB)

			needed := ciphers(cfg.Tables)
			if len(needed) == 0 {
				// Without tables, verify whichever keys are configured.
				if keys.PublicKey != "" {
					needed = append(needed, pgcrypto.CipherPGPPublic)
				}
				if keys.Passphrase != "" {
					needed = append(needed, pgcrypto.CipherPGPSymmetric)
				}
			}
			if len(needed) == 0 {
				return xerrors.New("no tables or keys configured")
			}
			if err := pgcrypto.EnsureKeys(ctx, logger, db, keys, needed...); err != nil {
				return xerrors.Errorf("verify keys: %w", err)
			}
			for _, t := range cfg.Tables {
				m, err := pgcrypto.NewManager(db, t, keys, pgcrypto.WithLogger(logger))
				if err != nil {
					return err
				}
				_, err = m.Query().First(ctx)
				if err != nil && !errors.Is(err, pgcrypto.ErrNotFound) {
					return xerrors.Errorf("read %s: %w", t.Name, err)
				}
				logger.Debug(ctx, "table is readable", slog.F("table", t.Name))
			}

			entries, err := pgcrypto.ListKeys(ctx, db)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(inv.Stdout, keyringTable(entries))
			return nil
		},
	}
}

func keyringTable(entries []pgcrypto.KeyringEntry) string {
	tw := cliui.Table()
	tw.AppendHeader(table.Row{"key", "cipher", "created", "revoked"})
	for _, e := range entries {
		revoked := ""
		if e.RevokedAt.Valid {
			revoked = e.RevokedAt.Time.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{e.Digest, e.Cipher, e.CreatedAt.Format(time.RFC3339), revoked})
	}
	return tw.Render()
}
