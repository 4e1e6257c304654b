package cli

import (
	"fmt"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/pgcryptofields/cli/cliui"
	"github.com/coder/pgcryptofields/database/migrations"
	"github.com/coder/serpent"
)

func (r *RootCmd) migrate() *serpent.Command {
	var down bool
	return &serpent.Command{
		Use:        "migrate",
		Short:      "Install the pgcrypto extension and the keyring table.",
		Middleware: serpent.RequireNArgs(0),
		Options: serpent.OptionSet{
			{
				Flag:        "down",
				Description: "Revert every migration. This drops the keyring and the pgcrypto extension.",
				Value:       serpent.BoolOf(&down),
			},
			cliui.SkipPromptOption(),
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()
			logger, closeLog, err := r.logger(inv)
			if err != nil {
				return err
			}
			defer closeLog()

			sqlDB, closeDB, err := r.connect(ctx, logger, false)
			if err != nil {
				return err
			}
			defer closeDB()

			if down {
				if err := cliui.Confirm(inv, "Drop the keyring and the pgcrypto extension? Encrypted columns become unreadable until migrated up again."); err != nil {
					return err
				}
				if err := migrations.Down(sqlDB); err != nil {
					return xerrors.Errorf("migrate down: %w", err)
				}
			} else if err := migrations.Up(sqlDB); err != nil {
				return xerrors.Errorf("migrate up: %w", err)
			}

			version, dirty, err := migrations.Current(sqlDB)
			if err != nil {
				return err
			}
			logger.Info(ctx, "migrations applied", slog.F("version", version), slog.F("dirty", dirty))
			_, _ = fmt.Fprintf(inv.Stdout, "Database is at migration version %s\n", cliui.Keyword(fmt.Sprint(version)))
			return nil
		},
	}
}
