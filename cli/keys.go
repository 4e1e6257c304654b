package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/natefinch/atomic"
	"golang.org/x/xerrors"

	"github.com/coder/pgcryptofields/cli/cliui"
	"github.com/coder/pgcryptofields/cryptorand"
	"github.com/coder/pgcryptofields/pgcrypto"
	"github.com/coder/serpent"
)

const (
	publicKeyFileName  = "public.asc"
	privateKeyFileName = "private.asc"
)

func (r *RootCmd) keys() *serpent.Command {
	cmd := &serpent.Command{
		Use:   "keys",
		Short: "Generate and check key material.",
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
	}
	cmd.AddSubcommands(
		r.keysGenerate(),
		r.keysCheck(),
		r.keysSecret(),
	)
	return cmd
}

func (r *RootCmd) keysGenerate() *serpent.Command {
	var (
		name    string
		email   string
		comment string
		bits    int64
		outDir  string
		force   bool
	)
	return &serpent.Command{
		Use:   "generate",
		Short: "Generate an armored PGP key pair for pgp_pub columns.",
		Long: "The private key is protected with --private-key-passphrase when it is set.\n\n" + formatExamples(
			example{
				Command: "pgcrypto keys generate --name app --email app@example.com --out-dir ./keys",
			},
		),
		Middleware: serpent.RequireNArgs(0),
		Options: serpent.OptionSet{
			{
				Flag:        "name",
				Description: "Name of the key's user ID.",
				Value:       serpent.StringOf(&name),
			},
			{
				Flag:        "email",
				Description: "Email address of the key's user ID.",
				Value:       serpent.StringOf(&email),
			},
			{
				Flag:        "comment",
				Description: "Comment of the key's user ID.",
				Value:       serpent.StringOf(&comment),
			},
			{
				Flag:        "bits",
				Description: "Size of the RSA key.",
				Default:     "3072",
				Value:       serpent.Int64Of(&bits),
			},
			{
				Flag:        "out-dir",
				Description: "Directory the public.asc and private.asc files are written to.",
				Default:     ".",
				Value:       serpent.StringOf(&outDir),
			},
			{
				Flag:        "force",
				Description: "Overwrite existing key files.",
				Value:       serpent.BoolOf(&force),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			if name == "" && email == "" {
				return xerrors.New("set --name or --email to identify the key")
			}
			publicPath := filepath.Join(outDir, publicKeyFileName)
			privatePath := filepath.Join(outDir, privateKeyFileName)
			if !force {
				for _, p := range []string{publicPath, privatePath} {
					if _, err := os.Stat(p); err == nil {
						return xerrors.Errorf("%s already exists, use --force to overwrite it", p)
					}
				}
			}

			pair, err := pgcrypto.GenerateKeyPair(pgcrypto.GenerateKeyOptions{
				Name:       name,
				Comment:    comment,
				Email:      email,
				Bits:       int(bits),
				Passphrase: r.privateKeyPassphrase,
			})
			if err != nil {
				return xerrors.Errorf("generate key pair: %w", err)
			}

			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return xerrors.Errorf("create %s: %w", outDir, err)
			}
			if err := atomic.WriteFile(privatePath, strings.NewReader(pair.PrivateKey)); err != nil {
				return xerrors.Errorf("write private key: %w", err)
			}
			if err := os.Chmod(privatePath, 0o600); err != nil {
				return xerrors.Errorf("chmod private key: %w", err)
			}
			if err := atomic.WriteFile(publicPath, strings.NewReader(pair.PublicKey)); err != nil {
				return xerrors.Errorf("write public key: %w", err)
			}
			if err := os.Chmod(publicPath, 0o644); err != nil {
				return xerrors.Errorf("chmod public key: %w", err)
			}

			fingerprint, err := pgcrypto.Keys{PublicKey: pair.PublicKey}.Fingerprint()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(inv.Stdout, "Generated key %s\n\n", cliui.Keyword(fingerprint))
			_, _ = fmt.Fprintf(inv.Stdout, "Add to your config file:\n\n%s\n",
				cliui.Code(fmt.Sprintf("keys:\n  public_key_file: %s\n  private_key_file: %s", publicPath, privatePath)))
			return nil
		},
	}
}

func (r *RootCmd) keysCheck() *serpent.Command {
	return &serpent.Command{
		Use:        "check",
		Short:      "Validate the configured keys without connecting to the database.",
		Long:       "Keys needed by the configured tables are checked, or every key when no table is configured.",
		Middleware: serpent.RequireNArgs(0),
		Handler: func(inv *serpent.Invocation) error {
			cfg, keys, err := r.loadKeys()
			if err != nil {
				return err
			}
			needed := pgcrypto.Ciphers
			if len(cfg.Tables) > 0 {
				needed = ciphers(cfg.Tables)
			}

			tw := cliui.Table()
			tw.AppendHeader(table.Row{"cipher", "key", "status"})
			var failed int
			for _, c := range needed {
				id := ""
				if c.Decryptable() {
					id, _ = keys.KeyID(c)
				} else {
					id = keys.Digest()
				}
				status := cliui.Keyword("ok")
				if err := keys.Validate(c); err != nil {
					failed++
					status = cliui.Warn(strings.ReplaceAll(err.Error(), "\n", "; "))
				}
				tw.AppendRow(table.Row{c, id, status})
			}
			_, _ = fmt.Fprintln(inv.Stdout, tw.Render())
			if failed > 0 {
				return xerrors.Errorf("%d of %d keys are invalid", failed, len(needed))
			}
			return nil
		},
	}
}

func (*RootCmd) keysSecret() *serpent.Command {
	var length int64
	return &serpent.Command{
		Use:   "secret",
		Short: "Print a random secret for --passphrase or --hmac-key.",
		Long: "Secrets mix every character class and pass the strength check of pgp_sym passphrases.\n\n" + formatExamples(
			example{
				Command: "pgcrypto keys secret --length 48",
			},
		),
		Middleware: serpent.RequireNArgs(0),
		Options: serpent.OptionSet{
			{
				Flag:        "length",
				Description: "Number of characters.",
				Default:     "32",
				Value:       serpent.Int64Of(&length),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			secret, err := cryptorand.SecretString(int(length))
			if err != nil {
				return err
			}
			if err := (pgcrypto.Keys{Passphrase: secret}).Validate(pgcrypto.CipherPGPSymmetric); err != nil {
				return xerrors.Errorf("secret is too weak, increase --length: %w", err)
			}
			_, err = fmt.Fprintln(inv.Stdout, secret)
			return err
		},
	}
}
