package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"github.com/coder/pgcryptofields/cli/cliui"
	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/pgcrypto"
	"github.com/coder/serpent"
)

// valueArg names the plaintext parameter of printed write expressions.
const valueArg = "value"

type sqlFlags struct {
	cipher string
	kind   string
	column string
}

func (f *sqlFlags) options() serpent.OptionSet {
	return serpent.OptionSet{
		{
			Flag:        "cipher",
			Description: "Cipher of the column.",
			Default:     string(pgcrypto.CipherPGPSymmetric),
			Value:       serpent.EnumOf(&f.cipher, enumNames(pgcrypto.Ciphers)...),
		},
		{
			Flag:        "kind",
			Description: "Kind of the values stored in the column.",
			Default:     string(pgcrypto.KindText),
			Value:       serpent.EnumOf(&f.kind, enumNames(pgcrypto.Kinds)...),
		},
		{
			Flag:        "column",
			Description: "Column referenced by decrypt expressions.",
			Default:     "value",
			Value:       serpent.StringOf(&f.column),
		},
	}
}

func enumNames[T ~string](values []T) []string {
	names := make([]string, 0, len(values))
	for _, v := range values {
		names = append(names, string(v))
	}
	return names
}

func (f *sqlFlags) parse() (pgcrypto.Cipher, pgcrypto.Kind, error) {
	c, err := pgcrypto.ParseCipher(f.cipher)
	if err != nil {
		return "", "", err
	}
	k, err := pgcrypto.ParseKind(f.kind)
	if err != nil {
		return "", "", err
	}
	if !c.Decryptable() && !k.Textual() {
		return "", "", xerrors.Errorf("cipher %s can only hash text or email, not %s", c, k)
	}
	return c, k, nil
}

func (r *RootCmd) sql() *serpent.Command {
	cmd := &serpent.Command{
		Use:   "sql",
		Short: "Print the SQL expressions used for a column, for use outside this tool.",
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
	}
	cmd.AddSubcommands(
		r.sqlEncrypt(),
		r.sqlDecrypt(),
	)
	return cmd
}

func (*RootCmd) sqlEncrypt() *serpent.Command {
	var flags sqlFlags
	return &serpent.Command{
		Use:        "encrypt",
		Short:      "Print the expression that encrypts or hashes a value.",
		Middleware: serpent.RequireNArgs(0),
		Options:    flags.options(),
		Handler: func(inv *serpent.Invocation) error {
			c, k, err := flags.parse()
			if err != nil {
				return err
			}
			return printExpression(inv, pgcrypto.EncryptSQL(c, k, "@"+valueArg))
		},
	}
}

func (r *RootCmd) sqlDecrypt() *serpent.Command {
	var flags sqlFlags
	return &serpent.Command{
		Use:        "decrypt",
		Short:      "Print the expression that decrypts a column to its SQL type.",
		Middleware: serpent.RequireNArgs(0),
		Options:    flags.options(),
		Handler: func(inv *serpent.Invocation) error {
			c, k, err := flags.parse()
			if err != nil {
				return err
			}
			if !c.Decryptable() {
				return xerrors.Errorf("cipher %s cannot be decrypted", c)
			}
			expr := pgcrypto.DecryptSQL(c, pq.QuoteIdentifier(flags.column), r.privateKeyPassphrase != "")
			return printExpression(inv, pgcrypto.CastSQL(k, expr))
		},
	}
}

// printExpression prints expr with positional parameters followed by what
// each parameter must be bound to. Key material is never printed.
func printExpression(inv *serpent.Invocation, expr string) error {
	names := map[string]interface{}{valueArg: valueArg}
	for name := range (pgcrypto.Keys{}).BindArgs() {
		names[name] = name
	}
	bound, args, err := database.BindNamed(expr, names)
	if err != nil {
		return xerrors.Errorf("bind: %w", err)
	}

	_, _ = fmt.Fprintf(inv.Stdout, "%s\n\n", bound)
	tw := cliui.Table()
	tw.AppendHeader(table.Row{"parameter", "bind"})
	for i, arg := range args {
		tw.AppendRow(table.Row{fmt.Sprintf("$%d", i+1), arg})
	}
	_, err = fmt.Fprintln(inv.Stdout, tw.Render())
	return err
}
