package pgcrypto

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/xerrors"

	"github.com/coder/pgcryptofields/pgcrypto/sqlxqueries"
)

// DefaultPrimaryKey names the bigserial primary key of tables that do not
// name one.
const DefaultPrimaryKey = "id"

// DecryptedSuffix is appended to a column name to refer to its decrypted
// value in annotations and filters.
const DecryptedSuffix = "__decrypted"

var identifierRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Column is an encrypted or hashed column. It is stored as nullable bytea.
type Column struct {
	Name   string `yaml:"name"`
	Kind   Kind   `yaml:"kind"`
	Cipher Cipher `yaml:"cipher"`
}

// Prep converts v for this column. See Prep.
func (c Column) Prep(v any) (any, error) {
	out, err := Prep(c.Kind, v)
	return out, c.annotate(err)
}

// Parse converts a decrypted value for this column. See Parse.
func (c Column) Parse(v any) (any, error) {
	out, err := Parse(c.Kind, v)
	return out, c.annotate(err)
}

func (c Column) annotate(err error) error {
	var valueErr *ValueError
	if errors.As(err, &valueErr) && valueErr.Column == "" {
		valueErr.Column = c.Name
	}
	return err
}

// Table describes a table whose columns are all encrypted except the primary
// key.
type Table struct {
	Name       string   `yaml:"name"`
	PrimaryKey string   `yaml:"primary_key"`
	Columns    []Column `yaml:"columns"`
}

// PK returns the primary key column name.
func (t Table) PK() string {
	if t.PrimaryKey == "" {
		return DefaultPrimaryKey
	}
	return t.PrimaryKey
}

// Validate checks names, duplicates and cipher/kind combinations.
func (t Table) Validate() error {
	var errs []error
	if !identifierRegex.MatchString(t.Name) {
		errs = append(errs, xerrors.Errorf("table name %q is not a lower case SQL identifier", t.Name))
	}
	if !identifierRegex.MatchString(t.PK()) {
		errs = append(errs, xerrors.Errorf("primary key %q is not a lower case SQL identifier", t.PK()))
	}
	if len(t.Columns) == 0 {
		errs = append(errs, xerrors.Errorf("table %q has no columns", t.Name))
	}

	seen := map[string]bool{t.PK(): true}
	for _, c := range t.Columns {
		switch {
		case !identifierRegex.MatchString(c.Name):
			errs = append(errs, xerrors.Errorf("column name %q is not a lower case SQL identifier", c.Name))
		case strings.HasSuffix(c.Name, DecryptedSuffix):
			errs = append(errs, xerrors.Errorf("column name %q cannot end in %q", c.Name, DecryptedSuffix))
		case seen[c.Name]:
			errs = append(errs, xerrors.Errorf("column %q is declared twice", c.Name))
		}
		seen[c.Name] = true

		if !c.Kind.Valid() {
			errs = append(errs, xerrors.Errorf("column %q: unknown kind %q", c.Name, c.Kind))
		}
		if !c.Cipher.Valid() {
			errs = append(errs, xerrors.Errorf("column %q: unknown cipher %q", c.Name, c.Cipher))
		} else if !c.Cipher.Decryptable() && !c.Kind.Textual() {
			errs = append(errs, xerrors.Errorf("column %q: cipher %s can only hash text or email, not %s", c.Name, c.Cipher, c.Kind))
		}
	}
	return errors.Join(errs...)
}

// Column returns the column named name. The DecryptedSuffix is accepted.
func (t Table) Column(name string) (Column, error) {
	name = strings.TrimSuffix(name, DecryptedSuffix)
	for _, c := range t.Columns {
		if c.Name == name {
			return c, nil
		}
	}
	return Column{}, &UnknownColumnError{Table: t.Name, Column: name}
}

// Ciphers returns the distinct ciphers used by the table in column order.
func (t Table) Ciphers() []Cipher {
	var ciphers []Cipher
	seen := map[Cipher]bool{}
	for _, c := range t.Columns {
		if !seen[c.Cipher] {
			seen[c.Cipher] = true
			ciphers = append(ciphers, c.Cipher)
		}
	}
	return ciphers
}

// CreateSQL returns the DDL creating the table if it does not exist.
func (t Table) CreateSQL() (string, error) {
	params := sqlxqueries.CreateTableParams{Table: t.Name, PK: t.PK()}
	for _, c := range t.Columns {
		params.Columns = append(params.Columns, sqlxqueries.ColumnDef{
			Name:    c.Name,
			Comment: fmt.Sprintf("%s %s", c.Cipher, c.Kind),
		})
	}
	return sqlxqueries.CreateTable(params)
}
