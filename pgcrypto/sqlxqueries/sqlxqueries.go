// Package sqlxqueries renders the statements issued by the pgcrypto package.
// Every statement starts with a "-- name: X :kind" header so metrics can
// label it. Encryption expressions are computed by the caller and inserted
// verbatim; identifiers are quoted here.
package sqlxqueries

import (
	"bytes"
	"embed"
	"strings"
	"sync"
	"text/template"

	"github.com/lib/pq"
	"golang.org/x/xerrors"
)

//go:embed *.gosql
var sqlxQueries embed.FS

var (
	// Only parse the queries once.
	once        sync.Once
	cached      *template.Template
	cachedError error
)

var funcs = template.FuncMap{
	"ident":   pq.QuoteIdentifier,
	"literal": pq.QuoteLiteral,
	"join":    strings.Join,
	"pascal":  pascal,
}

// Expr is a select list entry.
type Expr struct {
	SQL   string
	Alias string
}

// Assignment sets Column to the value of SQL.
type Assignment struct {
	Column string
	SQL    string
}

// SelectParams renders "select" and "count".
type SelectParams struct {
	Table   string
	Columns []Expr
	// Where conditions are joined with AND.
	Where   []string
	OrderBy []string
	Limit   int
	Offset  int
}

// WriteParams renders "insert", "update", "delete" and "rotate". Update and
// delete match the row with the @pk bind parameter.
type WriteParams struct {
	Table string
	PK    string
	Set   []Assignment
}

// ColumnDef is a bytea column of a created table.
type ColumnDef struct {
	Name    string
	Comment string
}

// CreateTableParams renders "create_table".
type CreateTableParams struct {
	Table   string
	PK      string
	Columns []ColumnDef
}

// KeyringParams renders the keyring statements. Encrypt and Decrypt are the
// expressions writing and reading the sentinel value of the key.
type KeyringParams struct {
	Encrypt string
	Decrypt string
}

// LoadQueries parses every embedded template.
func LoadQueries() (*template.Template, error) {
	once.Do(func() {
		tpls, err := template.New("").Funcs(funcs).ParseFS(sqlxQueries, "*.gosql")
		if err != nil {
			cachedError = xerrors.Errorf("developer error parse sqlx queries: %w", err)
		}
		cached = tpls
	})

	return cached, cachedError
}

func Select(p SelectParams) (string, error) {
	if len(p.Columns) == 0 {
		return "", xerrors.New("select needs at least one column")
	}
	return query("select", p)
}

func Count(p SelectParams) (string, error) {
	return query("count", p)
}

func Insert(p WriteParams) (string, error) {
	return query("insert", p)
}

func Update(p WriteParams) (string, error) {
	if len(p.Set) == 0 {
		return "", xerrors.New("update needs at least one assignment")
	}
	return query("update", p)
}

func Delete(p WriteParams) (string, error) {
	return query("delete", p)
}

// Rotate rewrites columns of every row of the table.
func Rotate(p WriteParams) (string, error) {
	if len(p.Set) == 0 {
		return "", xerrors.New("rotate needs at least one assignment")
	}
	return query("rotate", p)
}

func CreateTable(p CreateTableParams) (string, error) {
	return query("create_table", p)
}

func KeyringGet(p KeyringParams) (string, error) {
	return query("keyring_get", p)
}

func KeyringInsert(p KeyringParams) (string, error) {
	return query("keyring_insert", p)
}

func KeyringRevoke() (string, error) {
	return query("keyring_revoke", nil)
}

func KeyringList() (string, error) {
	return query("keyring_list", nil)
}

// query executes the named template with the given data and returns the result.
// The returned query string is SQL.
func query(name string, data interface{}) (string, error) {
	tpls, err := LoadQueries()
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	err = tpls.ExecuteTemplate(&out, name, data)
	if err != nil {
		return "", xerrors.Errorf("execute template %s: %w", name, err)
	}
	return out.String(), nil
}

// pascal turns a snake_case identifier into PascalCase for query names.
func pascal(s string) string {
	var b strings.Builder
	for _, part := range strings.Split(s, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
