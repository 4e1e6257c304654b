// Package pgcrypto stores columns encrypted by the PostgreSQL pgcrypto
// extension and decrypts them transparently when records are loaded.
//
// Encryption, decryption and hashing all happen inside PostgreSQL. This
// package builds the SQL around them, binds key material as parameters and
// caches decoded values on records so reading a field never costs a query.
package pgcrypto

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/pgcrypto/sqlxqueries"
)

// Manager reads and writes records of one encrypted table.
type Manager struct {
	db     database.Store
	table  Table
	keys   Keys
	logger slog.Logger
}

type Option func(*Manager)

// WithLogger sets the logger. Values and keys are never logged.
func WithLogger(logger slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager validates the table and the keys needed by its ciphers.
func NewManager(db database.Store, table Table, keys Keys, opts ...Option) (*Manager, error) {
	if err := table.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid table %q: %w", table.Name, err)
	}
	if err := keys.Validate(table.Ciphers()...); err != nil {
		return nil, xerrors.Errorf("invalid keys for table %q: %w", table.Name, err)
	}
	m := &Manager{
		db:     db,
		table:  table,
		keys:   keys,
		logger: slog.Make(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("pgcrypto").With(slog.F("table", table.Name))
	return m, nil
}

// WithStore returns a copy of the manager using db, typically the store of a
// transaction started with database.Store.InTx.
func (m *Manager) WithStore(db database.Store) *Manager {
	c := *m
	c.db = db
	return &c
}

func (m *Manager) Table() Table {
	return m.table
}

// Query returns a query over every record of the table.
func (m *Manager) Query() *Query {
	return &Query{m: m}
}

// Build returns an unsaved record holding values.
func (m *Manager) Build(values map[string]any) (*Record, error) {
	r := newRecord(m.table)
	for name, v := range values {
		if err := r.Set(name, v); err != nil {
			return nil, err
		}
	}
	// Unset columns are stored as NULL.
	for _, c := range m.table.Columns {
		if _, ok := r.values[c.Name]; !ok {
			r.values[c.Name] = nil
			r.dirty[c.Name] = true
		}
	}
	return r, nil
}

// Create inserts a record holding values.
func (m *Manager) Create(ctx context.Context, values map[string]any) (*Record, error) {
	r, err := m.Build(values)
	if err != nil {
		return nil, err
	}
	if err := m.Save(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Save inserts an unsaved record, or updates the dirty columns of a saved
// one. Columns that were not set are left untouched in the database.
func (m *Manager) Save(ctx context.Context, r *Record) error {
	if r.table.Name != m.table.Name {
		return xerrors.Errorf("record of table %q saved with manager of %q", r.table.Name, m.table.Name)
	}
	dirty := r.Dirty()
	if r.saved && len(dirty) == 0 {
		return nil
	}

	args := m.keys.BindArgs()
	params := sqlxqueries.WriteParams{Table: m.table.Name, PK: m.table.PK()}
	for i, name := range dirty {
		col, _ := m.table.Column(name)
		arg := argName("v", i)
		if r.digests[name] {
			// Hashing a digest again would lose the plaintext match.
			args[arg] = r.values[name]
			params.Set = append(params.Set, sqlxqueries.Assignment{
				Column: name,
				SQL:    "@" + arg + "::bytea",
			})
			continue
		}
		// Values were converted by Set, converting again yields the text.
		value, err := col.Prep(r.values[name])
		if err != nil {
			return err
		}
		args[arg] = value
		params.Set = append(params.Set, sqlxqueries.Assignment{
			Column: name,
			SQL:    EncryptSQL(col.Cipher, col.Kind, "@"+arg),
		})
	}

	if !r.saved {
		query, err := sqlxqueries.Insert(params)
		if err != nil {
			return err
		}
		bound, bindArgs, err := database.BindNamed(query, args)
		if err != nil {
			return xerrors.Errorf("bind insert: %w", err)
		}
		var pk int64
		if err := m.db.GetContext(ctx, &pk, bound, bindArgs...); err != nil {
			return m.mapError(xerrors.Errorf("insert into %s: %w", m.table.Name, err))
		}
		r.markSaved(pk)
		m.logger.Debug(ctx, "inserted record", slog.F("pk", pk))
		return nil
	}

	args["pk"] = r.pk
	query, err := sqlxqueries.Update(params)
	if err != nil {
		return err
	}
	if err := m.exec(ctx, query, args); err != nil {
		return xerrors.Errorf("update %s: %w", m.table.Name, err)
	}
	r.markSaved(r.pk)
	m.logger.Debug(ctx, "updated record", slog.F("pk", r.pk), slog.F("columns", dirty))
	return nil
}

// Delete removes a saved record. The record becomes unsaved and keeps its
// values, saving it again inserts a new row. Loaded hash columns keep their
// stored digest, so the new row matches the same plaintext.
func (m *Manager) Delete(ctx context.Context, r *Record) error {
	if !r.saved {
		return xerrors.New("cannot delete an unsaved record")
	}
	query, err := sqlxqueries.Delete(sqlxqueries.WriteParams{Table: m.table.Name, PK: m.table.PK()})
	if err != nil {
		return err
	}
	if err := m.exec(ctx, query, map[string]interface{}{"pk": r.pk}); err != nil {
		return xerrors.Errorf("delete from %s: %w", m.table.Name, err)
	}
	m.logger.Debug(ctx, "deleted record", slog.F("pk", r.pk))
	r.saved = false
	r.pk = 0
	for _, c := range m.table.Columns {
		r.dirty[c.Name] = true
	}
	return nil
}

// Get loads the record with the primary key pk.
func (m *Manager) Get(ctx context.Context, pk int64) (*Record, error) {
	return m.Query().Where(m.table.PK(), OpEq, pk).Get(ctx)
}

// Raw returns the stored bytes of every column of a record, as they are on
// disk. Nothing is decrypted.
func (m *Manager) Raw(ctx context.Context, pk int64) (map[string][]byte, error) {
	params := sqlxqueries.SelectParams{
		Table: m.table.Name,
		Where: []string{pq.QuoteIdentifier(m.table.PK()) + " = @pk::bigint"},
	}
	for _, c := range m.table.Columns {
		params.Columns = append(params.Columns, sqlxqueries.Expr{SQL: pq.QuoteIdentifier(c.Name), Alias: c.Name})
	}
	query, err := sqlxqueries.Select(params)
	if err != nil {
		return nil, err
	}
	bound, args, err := database.BindNamed(query, map[string]interface{}{"pk": pk})
	if err != nil {
		return nil, xerrors.Errorf("bind raw select: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, bound, args...)
	if err != nil {
		return nil, xerrors.Errorf("select raw %s: %w", m.table.Name, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, xerrors.Errorf("select raw %s: %w", m.table.Name, err)
		}
		return nil, ErrNotFound
	}
	dest := make([][]byte, len(m.table.Columns))
	ptrs := make([]any, len(dest))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, xerrors.Errorf("scan raw %s: %w", m.table.Name, err)
	}
	raw := make(map[string][]byte, len(dest))
	for i, c := range m.table.Columns {
		raw[c.Name] = dest[i]
	}
	return raw, rows.Err()
}

// CreateTable creates the table if it does not exist.
func (m *Manager) CreateTable(ctx context.Context) error {
	ddl, err := m.table.CreateSQL()
	if err != nil {
		return err
	}
	// Concurrent CREATE TABLE IF NOT EXISTS can still collide on the row
	// type, so creators of the same table are serialized.
	err = m.db.InTx(func(tx database.Store) error {
		if err := acquireLock(ctx, tx, database.GenLockID("create_table:"+m.table.Name)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return xerrors.Errorf("create table %s: %w", m.table.Name, err)
		}
		return nil
	}, database.DefaultTXOptions().WithID("create_table"))
	if err != nil {
		return err
	}
	m.logger.Info(ctx, "created table")
	return nil
}

func (m *Manager) exec(ctx context.Context, query string, args map[string]interface{}) error {
	bound, params, err := database.BindNamed(query, args)
	if err != nil {
		return xerrors.Errorf("bind: %w", err)
	}
	res, err := m.db.ExecContext(ctx, bound, params...)
	if err != nil {
		return m.mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// selectColumns lists the primary key and every column, decrypted when the
// cipher allows it.
func (m *Manager) selectColumns() []sqlxqueries.Expr {
	exprs := []sqlxqueries.Expr{{SQL: pq.QuoteIdentifier(m.table.PK()), Alias: m.table.PK()}}
	for _, c := range m.table.Columns {
		exprs = append(exprs, sqlxqueries.Expr{SQL: m.decryptSQL(c), Alias: c.Name})
	}
	return exprs
}

func (m *Manager) decryptSQL(c Column) string {
	return DecryptSQL(c.Cipher, pq.QuoteIdentifier(c.Name), m.keys.PrivateKeyPassphrase != "")
}

func (m *Manager) selectRecords(ctx context.Context, query string, args map[string]interface{}) ([]*Record, error) {
	bound, params, err := database.BindNamed(query, args)
	if err != nil {
		return nil, xerrors.Errorf("bind select: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, bound, params...)
	if err != nil {
		return nil, m.mapError(xerrors.Errorf("select %s: %w", m.table.Name, err))
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, xerrors.Errorf("columns: %w", err)
	}
	var records []*Record
	for rows.Next() {
		dest := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, xerrors.Errorf("scan %s: %w", m.table.Name, err)
		}
		r, err := m.decodeRow(names, dest)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	// Decryption errors surface while iterating.
	if err := rows.Err(); err != nil {
		return nil, m.mapError(xerrors.Errorf("select %s: %w", m.table.Name, err))
	}
	return records, nil
}

// decodeRow builds a saved record from one scanned row. Decrypted text is
// parsed here, once.
func (m *Manager) decodeRow(names []string, values []any) (*Record, error) {
	r := newRecord(m.table)
	for i, name := range names {
		v := values[i]
		switch {
		case name == m.table.PK():
			pk, ok := v.(int64)
			if !ok {
				return nil, xerrors.Errorf("primary key %q is %T, not int64", name, v)
			}
			r.pk = pk
		case strings.HasSuffix(name, DecryptedSuffix):
			col, err := m.table.Column(name)
			if err != nil {
				return nil, err
			}
			parsed, err := col.Parse(v)
			if err != nil {
				return nil, err
			}
			r.annotations[name] = parsed
		default:
			col, err := m.table.Column(name)
			if err != nil {
				return nil, err
			}
			parsed, err := col.Parse(v)
			if err != nil {
				return nil, err
			}
			r.values[name] = parsed
			if !col.Cipher.Decryptable() && parsed != nil {
				r.digests[name] = true
			}
		}
	}
	r.saved = true
	return r, nil
}

func (*Manager) mapError(err error) error {
	return mapDBError(err)
}

// mapDBError turns pgcrypto failures into typed errors.
func mapDBError(err error) error {
	if database.IsPGCryptoError(err) {
		return &DecryptFailedError{Inner: err}
	}
	if database.IsUndefinedFunction(err) {
		return xerrors.Errorf("pgcrypto function missing, is the extension installed (run migrations)? %w", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func argName(prefix string, i int) string {
	return prefix + strconv.Itoa(i+1)
}
