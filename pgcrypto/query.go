package pgcrypto

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/pgcrypto/sqlxqueries"
)

// Op is a comparison operator of Query.Where.
type Op string

const (
	OpEq        Op = "="
	OpNe        Op = "<>"
	OpLt        Op = "<"
	OpLte       Op = "<="
	OpGt        Op = ">"
	OpGte       Op = ">="
	OpIsNull    Op = "IS NULL"
	OpIsNotNull Op = "IS NOT NULL"
)

func (o Op) unary() bool {
	return o == OpIsNull || o == OpIsNotNull
}

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIsNull, OpIsNotNull:
		return true
	}
	return false
}

// Annotation is a computed value added to every record a query returns.
type Annotation struct {
	Column string
}

// Decrypted annotates records with the decrypted value of column under the
// name "column__decrypted".
func Decrypted(column string) Annotation {
	return Annotation{Column: column}
}

// Name is the key of the annotation on a record.
func (a Annotation) Name() string {
	return strings.TrimSuffix(a.Column, DecryptedSuffix) + DecryptedSuffix
}

type condition struct {
	column string
	op     Op
	value  any
}

// Query selects records of a table. Builder methods return a modified copy,
// so a Query can be reused as a base for others. Errors from builder methods
// are reported by the terminal operation.
type Query struct {
	m           *Manager
	where       []condition
	annotations []Annotation
	order       []string
	limit       int
	offset      int
	err         error
}

func (q *Query) clone() *Query {
	c := *q
	c.where = slices.Clone(q.where)
	c.annotations = slices.Clone(q.annotations)
	c.order = slices.Clone(q.order)
	return &c
}

// Where keeps records where column compares to value. The column can be the
// primary key, an encrypted column (compared on its decrypted value) or a
// hash column (only equality and NULL checks, value is hashed). value is
// ignored by OpIsNull and OpIsNotNull.
func (q *Query) Where(column string, op Op, value any) *Query {
	c := q.clone()
	if !op.valid() {
		c.setErr(xerrors.Errorf("unknown operator %q", op))
	}
	c.where = append(c.where, condition{column: column, op: op, value: value})
	return c
}

// WhereDecrypted filters on the decrypted value of column. It is the same as
// Where on the column, spelled like the annotation.
func (q *Query) WhereDecrypted(column string, op Op, value any) *Query {
	return q.Where(strings.TrimSuffix(column, DecryptedSuffix)+DecryptedSuffix, op, value)
}

// Annotate adds computed values to the returned records.
func (q *Query) Annotate(annotations ...Annotation) *Query {
	c := q.clone()
	c.annotations = append(c.annotations, annotations...)
	return c
}

// OrderBy sorts by the given columns. A leading "-" sorts descending.
// Encrypted columns sort by their decrypted value.
func (q *Query) OrderBy(columns ...string) *Query {
	c := q.clone()
	c.order = append(c.order, columns...)
	return c
}

func (q *Query) Limit(n int) *Query {
	c := q.clone()
	if n < 0 {
		c.setErr(xerrors.Errorf("negative limit %d", n))
	}
	c.limit = n
	return c
}

func (q *Query) Offset(n int) *Query {
	c := q.clone()
	if n < 0 {
		c.setErr(xerrors.Errorf("negative offset %d", n))
	}
	c.offset = n
	return c
}

func (q *Query) setErr(err error) {
	if q.err == nil {
		q.err = err
	}
}

// All returns every matching record. Loading the records is a single
// statement that decrypts every column.
func (q *Query) All(ctx context.Context) ([]*Record, error) {
	query, args, err := q.compileSelect()
	if err != nil {
		return nil, err
	}
	return q.m.selectRecords(ctx, query, args)
}

// First returns the first record by the query order, or by primary key.
func (q *Query) First(ctx context.Context) (*Record, error) {
	c := q.Limit(1)
	if len(c.order) == 0 {
		c.order = []string{q.m.table.PK()}
	}
	return c.one(ctx)
}

// Last returns the last record by the query order, or by primary key.
func (q *Query) Last(ctx context.Context) (*Record, error) {
	c := q.Limit(1)
	if len(c.order) == 0 {
		c.order = []string{"-" + q.m.table.PK()}
	} else {
		for i, o := range c.order {
			if strings.HasPrefix(o, "-") {
				c.order[i] = strings.TrimPrefix(o, "-")
			} else {
				c.order[i] = "-" + o
			}
		}
	}
	return c.one(ctx)
}

// Get returns the only matching record. It fails with ErrNotFound or
// ErrMultipleRecords.
func (q *Query) Get(ctx context.Context) (*Record, error) {
	records, err := q.Limit(2).All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(records) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return records[0], nil
	}
	return nil, ErrMultipleRecords
}

// Count returns the number of matching records. Limit and offset are ignored.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	where, args, err := q.compileWhere()
	if err != nil {
		return 0, err
	}
	query, err := sqlxqueries.Count(sqlxqueries.SelectParams{Table: q.m.table.Name, Where: where})
	if err != nil {
		return 0, err
	}
	bound, params, err := database.BindNamed(query, args)
	if err != nil {
		return 0, xerrors.Errorf("bind count: %w", err)
	}
	var count int64
	if err := q.m.db.GetContext(ctx, &count, bound, params...); err != nil {
		return 0, q.m.mapError(xerrors.Errorf("count %s: %w", q.m.table.Name, err))
	}
	return count, nil
}

func (q *Query) one(ctx context.Context) (*Record, error) {
	records, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

// compileSelect renders the statement and its named arguments, key material
// included.
func (q *Query) compileSelect() (string, map[string]interface{}, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	where, args, err := q.compileWhere()
	if err != nil {
		return "", nil, err
	}

	params := sqlxqueries.SelectParams{
		Table:   q.m.table.Name,
		Columns: q.m.selectColumns(),
		Where:   where,
		Limit:   q.limit,
		Offset:  q.offset,
	}
	for _, a := range q.annotations {
		col, err := q.m.table.Column(a.Column)
		if err != nil {
			return "", nil, err
		}
		if !col.Cipher.Decryptable() {
			return "", nil, xerrors.Errorf("column %q uses %s and cannot be decrypted", col.Name, col.Cipher)
		}
		params.Columns = append(params.Columns, sqlxqueries.Expr{SQL: q.m.decryptSQL(col), Alias: a.Name()})
	}
	for _, o := range q.order {
		term, err := q.m.orderTerm(o)
		if err != nil {
			return "", nil, err
		}
		params.OrderBy = append(params.OrderBy, term)
	}

	query, err := sqlxqueries.Select(params)
	if err != nil {
		return "", nil, err
	}
	return query, args, nil
}

func (q *Query) compileWhere() ([]string, map[string]interface{}, error) {
	args := q.m.keys.BindArgs()
	where := make([]string, 0, len(q.where))
	for i, cond := range q.where {
		name := argName("w", i)
		sql, value, err := q.m.conditionSQL(cond, "@"+name)
		if err != nil {
			return nil, nil, err
		}
		if !cond.op.unary() {
			args[name] = value
		}
		where = append(where, sql)
	}
	return where, args, nil
}

// sqlTypes are the types decrypted values are compared as.
var sqlTypes = map[Kind]string{
	KindText:        "text",
	KindEmail:       "text",
	KindInteger:     "integer",
	KindDate:        "date",
	KindNullBoolean: "boolean",
}

// conditionSQL renders a condition referencing the bind parameter param and
// returns the value to bind to it.
func (m *Manager) conditionSQL(cond condition, param string) (string, any, error) {
	if cond.column == m.table.PK() {
		ref := pq.QuoteIdentifier(cond.column)
		if cond.op.unary() {
			return fmt.Sprintf("%s %s", ref, cond.op), nil, nil
		}
		return fmt.Sprintf("%s %s %s::bigint", ref, cond.op, param), cond.value, nil
	}

	col, err := m.table.Column(cond.column)
	if err != nil {
		return "", nil, err
	}
	ref := pq.QuoteIdentifier(col.Name)
	if cond.op.unary() {
		return fmt.Sprintf("%s %s", ref, cond.op), nil, nil
	}

	// Filters never validate addresses, any text can be looked up.
	kind := col.Kind
	if kind == KindEmail {
		kind = KindText
	}
	value, err := Prep(kind, cond.value)
	if err != nil {
		return "", nil, col.annotate(err)
	}
	if value == nil {
		return "", nil, xerrors.Errorf("column %q: compare to NULL with %s or %s", col.Name, OpIsNull, OpIsNotNull)
	}

	if !col.Cipher.Decryptable() {
		if cond.op != OpEq && cond.op != OpNe {
			return "", nil, xerrors.Errorf("column %q is hashed with %s and only supports %s and %s", col.Name, col.Cipher, OpEq, OpNe)
		}
		if strings.HasSuffix(cond.column, DecryptedSuffix) {
			return "", nil, xerrors.Errorf("column %q uses %s and cannot be decrypted", col.Name, col.Cipher)
		}
		return fmt.Sprintf("%s %s %s", ref, cond.op, EncryptSQL(col.Cipher, col.Kind, param)), value, nil
	}

	return fmt.Sprintf("%s %s %s::%s", CastSQL(col.Kind, m.decryptSQL(col)), cond.op, param, sqlTypes[col.Kind]), value, nil
}

func (m *Manager) orderTerm(o string) (string, error) {
	dir := "ASC"
	if strings.HasPrefix(o, "-") {
		dir = "DESC"
		o = strings.TrimPrefix(o, "-")
	}
	if o == m.table.PK() {
		return fmt.Sprintf("%s %s", pq.QuoteIdentifier(o), dir), nil
	}
	col, err := m.table.Column(o)
	if err != nil {
		return "", err
	}
	if !col.Cipher.Decryptable() {
		return "", xerrors.Errorf("column %q is hashed with %s and cannot be ordered", col.Name, col.Cipher)
	}
	return fmt.Sprintf("%s %s", CastSQL(col.Kind, m.decryptSQL(col)), dir), nil
}
