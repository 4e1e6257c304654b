package pgcrypto

import (
	"database/sql"
	"maps"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Record is one row of an encrypted table. Decrypted values are decoded once
// when the row is loaded and then served from memory: reading a field never
// queries the database.
//
// Hash columns cannot be decrypted. After loading they hold the stored
// digest as []byte; before the record is saved they hold the plaintext that
// will be hashed.
type Record struct {
	table       Table
	pk          int64
	saved       bool
	values      map[string]any
	annotations map[string]any
	dirty       map[string]bool
	// digests holds the hash columns whose value is the stored digest
	// rather than plaintext. They are written back as is.
	digests map[string]bool
}

func newRecord(table Table) *Record {
	return &Record{
		table:       table,
		values:      make(map[string]any, len(table.Columns)),
		annotations: map[string]any{},
		dirty:       map[string]bool{},
		digests:     map[string]bool{},
	}
}

// Table returns the table the record belongs to.
func (r *Record) Table() Table {
	return r.table
}

// PK returns the primary key. It is zero until the record is saved.
func (r *Record) PK() int64 {
	return r.pk
}

// Saved reports whether the record exists in the database.
func (r *Record) Saved() bool {
	return r.saved
}

// Get returns the value of a column or of an annotation ("column__decrypted").
// NULL is returned as nil.
func (r *Record) Get(name string) (any, error) {
	if name == r.table.PK() {
		return r.pk, nil
	}
	if strings.HasSuffix(name, DecryptedSuffix) {
		v, ok := r.annotations[name]
		if !ok {
			return nil, xerrors.Errorf("record has no annotation %q", name)
		}
		return v, nil
	}
	if _, err := r.table.Column(name); err != nil {
		return nil, err
	}
	return r.values[name], nil
}

// Set assigns a column. The value is converted like it would be on write, so
// invalid values are rejected here and reading the column afterwards returns
// the converted value.
func (r *Record) Set(name string, v any) error {
	col, err := r.table.Column(name)
	if err != nil {
		return err
	}
	if col.Name != name {
		return xerrors.Errorf("annotation %q cannot be set", name)
	}
	prepped, err := col.Prep(v)
	if err != nil {
		return err
	}
	parsed, err := col.Parse(prepped)
	if err != nil {
		return err
	}
	r.values[name] = parsed
	r.dirty[name] = true
	delete(r.digests, name)
	return nil
}

// Annotation returns a value computed by the query that loaded the record.
func (r *Record) Annotation(name string) (any, bool) {
	v, ok := r.annotations[name]
	return v, ok
}

// Values returns a copy of the column values.
func (r *Record) Values() map[string]any {
	return maps.Clone(r.values)
}

// Dirty returns the columns set since the record was last saved or loaded,
// in table order.
func (r *Record) Dirty() []string {
	var names []string
	for _, c := range r.table.Columns {
		if r.dirty[c.Name] {
			names = append(names, c.Name)
		}
	}
	return names
}

func (r *Record) String(name string) (sql.NullString, error) {
	v, err := r.Get(name)
	if err != nil || v == nil {
		return sql.NullString{}, err
	}
	s, ok := v.(string)
	if !ok {
		return sql.NullString{}, typeError(name, "string", v)
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func (r *Record) Int64(name string) (sql.NullInt64, error) {
	v, err := r.Get(name)
	if err != nil || v == nil {
		return sql.NullInt64{}, err
	}
	n, ok := v.(int64)
	if !ok {
		return sql.NullInt64{}, typeError(name, "int64", v)
	}
	return sql.NullInt64{Int64: n, Valid: true}, nil
}

func (r *Record) Date(name string) (sql.NullTime, error) {
	v, err := r.Get(name)
	if err != nil || v == nil {
		return sql.NullTime{}, err
	}
	d, ok := v.(time.Time)
	if !ok {
		return sql.NullTime{}, typeError(name, "time.Time", v)
	}
	return sql.NullTime{Time: d, Valid: true}, nil
}

func (r *Record) Bool(name string) (sql.NullBool, error) {
	v, err := r.Get(name)
	if err != nil || v == nil {
		return sql.NullBool{}, err
	}
	b, ok := v.(bool)
	if !ok {
		return sql.NullBool{}, typeError(name, "bool", v)
	}
	return sql.NullBool{Bool: b, Valid: true}, nil
}

// Bytes returns the stored digest of a hash column. It is nil for NULL.
func (r *Record) Bytes(name string) ([]byte, error) {
	v, err := r.Get(name)
	if err != nil || v == nil {
		return nil, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, typeError(name, "[]byte", v)
	}
	return b, nil
}

func (r *Record) markSaved(pk int64) {
	r.pk = pk
	r.saved = true
	clear(r.dirty)
}

func typeError(name, want string, got any) error {
	return xerrors.Errorf("column %q holds %T, not %s", name, got, want)
}
