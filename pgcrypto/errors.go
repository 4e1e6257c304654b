package pgcrypto

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrNotFound is returned when a query expected a record and found none.
	ErrNotFound = xerrors.New("record not found")
	// ErrMultipleRecords is returned by Query.Get when more than one record
	// matches.
	ErrMultipleRecords = xerrors.New("query returned more than one record")
)

// ValueError is returned when a value cannot be converted to or from the
// textual form that is encrypted.
type ValueError struct {
	Column string
	Kind   Kind
	// Value is the offending value. It is only ever printed with %T for
	// values coming from the caller since it may be sensitive.
	Value any
	Err   error
}

func (e *ValueError) Error() string {
	prefix := fmt.Sprintf("invalid %s value", e.Kind)
	if e.Column != "" {
		prefix = fmt.Sprintf("column %q: %s", e.Column, prefix)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s of type %T: %s", prefix, e.Value, e.Err)
	}
	return fmt.Sprintf("%s of type %T", prefix, e.Value)
}

func (e *ValueError) Unwrap() error {
	return e.Err
}

// DecryptFailedError is returned when the database could not decrypt a value
// with the configured keys.
type DecryptFailedError struct {
	Inner error
}

func (e *DecryptFailedError) Error() string {
	return xerrors.Errorf("decrypt failed: %w", e.Inner).Error()
}

func (e *DecryptFailedError) Unwrap() error {
	return e.Inner
}

// UnknownColumnError is returned when a column name is not part of a table.
type UnknownColumnError struct {
	Table  string
	Column string
}

func (e *UnknownColumnError) Error() string {
	return fmt.Sprintf("table %q has no column %q", e.Table, e.Column)
}
