package pgcrypto

import (
	"database/sql/driver"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"
)

// DateLayout is the textual form of dates before encryption. It matches the
// 'YYYY-MM-DD' pattern used when casting decrypted dates in SQL.
const DateLayout = "2006-01-02"

const (
	boolTrue  = "True"
	boolFalse = "False"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Prep converts a Go value into the text that gets encrypted for a column of
// the given kind. A nil result means SQL NULL.
func Prep(kind Kind, v any) (any, error) {
	v, err := normalize(v)
	if err != nil {
		return nil, &ValueError{Kind: kind, Value: v, Err: err}
	}
	if v == nil {
		return nil, nil
	}

	switch kind {
	case KindText, KindEmail:
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case []byte:
			s = string(t)
		default:
			return nil, &ValueError{Kind: kind, Value: v}
		}
		if kind == KindEmail && s != "" {
			if err := validate.Var(s, "email"); err != nil {
				return nil, &ValueError{Kind: kind, Value: v, Err: xerrors.New("not a valid email address")}
			}
		}
		return s, nil

	case KindInteger:
		n, err := toInt64(v)
		if err != nil {
			return nil, &ValueError{Kind: kind, Value: v, Err: err}
		}
		// Decrypted integers are cast to the SQL integer type.
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, &ValueError{Kind: kind, Value: v, Err: xerrors.Errorf("out of range [%d, %d]", math.MinInt32, math.MaxInt32)}
		}
		return strconv.FormatInt(n, 10), nil

	case KindDate:
		switch t := v.(type) {
		case time.Time:
			return t.Format(DateLayout), nil
		case string:
			d, err := time.Parse(DateLayout, t)
			if err != nil {
				return nil, &ValueError{Kind: kind, Value: v, Err: xerrors.New("dates must be formatted YYYY-MM-DD")}
			}
			return d.Format(DateLayout), nil
		}
		return nil, &ValueError{Kind: kind, Value: v}

	case KindNullBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, &ValueError{Kind: kind, Value: v}
		}
		if b {
			return boolTrue, nil
		}
		return boolFalse, nil
	}
	return nil, &ValueError{Kind: kind, Value: v, Err: xerrors.New("unknown kind")}
}

// Parse converts decrypted text back into the Go type of the kind:
// string for text and email, int64 for integer, time.Time for date and bool
// for null_boolean. nil stays nil, and values that are not text (already
// parsed values, digests) are returned untouched.
func Parse(kind Kind, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}

	switch kind {
	case KindText, KindEmail:
		return s, nil

	case KindInteger:
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, &ValueError{Kind: kind, Value: v, Err: xerrors.New("decrypted text is not an integer")}
		}
		return n, nil

	case KindDate:
		d, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, &ValueError{Kind: kind, Value: v, Err: xerrors.New("decrypted text is not a YYYY-MM-DD date")}
		}
		return d, nil

	case KindNullBoolean:
		switch s {
		case boolTrue:
			return true, nil
		case boolFalse:
			return false, nil
		}
		return nil, &ValueError{Kind: kind, Value: v, Err: xerrors.Errorf("decrypted text must be %q or %q", boolTrue, boolFalse)}
	}
	return nil, &ValueError{Kind: kind, Value: v, Err: xerrors.New("unknown kind")}
}

// normalize dereferences pointers and unwraps driver.Valuer types such as
// sql.NullString so Prep only has to deal with plain values.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	v = rv.Interface()

	if valuer, ok := v.(driver.Valuer); ok {
		return valuer.Value()
	}
	return v, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt64(n)
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, xerrors.New("not a base 10 integer")
		}
		return parsed, nil
	}
	return 0, xerrors.New("not an integer type")
}

func uintToInt64(n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, xerrors.New("overflows int64")
	}
	return int64(n), nil
}
