package database

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/xerrors"
)

var nameRegex = regexp.MustCompile(`@([a-zA-Z0-9_]+)`)

// BindNamed adjusts the query to use "$#" syntax for arguments instead of
// "@argument". The returned args are the values of the map entries that match
// the names, in placeholder order.
//
// 1. SQLx does not reuse arguments, so "@arg, @arg" would result in two
// arguments "$1, $2" instead of "$1, $1". Key material is referenced by every
// encrypted column of a statement, so reuse matters here.
// 2. SQLx only supports ":name" style arguments and breaks "::" type casting.
func BindNamed(query string, arg map[string]interface{}) (newQuery string, args []interface{}, err error) {
	index := make(map[string]int)
	args = make([]interface{}, 0, len(arg))

	// We do not need to implement a sql parser to extract and replace the variable names.
	// All names follow a simple regex. Replacing match by match avoids "@v1"
	// clobbering the prefix of "@v10".
	var missing []string
	newQuery = nameRegex.ReplaceAllStringFunc(query, func(match string) string {
		name := strings.TrimPrefix(match, "@")
		if i, ok := index[name]; ok {
			return fmt.Sprintf("$%d", i)
		}
		val, ok := arg[name]
		if !ok {
			missing = append(missing, name)
			return match
		}

		// Handle some custom types to make arguments easier to use.
		switch v := val.(type) {
		case []uuid.UUID:
			val = pq.Array(v)
		case []string:
			val = pq.Array(v)
		}
		args = append(args, val)
		index[name] = len(args)
		return fmt.Sprintf("$%d", len(args))
	})
	if len(missing) > 0 {
		return "", nil, xerrors.Errorf("could not find names %s in arguments", strings.Join(missing, ", "))
	}
	return newQuery, args, nil
}
