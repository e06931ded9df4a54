package store

import "github.com/jmoiron/sqlx"

// sqlxIn expands a `?` placeholder bound to a slice argument into the
// right number of positional placeholders and rebinds them to the
// driver's bindvar style, the thin wrapper every sqlx-based store ends
// up writing once for its "WHERE x IN (?)" queries.
func sqlxIn(query string, args ...any) (string, []any, error) {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return expanded, expandedArgs, nil
}
