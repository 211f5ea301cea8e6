// Package sqldoc implements docstore over database/sql. Each SQL backend
// supplies a Dialect that lowers JSON array access and names its DDL.
package sqldoc

import "strings"

// Dialect captures what differs between SQL engines.
type Dialect interface {
	Name() string
	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// Elements returns a FROM item, aliased elem, iterating the elements of
	// the index array at path (index document keys) of the row aliased
	// alias, and the SQL expression of one element as text or, when numeric,
	// as a number. Bind parameters inside the FROM item are written %p and
	// take args in order.
	Elements(alias string, path []string, elem string, numeric bool) (from, value string, args []any)
	// Position returns the 1-based position of needle in haystack, 0 when
	// absent.
	Position(haystack, needle string) string
	// Schema returns the statements creating a collection table.
	Schema(table string) []string
	// CursorSchema returns the statements creating a cursor table.
	CursorSchema(table string) []string
	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation(err error) bool
}

// QuoteIdent quotes an identifier for both SQLite and PostgreSQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
