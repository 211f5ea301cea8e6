// Package sqlite is the embedded docstore backend (modernc.org/sqlite, pure
// Go). Index arrays are read with the JSON1 json_each table function.
package sqlite

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore/sqldoc"
)

//go:embed schema.sql
var schemaSQL string

//go:embed cursors.sql
var cursorsSQL string

// Open opens (or creates) a SQLite database at path with WAL journaling and
// a busy timeout so concurrent writers wait instead of failing.
func Open(path string) (*sql.DB, error) {
	// ensure parent directory exists to avoid SQLITE_CANTOPEN errors
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New opens path and returns it as a docstore database.
func New(path string, log zerolog.Logger) (*sqldoc.Database, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return sqldoc.New(db, Dialect{}, log), nil
}

// Dialect lowers to SQLite.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Placeholder(int) string { return "?" }

// jsonPath renders keys as a JSON1 path with quoted labels.
func jsonPath(keys []string) string {
	var sb strings.Builder
	sb.WriteString("$")
	for _, k := range keys {
		sb.WriteString(`."`)
		sb.WriteString(strings.ReplaceAll(k, `"`, `\"`))
		sb.WriteString(`"`)
	}
	return sb.String()
}

func (Dialect) Elements(alias string, path []string, elem string, _ bool) (string, string, []any) {
	return "json_each(" + alias + ".idx, %p) " + elem, elem + ".value", []any{jsonPath(path)}
}

func (Dialect) Position(haystack, needle string) string {
	return "instr(" + haystack + ", " + needle + ")"
}

func render(tmpl, table string) []string {
	return splitStatements(strings.ReplaceAll(tmpl, "{{name}}", table))
}

func (Dialect) Schema(table string) []string       { return render(schemaSQL, table) }
func (Dialect) CursorSchema(table string) []string { return render(cursorsSQL, table) }

func (Dialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func splitStatements(s string) []string {
	var out []string
	for _, stmt := range strings.Split(s, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
