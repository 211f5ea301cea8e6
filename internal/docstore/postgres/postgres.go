// Package postgres is the server docstore backend. It uses the pgx stdlib
// driver and stores the index document as JSONB.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore/sqldoc"
)

//go:embed schema.sql
var schemaSQL string

//go:embed cursors.sql
var cursorsSQL string

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

// Open opens a PostgreSQL connection using the pgx stdlib driver and verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New opens dsn and returns it as a docstore database.
func New(dsn string, log zerolog.Logger) (*sqldoc.Database, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	return sqldoc.New(db, Dialect{}, log), nil
}

// Bootstrap performs a connectivity check to ensure Postgres is reachable.
func Bootstrap(ctx context.Context, dsn string) error {
	if dsn == "" {
		return nil
	}
	db, err := Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.PingContext(ctx)
}

// Dialect lowers to PostgreSQL JSONB.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Dialect) Elements(alias string, path []string, elem string, numeric bool) (string, string, []any) {
	var sb strings.Builder
	sb.WriteString(alias + ".idx")
	args := make([]any, len(path))
	for i, k := range path {
		sb.WriteString(" -> %p::text")
		args[i] = k
	}
	value := elem + ".v"
	if numeric {
		value = "(" + value + ")::numeric"
	}
	return "jsonb_array_elements_text(CASE WHEN jsonb_typeof(" + sb.String() + ") = 'array' THEN " + sb.String() + " ELSE '[]'::jsonb END) " + elem + "(v)",
		value, append(args, args...)
}

func (Dialect) Position(haystack, needle string) string {
	return "strpos(" + haystack + ", " + needle + ")"
}

func render(tmpl, table string) []string {
	var out []string
	for _, stmt := range strings.Split(strings.ReplaceAll(tmpl, "{{name}}", table), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (Dialect) Schema(table string) []string       { return render(schemaSQL, table) }
func (Dialect) CursorSchema(table string) []string { return render(cursorsSQL, table) }

func (Dialect) IsUniqueViolation(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == uniqueViolation
}
