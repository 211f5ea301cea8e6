package sqldoc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

var validName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Database implements docstore.Database on a *sql.DB.
type Database struct {
	db  *sql.DB
	d   Dialect
	log zerolog.Logger

	mu      sync.Mutex
	created map[string]bool
}

// New wraps an open connection pool.
func New(db *sql.DB, d Dialect, log zerolog.Logger) *Database {
	return &Database{db: db, d: d, log: log, created: make(map[string]bool)}
}

// DB returns the underlying pool.
func (s *Database) DB() *sql.DB { return s.db }

func (s *Database) ensure(ctx context.Context, name string, ddl []string) error {
	if !validName.MatchString(name) {
		return model.NewConfigurationError("collection", fmt.Sprintf("invalid collection name %q", name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[name] {
		return nil
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
	}
	s.created[name] = true
	s.log.Debug().Str("driver", s.d.Name()).Str("collection", name).Msg("collection ready")
	return nil
}

// Collection returns the named collection, creating its table on first use.
func (s *Database) Collection(ctx context.Context, name string) (docstore.Collection, error) {
	if err := s.ensure(ctx, name, s.d.Schema(name)); err != nil {
		return nil, err
	}
	return &collection{db: s.db, d: s.d, name: name, table: QuoteIdent(name)}, nil
}

// Cursors returns the named cursor store, creating its table on first use.
func (s *Database) Cursors(ctx context.Context, name string) (docstore.CursorStore, error) {
	if err := s.ensure(ctx, name, s.d.CursorSchema(name)); err != nil {
		return nil, err
	}
	return &cursors{db: s.db, d: s.d, table: QuoteIdent(name)}, nil
}

// HealthPing checks connectivity.
func (s *Database) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Database) Close() error { return s.db.Close() }

type cursors struct {
	db    *sql.DB
	d     Dialect
	table string
}

func (c *cursors) Put(ctx context.Context, id string, created time.Time, payload []byte) error {
	p := c.d.Placeholder
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO "+c.table+" (id, created, payload) VALUES ("+p(1)+", "+p(2)+", "+p(3)+")",
		id, created.UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("store cursor: %w", err)
	}
	return nil
}

func (c *cursors) Get(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx, "SELECT payload FROM "+c.table+" WHERE id = "+c.d.Placeholder(1), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("cursor", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	return payload, nil
}

func (c *cursors) DeleteBefore(ctx context.Context, watermark time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM "+c.table+" WHERE created < "+c.d.Placeholder(1), watermark.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("clean cursors: %w", err)
	}
	return res.RowsAffected()
}
