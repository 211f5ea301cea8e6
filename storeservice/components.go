package storeservice

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/config"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/cursor"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore/postgres"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore/sqldoc"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore/sqlite"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/engine"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/joinindex"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/searchconfig"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/tenant"
)

// Components are the wired store services of one tenant.
type Components struct {
	DB      docstore.Database
	Engine  *engine.Engine
	Cursors *cursor.Manager
	Indexes *joinindex.Service
}

// NewDatabase opens the backend selected by cfg.DBDriver.
func NewDatabase(ctx context.Context, cfg *config.Config, log zerolog.Logger) (docstore.Database, error) {
	var (
		db  *sqldoc.Database
		err error
	)
	switch cfg.DBDriver {
	case "sqlite":
		db, err = sqlite.New(cfg.SQLitePath, log)
	case "postgres":
		if err := postgres.Bootstrap(ctx, cfg.PostgresDSN); err != nil {
			return nil, fmt.Errorf("postgres unreachable: %w", err)
		}
		db, err = postgres.New(cfg.PostgresDSN, log)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER: %s", cfg.DBDriver)
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

// LoadSearchConfig reads the configured search parameters, or the built-in
// defaults when no file is set.
func LoadSearchConfig(cfg *config.Config) (*searchconfig.Config, error) {
	if cfg.SearchConfigPath == "" {
		return searchconfig.Default()
	}
	return searchconfig.Load(cfg.SearchConfigPath)
}

// Open wires the engine, the cursor manager and the join index over db.
func Open(ctx context.Context, cfg *config.Config, db docstore.Database, log zerolog.Logger) (*Components, error) {
	tenants, err := tenant.New(cfg.Tenant)
	if err != nil {
		return nil, err
	}
	search, err := LoadSearchConfig(cfg)
	if err != nil {
		return nil, err
	}
	e := engine.New(db, tenants, search, log, engine.Options{
		DefaultPageSize:   cfg.DefaultPageSize,
		CountTimeout:      cfg.CountTimeout,
		RetentionMaxRatio: cfg.RetentionMaxRatio,
	})

	store, err := db.Cursors(ctx, tenants.Cursors())
	if err != nil {
		return nil, err
	}
	cursors, err := cursor.NewManager(store, cursor.Options{
		Secret:    cfg.CursorSecret,
		MaxLength: cfg.CursorMaxLength,
		TTL:       cfg.CursorTTL,
	}, log)
	if err != nil {
		return nil, err
	}

	indexes := joinindex.New(e, joinindex.ProcessState(), joinindex.Options{
		PageSize:       cfg.IndexRefreshPageSize,
		PagesPerSecond: cfg.IndexRefreshRate,
	}, log)

	return &Components{DB: db, Engine: e, Cursors: cursors, Indexes: indexes}, nil
}

// Close stops background work and releases the backend.
func (c *Components) Close() error {
	c.Indexes.Close()
	c.Cursors.Close()
	return c.DB.Close()
}
