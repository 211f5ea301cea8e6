// Package engine is the revisioned storage engine. Every record version is a
// row with a validity window [validFrom, validTo); reads pin a revision and
// see the rows whose window contains it.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/compiler"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/optimizer"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/searchconfig"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/tenant"
)

// Options tune the engine. Zero values select the defaults.
type Options struct {
	DefaultPageSize   int
	CountTimeout      time.Duration
	RetentionMaxRatio float64
	Clock             *Clock
}

const (
	defaultPageSize   = 50
	defaultCountLimit = 2 * time.Second
	defaultMaxRatio   = 0.15
)

// Engine stores and queries versioned records of one tenant.
type Engine struct {
	db        docstore.Database
	tenants   *tenant.Resolver
	cfg       *searchconfig.Config
	compiler  *compiler.Compiler
	optimizer *optimizer.Optimizer
	clock     *Clock
	log       zerolog.Logger

	pageSize     int
	countTimeout time.Duration
	maxRatio     float64
}

// New builds an engine.
func New(db docstore.Database, tenants *tenant.Resolver, cfg *searchconfig.Config, log zerolog.Logger, opts Options) *Engine {
	e := &Engine{
		db:           db,
		tenants:      tenants,
		cfg:          cfg,
		compiler:     compiler.New(cfg),
		optimizer:    optimizer.New(cfg, log),
		clock:        opts.Clock,
		log:          log,
		pageSize:     opts.DefaultPageSize,
		countTimeout: opts.CountTimeout,
		maxRatio:     opts.RetentionMaxRatio,
	}
	if e.clock == nil {
		e.clock = NewClock(nil)
	}
	if e.pageSize <= 0 {
		e.pageSize = defaultPageSize
	}
	if e.countTimeout <= 0 {
		e.countTimeout = defaultCountLimit
	}
	if e.maxRatio <= 0 {
		e.maxRatio = defaultMaxRatio
	}
	return e
}

// Config returns the search configuration the engine indexes with.
func (e *Engine) Config() *searchconfig.Config { return e.cfg }

// Now returns a fresh revision timestamp.
func (e *Engine) Now() time.Time { return time.Unix(0, e.clock.Now()) }

func (e *Engine) collection(ctx context.Context, resourceType string) (docstore.Collection, error) {
	if !e.cfg.HasResource(resourceType) {
		return nil, model.NewNotFoundError("resourceType", resourceType)
	}
	return e.db.Collection(ctx, e.tenants.Collection(resourceType))
}

// bindLookups points every Lookup of f at the tenant collection of its child
// type and pins it to revision.
func (e *Engine) bindLookups(ctx context.Context, f filter.Filter, revision int64) error {
	var err error
	filter.Walk(f, func(f filter.Filter) {
		l, ok := f.(*filter.Lookup)
		if !ok || err != nil {
			return
		}
		var c docstore.Collection
		if c, err = e.collection(ctx, l.Collection); err != nil {
			return
		}
		l.Collection = c.Name()
		l.Revision = revision
	})
	return err
}

// indexDoc is the persisted index document: index fields plus links.
func indexDoc(ix searchconfig.Index, links map[string]any) (json.RawMessage, error) {
	doc := make(map[string]any, len(ix)+1)
	for k, v := range ix {
		doc[k] = v
	}
	if len(links) > 0 {
		doc[searchconfig.LinksField] = links
	}
	return json.Marshal(doc)
}

func linksOf(index json.RawMessage) (map[string]any, error) {
	if len(index) == 0 {
		return nil, nil
	}
	var doc struct {
		Links map[string]any `json:"links"`
	}
	if err := json.Unmarshal(index, &doc); err != nil {
		return nil, fmt.Errorf("decode index document: %w", err)
	}
	return doc.Links, nil
}

func toStored(resourceType string, r *docstore.Row) (*model.StoredResource, error) {
	links, err := linksOf(r.Index)
	if err != nil {
		return nil, err
	}
	out := &model.StoredResource{
		Type:      resourceType,
		ID:        r.ID,
		Version:   r.Version,
		RowID:     r.RowID,
		ValidFrom: time.Unix(0, r.ValidFrom),
		LastWrite: time.Unix(0, r.LastWrite),
		Hash:      r.Hash,
		Content:   r.Content,
		Links:     links,
	}
	if !r.Live() {
		to := time.Unix(0, r.ValidTo)
		out.ValidTo = &to
	}
	return out, nil
}
