package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/compiler"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/metrics"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/searchconfig"
)

// SearchContext is the continuation state of a paged traversal. It is
// created with the first page and only ever produced by the engine.
type SearchContext struct {
	Revision      int64    `json:"revision"`
	LastRow       int64    `json:"lastRow"`
	Total         *int64   `json:"total,omitempty"`
	Fields        []string `json:"fields,omitempty"`
	CorrelationID string   `json:"correlationId"`
}

// Page is one page of a search.
type Page struct {
	Entries []model.Entry
	Total   *int64
	// Next continues the traversal; nil on the last page.
	Next *SearchContext
}

// HasNext reports whether another page follows.
func (p *Page) HasNext() bool { return p.Next != nil }

// plan optimizes and compiles q for a revision.
func (e *Engine) plan(ctx context.Context, q *expr.Select, revision int64) (docstore.Collection, filter.Filter, error) {
	coll, err := e.collection(ctx, q.Resource)
	if err != nil {
		return nil, nil, err
	}
	if err := e.optimizer.Optimize(q); err != nil {
		return nil, nil, err
	}
	f, err := e.compiler.CompileSelect(q, compiler.Context{Now: time.Unix(0, revision)})
	if err != nil {
		return nil, nil, err
	}
	if err := e.bindLookups(ctx, f, revision); err != nil {
		return nil, nil, err
	}
	parts := []filter.Filter{filter.Window(revision)}
	if _, all := f.(*filter.MatchAll); !all {
		parts = append(parts, f)
	}
	if q.Since != nil {
		parts = append(parts, &filter.Cmp{Field: filter.FieldLastWrite, Op: filter.Ge, Value: q.Since.UnixNano()})
	}
	return coll, filter.AllOf(parts...), nil
}

// Search returns one page of q. A nil sc starts a new traversal at the
// current revision; otherwise the page continues sc at its pinned revision.
func (e *Engine) Search(ctx context.Context, sc *SearchContext, q *expr.Select) (*Page, error) {
	defer metrics.ObserveSince("search", q.Resource, time.Now())

	revision := e.clock.Now()
	var afterRow int64
	if sc != nil {
		revision = sc.Revision
		afterRow = sc.LastRow
	}
	coll, f, err := e.plan(ctx, q, revision)
	if err != nil {
		return nil, err
	}

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = e.pageSize
	}
	rows, err := coll.Find(ctx, docstore.Query{Filter: f, AfterRow: afterRow, Limit: pageSize + 1})
	if err != nil {
		return nil, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}

	page := &Page{}
	if sc != nil {
		page.Total = sc.Total
	} else if page.Total, err = e.count(ctx, coll, f, q.Resource, q.Count); err != nil {
		return nil, err
	}

	keep := e.projection(q)
	for _, r := range rows {
		s, err := e.project(q.Resource, r, keep)
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, model.Entry{Mode: model.EntryMatch, Resource: s})
	}

	included, err := e.includes(ctx, q, rows, revision)
	if err != nil {
		return nil, err
	}
	page.Entries = append(page.Entries, included...)

	if hasNext {
		next := &SearchContext{
			Revision: revision,
			LastRow:  rows[len(rows)-1].RowID,
			Total:    page.Total,
			Fields:   q.Fields,
		}
		if sc != nil {
			next.CorrelationID = sc.CorrelationID
		} else {
			next.CorrelationID = uuid.NewString()
		}
		page.Next = next
	}
	return page, nil
}

// Iterate yields the entries of every page of q, lazily and once. Iteration
// stops at the first error, which is yielded with a zero entry.
func (e *Engine) Iterate(ctx context.Context, sc *SearchContext, q *expr.Select) iter.Seq2[model.Entry, error] {
	return func(yield func(model.Entry, error) bool) {
		for {
			page, err := e.Search(ctx, sc, q)
			if err != nil {
				yield(model.Entry{}, err)
				return
			}
			for _, entry := range page.Entries {
				if !yield(entry, nil) {
					return
				}
			}
			if !page.HasNext() {
				return
			}
			sc = page.Next
		}
	}
}

// Count returns the total of q at the current revision according to its
// count mode; nil means unknown.
func (e *Engine) Count(ctx context.Context, q *expr.Select) (*int64, error) {
	coll, f, err := e.plan(ctx, q, e.clock.Now())
	if err != nil {
		return nil, err
	}
	return e.count(ctx, coll, f, q.Resource, q.Count)
}

func (e *Engine) count(ctx context.Context, coll docstore.Collection, f filter.Filter, resourceType string, mode expr.CountMode) (*int64, error) {
	switch mode {
	case expr.CountAlways:
		n, err := coll.Count(ctx, f)
		if err != nil {
			return nil, err
		}
		return &n, nil
	case expr.CountBestEffort:
		cctx, cancel := context.WithTimeout(ctx, e.countTimeout)
		defer cancel()
		n, err := coll.Count(cctx, f)
		if err != nil {
			if cctx.Err() != nil && ctx.Err() == nil {
				metrics.CountTimeouts.WithLabelValues(resourceType).Inc()
				e.log.Debug().Str("resource", resourceType).Dur("budget", e.countTimeout).Msg("best effort count timed out")
				return nil, nil
			}
			return nil, err
		}
		return &n, nil
	}
	return nil, nil
}

// projection returns the top-level elements kept for a requested field
// subset, or nil for full documents.
func (e *Engine) projection(q *expr.Select) []string {
	if len(q.Fields) == 0 {
		return nil
	}
	keep := append([]string(nil), q.Fields...)
	for _, p := range e.cfg.Params(q.Resource) {
		if p.Compulsory {
			if el := p.TopLevelElement(); el != "" {
				keep = append(keep, el)
			}
		}
	}
	return keep
}

func (e *Engine) project(resourceType string, r *docstore.Row, keep []string) (*model.StoredResource, error) {
	s, err := toStored(resourceType, r)
	if err != nil {
		return nil, err
	}
	if s.Content, err = docstore.Project(s.Content, keep); err != nil {
		return nil, err
	}
	return s, nil
}

// referenceValues returns the values of an index field of a row.
func referenceValues(r *docstore.Row, field string) ([]string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(r.Index, &doc); err != nil {
		return nil, fmt.Errorf("decode index document: %w", err)
	}
	raw, ok := doc[field]
	if !ok {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode index field %s: %w", field, err)
	}
	return values, nil
}

type includeTask struct {
	resourceType string
	filter       filter.Filter
}

// includes resolves includes and revincludes of a page at the page's
// revision. Entries already part of the page are not repeated.
func (e *Engine) includes(ctx context.Context, q *expr.Select, rows []*docstore.Row, revision int64) ([]model.Entry, error) {
	if len(rows) == 0 || (len(q.Includes) == 0 && len(q.RevIncludes) == 0) {
		return nil, nil
	}
	var tasks []includeTask

	for _, inc := range q.Includes {
		if inc.Type != q.Resource {
			return nil, model.NewConfigurationError("_include", fmt.Sprintf("%s does not apply to %s", inc, q.Resource))
		}
		p, err := e.referenceParam(inc)
		if err != nil {
			return nil, err
		}
		byType := make(map[string][]any)
		var order []string
		for _, r := range rows {
			refs, err := referenceValues(r, p.Field+searchconfig.SuffixReference)
			if err != nil {
				return nil, err
			}
			for _, ref := range refs {
				typ, id, ok := searchconfig.ParseReference(ref)
				if !ok || (inc.Target != "" && typ != inc.Target) || !e.cfg.HasResource(typ) {
					continue
				}
				if _, seen := byType[typ]; !seen {
					order = append(order, typ)
				}
				byType[typ] = append(byType[typ], id)
			}
		}
		for _, typ := range order {
			tasks = append(tasks, includeTask{resourceType: typ, filter: &filter.In{Field: filter.FieldID, Values: byType[typ]}})
		}
	}

	for _, inc := range q.RevIncludes {
		p, err := e.referenceParam(inc)
		if err != nil {
			return nil, err
		}
		if len(p.Targets) > 0 && !contains(p.Targets, q.Resource) {
			return nil, model.NewConfigurationError("_revinclude", fmt.Sprintf("%s cannot reference %s", inc, q.Resource))
		}
		refs := make([]any, len(rows))
		for i, r := range rows {
			refs[i] = q.Resource + "/" + r.ID
		}
		tasks = append(tasks, includeTask{resourceType: inc.Type, filter: &filter.In{Field: p.Field + searchconfig.SuffixReference, Values: refs}})
	}

	results := make([][]*model.StoredResource, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			coll, err := e.collection(gctx, task.resourceType)
			if err != nil {
				return err
			}
			found, err := coll.Find(gctx, docstore.Query{Filter: filter.AllOf(filter.Window(revision), task.filter)})
			if err != nil {
				return err
			}
			for _, r := range found {
				s, err := toStored(task.resourceType, r)
				if err != nil {
					return err
				}
				results[i] = append(results[i], s)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		seen[q.Resource+"/"+r.ID] = true
	}
	var out []model.Entry
	for _, found := range results {
		for _, s := range found {
			key := s.Type + "/" + s.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, model.Entry{Mode: model.EntryInclude, Resource: s})
		}
	}
	return out, nil
}

func (e *Engine) referenceParam(inc *expr.Include) (*searchconfig.Param, error) {
	p, err := e.cfg.Lookup(inc.Type, inc.Param)
	if err != nil {
		return nil, err
	}
	if p.Type != searchconfig.TypeReference {
		return nil, model.NewConfigurationError(inc.String(), "include parameter is not a reference")
	}
	return p, nil
}

// Explanation describes how a query runs.
type Explanation struct {
	Collection string `json:"collection"`
	Filter     string `json:"filter"`
	Statement  string `json:"statement"`
	Args       []any  `json:"args"`
	// Lookup is true when a has condition could not use a declared join.
	Lookup bool `json:"lookup"`
}

// Explain plans q at the current revision without running it.
func (e *Engine) Explain(ctx context.Context, q *expr.Select) (*Explanation, error) {
	coll, f, err := e.plan(ctx, q, e.clock.Now())
	if err != nil {
		return nil, err
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = e.pageSize
	}
	stmt, args, err := coll.Explain(docstore.Query{Filter: f, Limit: pageSize + 1})
	if err != nil {
		return nil, err
	}
	return &Explanation{
		Collection: coll.Name(),
		Filter:     f.String(),
		Statement:  stmt,
		Args:       args,
		Lookup:     filter.HasLookup(f),
	}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
