// Package joinindex denormalizes child records into their parents. For every
// declared join, the indexed fields of each child are merged into the
// links.<Child> sub-document of the parent it references, so that has
// conditions over those fields become plain filters on the parent.
package joinindex

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/engine"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/metrics"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/searchconfig"
)

const jobName = "join index refresh"

// Options tune a refresh.
type Options struct {
	PageSize int
	// PagesPerSecond throttles the page loop; zero means unlimited.
	PagesPerSecond float64
}

// Service runs join index refreshes, one at a time.
type Service struct {
	engine   *engine.Engine
	cfg      *searchconfig.Config
	state    JobState
	pageSize int
	limiter  *rate.Limiter
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a service over e. A nil state selects the process-wide one.
func New(e *engine.Engine, state JobState, opts Options, log zerolog.Logger) *Service {
	if state == nil {
		state = ProcessState()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	limit := rate.Inf
	if opts.PagesPerSecond > 0 {
		limit = rate.Limit(opts.PagesPerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:   e,
		cfg:      e.Config(),
		state:    state,
		pageSize: opts.PageSize,
		limiter:  rate.NewLimiter(limit, 1),
		log:      log.With().Str("component", "joinindex").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// IsRunning reports whether a refresh is active.
func (s *Service) IsRunning() bool { return s.state.IsRunning() }

// RefreshIndexes starts a refresh of every join from since in the background
// and returns immediately. It fails with AlreadyRunningError while another
// refresh is active.
func (s *Service) RefreshIndexes(since time.Time) error {
	if !s.state.TryStart() {
		return model.AlreadyRunningError{Job: jobName}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(s.ctx, since); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Time("since", since).Msg("join index refresh failed")
		}
	}()
	return nil
}

// RefreshIndexesSync runs a refresh in the calling goroutine.
func (s *Service) RefreshIndexesSync(ctx context.Context, since time.Time) error {
	if !s.state.TryStart() {
		return model.AlreadyRunningError{Job: jobName}
	}
	return s.run(ctx, since)
}

// Close cancels a background refresh and waits for it.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context, since time.Time) error {
	defer s.state.Done()
	metrics.JoinIndexRunning.Set(1)
	defer metrics.JoinIndexRunning.Set(0)

	start := time.Now()
	s.log.Info().Time("since", since).Msg("join index refresh started")
	merged := 0
	for _, parent := range s.cfg.JoinParents() {
		for _, j := range s.cfg.Joins(parent) {
			n, err := s.refreshJoin(ctx, j, since)
			if err != nil {
				return err
			}
			merged += n
		}
	}
	s.log.Info().Int("parents_updated", merged).Dur("took", time.Since(start)).Msg("join index refresh finished")
	return nil
}

// joinParams resolves the link and the denormalized parameters of a join.
func (s *Service) joinParams(j *searchconfig.Join) (*searchconfig.Param, []*searchconfig.Param, error) {
	link, err := s.cfg.Lookup(j.Child, j.Link)
	if err != nil {
		return nil, nil, model.NewConfigurationError(j.Parent+"<-"+j.Child, err.Error())
	}
	if link.Type != searchconfig.TypeReference {
		return nil, nil, model.NewConfigurationError(j.Parent+"<-"+j.Child, "join link is not a reference")
	}
	fields := make([]*searchconfig.Param, 0, len(j.Fields))
	for _, name := range j.Fields {
		p, err := s.cfg.Lookup(j.Child, name)
		if err != nil {
			return nil, nil, model.NewConfigurationError(j.Parent+"<-"+j.Child, err.Error())
		}
		fields = append(fields, p)
	}
	return link, fields, nil
}

// refreshJoin merges children into parents in two passes. The parent pass
// pages through the parents written since the watermark with all their
// children revincluded; the child pass pages through the children written
// since the watermark with the parents they reference. A full rebuild (zero
// watermark) only needs the parent pass.
func (s *Service) refreshJoin(ctx context.Context, j *searchconfig.Join, since time.Time) (int, error) {
	link, fields, err := s.joinParams(j)
	if err != nil {
		return 0, err
	}

	parents := expr.NewSelect(j.Parent)
	parents.RevIncludes = []*expr.Include{{Type: j.Child, Param: j.Link}}
	updated, err := s.refreshPass(ctx, j, link, fields, parents, since, func(e model.Entry) (bool, bool) {
		return e.Mode == model.EntryInclude && e.Resource.Type == j.Child,
			e.Mode == model.EntryMatch && e.Resource.Type == j.Parent
	})
	if err == nil && !since.IsZero() {
		children := expr.NewSelect(j.Child)
		children.Includes = []*expr.Include{{Type: j.Child, Param: j.Link, Target: j.Parent}}
		var n int
		n, err = s.refreshPass(ctx, j, link, fields, children, since, func(e model.Entry) (bool, bool) {
			isChild := e.Mode == model.EntryMatch && e.Resource.Type == j.Child
			return isChild, !isChild && e.Resource.Type == j.Parent
		})
		updated += n
	}
	metrics.JoinIndexMerged.WithLabelValues(j.Parent, j.Child).Add(float64(updated))
	if err != nil {
		return updated, err
	}
	s.log.Debug().Str("parent", j.Parent).Str("child", j.Child).Int("parents_updated", updated).Msg("join refreshed")
	return updated, nil
}

// refreshPass runs q page by page; split tells whether an entry is a child
// to merge and whether it is a parent that may receive contributions.
func (s *Service) refreshPass(ctx context.Context, j *searchconfig.Join, link *searchconfig.Param, fields []*searchconfig.Param, q *expr.Select, since time.Time, split func(model.Entry) (child, parent bool)) (int, error) {
	q.PageSize = s.pageSize
	if !since.IsZero() {
		q.Since = &since
	}

	var (
		sc      *engine.SearchContext
		updated int
	)
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return updated, err
		}
		page, err := s.engine.Search(ctx, sc, q)
		if err != nil {
			return updated, err
		}
		var children []*model.StoredResource
		parents := make(map[string]bool)
		for _, e := range page.Entries {
			isChild, isParent := split(e)
			if isChild {
				children = append(children, e.Resource)
			}
			if isParent {
				parents[e.Resource.ID] = true
			}
		}
		n, err := s.mergePage(ctx, j, link, fields, children, parents)
		updated += n
		if err != nil {
			return updated, err
		}
		if !page.HasNext() {
			return updated, nil
		}
		sc = page.Next
	}
}

type contribution struct {
	childID string
	fields  map[string][]any
}

func (s *Service) mergePage(ctx context.Context, j *searchconfig.Join, link *searchconfig.Param, fields []*searchconfig.Param, children []*model.StoredResource, parents map[string]bool) (int, error) {
	byParent := make(map[string][]contribution)
	var order []string
	for _, child := range children {
		var doc any
		if err := json.Unmarshal(child.Content, &doc); err != nil {
			return 0, err
		}
		refs := searchconfig.Index{}
		if err := link.IndexParam(ctx, doc, refs); err != nil {
			s.log.Debug().Err(err).Str("child", child.Type+"/"+child.ID).Msg("child link cannot be resolved, skipped")
			continue
		}
		ix := searchconfig.Index{}
		for _, p := range fields {
			if err := p.IndexParam(ctx, doc, ix); err != nil {
				return 0, err
			}
		}
		c := contribution{childID: child.ID, fields: ix}
		resolved := false
		for _, ref := range refs[link.Field+searchconfig.SuffixReference] {
			typ, id, ok := searchconfig.ParseReference(ref.(string))
			if !ok || typ != j.Parent || !parents[id] {
				continue
			}
			if _, seen := byParent[id]; !seen {
				order = append(order, id)
			}
			byParent[id] = append(byParent[id], c)
			resolved = true
		}
		if !resolved {
			s.log.Debug().Str("child", child.Type+"/"+child.ID).Str("link", j.Link).Msg("child references no known parent, skipped")
		}
	}

	updated := 0
	for _, id := range order {
		if err := s.mergeParent(ctx, j, id, byParent[id]); err != nil {
			if model.IsNotFoundError(err) {
				// parent deleted since the page revision
				continue
			}
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// mergeParent rewrites the live version of a parent with the contributions
// of some of its children.
func (s *Service) mergeParent(ctx context.Context, j *searchconfig.Join, parentID string, contributions []contribution) error {
	op := func() error {
		parent, err := s.engine.FindByID(ctx, j.Parent, parentID)
		if err != nil {
			return backoff.Permanent(err)
		}
		links := parent.Links
		for _, c := range contributions {
			links = mergeLinks(links, j.Child, c.childID, c.fields)
		}
		_, err = s.engine.Store(ctx, []model.Resource{{
			Type:    j.Parent,
			ID:      parentID,
			Content: parent.Content,
			Links:   links,
		}}, false, true)
		if model.IsConfigurationError(err) || model.IsNotFoundError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}
