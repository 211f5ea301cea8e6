package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/metrics"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

// Delete physically removes every version of a record.
func (e *Engine) Delete(ctx context.Context, resourceType, id string) error {
	coll, err := e.collection(ctx, resourceType)
	if err != nil {
		return err
	}
	n, err := coll.DeleteWhere(ctx, idIs(id))
	if err != nil {
		return err
	}
	e.log.Info().Str("resource", resourceType).Str("id", id).Int64("rows", n).Msg("record deleted")
	return nil
}

// BusinessDelete closes the live version of a record, keeping its history
// readable at older revisions. It reports whether a live version existed.
func (e *Engine) BusinessDelete(ctx context.Context, resourceType, id string) (bool, error) {
	coll, err := e.collection(ctx, resourceType)
	if err != nil {
		return false, err
	}
	rows, err := coll.Find(ctx, docstore.Query{Filter: filter.AllOf(
		idIs(id),
		&filter.Cmp{Field: filter.FieldValidTo, Op: filter.Eq, Value: docstore.Forever},
	)})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	now := e.clock.Now()
	err = coll.Apply(ctx, docstore.WriteBatch{Closes: []docstore.Close{{RowID: rows[0].RowID, ValidTo: now, LastWrite: now}}})
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteElementsNotStoredSince removes the rows of every resource type whose
// last write precedes watermark. Each type is checked on its own: a type
// whose stale share exceeds the configured ratio keeps all its rows and is
// reported through a TooManyElementsToDeleteError, while the other types are
// still cleaned. The returned map holds the deletions that did happen.
func (e *Engine) DeleteElementsNotStoredSince(ctx context.Context, watermark time.Time) (map[string]int64, error) {
	stale := &filter.Cmp{Field: filter.FieldLastWrite, Op: filter.Lt, Value: watermark.UnixNano()}

	type plan struct {
		resourceType string
		coll         docstore.Collection
	}
	var (
		plans   []plan
		refused []error
	)
	for _, resourceType := range e.cfg.Resources() {
		coll, err := e.collection(ctx, resourceType)
		if err != nil {
			return nil, err
		}
		total, err := coll.Count(ctx, nil)
		if err != nil {
			return nil, err
		}
		n, err := coll.Count(ctx, stale)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		if float64(n) > float64(total)*e.maxRatio {
			err := model.TooManyElementsToDeleteError{Collection: coll.Name(), Stale: n, Total: total, MaxRatio: e.maxRatio}
			e.log.Error().Err(err).Str("resource", resourceType).Msg("retention refused")
			refused = append(refused, err)
			continue
		}
		plans = append(plans, plan{resourceType: resourceType, coll: coll})
	}

	deleted := make(map[string]int64, len(plans))
	for _, p := range plans {
		n, err := p.coll.DeleteWhere(ctx, stale)
		if err != nil {
			return deleted, err
		}
		deleted[p.resourceType] = n
		metrics.RetentionDeleted.WithLabelValues(p.resourceType).Add(float64(n))
		e.log.Info().Str("resource", p.resourceType).Int64("rows", n).Time("watermark", watermark).Msg("retention removed stale rows")
	}
	return deleted, errors.Join(refused...)
}
