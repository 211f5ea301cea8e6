package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/metrics"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

// maxStoreAttempts bounds the retries of a batch that lost a write race.
const maxStoreAttempts = 5

// Store writes a batch of records of one resource type and returns the
// resulting reference of every input record, in input order.
//
// A record whose content hash equals the live version's is not versioned
// again unless forceUpdate is set; only its last write date moves. With
// overrideLastUpdated the caller's LastUpdated becomes meta.lastUpdated.
// When an id appears several times in a batch, the last occurrence wins.
func (e *Engine) Store(ctx context.Context, records []model.Resource, overrideLastUpdated, forceUpdate bool) ([]model.ResourceRef, error) {
	if len(records) == 0 {
		return nil, nil
	}
	resourceType := records[0].Type
	for _, r := range records {
		if r.Type != resourceType {
			return nil, model.NewConfigurationError("resourceType",
				fmt.Sprintf("a batch must hold a single resource type, got %s and %s", resourceType, r.Type))
		}
		if r.ID == "" {
			return nil, model.NewConfigurationError("id", "record without logical id")
		}
	}
	coll, err := e.collection(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	defer metrics.ObserveSince("store", resourceType, time.Now())

	var refs []model.ResourceRef
	op := func() error {
		var err error
		refs, err = e.storeOnce(ctx, coll, records, overrideLastUpdated, forceUpdate)
		if errors.Is(err, docstore.ErrConflict) {
			metrics.WriteConflicts.WithLabelValues(resourceType).Inc()
			e.log.Debug().Str("resource", resourceType).Msg("store conflict, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxStoreAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return refs, nil
}

func (e *Engine) storeOnce(ctx context.Context, coll docstore.Collection, records []model.Resource, overrideLastUpdated, forceUpdate bool) ([]model.ResourceRef, error) {
	resourceType := records[0].Type

	last := make(map[string]int, len(records))
	ids := make([]any, 0, len(records))
	for i, r := range records {
		if _, seen := last[r.ID]; !seen {
			ids = append(ids, r.ID)
		}
		last[r.ID] = i
	}

	liveRows, err := coll.Find(ctx, docstore.Query{Filter: filter.AllOf(
		&filter.In{Field: filter.FieldID, Values: ids},
		&filter.Cmp{Field: filter.FieldValidTo, Op: filter.Eq, Value: docstore.Forever},
	)})
	if err != nil {
		return nil, err
	}
	live := make(map[string]*docstore.Row, len(liveRows))
	for _, r := range liveRows {
		live[r.ID] = r
	}
	// ids without a live row may have been business deleted; their
	// versioning continues after the last closed version
	var missing []any
	for _, id := range ids {
		if live[id.(string)] == nil {
			missing = append(missing, id)
		}
	}
	lastVersion := make(map[string]int)
	if len(missing) > 0 {
		closed, err := coll.Find(ctx, docstore.Query{Filter: &filter.In{Field: filter.FieldID, Values: missing}})
		if err != nil {
			return nil, err
		}
		for _, r := range closed {
			if r.Version > lastVersion[r.ID] {
				lastVersion[r.ID] = r.Version
			}
		}
	}

	now := e.clock.Now()
	var (
		batch   docstore.WriteBatch
		results = make(map[string]model.ResourceRef, len(last))
		outcome = map[string]int{}
	)
	for i, r := range records {
		if last[r.ID] != i {
			continue
		}
		doc, err := decode(r.Content)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", r.Type, r.ID, err)
		}
		doc["resourceType"] = r.Type
		doc["id"] = r.ID
		hash, err := doc.hash()
		if err != nil {
			return nil, err
		}

		old := live[r.ID]
		if old != nil && old.Hash == hash && !forceUpdate {
			batch.Touches = append(batch.Touches, docstore.Touch{RowID: old.RowID, LastWrite: now})
			results[r.ID] = model.ResourceRef{Type: r.Type, ID: r.ID, Version: old.Version}
			outcome["unchanged"]++
			continue
		}

		links := r.Links
		if links == nil && old != nil {
			if links, err = linksOf(old.Index); err != nil {
				return nil, err
			}
		}
		ix, err := e.cfg.BuildIndex(ctx, r.Type, map[string]any(doc))
		if err != nil {
			return nil, err
		}
		index, err := indexDoc(ix, links)
		if err != nil {
			return nil, err
		}

		version := lastVersion[r.ID] + 1
		if old != nil {
			version = old.Version + 1
			batch.Closes = append(batch.Closes, docstore.Close{RowID: old.RowID, ValidTo: now, LastWrite: now})
			outcome["updated"]++
		} else {
			outcome["created"]++
		}
		lastUpdated := time.Unix(0, now)
		if overrideLastUpdated && !r.LastUpdated.IsZero() {
			lastUpdated = r.LastUpdated
		}
		doc.stamp(r.Type, r.ID, version, lastUpdated)
		content, err := marshal(doc)
		if err != nil {
			return nil, err
		}
		batch.Inserts = append(batch.Inserts, &docstore.Row{
			ID:        r.ID,
			Version:   version,
			ValidFrom: now,
			ValidTo:   docstore.Forever,
			LastWrite: now,
			Hash:      hash,
			Content:   content,
			Index:     index,
		})
		results[r.ID] = model.ResourceRef{Type: r.Type, ID: r.ID, Version: version}
	}

	if err := coll.Apply(ctx, batch); err != nil {
		return nil, err
	}
	for k, n := range outcome {
		metrics.StoredTotal.WithLabelValues(resourceType, k).Add(float64(n))
	}
	e.log.Debug().
		Str("resource", resourceType).
		Int("records", len(records)).
		Int("created", outcome["created"]).
		Int("updated", outcome["updated"]).
		Int("unchanged", outcome["unchanged"]).
		Msg("stored batch")

	refs := make([]model.ResourceRef, len(records))
	for i, r := range records {
		refs[i] = results[r.ID]
	}
	return refs, nil
}
