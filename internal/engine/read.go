package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

func idIs(id string) filter.Filter {
	return &filter.Cmp{Field: filter.FieldID, Op: filter.Eq, Value: id}
}

// FindByID returns the version of a record live now.
func (e *Engine) FindByID(ctx context.Context, resourceType, id string) (*model.StoredResource, error) {
	return e.FindAt(ctx, resourceType, id, e.clock.Now())
}

// FindAt returns the version of a record live at revision.
func (e *Engine) FindAt(ctx context.Context, resourceType, id string, revision int64) (*model.StoredResource, error) {
	coll, err := e.collection(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	rows, err := coll.Find(ctx, docstore.Query{Filter: filter.AllOf(filter.Window(revision), idIs(id)), Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, model.NewNotFoundError(resourceType, id)
	}
	return toStored(resourceType, rows[0])
}

// FindVersion returns a specific version of a record, live or not.
func (e *Engine) FindVersion(ctx context.Context, resourceType, id string, version int) (*model.StoredResource, error) {
	coll, err := e.collection(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	rows, err := coll.Find(ctx, docstore.Query{Filter: filter.AllOf(
		idIs(id),
		&filter.Cmp{Field: filter.FieldVersion, Op: filter.Eq, Value: int64(version)},
	)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, model.NewNotFoundError(resourceType, fmt.Sprintf("%s/_history/%d", id, version))
	}
	return toStored(resourceType, rows[0])
}

// History returns every stored version of a record, newest first.
func (e *Engine) History(ctx context.Context, resourceType, id string) ([]*model.StoredResource, error) {
	coll, err := e.collection(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	rows, err := coll.Find(ctx, docstore.Query{Filter: idIs(id)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, model.NewNotFoundError(resourceType, id)
	}
	out := make([]*model.StoredResource, 0, len(rows))
	for _, r := range rows {
		s, err := toStored(resourceType, r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowID > out[j].RowID })
	return out, nil
}
