// Package cursor turns the continuation state of a paged search into an
// opaque token and back. Small states travel inside the token, encrypted;
// large ones stay in the cursor collection and the token only names them.
package cursor

import (
	"encoding/json"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/engine"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

// PagingData is everything needed to resume a traversal.
type PagingData struct {
	PageSize      int             `json:"pageSize"`
	Total         *int64          `json:"total,omitempty"`
	ResourceType  string          `json:"resourceType"`
	LastRow       int64           `json:"lastRow"`
	Revision      int64           `json:"revision"`
	CorrelationID string          `json:"correlationId"`
	Fields        []string        `json:"fields,omitempty"`
	Query         json.RawMessage `json:"query"`
}

// FromPage captures the continuation of page for query q. It returns nil when
// page is the last one.
func FromPage(q *expr.Select, page *engine.Page) (*PagingData, error) {
	if !page.HasNext() {
		return nil, nil
	}
	query, err := expr.MarshalSelect(q)
	if err != nil {
		return nil, err
	}
	next := page.Next
	return &PagingData{
		PageSize:      q.PageSize,
		Total:         next.Total,
		ResourceType:  q.Resource,
		LastRow:       next.LastRow,
		Revision:      next.Revision,
		CorrelationID: next.CorrelationID,
		Fields:        next.Fields,
		Query:         query,
	}, nil
}

// Resume rebuilds the search context and query of the next page.
func (p *PagingData) Resume() (*engine.SearchContext, *expr.Select, error) {
	q, err := expr.UnmarshalSelect(p.Query)
	if err != nil {
		return nil, nil, model.NewBadLinkError(err.Error())
	}
	if q.Resource != p.ResourceType {
		return nil, nil, model.NewBadLinkError("query and paging state disagree on the resource type")
	}
	q.PageSize = p.PageSize
	sc := &engine.SearchContext{
		Revision:      p.Revision,
		LastRow:       p.LastRow,
		Total:         p.Total,
		Fields:        p.Fields,
		CorrelationID: p.CorrelationID,
	}
	return sc, q, nil
}
