package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-openapi/strfmt"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/api/respond"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/engine"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
)

// IndexRefresher starts join index refreshes.
type IndexRefresher interface {
	RefreshIndexes(since time.Time) error
	IsRunning() bool
}

// Store is the part of the engine the admin surface drives.
type Store interface {
	DeleteElementsNotStoredSince(ctx context.Context, watermark time.Time) (map[string]int64, error)
	Explain(ctx context.Context, q *expr.Select) (*engine.Explanation, error)
}

// CursorCleaner removes server-resident paging states.
type CursorCleaner interface {
	Cleanup(ctx context.Context, watermark time.Time) (int64, error)
	Expire(ctx context.Context) (int64, error)
}

// HealthReporter reports cached service health.
type HealthReporter interface {
	IsHealthy() bool
}

// Handlers serves the admin routes.
type Handlers struct {
	store   Store
	indexes IndexRefresher
	cursors CursorCleaner
	health  HealthReporter
}

// NewHandlers wires the admin handlers.
func NewHandlers(store Store, indexes IndexRefresher, cursors CursorCleaner, health HealthReporter) *Handlers {
	return &Handlers{store: store, indexes: indexes, cursors: cursors, health: health}
}

// maxBody bounds request payloads.
const maxBody = 1 << 20

// timeParam parses an RFC 3339 query parameter. A missing parameter yields
// the zero time.
func timeParam(r *http.Request, name string) (time.Time, bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, false, nil
	}
	dt, err := strfmt.ParseDateTime(v)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Time(dt), true, nil
}

// CheckHealth handles GET /api/health
func (h *Handlers) CheckHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil || h.health.IsHealthy() {
		respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "UP",
			"message":   "Service is healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status":    "DOWN",
		"message":   "One or more dependencies unavailable",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// RefreshIndexes handles POST /admin/indexes/refresh?since=
func (h *Handlers) RefreshIndexes(w http.ResponseWriter, r *http.Request) {
	since, _, err := timeParam(r, "since")
	if err != nil {
		respond.WriteBadRequest(w, "since: "+err.Error())
		return
	}
	if err := h.indexes.RefreshIndexes(since); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "started",
		"since":  since.UTC().Format(time.RFC3339Nano),
	})
}

// RefreshStatus handles GET /admin/indexes/refresh
func (h *Handlers) RefreshStatus(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"running": h.indexes.IsRunning()})
}

// Retention handles POST /admin/retention?before=
func (h *Handlers) Retention(w http.ResponseWriter, r *http.Request) {
	before, ok, err := timeParam(r, "before")
	if err != nil {
		respond.WriteBadRequest(w, "before: "+err.Error())
		return
	}
	if !ok {
		respond.WriteBadRequest(w, "before is required")
		return
	}
	deleted, err := h.store.DeleteElementsNotStoredSince(r.Context(), before)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// CleanupCursors handles POST /admin/cursors/cleanup[?before=]. Without a
// watermark the configured cursor TTL applies.
func (h *Handlers) CleanupCursors(w http.ResponseWriter, r *http.Request) {
	before, ok, err := timeParam(r, "before")
	if err != nil {
		respond.WriteBadRequest(w, "before: "+err.Error())
		return
	}
	var n int64
	if ok {
		n, err = h.cursors.Cleanup(r.Context(), before)
	} else {
		n, err = h.cursors.Expire(r.Context())
	}
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"removed": n})
}

// Explain handles POST /admin/explain with a serialized query as body.
func (h *Handlers) Explain(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		respond.WriteBadRequest(w, err.Error())
		return
	}
	q, err := expr.UnmarshalSelect(body)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	plan, err := h.store.Explain(r.Context(), q)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, plan)
}
