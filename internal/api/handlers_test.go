package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/engine"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

type fakeStore struct {
	watermark time.Time
	err       error
	explained *expr.Select
}

func (f *fakeStore) DeleteElementsNotStoredSince(_ context.Context, wm time.Time) (map[string]int64, error) {
	f.watermark = wm
	if f.err != nil {
		return nil, f.err
	}
	return map[string]int64{"Patient": 4}, nil
}

func (f *fakeStore) Explain(_ context.Context, q *expr.Select) (*engine.Explanation, error) {
	f.explained = q
	return &engine.Explanation{Collection: "t_" + q.Resource, Statement: "SELECT 1"}, nil
}

type fakeRefresher struct {
	since   time.Time
	running bool
}

func (f *fakeRefresher) RefreshIndexes(since time.Time) error {
	if f.running {
		return model.AlreadyRunningError{Job: "join index refresh"}
	}
	f.since = since
	f.running = true
	return nil
}

func (f *fakeRefresher) IsRunning() bool { return f.running }

type fakeCursors struct {
	watermark time.Time
	expired   bool
}

func (f *fakeCursors) Cleanup(_ context.Context, wm time.Time) (int64, error) {
	f.watermark = wm
	return 2, nil
}

func (f *fakeCursors) Expire(context.Context) (int64, error) {
	f.expired = true
	return 1, nil
}

type healthFlag bool

func (h healthFlag) IsHealthy() bool { return bool(h) }

func serve(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, strings.NewReader(body)))
	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

func TestRefreshIndexesRoute(t *testing.T) {
	ref := &fakeRefresher{}
	router := NewRouter(NewHandlers(&fakeStore{}, ref, &fakeCursors{}, healthFlag(true)), zerolog.Nop())

	rr, body := serve(t, router, http.MethodPost, "/admin/indexes/refresh?since=2024-05-01T10:00:00Z", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "started", body["status"])
	assert.True(t, ref.since.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	rr, _ = serve(t, router, http.MethodPost, "/admin/indexes/refresh", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr, body = serve(t, router, http.MethodGet, "/admin/indexes/refresh", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["running"])

	rr, _ = serve(t, router, http.MethodPost, "/admin/indexes/refresh?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRetentionRoute(t *testing.T) {
	store := &fakeStore{}
	router := NewRouter(NewHandlers(store, &fakeRefresher{}, &fakeCursors{}, nil), zerolog.Nop())

	rr, _ := serve(t, router, http.MethodPost, "/admin/retention", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body := serve(t, router, http.MethodPost, "/admin/retention?before=2024-01-01T00:00:00Z", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{"Patient": float64(4)}, body["deleted"])
	assert.True(t, store.watermark.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	store.err = model.TooManyElementsToDeleteError{Collection: "t_Patient", Stale: 9, Total: 10, MaxRatio: 0.15}
	rr, _ = serve(t, router, http.MethodPost, "/admin/retention?before=2024-01-01T00:00:00Z", "")
	assert.Equal(t, http.StatusPreconditionFailed, rr.Code)
}

func TestCleanupCursorsRoute(t *testing.T) {
	cursors := &fakeCursors{}
	router := NewRouter(NewHandlers(&fakeStore{}, &fakeRefresher{}, cursors, nil), zerolog.Nop())

	rr, body := serve(t, router, http.MethodPost, "/admin/cursors/cleanup", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, cursors.expired)
	assert.Equal(t, float64(1), body["removed"])

	rr, body = serve(t, router, http.MethodPost, "/admin/cursors/cleanup?before=2024-02-03T04:05:06Z", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), body["removed"])
	assert.False(t, cursors.watermark.IsZero())
}

func TestExplainRoute(t *testing.T) {
	store := &fakeStore{}
	router := NewRouter(NewHandlers(store, &fakeRefresher{}, &fakeCursors{}, nil), zerolog.Nop())

	q := expr.NewSelect("Patient")
	q.AddWhere(&expr.Token{Path: expr.Path{Resource: "Patient", Name: "gender"}, Value: "male"})
	data, err := expr.MarshalSelect(q)
	require.NoError(t, err)

	rr, body := serve(t, router, http.MethodPost, "/admin/explain", string(data))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "t_Patient", body["collection"])
	require.NotNil(t, store.explained)
	assert.Equal(t, "Patient", store.explained.Resource)

	rr, _ = serve(t, router, http.MethodPost, "/admin/explain", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	up := NewRouter(NewHandlers(&fakeStore{}, &fakeRefresher{}, &fakeCursors{}, healthFlag(true)), zerolog.Nop())
	rr, body := serve(t, up, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "UP", body["status"])

	down := NewRouter(NewHandlers(&fakeStore{}, &fakeRefresher{}, &fakeCursors{}, healthFlag(false)), zerolog.Nop())
	rr, body = serve(t, down, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "DOWN", body["status"])

	rr = httptest.NewRecorder()
	up.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}
