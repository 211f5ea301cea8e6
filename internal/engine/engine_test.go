package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore/sqlite"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/searchconfig"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/tenant"
)

func openDB(t *testing.T) docstore.Database {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "engine.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newEngineOn(t *testing.T, db docstore.Database, cfg *searchconfig.Config) *Engine {
	t.Helper()
	tenants, err := tenant.New("test")
	require.NoError(t, err)
	return New(db, tenants, cfg, zerolog.Nop(), Options{})
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := searchconfig.Default()
	require.NoError(t, err)
	return newEngineOn(t, openDB(t), cfg)
}

func resource(typ, id string, content map[string]any) model.Resource {
	data, _ := json.Marshal(content)
	return model.Resource{Type: typ, ID: id, Content: data}
}

func device(id, lot string) model.Resource {
	return resource("Device", id, map[string]any{"lotNumber": lot})
}

func contentOf(t *testing.T, r *model.StoredResource) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(r.Content, &m))
	return m
}

func matchIDs(p *Page) []string {
	var out []string
	for _, e := range p.Entries {
		if e.Mode == model.EntryMatch {
			out = append(out, e.Resource.ID)
		}
	}
	return out
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Unix(100, 0)
	c := NewClock(func() time.Time { return fixed })
	a, b := c.Now(), c.Now()
	assert.Equal(t, fixed.UnixNano(), a)
	assert.Equal(t, a+1, b)
}

func TestStoreThenFindByID(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	in := map[string]any{
		"name":      []any{map[string]any{"family": "Dupré", "given": []any{"Jean"}}},
		"gender":    "male",
		"birthDate": "1980-05-17",
	}

	refs, err := e.Store(ctx, []model.Resource{resource("Patient", "p1", in)}, false, false)
	require.NoError(t, err)
	assert.Equal(t, []model.ResourceRef{{Type: "Patient", ID: "p1", Version: 1}}, refs)

	got, err := e.FindByID(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.True(t, got.IsLive())
	assert.Equal(t, 1, got.Version)

	out := contentOf(t, got)
	meta := out["meta"].(map[string]any)
	assert.Equal(t, "1", meta["versionId"])
	assert.NotEmpty(t, meta["lastUpdated"])
	delete(out, "meta")
	in["resourceType"] = "Patient"
	in["id"] = "p1"
	assert.Equal(t, in, out)

	_, err = e.FindByID(ctx, "Patient", "nope")
	assert.True(t, model.IsNotFoundError(err))
	_, err = e.FindByID(ctx, "Unknown", "p1")
	assert.True(t, model.IsNotFoundError(err))
}

func TestStoreIsIdempotentOnUnchangedContent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	refs, err := e.Store(ctx, []model.Resource{device("12345", "Lot 1")}, false, false)
	require.NoError(t, err)
	require.Equal(t, 1, refs[0].Version)
	first, err := e.FindByID(ctx, "Device", "12345")
	require.NoError(t, err)

	refs, err = e.Store(ctx, []model.Resource{device("12345", "Lot 1")}, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, refs[0].Version)
	second, err := e.FindByID(ctx, "Device", "12345")
	require.NoError(t, err)
	assert.Equal(t, first.RowID, second.RowID)
	assert.Equal(t, first.ValidFrom, second.ValidFrom)
	assert.Equal(t, first.Hash, second.Hash)
	assert.True(t, second.LastWrite.After(first.LastWrite))

	refs, err = e.Store(ctx, []model.Resource{device("12345", "Lot 2")}, false, false)
	require.NoError(t, err)
	assert.Equal(t, 2, refs[0].Version)

	history, err := e.History(ctx, "Device", "12345")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.True(t, history[0].IsLive())
	assert.False(t, history[1].IsLive())
	assert.Equal(t, history[0].ValidFrom, *history[1].ValidTo)

	now, err := e.FindByID(ctx, "Device", "12345")
	require.NoError(t, err)
	assert.Equal(t, "Lot 2", contentOf(t, now)["lotNumber"])

	old, err := e.FindVersion(ctx, "Device", "12345", 1)
	require.NoError(t, err)
	assert.Equal(t, "Lot 1", contentOf(t, old)["lotNumber"])
}

func TestStoreForceUpdateAlwaysVersions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Store(ctx, []model.Resource{device("d", "Lot")}, false, false)
	require.NoError(t, err)
	refs, err := e.Store(ctx, []model.Resource{device("d", "Lot")}, false, true)
	require.NoError(t, err)
	assert.Equal(t, 2, refs[0].Version)
}

func TestStoreBatchRules(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Store(ctx, []model.Resource{device("d1", "a"), resource("Patient", "p", map[string]any{})}, false, false)
	assert.True(t, model.IsConfigurationError(err))

	_, err = e.Store(ctx, []model.Resource{resource("Unknown", "x", map[string]any{})}, false, false)
	assert.True(t, model.IsNotFoundError(err))

	refs, err := e.Store(ctx, []model.Resource{device("d1", "a"), device("d1", "b"), device("d2", "c")}, false, false)
	require.NoError(t, err)
	assert.Equal(t, []model.ResourceRef{
		{Type: "Device", ID: "d1", Version: 1},
		{Type: "Device", ID: "d1", Version: 1},
		{Type: "Device", ID: "d2", Version: 1},
	}, refs)
	got, err := e.FindByID(ctx, "Device", "d1")
	require.NoError(t, err)
	assert.Equal(t, "b", contentOf(t, got)["lotNumber"])
}

func TestStoreOverrideLastUpdated(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	when := time.Date(2019, 1, 2, 3, 4, 5, 0, time.UTC)

	r := device("d", "Lot")
	r.LastUpdated = when
	_, err := e.Store(ctx, []model.Resource{r}, true, false)
	require.NoError(t, err)

	got, err := e.FindByID(ctx, "Device", "d")
	require.NoError(t, err)
	assert.Equal(t, "2019-01-02T03:04:05Z", contentOf(t, got)["meta"].(map[string]any)["lastUpdated"])
}

func TestStoreCarriesLinksOver(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := resource("Patient", "p", map[string]any{"gender": "male"})
	p.Links = map[string]any{"Observation": map[string]any{"code-value": []any{"1234"}}}
	_, err := e.Store(ctx, []model.Resource{p}, false, false)
	require.NoError(t, err)

	_, err = e.Store(ctx, []model.Resource{resource("Patient", "p", map[string]any{"gender": "female"})}, false, false)
	require.NoError(t, err)

	got, err := e.FindByID(ctx, "Patient", "p")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, map[string]any{"Observation": map[string]any{"code-value": []any{"1234"}}}, got.Links)
}

func TestConcurrentStoresKeepOneLiveVersion(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.Store(ctx, []model.Resource{device("d", "v0")}, false, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Store(ctx, []model.Resource{device("d", fmt.Sprintf("v%d", i+1))}, false, false)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	history, err := e.History(ctx, "Device", "d")
	require.NoError(t, err)
	assert.Len(t, history, 4)
	live := 0
	for _, h := range history {
		if h.IsLive() {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.Equal(t, 4, history[0].Version)
}

func TestPaginationIsSnapshotConsistent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	store := func(lot string) {
		var batch []model.Resource
		for i := 0; i < 10; i++ {
			batch = append(batch, device(fmt.Sprintf("d%02d", i), lot))
		}
		_, err := e.Store(ctx, batch, false, false)
		require.NoError(t, err)
	}
	store("first-set")

	q := expr.NewSelect("Device")
	q.PageSize = 1
	q.Count = expr.CountAlways

	var (
		sc   *SearchContext
		seen []string
	)
	for page := 1; ; page++ {
		p, err := e.Search(ctx, sc, q)
		require.NoError(t, err)
		require.Len(t, p.Entries, 1)
		require.NotNil(t, p.Total)
		assert.Equal(t, int64(10), *p.Total)
		seen = append(seen, contentOf(t, p.Entries[0].Resource)["lotNumber"].(string))
		if page == 5 {
			store("second-set")
		}
		if !p.HasNext() {
			break
		}
		sc = p.Next
	}
	require.Len(t, seen, 10)
	for _, lot := range seen {
		assert.Equal(t, "first-set", lot)
	}

	fresh := expr.NewSelect("Device")
	fresh.PageSize = 100
	p, err := e.Search(ctx, nil, fresh)
	require.NoError(t, err)
	require.Len(t, p.Entries, 10)
	for _, entry := range p.Entries {
		assert.Equal(t, "second-set", contentOf(t, entry.Resource)["lotNumber"])
	}
	assert.False(t, p.HasNext())
}

func TestSearchSince(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Store(ctx, []model.Resource{device("id1", "a")}, false, false)
	require.NoError(t, err)
	t1 := e.Now()
	_, err = e.Store(ctx, []model.Resource{device("id2", "b")}, false, false)
	require.NoError(t, err)

	q := expr.NewSelect("Device")
	q.Since = &t1
	p, err := e.Search(ctx, nil, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"id2"}, matchIDs(p))

	// re-saving identical content still shows up in a delta
	t2 := e.Now()
	_, err = e.Store(ctx, []model.Resource{device("id1", "a")}, false, false)
	require.NoError(t, err)
	q = expr.NewSelect("Device")
	q.Since = &t2
	p, err = e.Search(ctx, nil, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"id1"}, matchIDs(p))
}

func TestSearchPredicates(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.Store(ctx, []model.Resource{
		resource("Patient", "p1", map[string]any{"name": []any{map[string]any{"family": "Dupré"}}, "gender": "male", "birthDate": "1980-05-17"}),
		resource("Patient", "p2", map[string]any{"name": []any{map[string]any{"family": "Martin"}}, "gender": "female", "birthDate": "1990-01-01"}),
		resource("Patient", "p3", map[string]any{"name": []any{map[string]any{"family": "Dupont"}}, "birthDate": "1980"}),
	}, false, false)
	require.NoError(t, err)

	path := func(n string) expr.Path { return expr.Path{Resource: "Patient", Name: n} }
	tests := []struct {
		name string
		node expr.Node
		want []string
	}{
		{"equals is accent insensitive prefix", &expr.String{Path: path("family"), Value: "DUP", Op: expr.StringEquals}, []string{"p1", "p3"}},
		{"exact", &expr.String{Path: path("family"), Value: "Dupré", Op: expr.StringExact}, []string{"p1"}},
		{"contains", &expr.String{Path: path("family"), Value: "rti", Op: expr.StringContains}, []string{"p2"}},
		{"token not keeps missing", &expr.Token{Path: path("gender"), Value: "male", Op: expr.TokenNot}, []string{"p2", "p3"}},
		{"year", &expr.DateRange{Path: path("birthdate"), Date: time.Date(1980, 6, 1, 0, 0, 0, 0, time.UTC), Precision: expr.Year, Prefix: expr.DateEQ}, []string{"p1", "p3"}},
		{"day after", &expr.DateRange{Path: path("birthdate"), Date: time.Date(1985, 1, 1, 0, 0, 0, 0, time.UTC), Precision: expr.Day, Prefix: expr.DateGT}, []string{"p2"}},
		{"or", expr.NewOr(
			&expr.Token{Path: path("gender"), Value: "female"},
			&expr.Token{Path: path("_id"), Value: "p3"},
		), []string{"p2", "p3"}},
		{"empty and matches all", expr.NewAnd(), []string{"p1", "p2", "p3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := expr.NewSelect("Patient")
			q.AddWhere(tt.node)
			p, err := e.Search(ctx, nil, q)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, matchIDs(p))
		})
	}

	q := expr.NewSelect("Patient")
	q.AddWhere(&expr.Token{Path: path("unknown"), Value: "x"})
	_, err = e.Search(ctx, nil, q)
	assert.True(t, model.IsConfigurationError(err))
}

const joinYAML = `
resources:
  Patient:
    params:
      - {name: gender, type: token, path: $.gender}
  Observation:
    params:
      - {name: code, type: token, path: $.code}
      - {name: subject, type: reference, path: $.subject, targets: [Patient]}
`

func TestHasOptimizerEquivalence(t *testing.T) {
	ctx := context.Background()
	withJoin, err := searchconfig.Parse([]byte(joinYAML + `
joins:
  - {parent: Patient, child: Observation, link: subject, fields: [code]}
`))
	require.NoError(t, err)
	withoutJoin, err := searchconfig.Parse([]byte(joinYAML))
	require.NoError(t, err)

	db := openDB(t)
	fast := newEngineOn(t, db, withJoin)
	slow := newEngineOn(t, db, withoutJoin)

	patient := func(id string, codes ...any) model.Resource {
		r := resource("Patient", id, map[string]any{"gender": "male"})
		if len(codes) > 0 {
			r.Links = map[string]any{"Observation": map[string]any{"code-value": codes}}
		}
		return r
	}
	obs := func(id, subject, code string) model.Resource {
		return resource("Observation", id, map[string]any{"code": code, "subject": map[string]any{"reference": "Patient/" + subject}})
	}
	_, err = fast.Store(ctx, []model.Resource{patient("p1", "1234"), patient("p2", "9"), patient("p3")}, false, false)
	require.NoError(t, err)
	_, err = fast.Store(ctx, []model.Resource{obs("o1", "p1", "1234"), obs("o2", "p2", "9")}, false, false)
	require.NoError(t, err)

	query := func() *expr.Select {
		q := expr.NewSelect("Patient")
		q.Has = []*expr.Has{{
			Child:     "Observation",
			Link:      "subject",
			Predicate: &expr.Token{Path: expr.Path{Resource: "Observation", Name: "code"}, Value: "1234"},
		}}
		return q
	}

	plan, err := fast.Explain(ctx, query())
	require.NoError(t, err)
	assert.False(t, plan.Lookup)
	plan, err = slow.Explain(ctx, query())
	require.NoError(t, err)
	assert.True(t, plan.Lookup)

	a, err := fast.Search(ctx, nil, query())
	require.NoError(t, err)
	b, err := slow.Search(ctx, nil, query())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, matchIDs(a))
	assert.Equal(t, matchIDs(a), matchIDs(b))
}

func TestIncludesAtPinnedRevision(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Store(ctx, []model.Resource{
		resource("Organization", "o1", map[string]any{"name": "Clinic v1"}),
		resource("Organization", "o2", map[string]any{"name": "Other"}),
	}, false, false)
	require.NoError(t, err)
	_, err = e.Store(ctx, []model.Resource{
		resource("PractitionerRole", "r1", map[string]any{"organization": map[string]any{"reference": "Organization/o1"}}),
		resource("PractitionerRole", "r2", map[string]any{"organization": map[string]any{"reference": "Organization/o1"}}),
	}, false, false)
	require.NoError(t, err)

	q := expr.NewSelect("PractitionerRole")
	q.PageSize = 1
	q.Includes = []*expr.Include{{Type: "PractitionerRole", Param: "organization"}}
	first, err := e.Search(ctx, nil, q)
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	assert.Equal(t, model.EntryInclude, first.Entries[1].Mode)
	assert.Equal(t, "o1", first.Entries[1].Resource.ID)

	_, err = e.Store(ctx, []model.Resource{resource("Organization", "o1", map[string]any{"name": "Clinic v2"})}, false, false)
	require.NoError(t, err)

	second, err := e.Search(ctx, first.Next, q)
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)
	assert.Equal(t, "Clinic v1", contentOf(t, second.Entries[1].Resource)["name"])

	rev := expr.NewSelect("Organization")
	rev.RevIncludes = []*expr.Include{{Type: "PractitionerRole", Param: "organization"}}
	p, err := e.Search(ctx, nil, rev)
	require.NoError(t, err)
	var included []string
	for _, entry := range p.Entries {
		if entry.Mode == model.EntryInclude {
			included = append(included, entry.Resource.ID)
		}
	}
	assert.ElementsMatch(t, []string{"r1", "r2"}, included)
	assert.ElementsMatch(t, []string{"o1", "o2"}, matchIDs(p))
}

func TestCountModes(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.Store(ctx, []model.Resource{device("a", "x"), device("b", "y")}, false, false)
	require.NoError(t, err)

	q := expr.NewSelect("Device")
	n, err := e.Count(ctx, q)
	require.NoError(t, err)
	assert.Nil(t, n)

	q.Count = expr.CountAlways
	n, err = e.Count(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, int64(2), *n)

	q.Count = expr.CountBestEffort
	n, err = e.Count(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, int64(2), *n)
}

func TestBestEffortCountDegradesOnTimeout(t *testing.T) {
	ctx := context.Background()
	tenants, err := tenant.New("test")
	require.NoError(t, err)
	cfg, err := searchconfig.Default()
	require.NoError(t, err)
	e := New(openDB(t), tenants, cfg, zerolog.Nop(), Options{CountTimeout: 1})

	var batch []model.Resource
	for i := 0; i < 2000; i++ {
		batch = append(batch, device(fmt.Sprintf("d%04d", i), "lot"))
	}
	_, err = e.Store(ctx, batch, false, false)
	require.NoError(t, err)

	q := expr.NewSelect("Device")
	q.Count = expr.CountBestEffort
	n, err := e.Count(ctx, q)
	require.NoError(t, err)
	assert.Nil(t, n)

	q.Count = expr.CountAlways
	n, err = e.Count(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, int64(2000), *n)
}

func TestProjectionKeepsEnvelope(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.Store(ctx, []model.Resource{resource("Patient", "p", map[string]any{
		"gender": "male", "name": []any{map[string]any{"family": "Doe"}},
	})}, false, false)
	require.NoError(t, err)

	q := expr.NewSelect("Patient")
	q.Fields = []string{"gender"}
	p, err := e.Search(ctx, nil, q)
	require.NoError(t, err)
	require.Len(t, p.Entries, 1)
	out := contentOf(t, p.Entries[0].Resource)
	assert.Contains(t, out, "gender")
	assert.Contains(t, out, "meta")
	assert.Contains(t, out, "resourceType")
	assert.Contains(t, out, "id")
	assert.NotContains(t, out, "name")
}

func TestIterate(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	var batch []model.Resource
	for i := 0; i < 7; i++ {
		batch = append(batch, device(fmt.Sprintf("d%d", i), "x"))
	}
	_, err := e.Store(ctx, batch, false, false)
	require.NoError(t, err)

	q := expr.NewSelect("Device")
	q.PageSize = 3
	var ids []string
	for entry, err := range e.Iterate(ctx, nil, q) {
		require.NoError(t, err)
		ids = append(ids, entry.Resource.ID)
	}
	assert.Len(t, ids, 7)

	q = expr.NewSelect("Device")
	q.AddWhere(&expr.Token{Path: expr.Path{Resource: "Device", Name: "nope"}})
	for _, err := range e.Iterate(ctx, nil, q) {
		assert.True(t, model.IsConfigurationError(err))
	}
}

func TestBusinessDeleteKeepsHistory(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.Store(ctx, []model.Resource{device("d", "x")}, false, false)
	require.NoError(t, err)
	before := e.clock.Now()

	ok, err := e.BusinessDelete(ctx, "Device", "d")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.BusinessDelete(ctx, "Device", "d")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.FindByID(ctx, "Device", "d")
	assert.True(t, model.IsNotFoundError(err))
	old, err := e.FindAt(ctx, "Device", "d", before)
	require.NoError(t, err)
	assert.Equal(t, 1, old.Version)

	refs, err := e.Store(ctx, []model.Resource{device("d", "x")}, false, false)
	require.NoError(t, err)
	assert.Equal(t, 2, refs[0].Version)

	require.NoError(t, e.Delete(ctx, "Device", "d"))
	_, err = e.History(ctx, "Device", "d")
	assert.True(t, model.IsNotFoundError(err))
}

func TestRetentionSafetyValve(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T, stale int) *Engine {
		e := newEngine(t)
		var batch []model.Resource
		for i := 0; i < 20; i++ {
			batch = append(batch, resource("Organization", fmt.Sprintf("o%02d", i), map[string]any{"name": "n"}))
		}
		_, err := e.Store(ctx, batch, false, false)
		require.NoError(t, err)
		// re-confirm all but the stale ones
		_, err = e.Store(ctx, batch[stale:], false, false)
		require.NoError(t, err)
		return e
	}

	t.Run("above ratio deletes nothing", func(t *testing.T) {
		e := setup(t, 4)
		_, err := e.DeleteElementsNotStoredSince(ctx, lastWriteOf(t, e, "o19"))
		assert.True(t, model.IsTooManyElementsToDeleteError(err))
		n, err := e.Count(ctx, &expr.Select{Resource: "Organization", Count: expr.CountAlways})
		require.NoError(t, err)
		assert.Equal(t, int64(20), *n)
	})

	t.Run("at ratio deletes exactly the stale rows", func(t *testing.T) {
		e := setup(t, 3)
		deleted, err := e.DeleteElementsNotStoredSince(ctx, lastWriteOf(t, e, "o19"))
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"Organization": 3}, deleted)
		_, err = e.FindByID(ctx, "Organization", "o00")
		assert.True(t, model.IsNotFoundError(err))
		_, err = e.FindByID(ctx, "Organization", "o03")
		assert.NoError(t, err)
	})

	t.Run("types are checked independently", func(t *testing.T) {
		e := newEngine(t)
		var orgs, devices []model.Resource
		for i := 0; i < 20; i++ {
			orgs = append(orgs, resource("Organization", fmt.Sprintf("o%02d", i), map[string]any{"name": "n"}))
			devices = append(devices, device(fmt.Sprintf("d%02d", i), "lot"))
		}
		_, err := e.Store(ctx, orgs, false, false)
		require.NoError(t, err)
		_, err = e.Store(ctx, devices, false, false)
		require.NoError(t, err)
		_, err = e.Store(ctx, orgs[4:], false, false)
		require.NoError(t, err)
		_, err = e.Store(ctx, devices[1:], false, false)
		require.NoError(t, err)

		deleted, err := e.DeleteElementsNotStoredSince(ctx, lastWriteOf(t, e, "o04"))
		assert.True(t, model.IsTooManyElementsToDeleteError(err))
		assert.Equal(t, map[string]int64{"Device": 1}, deleted)

		n, err := e.Count(ctx, &expr.Select{Resource: "Organization", Count: expr.CountAlways})
		require.NoError(t, err)
		assert.Equal(t, int64(20), *n)
		n, err = e.Count(ctx, &expr.Select{Resource: "Device", Count: expr.CountAlways})
		require.NoError(t, err)
		assert.Equal(t, int64(19), *n)
		_, err = e.FindByID(ctx, "Device", "d00")
		assert.True(t, model.IsNotFoundError(err))
	})
}

// lastWriteOf returns the last write date of a live record.
func lastWriteOf(t *testing.T, e *Engine, id string) time.Time {
	t.Helper()
	r, err := e.FindByID(context.Background(), "Organization", id)
	require.NoError(t, err)
	return r.LastWrite
}
