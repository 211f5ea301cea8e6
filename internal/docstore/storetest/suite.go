// Package storetest is the compliance suite every docstore backend runs.
package storetest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

// Run exercises a docstore.Database implementation. makeDB must return a
// clean, isolated database.
func Run(t *testing.T, makeDB func(t *testing.T) docstore.Database) {
	t.Helper()

	t.Run("WriteAndFind", func(t *testing.T) { testWriteAndFind(t, makeDB(t)) })
	t.Run("Filters", func(t *testing.T) { testFilters(t, makeDB(t)) })
	t.Run("Conflicts", func(t *testing.T) { testConflicts(t, makeDB(t)) })
	t.Run("Lookup", func(t *testing.T) { testLookup(t, makeDB(t)) })
	t.Run("DeleteAndCount", func(t *testing.T) { testDeleteAndCount(t, makeDB(t)) })
	t.Run("Cursors", func(t *testing.T) { testCursors(t, makeDB(t)) })
}

// name returns a fresh collection name so suites can share a database.
func name(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
}

func row(id string, version int, from int64, idx map[string]any) *docstore.Row {
	if idx == nil {
		idx = map[string]any{}
	}
	content, _ := json.Marshal(map[string]any{"id": id, "v": version})
	index, _ := json.Marshal(idx)
	return &docstore.Row{
		ID:        id,
		Version:   version,
		ValidFrom: from,
		ValidTo:   docstore.Forever,
		LastWrite: from,
		Hash:      "h-" + id,
		Content:   content,
		Index:     index,
	}
}

func ids(rows []*docstore.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func testWriteAndFind(t *testing.T, db docstore.Database) {
	ctx := context.Background()
	c, err := db.Collection(ctx, name("Patient"))
	require.NoError(t, err)

	a := row("a", 1, 100, map[string]any{"family": []any{"Doe"}})
	b := row("b", 1, 100, map[string]any{"family": []any{"Roe"}})
	require.NoError(t, c.Apply(ctx, docstore.WriteBatch{Inserts: []*docstore.Row{a, b}}))
	assert.Greater(t, b.RowID, a.RowID)

	rows, err := c.Find(ctx, docstore.Query{Filter: &filter.MatchAll{}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, a.RowID, rows[0].RowID)
	assert.JSONEq(t, string(a.Content), string(rows[0].Content))
	assert.JSONEq(t, `{"family":["Doe"]}`, string(rows[0].Index))
	assert.True(t, rows[0].Live())

	// AfterRow and Limit page in physical order
	rows, err = c.Find(ctx, docstore.Query{Filter: &filter.MatchAll{}, AfterRow: a.RowID, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(rows))

	// close a, open a v2, touch b
	a2 := row("a", 2, 200, map[string]any{"family": []any{"Doe2"}})
	require.NoError(t, c.Apply(ctx, docstore.WriteBatch{
		Closes:  []docstore.Close{{RowID: a.RowID, ValidTo: 200, LastWrite: 200}},
		Touches: []docstore.Touch{{RowID: b.RowID, LastWrite: 200}},
		Inserts: []*docstore.Row{a2},
	}))

	rows, err = c.Find(ctx, docstore.Query{Filter: filter.Window(150)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(rows))
	for _, r := range rows {
		if r.ID == "a" {
			assert.Equal(t, 1, r.Version)
			assert.Equal(t, int64(200), r.ValidTo)
		}
	}

	rows, err = c.Find(ctx, docstore.Query{Filter: filter.AllOf(filter.Window(250), &filter.Cmp{Field: filter.FieldID, Op: filter.Eq, Value: "a"})})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Version)

	rows, err = c.Find(ctx, docstore.Query{Filter: &filter.Cmp{Field: filter.FieldLastWrite, Op: filter.Ge, Value: int64(200)}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "a", "b"}, ids(rows))

	stmt, _, err := c.Explain(docstore.Query{Filter: &filter.Cmp{Field: "family", Op: filter.Eq, Value: "Doe"}, Limit: 10})
	require.NoError(t, err)
	assert.Contains(t, stmt, "ORDER BY a0.row_id")
}

func testFilters(t *testing.T, db docstore.Database) {
	ctx := context.Background()
	c, err := db.Collection(ctx, name("Observation"))
	require.NoError(t, err)

	require.NoError(t, c.Apply(ctx, docstore.WriteBatch{Inserts: []*docstore.Row{
		row("o1", 1, 1, map[string]any{
			"code-value": []any{"1234", "5678"},
			"name-norm":  []any{"dupre"},
			"value":      []any{5.5},
			"date-DAY":   []any{int64(1000)},
			"links":      map[string]any{"Child": map[string]any{"code-value": []any{"x"}}},
		}),
		row("o2", 1, 1, map[string]any{
			"code-value": []any{"9999"},
			"name-norm":  []any{"martin"},
			"value":      []any{12},
			"date-DAY":   []any{int64(2000)},
		}),
		row("o3", 1, 1, map[string]any{}),
	}}))

	tests := []struct {
		name string
		f    filter.Filter
		want []string
	}{
		{"eq any element", &filter.Cmp{Field: "code-value", Op: filter.Eq, Value: "5678"}, []string{"o1"}},
		{"prefix", &filter.Cmp{Field: "name-norm", Op: filter.Prefix, Value: "mar"}, []string{"o2"}},
		{"prefix not infix", &filter.Cmp{Field: "name-norm", Op: filter.Prefix, Value: "pre"}, nil},
		{"contains", &filter.Cmp{Field: "name-norm", Op: filter.Contains, Value: "upr"}, []string{"o1"}},
		{"float gt", &filter.Cmp{Field: "value", Op: filter.Gt, Value: 6.0}, []string{"o2"}},
		{"float le", &filter.Cmp{Field: "value", Op: filter.Le, Value: 5.5}, []string{"o1"}},
		{"int range", filter.AllOf(
			&filter.Cmp{Field: "date-DAY", Op: filter.Ge, Value: int64(1000)},
			&filter.Cmp{Field: "date-DAY", Op: filter.Lt, Value: int64(2000)},
		), []string{"o1"}},
		{"in", &filter.In{Field: "code-value", Values: []any{"9999", "1234"}}, []string{"o1", "o2"}},
		{"meta in", &filter.In{Field: filter.FieldID, Values: []any{"o3"}}, []string{"o3"}},
		{"empty in", &filter.In{Field: "code-value"}, nil},
		{"not includes missing", &filter.Not{Filter: &filter.Cmp{Field: "code-value", Op: filter.Eq, Value: "1234"}}, []string{"o2", "o3"}},
		{"or", filter.Combine(true,
			&filter.Cmp{Field: "code-value", Op: filter.Eq, Value: "9999"},
			&filter.Cmp{Field: filter.FieldID, Op: filter.Eq, Value: "o3"},
		), []string{"o2", "o3"}},
		{"nested links", &filter.Cmp{Field: "links.Child.code-value", Op: filter.Eq, Value: "x"}, []string{"o1"}},
		{"missing field", &filter.Cmp{Field: "nope", Op: filter.Eq, Value: "x"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := c.Find(ctx, docstore.Query{Filter: tt.f})
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, ids(rows))
		})
	}
}

func testConflicts(t *testing.T, db docstore.Database) {
	ctx := context.Background()
	c, err := db.Collection(ctx, name("Device"))
	require.NoError(t, err)

	d := row("d", 1, 10, nil)
	require.NoError(t, c.Apply(ctx, docstore.WriteBatch{Inserts: []*docstore.Row{d}}))

	// a second live row for the same id is refused
	err = c.Apply(ctx, docstore.WriteBatch{Inserts: []*docstore.Row{row("d", 1, 20, nil)}})
	assert.ErrorIs(t, err, docstore.ErrConflict)

	require.NoError(t, c.Apply(ctx, docstore.WriteBatch{
		Closes:  []docstore.Close{{RowID: d.RowID, ValidTo: 30, LastWrite: 30}},
		Inserts: []*docstore.Row{row("d", 2, 30, nil)},
	}))

	// closing an already closed row rolls the whole batch back
	err = c.Apply(ctx, docstore.WriteBatch{
		Closes:  []docstore.Close{{RowID: d.RowID, ValidTo: 40, LastWrite: 40}},
		Inserts: []*docstore.Row{row("e", 1, 40, nil)},
	})
	assert.ErrorIs(t, err, docstore.ErrConflict)
	n, err := c.Count(ctx, &filter.Cmp{Field: filter.FieldID, Op: filter.Eq, Value: "e"})
	require.NoError(t, err)
	assert.Zero(t, n)

	err = c.Apply(ctx, docstore.WriteBatch{Touches: []docstore.Touch{{RowID: d.RowID, LastWrite: 50}}})
	assert.ErrorIs(t, err, docstore.ErrConflict)
}

func testLookup(t *testing.T, db docstore.Database) {
	ctx := context.Background()
	parentName, childName := name("Patient"), name("Observation")
	parents, err := db.Collection(ctx, parentName)
	require.NoError(t, err)
	children, err := db.Collection(ctx, childName)
	require.NoError(t, err)

	require.NoError(t, parents.Apply(ctx, docstore.WriteBatch{Inserts: []*docstore.Row{
		row("p1", 1, 10, nil), row("p2", 1, 10, nil), row("p3", 1, 10, nil),
	}}))
	old := row("c0", 1, 10, map[string]any{"subject-reference": []any{"Patient/p3"}, "code-value": []any{"1234"}})
	require.NoError(t, children.Apply(ctx, docstore.WriteBatch{Inserts: []*docstore.Row{
		row("c1", 1, 10, map[string]any{"subject-reference": []any{"Patient/p1"}, "code-value": []any{"1234"}}),
		row("c2", 1, 10, map[string]any{"subject-reference": []any{"Patient/p2"}, "code-value": []any{"9"}}),
		old,
	}}))
	require.NoError(t, children.Apply(ctx, docstore.WriteBatch{Closes: []docstore.Close{{RowID: old.RowID, ValidTo: 20, LastWrite: 20}}}))

	lookup := func(rev int64) filter.Filter {
		return &filter.Lookup{
			Collection:   childName,
			ForeignField: "subject-reference",
			ParentType:   "Patient",
			Revision:     rev,
			Match:        &filter.Cmp{Field: "code-value", Op: filter.Eq, Value: "1234"},
		}
	}

	rows, err := parents.Find(ctx, docstore.Query{Filter: filter.AllOf(filter.Window(30), lookup(30))})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids(rows))

	// at revision 15 the closed child still matched p3
	rows, err = parents.Find(ctx, docstore.Query{Filter: filter.AllOf(filter.Window(15), lookup(15))})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p3"}, ids(rows))

	rows, err = parents.Find(ctx, docstore.Query{Filter: &filter.Lookup{Collection: childName, ForeignField: "subject-reference", ParentType: "Patient"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids(rows))
}

func testDeleteAndCount(t *testing.T, db docstore.Database) {
	ctx := context.Background()
	c, err := db.Collection(ctx, name("Organization"))
	require.NoError(t, err)

	var batch docstore.WriteBatch
	for i := 0; i < 10; i++ {
		r := row(uuid.NewString(), 1, int64(i), nil)
		batch.Inserts = append(batch.Inserts, r)
	}
	require.NoError(t, c.Apply(ctx, batch))

	n, err := c.Count(ctx, &filter.MatchAll{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	stale := &filter.Cmp{Field: filter.FieldLastWrite, Op: filter.Lt, Value: int64(3)}
	n, err = c.Count(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	deleted, err := c.DeleteWhere(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	n, err = c.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func testCursors(t *testing.T, db docstore.Database) {
	ctx := context.Background()
	cs, err := db.Cursors(ctx, name("cursors"))
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, cs.Put(ctx, "old", old, []byte("o")))
	require.NoError(t, cs.Put(ctx, "new", time.Now(), []byte{0x00, 0xff}))

	got, err := cs.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, got)

	_, err = cs.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	n, err := cs.DeleteBefore(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = cs.Get(ctx, "old")
	assert.True(t, model.IsNotFoundError(err))

	require.NoError(t, db.HealthPing(ctx))
}
