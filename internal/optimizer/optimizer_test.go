package optimizer

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/compiler"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/searchconfig"
)

func setup(t *testing.T) (*Optimizer, *compiler.Compiler) {
	t.Helper()
	cfg, err := searchconfig.Default()
	require.NoError(t, err)
	return New(cfg, zerolog.Nop()), compiler.New(cfg)
}

func obsCode(v string) *expr.Token {
	return &expr.Token{Path: expr.Path{Resource: "Observation", Name: "code"}, Value: v}
}

func TestOptimizeFastPath(t *testing.T) {
	o, c := setup(t)
	s := expr.NewSelect("Patient")
	s.AddWhere(&expr.Token{Path: expr.Path{Resource: "Patient", Name: "gender"}, Value: "male"})
	s.Has = []*expr.Has{{Child: "Observation", Link: "subject", Predicate: obsCode("1234")}}

	require.NoError(t, o.Optimize(s))
	assert.Empty(t, s.Has)

	f, err := c.CompileSelect(s, compiler.Context{})
	require.NoError(t, err)
	assert.False(t, filter.HasLookup(f))
	assert.Equal(t, &filter.And{Filters: []filter.Filter{
		&filter.Cmp{Field: "gender-value", Op: filter.Eq, Value: "male"},
		&filter.Cmp{Field: "links.Observation.code-value", Op: filter.Eq, Value: "1234"},
	}}, f)
}

func TestOptimizeLeavesPredicateOfCallerUntouched(t *testing.T) {
	o, _ := setup(t)
	pred := obsCode("1234")
	s := expr.NewSelect("Patient")
	s.Has = []*expr.Has{{Child: "Observation", Link: "subject", Predicate: pred}}

	require.NoError(t, o.Optimize(s))
	assert.Empty(t, pred.Path.Link)
}

func TestOptimizeGeneralPathGroups(t *testing.T) {
	o, c := setup(t)
	s := expr.NewSelect("Patient")
	// value-quantity is not denormalized by the Patient<-Observation join
	vq := &expr.Quantity{Path: expr.Path{Name: "value-quantity"}, Value: 10, Op: expr.GT}
	s.Has = []*expr.Has{
		{Child: "Observation", Link: "subject", Predicate: vq},
		{Child: "Observation", Link: "subject", Predicate: obsCode("1234")},
		{Child: "Device", Link: "patient", Predicate: &expr.String{Path: expr.Path{Name: "lot-number"}, Value: "Lot"}},
	}

	require.NoError(t, o.Optimize(s))
	require.Len(t, s.Has, 2)
	assert.Equal(t, "Observation", s.Has[0].Child)
	assert.Equal(t, "Device", s.Has[1].Child)

	f, err := c.CompileSelect(s, compiler.Context{})
	require.NoError(t, err)
	and, ok := f.(*filter.And)
	require.True(t, ok)
	require.Len(t, and.Filters, 2)

	obs, ok := and.Filters[0].(*filter.Lookup)
	require.True(t, ok)
	assert.Equal(t, "Observation", obs.Collection)
	assert.Equal(t, "subject-reference", obs.ForeignField)
	assert.Equal(t, "Patient", obs.ParentType)
	assert.Equal(t, &filter.And{Filters: []filter.Filter{
		&filter.Cmp{Field: "value-quantity", Op: filter.Gt, Value: 10.0},
		&filter.Cmp{Field: "code-value", Op: filter.Eq, Value: "1234"},
	}}, obs.Match)

	dev, ok := and.Filters[1].(*filter.Lookup)
	require.True(t, ok)
	assert.Equal(t, "patient-reference", dev.ForeignField)
}

func TestOptimizeCoveredGroupMovesToJoin(t *testing.T) {
	o, c := setup(t)
	s := expr.NewSelect("Patient")
	s.Has = []*expr.Has{
		{Child: "Observation", Link: "subject", Predicate: obsCode("1234")},
		{Child: "Observation", Link: "subject", Predicate: &expr.Token{Path: expr.Path{Name: "status"}, Value: "final"}},
	}

	require.NoError(t, o.Optimize(s))
	assert.Empty(t, s.Has)

	f, err := c.CompileSelect(s, compiler.Context{})
	require.NoError(t, err)
	assert.False(t, filter.HasLookup(f))
	assert.Equal(t, &filter.And{Filters: []filter.Filter{
		&filter.Cmp{Field: "links.Observation.code-value", Op: filter.Eq, Value: "1234"},
		&filter.Cmp{Field: "links.Observation.status-value", Op: filter.Eq, Value: "final"},
	}}, f)
}

func TestOptimizeUnconfiguredJoinUsesLookup(t *testing.T) {
	o, c := setup(t)
	s := expr.NewSelect("Organization")
	s.Has = []*expr.Has{{Child: "Device", Link: "organization", Predicate: &expr.Token{Path: expr.Path{Name: "type"}, Value: "x"}}}

	require.NoError(t, o.Optimize(s))
	require.Len(t, s.Has, 1)
	f, err := c.CompileSelect(s, compiler.Context{})
	require.NoError(t, err)
	assert.True(t, filter.HasLookup(f))
}

func TestOptimizeRejectsBadLinks(t *testing.T) {
	o, _ := setup(t)

	s := expr.NewSelect("Patient")
	s.Has = []*expr.Has{{Child: "Observation", Link: "code", Predicate: obsCode("1")}}
	assert.True(t, model.IsConfigurationError(o.Optimize(s)))

	s = expr.NewSelect("Organization")
	s.Has = []*expr.Has{{Child: "Observation", Link: "subject", Predicate: obsCode("1")}}
	assert.True(t, model.IsConfigurationError(o.Optimize(s)))

	s = expr.NewSelect("Patient")
	s.Has = []*expr.Has{{Child: "Observation", Link: "nope"}}
	assert.True(t, model.IsConfigurationError(o.Optimize(s)))
}
