package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/searchconfig"
)

func newCompiler(t *testing.T) *Compiler {
	t.Helper()
	cfg, err := searchconfig.Default()
	require.NoError(t, err)
	return New(cfg)
}

func path(resource, name string) expr.Path { return expr.Path{Resource: resource, Name: name} }

func TestCompileString(t *testing.T) {
	c := newCompiler(t)
	family := path("Patient", "family")

	tests := []struct {
		name string
		node *expr.String
		want filter.Filter
	}{
		{"exact", &expr.String{Path: family, Value: "Dupré", Op: expr.StringExact},
			&filter.Cmp{Field: "family", Op: filter.Eq, Value: "Dupré"}},
		{"equals", &expr.String{Path: family, Value: "DUPRÉ", Op: expr.StringEquals},
			&filter.Cmp{Field: "family-norm", Op: filter.Prefix, Value: "dupre"}},
		{"contains", &expr.String{Path: family, Value: "Upr", Op: expr.StringContains},
			&filter.Cmp{Field: "family-norm", Op: filter.Contains, Value: "upr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Compile(tt.node, Context{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileToken(t *testing.T) {
	c := newCompiler(t)
	id := path("Patient", "identifier")

	got, err := c.Compile(&expr.Token{Path: id, System: "urn:s", Value: "1"}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "identifier-sysval", Op: filter.Eq, Value: "urn:s|1"}, got)

	got, err = c.Compile(&expr.Token{Path: id, Value: "1"}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "identifier-value", Op: filter.Eq, Value: "1"}, got)

	got, err = c.Compile(&expr.Token{Path: id, System: "urn:s"}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "identifier-system", Op: filter.Eq, Value: "urn:s"}, got)

	got, err = c.Compile(&expr.Token{Path: path("Patient", "gender"), System: "ignored", Value: "male", Op: expr.TokenNot}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Not{Filter: &filter.Cmp{Field: "gender-value", Op: filter.Eq, Value: "male"}}, got)

	got, err = c.Compile(&expr.Token{Path: id}, Context{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCompileModifierNotDeclared(t *testing.T) {
	c := newCompiler(t)
	_, err := c.Compile(&expr.Token{Path: path("Patient", "gender"), Value: "male", Op: expr.TokenEquals}, Context{})
	require.NoError(t, err)

	cfg, err := searchconfig.Parse([]byte(`
resources:
  Patient:
    params:
      - {name: family, type: string, path: "$.name[*].family", modifiers: [exact]}
`))
	require.NoError(t, err)
	_, err = New(cfg).Compile(&expr.String{Path: path("Patient", "family"), Value: "x", Op: expr.StringContains}, Context{})
	assert.True(t, model.IsConfigurationError(err))
}

func TestCompileContainers(t *testing.T) {
	c := newCompiler(t)
	gender := &expr.Token{Path: path("Patient", "gender"), Value: "male"}
	empty := &expr.Token{Path: path("Patient", "identifier")}

	got, err := c.Compile(expr.NewAnd(empty, gender), Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "gender-value", Op: filter.Eq, Value: "male"}, got)

	got, err = c.Compile(expr.NewOr(empty, expr.NewAnd()), Context{})
	require.NoError(t, err)
	assert.Nil(t, got)

	root, err := c.CompileRoot(expr.NewAnd(), Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.MatchAll{}, root)

	got, err = c.Compile(expr.NewOr(gender, &expr.Token{Path: path("Patient", "active"), Value: "true"}), Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Or{Filters: []filter.Filter{
		&filter.Cmp{Field: "gender-value", Op: filter.Eq, Value: "male"},
		&filter.Cmp{Field: "active-value", Op: filter.Eq, Value: "true"},
	}}, got)
}

func TestCompileQuantity(t *testing.T) {
	c := newCompiler(t)
	vq := path("Observation", "value-quantity")

	got, err := c.Compile(&expr.Quantity{Path: vq, Value: 5.5, Op: expr.GE}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "value-quantity", Op: filter.Ge, Value: 5.5}, got)

	got, err = c.Compile(&expr.Quantity{Path: vq, Value: 1, Op: expr.NE}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Not{Filter: &filter.Cmp{Field: "value-quantity", Op: filter.Eq, Value: 1.0}}, got)

	_, err = c.Compile(&expr.Quantity{Path: vq, Value: 1, Op: "AP"}, Context{})
	assert.True(t, model.IsConfigurationError(err))
}

func TestCompileDate(t *testing.T) {
	c := newCompiler(t)
	bd := path("Patient", "birthdate")
	d := time.Date(1980, 5, 17, 13, 45, 0, 0, time.UTC)
	day := time.Date(1980, 5, 17, 0, 0, 0, 0, time.UTC).UnixMilli()

	got, err := c.Compile(&expr.DateRange{Path: bd, Date: d, Precision: expr.Day, Prefix: expr.DateEQ}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "birthdate-DAY", Op: filter.Eq, Value: day}, got)

	got, err = c.Compile(&expr.DateRange{Path: bd, Date: d, Precision: expr.Day, Prefix: expr.DateStartsAfter}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "birthdate-DAY", Op: filter.Gt, Value: day}, got)

	got, err = c.Compile(&expr.DateRange{Path: bd, Date: d, Precision: expr.Year, Prefix: expr.DateEndsBefore}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "birthdate-YEAR", Op: filter.Lt, Value: time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()}, got)

	_, err = c.Compile(&expr.DateRange{Path: bd, Date: d, Precision: "WEEK"}, Context{})
	assert.True(t, model.IsConfigurationError(err))

	_, err = c.Compile(&expr.DateRange{Path: bd, Date: d, Precision: expr.Day, Prefix: "XX"}, Context{})
	assert.True(t, model.IsConfigurationError(err))
}

func TestCompileDateApproximate(t *testing.T) {
	c := newCompiler(t)
	now := time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC)
	d := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	// precision is ignored; the window is 10% of the 10 day gap each side
	got, err := c.Compile(&expr.DateRange{Path: path("Patient", "birthdate"), Date: d, Precision: expr.Year, Prefix: expr.DateApproximate}, Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, &filter.And{Filters: []filter.Filter{
		&filter.Cmp{Field: "birthdate-MILLI", Op: filter.Ge, Value: d.Add(-24 * time.Hour).UnixMilli()},
		&filter.Cmp{Field: "birthdate-MILLI", Op: filter.Le, Value: d.Add(24 * time.Hour).UnixMilli()},
	}}, got)
}

func TestCompileReference(t *testing.T) {
	c := newCompiler(t)
	org := path("Patient", "organization")

	got, err := c.Compile(&expr.Reference{Path: org, ID: "o1"}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "organization-id", Op: filter.Eq, Value: "o1"}, got)

	got, err = c.Compile(&expr.Reference{Path: org, Type: "Organization", ID: "o1"}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "organization-reference", Op: filter.Eq, Value: "Organization/o1"}, got)

	_, err = c.Compile(&expr.Reference{Path: org, Type: "Patient", ID: "o1"}, Context{})
	assert.True(t, model.IsConfigurationError(err))

	_, err = c.Compile(&expr.Reference{Path: org, ID: "Organization/o1"}, Context{})
	assert.True(t, model.IsConfigurationError(err))
}

func TestCompileUnknownPathFailsAtCompileTime(t *testing.T) {
	c := newCompiler(t)

	_, err := c.Compile(expr.NewAnd(&expr.Token{Path: path("Patient", "nope"), Value: "x"}), Context{})
	assert.True(t, model.IsConfigurationError(err))

	_, err = c.Compile(&expr.Token{Path: path("Nope", "x"), Value: "x"}, Context{})
	assert.True(t, model.IsConfigurationError(err))

	// a string node on a token parameter
	_, err = c.Compile(&expr.String{Path: path("Patient", "gender"), Value: "x"}, Context{})
	assert.True(t, model.IsConfigurationError(err))

	_, err = c.Compile(&expr.Has{Child: "Observation", Link: "subject"}, Context{})
	assert.True(t, model.IsConfigurationError(err))
}

func TestCompilePrefixAndLinks(t *testing.T) {
	c := newCompiler(t)
	code := expr.Path{Resource: "Observation", Name: "code", Link: "Observation"}

	got, err := c.Compile(&expr.Token{Path: code, Value: "1234"}, Context{})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "links.Observation.code-value", Op: filter.Eq, Value: "1234"}, got)

	got, err = c.Compile(&expr.Token{Path: path("Observation", "code"), Value: "1234"}, Context{Prefix: "links.Observation"})
	require.NoError(t, err)
	assert.Equal(t, &filter.Cmp{Field: "links.Observation.code-value", Op: filter.Eq, Value: "1234"}, got)
}

func TestCompileRoundTripLaw(t *testing.T) {
	c := newCompiler(t)
	now := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	tree := expr.NewOr(
		expr.NewAnd(
			&expr.String{Path: path("Patient", "family"), Value: "Martin", Op: expr.StringContains},
			&expr.DateRange{Path: path("Patient", "birthdate"), Date: now.AddDate(-30, 0, 0), Prefix: expr.DateApproximate},
		),
		&expr.Token{Path: path("Patient", "gender"), Value: "female", Op: expr.TokenNot},
		&expr.Reference{Path: path("Patient", "organization"), Type: "Organization", ID: "o"},
	)
	data, err := expr.Marshal(tree)
	require.NoError(t, err)
	back, err := expr.Unmarshal(data)
	require.NoError(t, err)

	for _, ctx := range []Context{{Now: now}, {Now: now, Prefix: "links.Patient"}} {
		want, err := c.Compile(tree, ctx)
		require.NoError(t, err)
		got, err := c.Compile(back, ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
