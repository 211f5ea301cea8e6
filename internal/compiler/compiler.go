// Package compiler turns expression trees into backend-agnostic filters.
package compiler

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/searchconfig"
)

// Context parameterizes a compilation. Prefix is prepended to every index
// field, used when the node is evaluated inside a sub-document. Now anchors
// APPROXIMATE date ranges; the zero value means the current time.
type Context struct {
	Prefix string
	Now    time.Time
}

// Compiler resolves logical paths through a search configuration.
type Compiler struct {
	cfg *searchconfig.Config
}

// New returns a compiler bound to cfg.
func New(cfg *searchconfig.Config) *Compiler {
	return &Compiler{cfg: cfg}
}

// Compile compiles n. A nil result means the node imposes no restriction.
func (c *Compiler) Compile(n expr.Node, ctx Context) (filter.Filter, error) {
	switch v := n.(type) {
	case nil:
		return nil, nil
	case *expr.And:
		return c.container(false, v.Children, ctx)
	case *expr.Or:
		return c.container(true, v.Children, ctx)
	case *expr.String:
		return c.compileString(v, ctx)
	case *expr.Token:
		return c.compileToken(v, ctx)
	case *expr.Quantity:
		return c.compileQuantity(v, ctx)
	case *expr.DateRange:
		return c.compileDate(v, ctx)
	case *expr.Reference:
		return c.compileReference(v, ctx)
	case *expr.Include:
		// includes shape the result page, not the match set
		return nil, nil
	case *expr.Has:
		return nil, model.NewConfigurationError(v.Child+"."+v.Link, "has condition must be planned by the optimizer")
	}
	return nil, model.NewConfigurationError("", fmt.Sprintf("unsupported expression %T", n))
}

// CompileRoot compiles n for a top-level query, yielding MatchAll instead of
// nil.
func (c *Compiler) CompileRoot(n expr.Node, ctx Context) (filter.Filter, error) {
	f, err := c.Compile(n, ctx)
	if err != nil {
		return nil, err
	}
	return filter.OrAll(f), nil
}

func (c *Compiler) container(or bool, children []expr.Node, ctx Context) (filter.Filter, error) {
	out := make([]filter.Filter, 0, len(children))
	for _, child := range children {
		f, err := c.Compile(child, ctx)
		if err != nil {
			return nil, err
		}
		if f != nil {
			out = append(out, f)
		}
	}
	return filter.Combine(or, out...), nil
}

// resolve returns the parameter for a path, checking its search type.
func (c *Compiler) resolve(p expr.Path, types ...searchconfig.SearchType) (*searchconfig.Param, error) {
	param, err := c.cfg.Lookup(p.Resource, p.Name)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		if param.Type == t {
			return param, nil
		}
	}
	return nil, model.NewConfigurationError(p.String(), fmt.Sprintf("parameter of type %s cannot be used here", param.Type))
}

func field(ctx Context, p expr.Path, physical string) string {
	var parts []string
	if ctx.Prefix != "" {
		parts = append(parts, ctx.Prefix)
	}
	if p.Link != "" {
		parts = append(parts, searchconfig.LinksField, p.Link)
	}
	return strings.Join(append(parts, physical), ".")
}

func (c *Compiler) compileString(n *expr.String, ctx Context) (filter.Filter, error) {
	param, err := c.resolve(n.Path, searchconfig.TypeString)
	if err != nil {
		return nil, err
	}
	if n.Value == "" {
		return nil, nil
	}
	switch n.Op {
	case expr.StringExact:
		if !param.Supports("exact") {
			return nil, unsupportedModifier(n.Path, "exact")
		}
		return &filter.Cmp{Field: field(ctx, n.Path, param.Field), Op: filter.Eq, Value: n.Value}, nil
	case expr.StringEquals, "":
		return &filter.Cmp{Field: field(ctx, n.Path, param.Field+searchconfig.SuffixNorm), Op: filter.Prefix, Value: searchconfig.Normalize(n.Value)}, nil
	case expr.StringContains:
		if !param.Supports("contains") {
			return nil, unsupportedModifier(n.Path, "contains")
		}
		return &filter.Cmp{Field: field(ctx, n.Path, param.Field+searchconfig.SuffixNorm), Op: filter.Contains, Value: searchconfig.Normalize(n.Value)}, nil
	}
	return nil, model.NewConfigurationError(n.Path.String(), fmt.Sprintf("unsupported string operator %q", n.Op))
}

func (c *Compiler) compileToken(n *expr.Token, ctx Context) (filter.Filter, error) {
	param, err := c.resolve(n.Path, searchconfig.TypeToken)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case expr.TokenEquals, "":
	case expr.TokenNot:
		if !param.Supports("not") {
			return nil, unsupportedModifier(n.Path, "not")
		}
		if n.Value == "" {
			return nil, nil
		}
		return &filter.Not{Filter: &filter.Cmp{Field: field(ctx, n.Path, param.Field+searchconfig.SuffixValue), Op: filter.Eq, Value: n.Value}}, nil
	default:
		return nil, model.NewConfigurationError(n.Path.String(), fmt.Sprintf("unsupported token operator %q", n.Op))
	}

	switch {
	case n.System != "" && n.Value != "":
		return &filter.Cmp{Field: field(ctx, n.Path, param.Field+searchconfig.SuffixSysval), Op: filter.Eq, Value: n.System + "|" + n.Value}, nil
	case n.Value != "":
		return &filter.Cmp{Field: field(ctx, n.Path, param.Field+searchconfig.SuffixValue), Op: filter.Eq, Value: n.Value}, nil
	case n.System != "":
		return &filter.Cmp{Field: field(ctx, n.Path, param.Field+searchconfig.SuffixSystem), Op: filter.Eq, Value: n.System}, nil
	}
	return nil, nil
}

func comparison(f string, op expr.Comparator, v any) (filter.Filter, bool) {
	switch op {
	case expr.EQ, "":
		return &filter.Cmp{Field: f, Op: filter.Eq, Value: v}, true
	case expr.GT:
		return &filter.Cmp{Field: f, Op: filter.Gt, Value: v}, true
	case expr.GE:
		return &filter.Cmp{Field: f, Op: filter.Ge, Value: v}, true
	case expr.LT:
		return &filter.Cmp{Field: f, Op: filter.Lt, Value: v}, true
	case expr.LE:
		return &filter.Cmp{Field: f, Op: filter.Le, Value: v}, true
	case expr.NE:
		return &filter.Not{Filter: &filter.Cmp{Field: f, Op: filter.Eq, Value: v}}, true
	}
	return nil, false
}

func (c *Compiler) compileQuantity(n *expr.Quantity, ctx Context) (filter.Filter, error) {
	param, err := c.resolve(n.Path, searchconfig.TypeNumber, searchconfig.TypeQuantity)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(n.Value) || math.IsInf(n.Value, 0) {
		return nil, model.NewConfigurationError(n.Path.String(), "quantity value is not a finite number")
	}
	f, ok := comparison(field(ctx, n.Path, param.Field), n.Op, n.Value)
	if !ok {
		return nil, model.NewConfigurationError(n.Path.String(), fmt.Sprintf("unsupported quantity comparator %q", n.Op))
	}
	return f, nil
}

// approximation is the relative tolerance of an APPROXIMATE date range.
const approximation = 0.1

func (c *Compiler) compileDate(n *expr.DateRange, ctx Context) (filter.Filter, error) {
	param, err := c.resolve(n.Path, searchconfig.TypeDate)
	if err != nil {
		return nil, err
	}
	if n.Prefix == expr.DateApproximate {
		now := ctx.Now
		if now.IsZero() {
			now = time.Now()
		}
		gap := now.Sub(n.Date)
		if gap < 0 {
			gap = -gap
		}
		delta := time.Duration(float64(gap) * approximation)
		f := field(ctx, n.Path, searchconfig.DateField(param.Field, string(expr.Milli)))
		return &filter.And{Filters: []filter.Filter{
			&filter.Cmp{Field: f, Op: filter.Ge, Value: n.Date.Add(-delta).UnixMilli()},
			&filter.Cmp{Field: f, Op: filter.Le, Value: n.Date.Add(delta).UnixMilli()},
		}}, nil
	}

	precision := n.Precision
	if precision == "" {
		precision = expr.Milli
	}
	truncated, err := searchconfig.TruncateDate(n.Date, string(precision))
	if err != nil {
		return nil, model.NewConfigurationError(n.Path.String(), err.Error())
	}
	f := field(ctx, n.Path, searchconfig.DateField(param.Field, string(precision)))
	v := truncated.UnixMilli()

	var op expr.Comparator
	switch n.Prefix {
	case expr.DateEQ, "":
		op = expr.EQ
	case expr.DateNE:
		op = expr.NE
	case expr.DateGT, expr.DateStartsAfter:
		op = expr.GT
	case expr.DateGE:
		op = expr.GE
	case expr.DateLT, expr.DateEndsBefore:
		op = expr.LT
	case expr.DateLE:
		op = expr.LE
	default:
		return nil, model.NewConfigurationError(n.Path.String(), fmt.Sprintf("unsupported date prefix %q", n.Prefix))
	}
	out, _ := comparison(f, op, v)
	return out, nil
}

func (c *Compiler) compileReference(n *expr.Reference, ctx Context) (filter.Filter, error) {
	param, err := c.resolve(n.Path, searchconfig.TypeReference)
	if err != nil {
		return nil, err
	}
	if n.ID == "" {
		return nil, nil
	}
	if strings.Contains(n.ID, "/") {
		return nil, model.NewConfigurationError(n.Path.String(), fmt.Sprintf("malformed reference id %q", n.ID))
	}
	if n.Type == "" {
		return &filter.Cmp{Field: field(ctx, n.Path, param.Field+searchconfig.SuffixID), Op: filter.Eq, Value: n.ID}, nil
	}
	if len(param.Targets) > 0 && !contains(param.Targets, n.Type) {
		return nil, model.NewConfigurationError(n.Path.String(), fmt.Sprintf("reference type %q is not a target", n.Type))
	}
	return &filter.Cmp{Field: field(ctx, n.Path, param.Field+searchconfig.SuffixReference), Op: filter.Eq, Value: n.Type + "/" + n.ID}, nil
}

func unsupportedModifier(p expr.Path, modifier string) error {
	return model.NewConfigurationError(p.String(), fmt.Sprintf("modifier %q is not supported", modifier))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
