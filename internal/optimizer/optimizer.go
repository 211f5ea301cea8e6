// Package optimizer rewrites has conditions of a query. Conditions backed by
// a declared join are folded into the parent's own predicate over its
// denormalized links; the others are grouped so each (child, link) pair
// costs a single lookup.
package optimizer

import (
	"github.com/rs/zerolog"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/compiler"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/searchconfig"
)

// Optimizer plans has conditions.
type Optimizer struct {
	cfg      *searchconfig.Config
	compiler *compiler.Compiler
	log      zerolog.Logger
}

// New returns an optimizer over cfg.
func New(cfg *searchconfig.Config, log zerolog.Logger) *Optimizer {
	return &Optimizer{cfg: cfg, compiler: compiler.New(cfg), log: log}
}

// Optimize rewrites s in place. It must run once, before compilation.
func (o *Optimizer) Optimize(s *expr.Select) error {
	if len(s.Has) == 0 {
		return nil
	}

	var (
		order  []groupKey
		groups = make(map[groupKey]*expr.Has)
	)
	for _, h := range s.Has {
		if _, err := o.compiler.LinkParam(s.Resource, h); err != nil {
			return err
		}
		pred := scope(h)

		k := groupKey{child: h.Child, link: h.Link}
		g, ok := groups[k]
		if !ok {
			groups[k] = &expr.Has{Child: h.Child, Link: h.Link, Predicate: pred}
			order = append(order, k)
			continue
		}
		switch {
		case g.Predicate == nil:
			g.Predicate = pred
		case pred == nil:
		default:
			if and, ok := g.Predicate.(*expr.And); ok {
				and.Children = append(and.Children, pred)
			} else {
				g.Predicate = expr.NewAnd(g.Predicate, pred)
			}
		}
	}

	// A group moves to the join only when the join covers all its conditions.
	s.Has = s.Has[:0]
	for _, k := range order {
		g := groups[k]
		if !o.joined(s.Resource, g.Child, g.Link, g.Predicate) {
			s.Has = append(s.Has, g)
			continue
		}
		s.AddWhere(expr.MapPaths(g.Predicate, func(p expr.Path) expr.Path {
			p.Link = g.Child
			return p
		}))
		o.log.Debug().
			Str("resource", s.Resource).
			Str("child", g.Child).
			Str("link", g.Link).
			Msg("has conditions served by join")
	}
	if len(s.Has) == 0 {
		s.Has = nil
	}
	return nil
}

type groupKey struct {
	child string
	link  string
}

// scope returns a copy of the condition's predicate with every leaf bound to
// the child resource.
func scope(h *expr.Has) expr.Node {
	if h.Predicate == nil {
		return nil
	}
	return expr.MapPaths(h.Predicate, func(p expr.Path) expr.Path {
		if p.Resource == "" {
			p.Resource = h.Child
		}
		return p
	})
}

// joined reports whether a declared join denormalizes every parameter the
// predicate uses.
func (o *Optimizer) joined(parent, child, link string, pred expr.Node) bool {
	j, ok := o.cfg.Join(parent, child, link)
	if !ok {
		return false
	}
	fields := make(map[string]bool)
	for _, p := range o.cfg.JoinFields(j) {
		fields[p.Name] = true
	}
	paths := expr.Paths(pred)
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if p.Resource != child || p.Link != "" || !fields[p.Name] {
			return false
		}
	}
	return true
}
