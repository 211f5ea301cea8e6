package compiler

import (
	"fmt"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/searchconfig"
)

// CompileSelect compiles the predicate of a query together with any has
// conditions left in place by the optimizer. Each remaining has condition
// becomes a Lookup stage against the child collection. The result is never
// nil.
func (c *Compiler) CompileSelect(s *expr.Select, ctx Context) (filter.Filter, error) {
	if !c.cfg.HasResource(s.Resource) {
		return nil, model.NewNotFoundError("resourceType", s.Resource)
	}
	where, err := c.Compile(s.Where, ctx)
	if err != nil {
		return nil, err
	}
	parts := []filter.Filter{where}
	for _, h := range s.Has {
		l, err := c.CompileHas(s.Resource, h)
		if err != nil {
			return nil, err
		}
		parts = append(parts, l)
	}
	return filter.OrAll(filter.AllOf(parts...)), nil
}

// CompileHas compiles a has condition on parent into a Lookup.
func (c *Compiler) CompileHas(parent string, h *expr.Has) (*filter.Lookup, error) {
	link, err := c.LinkParam(parent, h)
	if err != nil {
		return nil, err
	}
	match, err := c.Compile(h.Predicate, Context{})
	if err != nil {
		return nil, err
	}
	return &filter.Lookup{
		Collection:   h.Child,
		ForeignField: link.Field + searchconfig.SuffixReference,
		ParentType:   parent,
		Match:        match,
	}, nil
}

// LinkParam returns the child reference parameter of a has condition,
// checking that it can point at parent.
func (c *Compiler) LinkParam(parent string, h *expr.Has) (*searchconfig.Param, error) {
	name := fmt.Sprintf("_has:%s:%s", h.Child, h.Link)
	link, err := c.cfg.Lookup(h.Child, h.Link)
	if err != nil {
		return nil, model.NewConfigurationError(name, err.Error())
	}
	if link.Type != searchconfig.TypeReference {
		return nil, model.NewConfigurationError(name, "link parameter is not a reference")
	}
	if len(link.Targets) > 0 && !contains(link.Targets, parent) {
		return nil, model.NewConfigurationError(name, fmt.Sprintf("link parameter cannot reference %s", parent))
	}
	return link, nil
}
