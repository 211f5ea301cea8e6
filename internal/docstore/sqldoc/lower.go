package sqldoc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
)

var metaColumns = map[string]string{
	filter.FieldID:        "id",
	filter.FieldRow:       "row_id",
	filter.FieldVersion:   "version",
	filter.FieldValidFrom: "valid_from",
	filter.FieldValidTo:   "valid_to",
	filter.FieldLastWrite: "last_write",
}

var comparators = map[filter.Op]string{
	filter.Eq: "=",
	filter.Gt: ">",
	filter.Ge: ">=",
	filter.Lt: "<",
	filter.Le: "<=",
}

// lowerer renders a filter as a SQL boolean expression. Bind parameters are
// numbered in the order they appear in the text.
type lowerer struct {
	d     Dialect
	args  []any
	alias int
}

func newLowerer(d Dialect) *lowerer { return &lowerer{d: d} }

func (l *lowerer) bind(v any) string {
	l.args = append(l.args, v)
	return l.d.Placeholder(len(l.args))
}

func (l *lowerer) nextAlias(prefix string) string {
	l.alias++
	return prefix + strconv.Itoa(l.alias)
}

func (l *lowerer) lower(f filter.Filter, row string) (string, error) {
	switch v := f.(type) {
	case nil, *filter.MatchAll:
		return "1=1", nil
	case *filter.And:
		return l.list(v.Filters, " AND ", row)
	case *filter.Or:
		return l.list(v.Filters, " OR ", row)
	case *filter.Not:
		inner, err := l.lower(v.Filter, row)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *filter.Cmp:
		return l.cmp(v, row)
	case *filter.In:
		return l.in(v, row)
	case *filter.Lookup:
		return l.lookup(v, row)
	}
	return "", fmt.Errorf("%s: cannot lower %T", l.d.Name(), f)
}

func (l *lowerer) list(fs []filter.Filter, sep, row string) (string, error) {
	if len(fs) == 0 {
		return "1=1", nil
	}
	parts := make([]string, len(fs))
	for i, f := range fs {
		s, err := l.lower(f, row)
		if err != nil {
			return "", err
		}
		parts[i] = "(" + s + ")"
	}
	return strings.Join(parts, sep), nil
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

func (l *lowerer) predicate(value string, op filter.Op, arg any) (string, error) {
	switch op {
	case filter.Prefix:
		return l.d.Position(value, l.bind(arg)) + " = 1", nil
	case filter.Contains:
		return l.d.Position(value, l.bind(arg)) + " > 0", nil
	}
	sym, ok := comparators[op]
	if !ok {
		return "", fmt.Errorf("%s: unsupported operator %q", l.d.Name(), op)
	}
	return value + " " + sym + " " + l.bind(arg), nil
}

// elements renders EXISTS over the elements of an index field.
func (l *lowerer) elements(field, row string, numeric bool, cond func(value string) (string, error)) (string, error) {
	elem := l.nextAlias("e")
	from, value, args := l.d.Elements(row, strings.Split(field, "."), elem, numeric)
	l.args = append(l.args, args...)
	from = l.renumber(from, len(args))
	c, err := cond(value)
	if err != nil {
		return "", err
	}
	return "EXISTS (SELECT 1 FROM " + from + " WHERE " + c + ")", nil
}

// renumber replaces the %p markers of a dialect FROM item with placeholders
// for the last n bound arguments.
func (l *lowerer) renumber(from string, n int) string {
	first := len(l.args) - n + 1
	for i := 0; i < n; i++ {
		from = strings.Replace(from, "%p", l.d.Placeholder(first+i), 1)
	}
	return from
}

func (l *lowerer) cmp(c *filter.Cmp, row string) (string, error) {
	if filter.IsMeta(c.Field) {
		col, ok := metaColumns[c.Field]
		if !ok {
			return "", fmt.Errorf("%s: unknown metadata field %q", l.d.Name(), c.Field)
		}
		return l.predicate(row+"."+col, c.Op, c.Value)
	}
	return l.elements(c.Field, row, isNumeric(c.Value), func(value string) (string, error) {
		return l.predicate(value, c.Op, c.Value)
	})
}

func (l *lowerer) in(in *filter.In, row string) (string, error) {
	if len(in.Values) == 0 {
		return "1=0", nil
	}
	render := func(value string) string {
		ph := make([]string, len(in.Values))
		for i, v := range in.Values {
			ph[i] = l.bind(v)
		}
		return value + " IN (" + strings.Join(ph, ", ") + ")"
	}
	if filter.IsMeta(in.Field) {
		col, ok := metaColumns[in.Field]
		if !ok {
			return "", fmt.Errorf("%s: unknown metadata field %q", l.d.Name(), in.Field)
		}
		return render(row + "." + col), nil
	}
	return l.elements(in.Field, row, isNumeric(in.Values[0]), func(value string) (string, error) {
		return render(value), nil
	})
}

func (l *lowerer) lookup(lk *filter.Lookup, row string) (string, error) {
	child := l.nextAlias("c")
	var sb strings.Builder
	sb.WriteString("EXISTS (SELECT 1 FROM ")
	sb.WriteString(QuoteIdent(lk.Collection))
	sb.WriteString(" " + child + " WHERE ")
	if lk.Revision > 0 {
		sb.WriteString(child + ".valid_from <= " + l.bind(lk.Revision))
		sb.WriteString(" AND " + child + ".valid_to > " + l.bind(lk.Revision))
	} else {
		sb.WriteString(child + ".valid_to = " + l.bind(docstore.Forever))
	}
	ref, err := l.elements(lk.ForeignField, child, false, func(value string) (string, error) {
		return value + " = (" + l.bind(lk.ParentType+"/") + " || " + row + ".id)", nil
	})
	if err != nil {
		return "", err
	}
	sb.WriteString(" AND " + ref)
	if lk.Match != nil {
		m, err := l.lower(lk.Match, child)
		if err != nil {
			return "", err
		}
		sb.WriteString(" AND (" + m + ")")
	}
	sb.WriteString(")")
	return sb.String(), nil
}
