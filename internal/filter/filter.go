// Package filter is the backend-agnostic filter representation produced by
// the compiler and lowered by each docstore backend.
//
// Field names starting with "$" address record metadata columns. Every other
// field is a dotted path into the record's index document, whose leaves are
// arrays; a comparison on such a field holds when any element satisfies it.
package filter

import (
	"fmt"
	"strings"
)

// Metadata fields.
const (
	FieldID        = "$id"
	FieldRow       = "$row"
	FieldVersion   = "$version"
	FieldValidFrom = "$validFrom"
	FieldValidTo   = "$validTo"
	FieldLastWrite = "$lastWrite"
)

// IsMeta reports whether field addresses a metadata column.
func IsMeta(field string) bool { return strings.HasPrefix(field, "$") }

// Op is a comparison operator.
type Op string

const (
	Eq       Op = "eq"
	Gt       Op = "gt"
	Ge       Op = "ge"
	Lt       Op = "lt"
	Le       Op = "le"
	Prefix   Op = "prefix"
	Contains Op = "contains"
)

// Filter is a node of the filter tree.
type Filter interface {
	fmt.Stringer
	filter()
}

// Cmp compares a field against a value.
type Cmp struct {
	Field string
	Op    Op
	Value any
}

// In matches when the field equals any of the values.
type In struct {
	Field  string
	Values []any
}

// Not negates its operand.
type Not struct {
	Filter Filter
}

// And holds when all operands hold.
type And struct {
	Filters []Filter
}

// Or holds when any operand holds.
type Or struct {
	Filters []Filter
}

// MatchAll holds for every record.
type MatchAll struct{}

// Lookup holds when some record of Collection, live at Revision, references
// the current record through ForeignField ("ParentType/<id>") and matches
// Match. Collection is the child resource type until the engine resolves it
// to a physical collection name.
type Lookup struct {
	Collection   string
	ForeignField string
	ParentType   string
	Revision     int64
	Match        Filter
}

func (*Cmp) filter()      {}
func (*In) filter()       {}
func (*Not) filter()      {}
func (*And) filter()      {}
func (*Or) filter()       {}
func (*MatchAll) filter() {}
func (*Lookup) filter()   {}

func (c *Cmp) String() string { return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value) }
func (i *In) String() string  { return fmt.Sprintf("%s in %v", i.Field, i.Values) }
func (n *Not) String() string { return "not(" + n.Filter.String() + ")" }
func (a *And) String() string { return join("and", a.Filters) }
func (o *Or) String() string  { return join("or", o.Filters) }
func (*MatchAll) String() string {
	return "all"
}
func (l *Lookup) String() string {
	m := "all"
	if l.Match != nil {
		m = l.Match.String()
	}
	return fmt.Sprintf("lookup(%s.%s -> %s: %s)", l.Collection, l.ForeignField, l.ParentType, m)
}

func join(op string, fs []Filter) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

// Combine builds an And (or Or) of the non-nil filters, collapsing a single
// survivor and returning nil when nothing remains.
func Combine(or bool, fs ...Filter) Filter {
	out := make([]Filter, 0, len(fs))
	for _, f := range fs {
		if f != nil {
			out = append(out, f)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	if or {
		return &Or{Filters: out}
	}
	return &And{Filters: out}
}

// AllOf is Combine for And.
func AllOf(fs ...Filter) Filter { return Combine(false, fs...) }

// OrAll returns f, or MatchAll when f is nil.
func OrAll(f Filter) Filter {
	if f == nil {
		return &MatchAll{}
	}
	return f
}

// Window restricts records to those live at revision r: validFrom <= r < validTo.
func Window(r int64) Filter {
	return &And{Filters: []Filter{
		&Cmp{Field: FieldValidFrom, Op: Le, Value: r},
		&Cmp{Field: FieldValidTo, Op: Gt, Value: r},
	}}
}

// Walk visits f and its descendants depth first.
func Walk(f Filter, fn func(Filter)) {
	if f == nil {
		return
	}
	fn(f)
	switch v := f.(type) {
	case *Not:
		Walk(v.Filter, fn)
	case *And:
		for _, c := range v.Filters {
			Walk(c, fn)
		}
	case *Or:
		for _, c := range v.Filters {
			Walk(c, fn)
		}
	case *Lookup:
		Walk(v.Match, fn)
	}
}

// HasLookup reports whether any Lookup appears in f.
func HasLookup(f Filter) bool {
	found := false
	Walk(f, func(f Filter) {
		if _, ok := f.(*Lookup); ok {
			found = true
		}
	})
	return found
}
