// Package expr is the query algebra: a tree of predicate nodes over logical
// search parameters, independent of any storage backend.
package expr

import (
	"fmt"
	"time"
)

// Kind identifies a node type. The numeric values are the serialization
// codes and must never be renumbered.
type Kind int

const (
	KindAnd       Kind = 1
	KindOr        Kind = 2
	KindString    Kind = 3
	KindToken     Kind = 4
	KindQuantity  Kind = 5
	KindDateRange Kind = 6
	KindReference Kind = 7
	KindInclude   Kind = 8
	KindHas       Kind = 9
)

func (k Kind) String() string {
	switch k {
	case KindAnd:
		return "and"
	case KindOr:
		return "or"
	case KindString:
		return "string"
	case KindToken:
		return "token"
	case KindQuantity:
		return "quantity"
	case KindDateRange:
		return "date"
	case KindReference:
		return "reference"
	case KindInclude:
		return "include"
	case KindHas:
		return "has"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Node is one element of an expression tree.
type Node interface {
	Kind() Kind
}

// Path names a logical search parameter. Link is set when the value lives in
// the denormalized links.<Link> sub-document of the queried resource rather
// than in its own index; Resource is then the linked child type.
type Path struct {
	Resource string
	Name     string
	Link     string
}

func (p Path) String() string {
	if p.Link != "" {
		return "links." + p.Link + "." + p.Name
	}
	return p.Resource + "." + p.Name
}

// And matches when every child matches.
type And struct{ Children []Node }

// Or matches when any child matches.
type Or struct{ Children []Node }

func (*And) Kind() Kind { return KindAnd }
func (*Or) Kind() Kind  { return KindOr }

// StringOp selects how a string value is compared.
type StringOp string

const (
	StringExact    StringOp = "EXACT"
	StringEquals   StringOp = "EQUALS"
	StringContains StringOp = "CONTAINS"
)

// String matches string parameters.
type String struct {
	Path  Path
	Value string
	Op    StringOp
}

func (*String) Kind() Kind { return KindString }

// TokenOp selects token matching.
type TokenOp string

const (
	TokenEquals TokenOp = "EQUALS"
	TokenNot    TokenOp = "NOT"
)

// Token matches coded values, optionally qualified by a system.
type Token struct {
	Path   Path
	System string
	Value  string
	Op     TokenOp
}

func (*Token) Kind() Kind { return KindToken }

// Comparator is a numeric comparison.
type Comparator string

const (
	EQ Comparator = "EQ"
	GT Comparator = "GT"
	LT Comparator = "LT"
	GE Comparator = "GE"
	LE Comparator = "LE"
	NE Comparator = "NE"
)

// Quantity compares a numeric parameter.
type Quantity struct {
	Path  Path
	Value float64
	Op    Comparator
}

func (*Quantity) Kind() Kind { return KindQuantity }

// Precision is the granularity a date is compared at.
type Precision string

const (
	Milli  Precision = "MILLI"
	Second Precision = "SECOND"
	Minute Precision = "MINUTE"
	Day    Precision = "DAY"
	Month  Precision = "MONTH"
	Year   Precision = "YEAR"
)

// DatePrefix is the comparison applied to a date.
type DatePrefix string

const (
	DateEQ          DatePrefix = "EQ"
	DateGT          DatePrefix = "GT"
	DateGE          DatePrefix = "GE"
	DateLT          DatePrefix = "LT"
	DateLE          DatePrefix = "LE"
	DateNE          DatePrefix = "NE"
	DateStartsAfter DatePrefix = "STARTS_AFTER"
	DateEndsBefore  DatePrefix = "ENDS_BEFORE"
	DateApproximate DatePrefix = "APPROXIMATE"
)

// DateRange compares a date parameter at a precision.
type DateRange struct {
	Path      Path
	Date      time.Time
	Precision Precision
	Prefix    DatePrefix
}

func (*DateRange) Kind() Kind { return KindDateRange }

// Reference matches a reference parameter by id, and by type when given.
type Reference struct {
	Path Path
	Type string
	ID   string
}

func (*Reference) Kind() Kind { return KindReference }

// Include names a reference parameter used to pull related resources into a
// page. For an include, Type is the primary type and Param one of its
// reference parameters; for a revinclude, Type is the referencing type and
// Param its parameter pointing at the primary type. Target optionally
// restricts the referenced type.
type Include struct {
	Type   string
	Param  string
	Target string
}

func (*Include) Kind() Kind { return KindInclude }

func (i *Include) String() string {
	if i.Target != "" {
		return i.Type + ":" + i.Param + ":" + i.Target
	}
	return i.Type + ":" + i.Param
}

// Has keeps a resource only when some Child resource referencing it through
// the Link parameter matches Predicate.
type Has struct {
	Child     string
	Link      string
	Predicate Node
}

func (*Has) Kind() Kind { return KindHas }

// NewAnd returns an And over the non-nil children.
func NewAnd(children ...Node) *And {
	return &And{Children: compact(children)}
}

// NewOr returns an Or over the non-nil children.
func NewOr(children ...Node) *Or {
	return &Or{Children: compact(children)}
}

func compact(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}
