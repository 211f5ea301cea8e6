package expr

import "time"

// CountMode controls how the total of a search is computed.
type CountMode int

const (
	CountNone CountMode = iota
	CountBestEffort
	CountAlways
)

func (m CountMode) String() string {
	switch m {
	case CountBestEffort:
		return "BEST_EFFORT"
	case CountAlways:
		return "ALWAYS"
	}
	return "NONE"
}

// Select is the root of a query.
type Select struct {
	Resource    string
	Where       Node
	PageSize    int
	Count       CountMode
	Includes    []*Include
	RevIncludes []*Include
	Has         []*Has
	Since       *time.Time
	Fields      []string
}

// NewSelect returns a query over a resource type with no predicate.
func NewSelect(resource string) *Select {
	return &Select{Resource: resource}
}

// AddWhere appends a predicate, combining with any existing one by And.
func (s *Select) AddWhere(n Node) {
	if n == nil {
		return
	}
	switch w := s.Where.(type) {
	case nil:
		s.Where = n
	case *And:
		w.Children = append(w.Children, n)
	default:
		s.Where = NewAnd(w, n)
	}
}
