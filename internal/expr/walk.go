package expr

// Walk calls fn for n and every node beneath it, depth first. Returning false
// from fn skips the node's children.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch v := n.(type) {
	case *And:
		for _, c := range v.Children {
			Walk(c, fn)
		}
	case *Or:
		for _, c := range v.Children {
			Walk(c, fn)
		}
	case *Has:
		Walk(v.Predicate, fn)
	}
}

// Paths returns the path of every leaf in n, in tree order.
func Paths(n Node) []Path {
	var out []Path
	Walk(n, func(n Node) bool {
		if p, ok := PathOf(n); ok {
			out = append(out, p)
		}
		return true
	})
	return out
}

// PathOf returns the path of a leaf node.
func PathOf(n Node) (Path, bool) {
	switch v := n.(type) {
	case *String:
		return v.Path, true
	case *Token:
		return v.Path, true
	case *Quantity:
		return v.Path, true
	case *DateRange:
		return v.Path, true
	case *Reference:
		return v.Path, true
	}
	return Path{}, false
}

// MapPaths returns a copy of n with every leaf path replaced by fn(path).
// The input tree is left untouched. Has predicates are not descended into.
func MapPaths(n Node, fn func(Path) Path) Node {
	switch v := n.(type) {
	case *And:
		out := &And{Children: make([]Node, len(v.Children))}
		for i, c := range v.Children {
			out.Children[i] = MapPaths(c, fn)
		}
		return out
	case *Or:
		out := &Or{Children: make([]Node, len(v.Children))}
		for i, c := range v.Children {
			out.Children[i] = MapPaths(c, fn)
		}
		return out
	case *String:
		c := *v
		c.Path = fn(v.Path)
		return &c
	case *Token:
		c := *v
		c.Path = fn(v.Path)
		return &c
	case *Quantity:
		c := *v
		c.Path = fn(v.Path)
		return &c
	case *DateRange:
		c := *v
		c.Path = fn(v.Path)
		return &c
	case *Reference:
		c := *v
		c.Path = fn(v.Path)
		return &c
	}
	return n
}
