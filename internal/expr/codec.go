package expr

import (
	"encoding/json"
	"time"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

// wireNode is the serialized form of every node kind. Only the fields used
// by the kind named in Code are populated.
type wireNode struct {
	Code      Kind        `json:"c"`
	Path      *wirePath   `json:"p,omitempty"`
	Children  []*wireNode `json:"k,omitempty"`
	Value     string      `json:"v,omitempty"`
	System    string      `json:"sy,omitempty"`
	Type      string      `json:"t,omitempty"`
	Number    *float64    `json:"n,omitempty"`
	Date      *time.Time  `json:"d,omitempty"`
	Precision Precision   `json:"pr,omitempty"`
	Op        string      `json:"o,omitempty"`
	Param     string      `json:"pa,omitempty"`
	Target    string      `json:"ta,omitempty"`
	Child     string      `json:"ch,omitempty"`
	Link      string      `json:"l,omitempty"`
	Predicate *wireNode   `json:"w,omitempty"`
}

type wirePath struct {
	Resource string `json:"r"`
	Name     string `json:"n"`
	Link     string `json:"l,omitempty"`
}

type wireSelect struct {
	Resource    string      `json:"r"`
	Where       *wireNode   `json:"w,omitempty"`
	PageSize    int         `json:"ps,omitempty"`
	Count       CountMode   `json:"cm,omitempty"`
	Includes    []*wireNode `json:"inc,omitempty"`
	RevIncludes []*wireNode `json:"rev,omitempty"`
	Has         []*wireNode `json:"has,omitempty"`
	Since       *time.Time  `json:"si,omitempty"`
	Fields      []string    `json:"f,omitempty"`
}

// Marshal serializes a node tree.
func Marshal(n Node) ([]byte, error) {
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Unmarshal restores a node tree produced by Marshal.
func Unmarshal(data []byte) (Node, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, model.NewSerializationError("decode expression: %v", err)
	}
	return fromWire(&w)
}

// MarshalSelect serializes a complete query.
func MarshalSelect(s *Select) ([]byte, error) {
	ws := wireSelect{
		Resource: s.Resource,
		PageSize: s.PageSize,
		Count:    s.Count,
		Since:    s.Since,
		Fields:   s.Fields,
	}
	var err error
	if s.Where != nil {
		if ws.Where, err = toWire(s.Where); err != nil {
			return nil, err
		}
	}
	for _, inc := range s.Includes {
		w, _ := toWire(inc)
		ws.Includes = append(ws.Includes, w)
	}
	for _, inc := range s.RevIncludes {
		w, _ := toWire(inc)
		ws.RevIncludes = append(ws.RevIncludes, w)
	}
	for _, h := range s.Has {
		w, err := toWire(h)
		if err != nil {
			return nil, err
		}
		ws.Has = append(ws.Has, w)
	}
	return json.Marshal(ws)
}

// UnmarshalSelect restores a query produced by MarshalSelect.
func UnmarshalSelect(data []byte) (*Select, error) {
	var ws wireSelect
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, model.NewSerializationError("decode select: %v", err)
	}
	s := &Select{
		Resource: ws.Resource,
		PageSize: ws.PageSize,
		Count:    ws.Count,
		Since:    ws.Since,
		Fields:   ws.Fields,
	}
	if ws.Count < CountNone || ws.Count > CountAlways {
		return nil, model.NewSerializationError("unknown count mode %d", int(ws.Count))
	}
	if ws.Where != nil {
		w, err := fromWire(ws.Where)
		if err != nil {
			return nil, err
		}
		s.Where = w
	}
	includes := func(in []*wireNode) ([]*Include, error) {
		var out []*Include
		for _, w := range in {
			n, err := fromWire(w)
			if err != nil {
				return nil, err
			}
			inc, ok := n.(*Include)
			if !ok {
				return nil, model.NewSerializationError("expected include, got %s", n.Kind())
			}
			out = append(out, inc)
		}
		return out, nil
	}
	var err error
	if s.Includes, err = includes(ws.Includes); err != nil {
		return nil, err
	}
	if s.RevIncludes, err = includes(ws.RevIncludes); err != nil {
		return nil, err
	}
	for _, w := range ws.Has {
		n, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		h, ok := n.(*Has)
		if !ok {
			return nil, model.NewSerializationError("expected has condition, got %s", n.Kind())
		}
		s.Has = append(s.Has, h)
	}
	return s, nil
}

func pathToWire(p Path) *wirePath {
	return &wirePath{Resource: p.Resource, Name: p.Name, Link: p.Link}
}

func pathFromWire(w *wirePath) (Path, error) {
	if w == nil {
		return Path{}, model.NewSerializationError("missing path")
	}
	return Path{Resource: w.Resource, Name: w.Name, Link: w.Link}, nil
}

func toWire(n Node) (*wireNode, error) {
	switch v := n.(type) {
	case *And:
		return childrenToWire(KindAnd, v.Children)
	case *Or:
		return childrenToWire(KindOr, v.Children)
	case *String:
		return &wireNode{Code: KindString, Path: pathToWire(v.Path), Value: v.Value, Op: string(v.Op)}, nil
	case *Token:
		return &wireNode{Code: KindToken, Path: pathToWire(v.Path), System: v.System, Value: v.Value, Op: string(v.Op)}, nil
	case *Quantity:
		num := v.Value
		return &wireNode{Code: KindQuantity, Path: pathToWire(v.Path), Number: &num, Op: string(v.Op)}, nil
	case *DateRange:
		d := v.Date
		return &wireNode{Code: KindDateRange, Path: pathToWire(v.Path), Date: &d, Precision: v.Precision, Op: string(v.Prefix)}, nil
	case *Reference:
		return &wireNode{Code: KindReference, Path: pathToWire(v.Path), Type: v.Type, Value: v.ID}, nil
	case *Include:
		return &wireNode{Code: KindInclude, Type: v.Type, Param: v.Param, Target: v.Target}, nil
	case *Has:
		w := &wireNode{Code: KindHas, Child: v.Child, Link: v.Link}
		if v.Predicate != nil {
			p, err := toWire(v.Predicate)
			if err != nil {
				return nil, err
			}
			w.Predicate = p
		}
		return w, nil
	case nil:
		return nil, model.NewSerializationError("nil expression")
	}
	return nil, model.NewSerializationError("cannot serialize %T", n)
}

func childrenToWire(code Kind, children []Node) (*wireNode, error) {
	w := &wireNode{Code: code, Children: make([]*wireNode, 0, len(children))}
	for _, c := range children {
		cw, err := toWire(c)
		if err != nil {
			return nil, err
		}
		w.Children = append(w.Children, cw)
	}
	return w, nil
}

func fromWire(w *wireNode) (Node, error) {
	if w == nil {
		return nil, model.NewSerializationError("nil expression")
	}
	switch w.Code {
	case KindAnd, KindOr:
		children := make([]Node, 0, len(w.Children))
		for _, cw := range w.Children {
			c, err := fromWire(cw)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if w.Code == KindAnd {
			return &And{Children: children}, nil
		}
		return &Or{Children: children}, nil
	case KindString:
		p, err := pathFromWire(w.Path)
		if err != nil {
			return nil, err
		}
		return &String{Path: p, Value: w.Value, Op: StringOp(w.Op)}, nil
	case KindToken:
		p, err := pathFromWire(w.Path)
		if err != nil {
			return nil, err
		}
		return &Token{Path: p, System: w.System, Value: w.Value, Op: TokenOp(w.Op)}, nil
	case KindQuantity:
		p, err := pathFromWire(w.Path)
		if err != nil {
			return nil, err
		}
		if w.Number == nil {
			return nil, model.NewSerializationError("quantity without value")
		}
		return &Quantity{Path: p, Value: *w.Number, Op: Comparator(w.Op)}, nil
	case KindDateRange:
		p, err := pathFromWire(w.Path)
		if err != nil {
			return nil, err
		}
		if w.Date == nil {
			return nil, model.NewSerializationError("date range without date")
		}
		return &DateRange{Path: p, Date: *w.Date, Precision: w.Precision, Prefix: DatePrefix(w.Op)}, nil
	case KindReference:
		p, err := pathFromWire(w.Path)
		if err != nil {
			return nil, err
		}
		return &Reference{Path: p, Type: w.Type, ID: w.Value}, nil
	case KindInclude:
		return &Include{Type: w.Type, Param: w.Param, Target: w.Target}, nil
	case KindHas:
		h := &Has{Child: w.Child, Link: w.Link}
		if w.Predicate != nil {
			p, err := fromWire(w.Predicate)
			if err != nil {
				return nil, err
			}
			h.Predicate = p
		}
		return h, nil
	}
	return nil, model.NewSerializationError("unknown expression code %d", int(w.Code))
}
