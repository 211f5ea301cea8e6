package searchconfig

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

// Physical field suffixes.
const (
	SuffixNorm      = "-norm"
	SuffixValue     = "-value"
	SuffixSystem    = "-system"
	SuffixSysval    = "-sysval"
	SuffixReference = "-reference"
	SuffixID        = "-id"
)

// Index is the per-record document of index values. Every field maps to a
// list; a predicate on a field matches when any element matches.
type Index map[string][]any

func (ix Index) add(field string, v any) {
	for _, e := range ix[field] {
		if e == v {
			return
		}
	}
	ix[field] = append(ix[field], v)
}

// Fields returns the populated fields in sorted order.
func (ix Index) Fields() []string {
	out := make([]string, 0, len(ix))
	for f := range ix {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// BuildIndex extracts every declared parameter of the resource type from a
// decoded JSON document.
func (c *Config) BuildIndex(ctx context.Context, resource string, doc any) (Index, error) {
	if !c.HasResource(resource) {
		return nil, model.NewNotFoundError("resourceType", resource)
	}
	ix := make(Index)
	for _, p := range c.Params(resource) {
		if err := p.index(ctx, doc, ix); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

// IndexParam extracts a single parameter into ix.
func (p *Param) IndexParam(ctx context.Context, doc any, ix Index) error {
	return p.index(ctx, doc, ix)
}

func (p *Param) index(ctx context.Context, doc any, ix Index) error {
	values, err := p.Extract(ctx, doc)
	if err != nil {
		return fmt.Errorf("extract %s.%s: %w", p.Resource, p.Name, err)
	}
	for _, v := range values {
		switch p.Type {
		case TypeString:
			for _, s := range stringLeaves(v, nil) {
				ix.add(p.Field, s)
				ix.add(p.Field+SuffixNorm, Normalize(s))
			}
		case TypeToken:
			for _, tok := range tokens(v, nil) {
				if tok.value != "" {
					ix.add(p.Field+SuffixValue, tok.value)
				}
				if tok.system != "" {
					ix.add(p.Field+SuffixSystem, tok.system)
				}
				if tok.system != "" && tok.value != "" {
					ix.add(p.Field+SuffixSysval, tok.system+"|"+tok.value)
				}
			}
		case TypeNumber, TypeQuantity:
			if n, ok := number(v); ok {
				ix.add(p.Field, n)
			}
		case TypeDate:
			for _, s := range dateStrings(v) {
				t, err := ParseDate(s)
				if err != nil {
					continue
				}
				for _, prec := range Precisions {
					tt, _ := TruncateDate(t, prec)
					ix.add(DateField(p.Field, prec), tt.UnixMilli())
				}
			}
		case TypeReference:
			s := referenceString(v)
			if typ, id, ok := ParseReference(s); ok {
				ix.add(p.Field+SuffixReference, typ+"/"+id)
				ix.add(p.Field+SuffixID, id)
			}
		}
	}
	return nil
}

func stringLeaves(v any, out []string) []string {
	switch t := v.(type) {
	case string:
		if t != "" {
			out = append(out, t)
		}
	case []any:
		for _, e := range t {
			out = stringLeaves(e, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = stringLeaves(t[k], out)
		}
	}
	return out
}

type token struct{ system, value string }

func tokens(v any, out []token) []token {
	switch t := v.(type) {
	case string:
		out = append(out, token{value: t})
	case bool:
		out = append(out, token{value: strconv.FormatBool(t)})
	case []any:
		for _, e := range t {
			out = tokens(e, out)
		}
	case map[string]any:
		if coding, ok := t["coding"].([]any); ok {
			return tokens(coding, out)
		}
		sys, _ := t["system"].(string)
		val, _ := t["value"].(string)
		if val == "" {
			val, _ = t["code"].(string)
		}
		if sys != "" || val != "" {
			out = append(out, token{system: sys, value: val})
		}
	}
	return out
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case map[string]any:
		return number(t["value"])
	}
	return 0, false
}

func dateStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		var out []string
		for _, k := range []string{"start", "end"} {
			if s, ok := t[k].(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func referenceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		s, _ := t["reference"].(string)
		return s
	}
	return ""
}

// ParseReference splits a relative or absolute reference ("Patient/1",
// "https://host/fhir/Patient/1/_history/3") into type and id.
func ParseReference(s string) (typ, id string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "#") {
		return "", "", false
	}
	segs := strings.Split(strings.TrimSuffix(s, "/"), "/")
	for i, seg := range segs {
		if seg == "_history" {
			segs = segs[:i]
			break
		}
	}
	if len(segs) < 2 {
		return "", "", false
	}
	typ, id = segs[len(segs)-2], segs[len(segs)-1]
	if typ == "" || id == "" || !unicode.IsUpper(rune(typ[0])) {
		return "", "", false
	}
	return typ, id, true
}
