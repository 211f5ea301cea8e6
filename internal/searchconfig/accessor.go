package searchconfig

import (
	"context"
	"errors"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// Accessor extracts the values addressed by a parameter path from a decoded
// JSON document. Absent paths yield no values, not an error.
type Accessor func(ctx context.Context, doc any) ([]any, error)

var pathLanguage = gval.Full(jsonpath.PlaceholderExtension())

func compileAccessor(path string) (Accessor, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty extraction path")
	}
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	eval, err := pathLanguage.NewEvaluable(path)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, doc any) ([]any, error) {
		v, err := eval(ctx, doc)
		if err != nil {
			if isMissing(err) {
				return nil, nil
			}
			return nil, err
		}
		return flatten(v, nil), nil
	}, nil
}

func isMissing(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown key") ||
		strings.HasPrefix(msg, "unknown parameter") ||
		strings.Contains(msg, "out of bounds")
}

func flatten(v any, out []any) []any {
	switch t := v.(type) {
	case nil:
		return out
	case []any:
		for _, e := range t {
			out = flatten(e, out)
		}
		return out
	default:
		return append(out, t)
	}
}

// Extract runs the parameter accessor against a decoded document.
func (p *Param) Extract(ctx context.Context, doc any) ([]any, error) {
	if p.accessor == nil {
		return nil, nil
	}
	return p.accessor(ctx, doc)
}
