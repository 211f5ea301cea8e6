package joinindex

import (
	"encoding/json"
	"sort"
)

// sourcesKey holds the per-child contributions inside links.<Child>.
const sourcesKey = "_src"

// mergeLinks returns a copy of links where the contribution of one child
// replaces its previous one in links.<child>, and every field of
// links.<child> is the union of all contributions.
func mergeLinks(links map[string]any, child, childID string, fields map[string][]any) map[string]any {
	out := make(map[string]any, len(links)+1)
	for k, v := range links {
		out[k] = v
	}

	sources := make(map[string]any)
	if sub, ok := links[child].(map[string]any); ok {
		if src, ok := sub[sourcesKey].(map[string]any); ok {
			for k, v := range src {
				sources[k] = v
			}
		}
	}
	contribution := make(map[string]any, len(fields))
	for f, vs := range fields {
		contribution[f] = vs
	}
	sources[childID] = contribution

	sub := map[string]any{sourcesKey: sources}
	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	seen := make(map[string]map[string]bool)
	for _, id := range ids {
		c, _ := sources[id].(map[string]any)
		for f, raw := range c {
			vs, _ := raw.([]any)
			if seen[f] == nil {
				seen[f] = make(map[string]bool)
			}
			union, _ := sub[f].([]any)
			for _, v := range vs {
				b, _ := json.Marshal(v)
				key := string(b)
				if seen[f][key] {
					continue
				}
				seen[f][key] = true
				union = append(union, v)
			}
			sub[f] = union
		}
	}
	out[child] = sub
	return out
}
