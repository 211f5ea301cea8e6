package docstore

import (
	"encoding/json"
	"fmt"
)

// alwaysKept are the elements a projected document never loses.
var alwaysKept = []string{"resourceType", "id", "meta"}

// Project keeps only the listed top-level elements of a JSON object plus the
// identity and meta elements. An empty field list returns content unchanged.
func Project(content json.RawMessage, fields []string) (json.RawMessage, error) {
	if len(fields) == 0 {
		return content, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("project content: %w", err)
	}
	keep := make(map[string]bool, len(fields)+len(alwaysKept))
	for _, f := range alwaysKept {
		keep[f] = true
	}
	for _, f := range fields {
		keep[f] = true
	}
	for k := range doc {
		if !keep[k] {
			delete(doc, k)
		}
	}
	return json.Marshal(doc)
}
