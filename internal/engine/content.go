package engine

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// document is a decoded resource body.
type document map[string]any

func decode(content json.RawMessage) (document, error) {
	var doc document
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("decode resource content: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode resource content: not a JSON object")
	}
	return doc, nil
}

// hash digests the document without its version metadata so that re-storing
// identical content maps to the same value.
func (d document) hash() (string, error) {
	clean := make(document, len(d))
	for k, v := range d {
		clean[k] = v
	}
	if meta, ok := d["meta"].(map[string]any); ok {
		m := make(map[string]any, len(meta))
		for k, v := range meta {
			if k != "versionId" && k != "lastUpdated" {
				m[k] = v
			}
		}
		if len(m) == 0 {
			delete(clean, "meta")
		} else {
			clean["meta"] = m
		}
	}
	// encoding/json sorts map keys, which makes the encoding canonical
	data, err := json.Marshal(clean)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// stamp sets identity and version metadata.
func (d document) stamp(resourceType, id string, version int, lastUpdated time.Time) {
	d["resourceType"] = resourceType
	d["id"] = id
	meta, _ := d["meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339Nano)
	d["meta"] = meta
}

func marshal(d document) (json.RawMessage, error) {
	data, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("encode resource content: %w", err)
	}
	return data, nil
}
