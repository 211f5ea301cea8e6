package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource is a typed, already validated record handed to the store.
type Resource struct {
	Type        string          `json:"resourceType"`
	ID          string          `json:"id"`
	Content     json.RawMessage `json:"content"`
	LastUpdated time.Time       `json:"lastUpdated,omitempty"`
	// Links replaces the denormalized links.<ChildType> sub-documents when
	// non-nil; nil keeps whatever the live row already carries.
	Links map[string]any `json:"links,omitempty"`
}

// StoredResource is one persisted version of a resource.
type StoredResource struct {
	Type      string          `json:"resourceType"`
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	RowID     int64           `json:"rowId"`
	ValidFrom time.Time       `json:"validFrom"`
	ValidTo   *time.Time      `json:"validTo,omitempty"` // nil while live
	LastWrite time.Time       `json:"lastWrite"`
	Hash      string          `json:"hash"`
	Content   json.RawMessage `json:"content"`
	Links     map[string]any  `json:"links,omitempty"`
}

// IsLive reports whether this version has an open validity window.
func (r *StoredResource) IsLive() bool { return r.ValidTo == nil }

// Ref returns the (type, id, version) triple of the record.
func (r *StoredResource) Ref() ResourceRef {
	return ResourceRef{Type: r.Type, ID: r.ID, Version: r.Version}
}

// ResourceRef identifies a stored version.
type ResourceRef struct {
	Type    string `json:"resourceType"`
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func (r ResourceRef) String() string {
	return fmt.Sprintf("%s/%s/_history/%d", r.Type, r.ID, r.Version)
}

// EntryMode tells why an entry is part of a search page.
type EntryMode string

const (
	EntryMatch   EntryMode = "match"
	EntryInclude EntryMode = "include"
)

// Entry is one element of a search page.
type Entry struct {
	Mode     EntryMode       `json:"mode"`
	Resource *StoredResource `json:"resource"`
}
