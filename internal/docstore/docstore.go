// Package docstore defines the document backend used by the storage engine:
// versioned rows in per-type collections, filtered through filter.Filter.
// Implementations live under internal/docstore/<driver>/.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
)

// Forever is the validTo of a live row.
const Forever int64 = math.MaxInt64

// ErrConflict is returned by Apply when a concurrent writer changed one of the
// live rows the batch was computed against. The batch is rolled back.
var ErrConflict = errors.New("concurrent write conflict")

// Row is one stored version. Timestamps are Unix nanoseconds.
type Row struct {
	RowID     int64
	ID        string
	Version   int
	ValidFrom int64
	ValidTo   int64
	LastWrite int64
	Hash      string
	Content   json.RawMessage
	// Index holds the index values of the version plus its links sub-document.
	Index json.RawMessage
}

// Live reports whether the row has an open validity window.
func (r *Row) Live() bool { return r.ValidTo == Forever }

// Close ends the validity window of a live row.
type Close struct {
	RowID     int64
	ValidTo   int64
	LastWrite int64
}

// Touch refreshes the last write date of a live row.
type Touch struct {
	RowID     int64
	LastWrite int64
}

// WriteBatch is applied atomically.
type WriteBatch struct {
	Closes  []Close
	Touches []Touch
	Inserts []*Row
}

// Empty reports whether the batch has nothing to write.
func (b *WriteBatch) Empty() bool {
	return len(b.Closes) == 0 && len(b.Touches) == 0 && len(b.Inserts) == 0
}

// Query selects rows in physical row order.
type Query struct {
	Filter   filter.Filter
	AfterRow int64
	// Limit bounds the result; zero means no bound.
	Limit int
}

// Collection is the rows of one resource type for one tenant.
type Collection interface {
	Name() string
	Find(ctx context.Context, q Query) ([]*Row, error)
	Count(ctx context.Context, f filter.Filter) (int64, error)
	// Apply writes a batch in one transaction. Inserted rows get their RowID set.
	Apply(ctx context.Context, b WriteBatch) error
	DeleteWhere(ctx context.Context, f filter.Filter) (int64, error)
	// Explain returns the backend statement Find would run.
	Explain(q Query) (string, []any, error)
}

// CursorStore persists server-resident paging state.
type CursorStore interface {
	Put(ctx context.Context, id string, created time.Time, payload []byte) error
	// Get returns model.ErrNotFound (wrapped) for unknown ids.
	Get(ctx context.Context, id string) ([]byte, error)
	DeleteBefore(ctx context.Context, watermark time.Time) (int64, error)
}

// Database opens collections, creating their storage on first use.
type Database interface {
	Collection(ctx context.Context, name string) (Collection, error)
	Cursors(ctx context.Context, name string) (CursorStore, error)
	HealthPing(ctx context.Context) error
	Close() error
}
