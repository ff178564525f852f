// Package remote defines the boundary to the eventually-consistent document
// store the core synchronizes with. Any store offering path-addressed writes,
// ordered cursor queries, live query subscriptions and atomic batches can
// implement Store.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Doc is a document snapshot.
type Doc struct {
	Path       string
	ID         string
	Data       json.RawMessage
	Version    int64
	CreateTime time.Time
	UpdateTime time.Time
}

// Decode unmarshals the document body into v.
func (d *Doc) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Path, err)
	}
	return nil
}

// Op is a query filter operator.
type Op string

const (
	OpEq            Op = "=="
	OpArrayContains Op = "array-contains"
	OpIn            Op = "in"
)

// Filter restricts a query on a top-level or dotted field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Cursor is an exclusive pagination bound: the order-by value and document
// id of the last item already seen.
type Cursor struct {
	Value any
	ID    string
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Where      []Filter
	OrderBy    string
	Desc       bool
	Limit      int
	StartAfter *Cursor
}

// WithFilter returns a copy of q with one more filter.
func (q Query) WithFilter(field string, op Op, value any) Query {
	q.Where = append(append([]Filter(nil), q.Where...), Filter{Field: field, Op: op, Value: value})
	return q
}

// FieldOpKind is the kind of a field mutation.
type FieldOpKind int

const (
	FieldSet FieldOpKind = iota
	FieldDelete
	FieldIncrement
	FieldArrayUnion
	FieldArrayRemove
)

// FieldOp mutates one dotted field path of a document.
type FieldOp struct {
	Field string
	Kind  FieldOpKind
	Value any
}

// Set assigns value to field.
func Set(field string, value any) FieldOp { return FieldOp{Field: field, Kind: FieldSet, Value: value} }

// Delete removes field.
func Delete(field string) FieldOp { return FieldOp{Field: field, Kind: FieldDelete} }

// Increment adds delta to a numeric field, treating a missing field as 0.
func Increment(field string, delta int64) FieldOp {
	return FieldOp{Field: field, Kind: FieldIncrement, Value: delta}
}

// ArrayUnion appends value to an array field unless already present.
func ArrayUnion(field string, value any) FieldOp {
	return FieldOp{Field: field, Kind: FieldArrayUnion, Value: value}
}

// ArrayRemove removes every occurrence of value from an array field.
func ArrayRemove(field string, value any) FieldOp {
	return FieldOp{Field: field, Kind: FieldArrayRemove, Value: value}
}

// ChangeKind describes how a document moved relative to a query's results.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	// Removed means the document left the result set. It does not imply
	// the document was deleted.
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	default:
		return "removed"
	}
}

// Change is one document change within a batch.
type Change struct {
	Kind ChangeKind
	Doc  *Doc
}

// ChangeBatch is an ordered delivery of changes for one live query. Version
// is non-decreasing across the batches of a subscription.
type ChangeBatch struct {
	Version int64
	Changes []Change
	// Docs is the full result set after applying Changes, in query order.
	Docs []*Doc
}

// Subscription is a live query.
type Subscription interface {
	// Changes delivers batches in order. The first batch holds the initial
	// result set. The channel closes when the subscription ends.
	Changes() <-chan ChangeBatch
	// Err reports why the subscription ended: nil after Close, non-nil when
	// it was dropped.
	Err() error
	Close()
}

// Batch groups writes that commit atomically.
type Batch interface {
	Create(path string, data any) Batch
	Set(path string, data any) Batch
	Update(path string, ops ...FieldOp) Batch
	Delete(path string) Batch
	Commit(ctx context.Context) error
}

// Store is the document store boundary.
type Store interface {
	Get(ctx context.Context, path string) (*Doc, error)
	// Create fails with syncerr AlreadyExists when path is taken.
	Create(ctx context.Context, path string, data any) (*Doc, error)
	Set(ctx context.Context, path string, data any) (*Doc, error)
	// Add creates a document with a generated id in collection.
	Add(ctx context.Context, collection string, data any) (*Doc, error)
	// Update fails with syncerr NotFound when path does not exist.
	Update(ctx context.Context, path string, ops ...FieldOp) (*Doc, error)
	Delete(ctx context.Context, path string) error
	Query(ctx context.Context, q Query) ([]*Doc, error)
	Watch(ctx context.Context, q Query) (Subscription, error)
	Batch() Batch
}

// Join builds a slash-separated path.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the collection path and id of a document path.
func Split(path string) (collection, id string, err error) {
	if !IsDocument(path) {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	i := strings.LastIndexByte(path, '/')
	return path[:i], path[i+1:], nil
}

// IsDocument reports whether path has an even number of non-empty segments.
func IsDocument(path string) bool {
	n, ok := segments(path)
	return ok && n%2 == 0
}

// IsCollection reports whether path has an odd number of non-empty segments.
func IsCollection(path string) bool {
	n, ok := segments(path)
	return ok && n%2 == 1
}

func segments(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return 0, false
		}
	}
	return len(parts), true
}
