// Package search defines the contract against the search backend and the
// drivers that implement it. Everything above this package speaks in terms
// of indices, documents and bulk operations; only drivers know about the
// engine actually serving them.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"searchsync/internal/document"
	"searchsync/internal/schema"
)

var (
	// ErrIndexExists is returned by CreateIndex when the index is already
	// present and ifAbsent was not requested.
	ErrIndexExists = errors.New("index already exists")

	// ErrIndexNotReady marks a write against an index that does not exist
	// yet, typically during the delete window of a rebuild. Callers should
	// back off and retry rather than drop the write.
	ErrIndexNotReady = errors.New("index not ready")

	// ErrConflict marks a version conflict on a document write, surfaced
	// distinctly so a caller can re-read and retry.
	ErrConflict = errors.New("document version conflict")
)

// Op is a bulk operation kind.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// BulkItem is one document operation inside a bulk call. Doc is nil for
// deletes.
type BulkItem struct {
	Op  Op
	ID  string
	Doc map[string]any
}

// BulkError reports the records that failed inside an otherwise committed
// bulk call, keyed by document id. Successful records in the same batch
// remain written.
type BulkError struct {
	Index  string
	Failed map[string]error
}

func (e *BulkError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("bulk write to %q: %d of batch failed (ids %v)", e.Index, len(e.Failed), ids)
}

// Backend is the contract any search engine driver implements.
//
// Deleting an absent document and deleting an absent index are successes:
// the desired state is already in place. CreateIndex with ifAbsent behaves
// the same way for an existing index.
type Backend interface {
	CreateIndex(ctx context.Context, settings document.IndexSettings, fields []schema.Field, ifAbsent bool) error
	DeleteIndex(ctx context.Context, name string) error

	Upsert(ctx context.Context, index, id string, doc map[string]any) error
	Delete(ctx context.Context, index, id string) error

	// Bulk issues one backend call for the whole batch. Partial failures
	// come back as *BulkError; the rest of the batch is committed.
	Bulk(ctx context.Context, index string, items []BulkItem) error

	// Refresh makes recent writes visible to queries. Drivers whose
	// engine indexes synchronously may treat this as a no-op.
	Refresh(ctx context.Context, index string) error

	Get(ctx context.Context, index, id string) (map[string]any, bool, error)
	Count(ctx context.Context, index string) (int64, error)
	Health(ctx context.Context) error
	Close() error
}

// Connections maps connection names to backends, supporting descriptors
// that target different clusters. Lookups fall back to "default".
type Connections map[string]Backend

func (c Connections) Get(name string) (Backend, error) {
	if b, ok := c[name]; ok {
		return b, nil
	}
	if b, ok := c[document.DefaultConnection]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("no search connection named %q and no default", name)
}
