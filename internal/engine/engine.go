// Package engine reacts to record-change notifications and keeps the search
// backend in step with the data store. It is the piece everything else
// serves: the registry tells it which documents a change touches, the
// schema adapters shape the payloads, and the search backends take the
// writes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"searchsync/internal/document"
	"searchsync/internal/registry"
	"searchsync/internal/search"
)

// Op is the kind of record mutation a notification reports.
type Op string

const (
	OpCreated     Op = "created"
	OpUpdated     Op = "updated"
	OpDeleted     Op = "deleted"
	OpBulkCreated Op = "bulk_created"
	OpBulkUpdated Op = "bulk_updated"
	OpBulkDeleted Op = "bulk_deleted"
)

func (op Op) bulk() bool {
	return op == OpBulkCreated || op == OpBulkUpdated || op == OpBulkDeleted
}

func (op Op) delete() bool {
	return op == OpDeleted || op == OpBulkDeleted
}

// Notification is one record mutation crossing the data-store boundary.
// It is ephemeral: handled, never persisted.
type Notification struct {
	Op      Op
	Model   string
	Records []any
}

// Processor accepts notifications. Engine handles them immediately on the
// calling goroutine; Queued defers them to workers.
type Processor interface {
	Process(ctx context.Context, n Notification) error
}

// Options carry the global toggles. Descriptors can opt out of sync and
// override the refresh default individually.
type Options struct {
	// AutoSync gates the whole engine; when false every notification is
	// dropped before descriptor resolution.
	AutoSync bool

	// AutoRefresh is the refresh default for descriptors that do not set
	// their own.
	AutoRefresh bool
}

type Engine struct {
	reg   *registry.Registry
	conns search.Connections
	opts  Options
	log   *slog.Logger
}

func New(reg *registry.Registry, conns search.Connections, opts Options, log *slog.Logger) *Engine {
	return &Engine{reg: reg, conns: conns, opts: opts, log: log}
}

// Process handles one notification to completion before returning: resolve
// the affected descriptors, serialize the affected records, and write.
//
// A failure on one record or one descriptor is collected and does not stop
// the rest of the notification; the joined error reports everything that
// went wrong. Handling is idempotent, so redelivery after a partial failure
// converges.
func (e *Engine) Process(ctx context.Context, n Notification) error {
	if !e.opts.AutoSync {
		return nil
	}
	if len(n.Records) == 0 {
		return nil
	}

	var errs []error
	seen := make(map[*document.Descriptor]bool)

	for _, d := range e.reg.ForModel(n.Model) {
		seen[d] = true
		if d.ManualSync {
			continue
		}
		if err := e.apply(ctx, d, n.Op, n.Records); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", d.Model, d.Index, err))
		}
	}

	// Fan out to documents that declare this model as related. The
	// resolved primary records are always upserted: a related record's
	// deletion does not delete the primary document.
	for _, d := range e.reg.RelatedTo(n.Model) {
		if seen[d] {
			continue
		}
		seen[d] = true
		if d.ManualSync {
			continue
		}

		primaries, err := e.resolveRelated(ctx, d, n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(primaries) == 0 {
			continue
		}
		op := OpUpdated
		if n.Op.bulk() {
			op = OpBulkUpdated
		}
		if err := e.apply(ctx, d, op, primaries); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s (via %s): %w", d.Model, d.Index, n.Model, err))
		}
	}

	return errors.Join(errs...)
}

func (e *Engine) resolveRelated(ctx context.Context, d *document.Descriptor, n Notification) ([]any, error) {
	var primaries []any
	ids := make(map[string]bool)
	for _, record := range n.Records {
		resolved, err := d.RelatedTo(ctx, n.Model, record)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: resolve related %s: %w", d.Model, d.Index, n.Model, err)
		}
		for _, primary := range resolved {
			id, err := d.RecordID(primary)
			if err != nil {
				return nil, fmt.Errorf("%s/%s (via %s): %w", d.Model, d.Index, n.Model, err)
			}
			if ids[id] {
				continue
			}
			ids[id] = true
			primaries = append(primaries, primary)
		}
	}
	return primaries, nil
}

// apply issues the writes for one descriptor. Bulk operations batch the
// whole record set into one backend call; single operations write one
// document at a time.
func (e *Engine) apply(ctx context.Context, d *document.Descriptor, op Op, records []any) error {
	backend, err := e.conns.Get(d.ConnectionName())
	if err != nil {
		return err
	}

	var errs []error
	if op.delete() {
		errs = e.applyDelete(ctx, backend, d, op, records)
	} else {
		errs = e.applyUpsert(ctx, backend, d, op, records)
	}

	if e.refreshEnabled(d) {
		if err := backend.Refresh(ctx, d.Index); err != nil {
			// The write stands; a failed refresh only delays visibility.
			e.log.Warn("index refresh failed", "index", d.Index, "error", err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) applyUpsert(ctx context.Context, backend search.Backend, d *document.Descriptor, op Op, records []any) []error {
	var errs []error
	var items []search.BulkItem
	for _, record := range records {
		doc, err := d.Serialize(record)
		if err != nil {
			// One bad record must not block its batch.
			errs = append(errs, err)
			continue
		}
		items = append(items, search.BulkItem{Op: search.OpUpsert, ID: doc["id"].(string), Doc: doc})
	}
	if len(items) == 0 {
		return errs
	}

	if op.bulk() {
		if err := backend.Bulk(ctx, d.Index, items); err != nil {
			errs = append(errs, err)
		}
		return errs
	}
	for _, item := range items {
		if err := backend.Upsert(ctx, d.Index, item.ID, item.Doc); err != nil {
			errs = append(errs, fmt.Errorf("upsert id=%s: %w", item.ID, err))
		}
	}
	return errs
}

func (e *Engine) applyDelete(ctx context.Context, backend search.Backend, d *document.Descriptor, op Op, records []any) []error {
	var errs []error
	var items []search.BulkItem
	for _, record := range records {
		id, err := d.RecordID(record)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, search.BulkItem{Op: search.OpDelete, ID: id})
	}
	if len(items) == 0 {
		return errs
	}

	if op.bulk() {
		if err := backend.Bulk(ctx, d.Index, items); err != nil {
			errs = append(errs, err)
		}
		return errs
	}
	for _, item := range items {
		if err := backend.Delete(ctx, d.Index, item.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete id=%s: %w", item.ID, err))
		}
	}
	return errs
}

func (e *Engine) refreshEnabled(d *document.Descriptor) bool {
	if d.AutoRefresh != nil {
		return *d.AutoRefresh
	}
	return e.opts.AutoRefresh
}
