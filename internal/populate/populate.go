// Package populate streams the full record set of a document into its index,
// page by page. Used for fresh rebuilds and populate-only runs; safe to
// re-run since every write is an upsert.
package populate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"searchsync/internal/document"
	"searchsync/internal/search"
)

// DefaultPageSize bounds pages when neither the caller nor the descriptor
// sets one.
const DefaultPageSize = 1000

// Report sums up one populate run. Failed is keyed by record id; those
// records were skipped while the rest of their pages committed.
type Report struct {
	Indexed int
	Failed  map[string]error
}

func (r *Report) fail(id string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[id] = err
}

type Populator struct {
	conns    search.Connections
	fallback int
	log      *slog.Logger
}

// New builds a populator. fallbackPageSize applies when neither the caller
// nor the descriptor sets a page size; 0 means DefaultPageSize.
func New(conns search.Connections, fallbackPageSize int, log *slog.Logger) *Populator {
	return &Populator{conns: conns, fallback: fallbackPageSize, log: log}
}

// Populate walks the descriptor's queryset in pages ordered by ascending id,
// so every record is visited exactly once even while the store takes live
// writes. Page-level failures are recorded with the page's id range and the
// walk continues; a missing index or a queryset error aborts, since nothing
// later can succeed.
//
// Cancellation is checked between pages. Progress already written stays
// valid; a re-run completes it.
func (p *Populator) Populate(ctx context.Context, d *document.Descriptor, pageSize int) (*Report, error) {
	if d.Queryset == nil {
		return nil, fmt.Errorf("populate %s/%s: descriptor has no queryset", d.Model, d.Index)
	}
	if pageSize <= 0 {
		pageSize = d.PageSize
	}
	if pageSize <= 0 {
		pageSize = p.fallback
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	backend, err := p.conns.Get(d.ConnectionName())
	if err != nil {
		return nil, err
	}

	report := &Report{}
	afterID := ""
	for {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		records, err := d.Queryset(ctx, afterID, pageSize)
		if err != nil {
			return report, fmt.Errorf("populate %s/%s after id=%q: %w", d.Model, d.Index, afterID, err)
		}
		if len(records) == 0 {
			break
		}

		firstID, lastID, items := p.buildPage(d, records, report)
		if len(items) > 0 {
			err := backend.Bulk(ctx, d.Index, items)
			var bulkErr *search.BulkError
			switch {
			case errors.As(err, &bulkErr):
				for id, cause := range bulkErr.Failed {
					report.fail(id, cause)
				}
				report.Indexed += len(items) - len(bulkErr.Failed)
			case errors.Is(err, search.ErrIndexNotReady):
				return report, fmt.Errorf("populate %s/%s: %w", d.Model, d.Index, err)
			case err != nil:
				// Transient page failure: report the range, keep going.
				p.log.Error("page write failed",
					"model", d.Model, "index", d.Index,
					"from_id", firstID, "to_id", lastID, "error", err)
				for _, item := range items {
					report.fail(item.ID, err)
				}
			default:
				report.Indexed += len(items)
			}
		}

		if len(records) < pageSize || lastID == "" {
			break
		}
		afterID = lastID
	}

	p.log.Info("populate finished",
		"model", d.Model, "index", d.Index,
		"indexed", report.Indexed, "failed", len(report.Failed))
	return report, nil
}

func (p *Populator) buildPage(d *document.Descriptor, records []any, report *Report) (firstID, lastID string, items []search.BulkItem) {
	for _, record := range records {
		id, err := d.RecordID(record)
		if err != nil {
			p.log.Error("skipping record without id", "model", d.Model, "error", err)
			continue
		}
		if firstID == "" {
			firstID = id
		}
		lastID = id

		doc, err := d.Serialize(record)
		if err != nil {
			report.fail(id, err)
			continue
		}
		items = append(items, search.BulkItem{Op: search.OpUpsert, ID: id, Doc: doc})
	}
	return firstID, lastID, items
}
