// Package postgres loads records for indexing. Rows come back as generic
// maps so the schema adapters can walk them without model structs.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Table maps a model kind onto its backing table.
type Table struct {
	Name     string
	IDColumn string
}

// Querier is the subset of pgxpool.Pool the source needs; tests swap in a
// mock.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Source struct {
	db     Querier
	tables map[string]Table
}

func NewSource(db Querier, tables map[string]Table) *Source {
	return &Source{db: db, tables: tables}
}

// FromPool builds a source over a live connection pool.
func FromPool(pool *pgxpool.Pool, tables map[string]Table) *Source {
	return NewSource(pool, tables)
}

func (s *Source) table(model string) (Table, error) {
	t, ok := s.tables[model]
	if !ok {
		return Table{}, fmt.Errorf("no table mapped for model %q", model)
	}
	if t.IDColumn == "" {
		t.IDColumn = "id"
	}
	return t, nil
}

// Load fetches records by primary identifier. Missing ids are simply absent
// from the result; a record deleted between event and handling is not an
// error.
func (s *Source) Load(ctx context.Context, model string, ids []string) ([]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s::text = ANY($1) ORDER BY %s",
		pgx.Identifier{t.Name}.Sanitize(),
		pgx.Identifier{t.IDColumn}.Sanitize(),
		pgx.Identifier{t.IDColumn}.Sanitize())
	rows, err := s.db.Query(ctx, sql, ids)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", model, err)
	}
	return collect(rows)
}

// Page returns up to limit records with id > afterID, ordered by id
// ascending. The stable ordering guarantees a paginated walk visits every
// record exactly once even against a live table.
func (s *Source) Page(ctx context.Context, model string, afterID string, limit int) ([]any, error) {
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}

	id := pgx.Identifier{t.IDColumn}.Sanitize()
	sql := fmt.Sprintf("SELECT * FROM %s WHERE $1 = '' OR %s::text > $1 ORDER BY %s",
		pgx.Identifier{t.Name}.Sanitize(), id, id)
	args := []any{afterID}
	if limit > 0 {
		sql += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("page %s after id=%q: %w", model, afterID, err)
	}
	return collect(rows)
}

// ListBy fetches the records whose column equals a value, for related-model
// resolvers (e.g. all listings of one seller).
func (s *Source) ListBy(ctx context.Context, model, column string, value any) ([]any, error) {
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 ORDER BY %s",
		pgx.Identifier{t.Name}.Sanitize(),
		pgx.Identifier{column}.Sanitize(),
		pgx.Identifier{t.IDColumn}.Sanitize())
	rows, err := s.db.Query(ctx, sql, value)
	if err != nil {
		return nil, fmt.Errorf("list %s by %s: %w", model, column, err)
	}
	return collect(rows)
}

// collect materializes rows into map records keyed by column name.
func collect(rows pgx.Rows) ([]any, error) {
	defer rows.Close()

	var out []any
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		record := make(map[string]any, len(fields))
		for i, fd := range fields {
			record[string(fd.Name)] = values[i]
		}
		out = append(out, any(record))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
