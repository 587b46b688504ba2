package document

import (
	"context"
	"fmt"

	"searchsync/internal/schema"
)

// DefaultConnection is the backend connection a descriptor targets when it
// does not name one.
const DefaultConnection = "default"

// IndexSettings carries index-level options merged with global defaults when
// the index is created. Zero fields inherit the defaults.
type IndexSettings struct {
	Name     string
	Shards   int
	Replicas int
	Extra    map[string]any
}

// Merge returns base overridden by the non-zero fields of override.
func (base IndexSettings) Merge(override IndexSettings) IndexSettings {
	out := base
	if override.Name != "" {
		out.Name = override.Name
	}
	if override.Shards != 0 {
		out.Shards = override.Shards
	}
	if override.Replicas != 0 {
		out.Replicas = override.Replicas
	}
	if len(override.Extra) > 0 {
		merged := make(map[string]any, len(base.Extra)+len(override.Extra))
		for k, v := range base.Extra {
			merged[k] = v
		}
		for k, v := range override.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// Descriptor binds one data model to one search index: which fields make up
// the document, how records are fetched for bulk population, and which other
// models fan out to this document when they change.
//
// Descriptors are built once at startup, registered, and never mutated.
type Descriptor struct {
	// Model is the owning data-model kind, e.g. "listing".
	Model string

	// Index is the target index (collection) name.
	Index string

	// Connection selects a named backend cluster; empty means "default".
	Connection string

	Fields   []schema.Field
	Settings IndexSettings

	// Related lists model kinds whose changes require recomputing this
	// document. Every entry must be answered by RelatedTo.
	Related []string

	// RelatedTo resolves a changed related record to the primary records
	// whose documents must be recomputed. Returning nil means no fan-out
	// for that record.
	RelatedTo func(ctx context.Context, model string, record any) ([]any, error)

	// Queryset returns the next page of records with id > afterID, ordered
	// by id ascending. limit <= 0 means the full remainder.
	Queryset func(ctx context.Context, afterID string, limit int) ([]any, error)

	// ID extracts the primary identifier of a record. When nil, the
	// record's "id" attribute is used.
	ID func(record any) string

	// ManualSync opts this document out of live change handling; it is
	// still reachable through populate and rebuild.
	ManualSync bool

	// AutoRefresh overrides the engine-wide refresh default when non-nil.
	AutoRefresh *bool

	// PageSize bounds populate pages for this document; 0 falls back to
	// the populator's default.
	PageSize int
}

// Validate reports configuration errors that would otherwise surface as
// runtime faults deep inside the engine.
func (d *Descriptor) Validate() error {
	if d.Model == "" {
		return fmt.Errorf("descriptor has no model")
	}
	if d.Index == "" {
		return fmt.Errorf("descriptor %q has no index", d.Model)
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("descriptor %s/%s has no fields", d.Model, d.Index)
	}
	if len(d.Related) > 0 && d.RelatedTo == nil {
		return fmt.Errorf("descriptor %s/%s declares related models but no resolver", d.Model, d.Index)
	}
	for _, f := range d.Fields {
		if err := validateField(d, f); err != nil {
			return err
		}
	}
	return nil
}

func validateField(d *Descriptor, f schema.Field) error {
	if f.Name == "" {
		return fmt.Errorf("descriptor %s/%s has an unnamed field", d.Model, d.Index)
	}
	sub := f.Type == schema.TypeObject || f.Type == schema.TypeNested
	if sub && len(f.Properties) == 0 {
		return fmt.Errorf("descriptor %s/%s: field %q is %s but has no properties", d.Model, d.Index, f.Name, f.Type)
	}
	if !sub && len(f.Properties) > 0 {
		return fmt.Errorf("descriptor %s/%s: field %q is %s but has properties", d.Model, d.Index, f.Name, f.Type)
	}
	for _, p := range f.Properties {
		if err := validateField(d, p); err != nil {
			return err
		}
	}
	return nil
}

// ConnectionName returns the named connection, defaulted.
func (d *Descriptor) ConnectionName() string {
	if d.Connection == "" {
		return DefaultConnection
	}
	return d.Connection
}

// RecordID extracts the primary identifier of a record.
func (d *Descriptor) RecordID(record any) (string, error) {
	if d.ID != nil {
		return d.ID(record), nil
	}
	v, err := schema.Resolve(record, "id")
	if err != nil {
		return "", fmt.Errorf("descriptor %s/%s: %w", d.Model, d.Index, err)
	}
	return fmt.Sprintf("%v", v), nil
}

// Serialize extracts every field of a record into a document payload. The
// payload always carries the record's identifier under "id".
func (d *Descriptor) Serialize(record any) (map[string]any, error) {
	id, err := d.RecordID(record)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any, len(d.Fields)+1)
	for _, f := range d.Fields {
		v, err := f.Extract(record)
		if err != nil {
			return nil, fmt.Errorf("serialize %s id=%s: %w", d.Model, id, err)
		}
		if v == nil && f.Optional {
			continue
		}
		doc[f.Name] = v
	}
	doc["id"] = id
	return doc, nil
}
