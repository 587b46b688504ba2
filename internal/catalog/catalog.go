// Package catalog declares the marketplace documents: which models are
// indexed, into which indices, and how changes fan out. Registration runs
// once at process start; both binaries share it.
package catalog

import (
	"context"
	"fmt"

	"searchsync/internal/document"
	"searchsync/internal/registry"
	"searchsync/internal/schema"
	"searchsync/internal/store/postgres"
)

const (
	ModelListing = "listing"
	ModelSeller  = "seller"

	IndexListings = "listings"
)

// Tables maps catalog models onto their backing relations. The listing
// query reads a view that joins seller columns in, the same shape the
// document needs.
var Tables = map[string]postgres.Table{
	ModelListing: {Name: "listing_search", IDColumn: "id"},
	ModelSeller:  {Name: "sellers", IDColumn: "id"},
}

// Register binds the catalog documents into the registry, backed by the
// given record source.
func Register(reg *registry.Registry, source *postgres.Source) error {
	listing := &document.Descriptor{
		Model:  ModelListing,
		Index:  IndexListings,
		Fields: listingFields(),
		Settings: document.IndexSettings{
			Extra: map[string]any{"default_sorting_field": "created_at"},
		},
		Related: []string{ModelSeller},
		RelatedTo: func(ctx context.Context, model string, record any) ([]any, error) {
			if model != ModelSeller {
				return nil, nil
			}
			id, err := schema.Resolve(record, "id")
			if err != nil {
				return nil, fmt.Errorf("seller record has no id: %w", err)
			}
			// A seller change touches every listing they sell.
			return source.ListBy(ctx, ModelListing, "seller_id", id)
		},
		Queryset: func(ctx context.Context, afterID string, limit int) ([]any, error) {
			return source.Page(ctx, ModelListing, afterID, limit)
		},
		PageSize: 500,
	}

	return reg.Register(listing)
}

func listingFields() []schema.Field {
	return []schema.Field{
		{Name: "title", Type: schema.TypeString},
		{Name: "description", Type: schema.TypeString, Optional: true},
		{Name: "categories", Type: schema.TypeStringArray, Facet: true, Optional: true},
		{Name: "license", Type: schema.TypeString, Facet: true, Optional: true},
		{Name: "price", Type: schema.TypeInt64, Attr: "price_min_unit", Sort: true},
		{Name: "currency", Type: schema.TypeString, Facet: true},
		{
			// Seller columns arrive flat from the join; reshape them
			// into the object the document declares.
			Name: "seller",
			Type: schema.TypeObject,
			Properties: []schema.Field{
				{Name: "id", Type: schema.TypeString},
				{Name: "username", Type: schema.TypeString},
				{Name: "name", Type: schema.TypeString},
				{Name: "verified", Type: schema.TypeBool, Facet: true},
			},
			Prepare: func(record any) (any, error) {
				out := make(map[string]any, 4)
				for _, col := range []string{"seller_id", "seller_username", "seller_name", "seller_verified"} {
					v, err := schema.Resolve(record, col)
					if err != nil {
						return nil, err
					}
					out[col[len("seller_"):]] = v
				}
				out["id"] = fmt.Sprintf("%v", out["id"])
				return out, nil
			},
		},
		{Name: "created_at", Type: schema.TypeInt64, Sort: true, Prepare: unixTime("created_at")},
	}
}

// unixTime extracts a column and flattens it to epoch seconds, the shape
// the index sorts on.
func unixTime(column string) func(record any) (any, error) {
	return func(record any) (any, error) {
		v, err := schema.Resolve(record, column)
		if err != nil {
			return nil, err
		}
		type unixer interface{ Unix() int64 }
		if t, ok := v.(unixer); ok {
			return t.Unix(), nil
		}
		return v, nil
	}
}
