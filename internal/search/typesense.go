package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/typesense/typesense-go/typesense"
	"github.com/typesense/typesense-go/typesense/api"
	"github.com/typesense/typesense-go/typesense/api/pointer"

	"searchsync/internal/document"
	"searchsync/internal/schema"
)

// Typesense implements Backend against a Typesense cluster.
//
// Index settings map onto collection schemas. Typesense is single-node from
// the API's point of view, so shard and replica counts have no equivalent
// and are ignored by this driver. Writes are visible immediately, so
// Refresh is a no-op.
type Typesense struct {
	client *typesense.Client
}

func NewTypesense(url, apiKey string) *Typesense {
	client := typesense.NewClient(
		typesense.WithServer(url),
		typesense.WithAPIKey(apiKey),
		typesense.WithConnectionTimeout(5*time.Second),
	)
	return &Typesense{client: client}
}

func (t *Typesense) CreateIndex(ctx context.Context, settings document.IndexSettings, fields []schema.Field, ifAbsent bool) error {
	collectionSchema := buildSchema(settings, fields)

	_, err := t.client.Collections().Create(ctx, collectionSchema)
	if err != nil {
		if statusOf(err) == http.StatusConflict {
			if ifAbsent {
				return nil
			}
			return fmt.Errorf("create collection %q: %w", settings.Name, ErrIndexExists)
		}
		return fmt.Errorf("typesense create collection %q: %w", settings.Name, err)
	}
	return nil
}

func (t *Typesense) DeleteIndex(ctx context.Context, name string) error {
	_, err := t.client.Collection(name).Delete(ctx)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			// Already gone.
			return nil
		}
		return fmt.Errorf("typesense delete collection %q: %w", name, err)
	}
	return nil
}

func (t *Typesense) Upsert(ctx context.Context, index, id string, doc map[string]any) error {
	_, err := t.client.Collection(index).Documents().Upsert(ctx, doc)
	if err != nil {
		return fmt.Errorf("typesense upsert %s/%s: %w", index, id, mapWriteError(err))
	}
	return nil
}

func (t *Typesense) Delete(ctx context.Context, index, id string) error {
	_, err := t.client.Collection(index).Document(id).Delete(ctx)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			// Deleting an absent document is a success.
			return nil
		}
		return fmt.Errorf("typesense delete %s/%s: %w", index, id, mapWriteError(err))
	}
	return nil
}

func (t *Typesense) Bulk(ctx context.Context, index string, items []BulkItem) error {
	var upserts []any
	var upsertIDs []string
	for _, item := range items {
		if item.Op == OpUpsert {
			upserts = append(upserts, item.Doc)
			upsertIDs = append(upsertIDs, item.ID)
		}
	}

	failed := make(map[string]error)

	if len(upserts) > 0 {
		params := &api.ImportDocumentsParams{
			Action:    pointer.String("upsert"),
			BatchSize: pointer.Int(len(upserts)),
		}
		responses, err := t.client.Collection(index).Documents().Import(ctx, upserts, params)
		if err != nil {
			return fmt.Errorf("typesense import into %q: %w", index, mapWriteError(err))
		}
		// Responses come back in submission order.
		for i, resp := range responses {
			if resp != nil && !resp.Success {
				failed[upsertIDs[i]] = fmt.Errorf("import rejected: %s", resp.Error)
			}
		}
	}

	// The import endpoint has no delete action; deletes go one by one.
	for _, item := range items {
		if item.Op != OpDelete {
			continue
		}
		if err := t.Delete(ctx, index, item.ID); err != nil {
			failed[item.ID] = err
		}
	}

	if len(failed) > 0 {
		return &BulkError{Index: index, Failed: failed}
	}
	return nil
}

func (t *Typesense) Refresh(ctx context.Context, index string) error {
	// Typesense indexes synchronously; documents are queryable as soon as
	// the write returns.
	return nil
}

func (t *Typesense) Get(ctx context.Context, index, id string) (map[string]any, bool, error) {
	doc, err := t.client.Collection(index).Document(id).Retrieve(ctx)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("typesense get %s/%s: %w", index, id, err)
	}
	return doc, true, nil
}

func (t *Typesense) Count(ctx context.Context, index string) (int64, error) {
	resp, err := t.client.Collection(index).Retrieve(ctx)
	if err != nil {
		return 0, fmt.Errorf("typesense count %q: %w", index, err)
	}
	if resp.NumDocuments == nil {
		return 0, nil
	}
	return *resp.NumDocuments, nil
}

func (t *Typesense) Health(ctx context.Context) error {
	healthy, err := t.client.Health(ctx, 5*time.Second)
	if err != nil {
		return fmt.Errorf("typesense health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("typesense is unhealthy")
	}
	return nil
}

func (t *Typesense) Close() error {
	// The Typesense client holds no connection state to release.
	return nil
}

// buildSchema derives a collection schema from the registered field schemas.
// Object and object[] fields switch the collection to nested-field mode.
func buildSchema(settings document.IndexSettings, fields []schema.Field) *api.CollectionSchema {
	out := &api.CollectionSchema{Name: settings.Name}

	nested := false
	out.Fields = append(out.Fields, api.Field{Name: "id", Type: "string"})
	for _, f := range fields {
		if f.Name == "id" {
			continue
		}
		if f.Type == schema.TypeObject || f.Type == schema.TypeNested {
			nested = true
		}
		tf := api.Field{Name: f.Name, Type: string(f.Type)}
		if f.Facet {
			tf.Facet = pointer.True()
		}
		if f.Sort {
			tf.Sort = pointer.True()
		}
		if f.Optional {
			tf.Optional = pointer.True()
		}
		out.Fields = append(out.Fields, tf)
	}
	if nested {
		out.EnableNestedFields = pointer.True()
	}
	if sortField, ok := settings.Extra["default_sorting_field"].(string); ok {
		out.DefaultSortingField = pointer.String(sortField)
	}
	return out
}

func statusOf(err error) int {
	var httpErr *typesense.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

// mapWriteError translates backend HTTP statuses into the sentinel errors
// callers branch on.
func mapWriteError(err error) error {
	switch statusOf(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrIndexNotReady, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}
