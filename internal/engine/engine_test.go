package engine_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/internal/document"
	"searchsync/internal/engine"
	"searchsync/internal/registry"
	"searchsync/internal/schema"
	"searchsync/internal/search"
)

func carDescriptor() *document.Descriptor {
	return &document.Descriptor{
		Model: "car",
		Index: "cars",
		Fields: []schema.Field{
			{Name: "name", Type: schema.TypeString},
			{Name: "color", Type: schema.TypeString},
			{Name: "type", Type: schema.TypeInt32},
		},
	}
}

func car(id, name, color string, typ int) map[string]any {
	return map[string]any{"id": id, "name": name, "color": color, "type": typ}
}

type fixture struct {
	reg *registry.Registry
	mem *search.Memory
	eng *engine.Engine
}

func setup(t *testing.T, opts engine.Options, descriptors ...*document.Descriptor) *fixture {
	t.Helper()
	reg := registry.New()
	for _, d := range descriptors {
		require.NoError(t, reg.Register(d))
	}
	mem := search.NewMemory()
	eng := engine.New(reg, search.Connections{document.DefaultConnection: mem}, opts, slog.Default())
	return &fixture{reg: reg, mem: mem, eng: eng}
}

func TestProcess_CreateThenUpdate(t *testing.T) {
	// SCENARIO: a car is created, then its color changes and it is saved.
	// EXPECT: one upsert per notification, same identifier, exactly one
	// document in the index with the updated payload.
	f := setup(t, engine.Options{AutoSync: true, AutoRefresh: true}, carDescriptor())
	ctx := context.Background()

	err := f.eng.Process(ctx, engine.Notification{
		Op: engine.OpCreated, Model: "car",
		Records: []any{car("1", "Car one", "red", 1)},
	})
	require.NoError(t, err)

	doc, found, _ := f.mem.Get(ctx, "cars", "1")
	require.True(t, found)
	assert.Equal(t, map[string]any{"id": "1", "name": "Car one", "color": "red", "type": 1}, doc)

	err = f.eng.Process(ctx, engine.Notification{
		Op: engine.OpUpdated, Model: "car",
		Records: []any{car("1", "Car one", "blue", 1)},
	})
	require.NoError(t, err)

	doc, found, _ = f.mem.Get(ctx, "cars", "1")
	require.True(t, found)
	assert.Equal(t, "blue", doc["color"])

	count, _ := f.mem.Count(ctx, "cars")
	assert.Equal(t, int64(1), count)
	assert.Positive(t, f.mem.RefreshCalls["cars"])
}

func TestProcess_UpsertIsIdempotent(t *testing.T) {
	f := setup(t, engine.Options{AutoSync: true}, carDescriptor())
	ctx := context.Background()

	n := engine.Notification{
		Op: engine.OpUpdated, Model: "car",
		Records: []any{car("1", "Car one", "red", 1)},
	}
	require.NoError(t, f.eng.Process(ctx, n))
	first, _, _ := f.mem.Get(ctx, "cars", "1")

	require.NoError(t, f.eng.Process(ctx, n))
	second, _, _ := f.mem.Get(ctx, "cars", "1")

	assert.Equal(t, first, second)
	count, _ := f.mem.Count(ctx, "cars")
	assert.Equal(t, int64(1), count)
}

func TestProcess_DeleteOfAbsentIsNoOp(t *testing.T) {
	f := setup(t, engine.Options{AutoSync: true}, carDescriptor())

	err := f.eng.Process(context.Background(), engine.Notification{
		Op: engine.OpDeleted, Model: "car",
		Records: []any{map[string]any{"id": "missing"}},
	})
	assert.NoError(t, err)
}

func TestProcess_Delete(t *testing.T) {
	f := setup(t, engine.Options{AutoSync: true}, carDescriptor())
	ctx := context.Background()

	require.NoError(t, f.eng.Process(ctx, engine.Notification{
		Op: engine.OpCreated, Model: "car",
		Records: []any{car("1", "Car one", "red", 1)},
	}))
	require.NoError(t, f.eng.Process(ctx, engine.Notification{
		Op: engine.OpDeleted, Model: "car",
		Records: []any{map[string]any{"id": "1"}},
	}))

	_, found, _ := f.mem.Get(ctx, "cars", "1")
	assert.False(t, found)
}

func TestProcess_BulkBatchesOneCall(t *testing.T) {
	// SCENARIO: three cars arrive in one bulk notification.
	// EXPECT: a single bulk write, no per-record calls.
	f := setup(t, engine.Options{AutoSync: true}, carDescriptor())

	err := f.eng.Process(context.Background(), engine.Notification{
		Op: engine.OpBulkCreated, Model: "car",
		Records: []any{
			car("1", "Car one", "red", 1),
			car("2", "Car two", "blue", 2),
			car("3", "Car three", "red", 1),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.mem.BulkCalls)
	assert.Equal(t, 0, f.mem.UpsertCalls)
	count, _ := f.mem.Count(context.Background(), "cars")
	assert.Equal(t, int64(3), count)
}

func TestProcess_ManualSyncOptOut(t *testing.T) {
	// SCENARIO: two documents own the same model; one opted out of live
	// sync.
	// EXPECT: the opted-out index receives nothing, the sibling is
	// unaffected.
	manual := carDescriptor()
	manual.Index = "cars_archive"
	manual.ManualSync = true
	f := setup(t, engine.Options{AutoSync: true}, carDescriptor(), manual)
	ctx := context.Background()

	require.NoError(t, f.eng.Process(ctx, engine.Notification{
		Op: engine.OpCreated, Model: "car",
		Records: []any{car("1", "Car one", "red", 1)},
	}))

	_, found, _ := f.mem.Get(ctx, "cars", "1")
	assert.True(t, found)
	archiveCount, _ := f.mem.Count(ctx, "cars_archive")
	assert.Equal(t, int64(0), archiveCount)
}

func TestProcess_GlobalAutoSyncGate(t *testing.T) {
	f := setup(t, engine.Options{AutoSync: false}, carDescriptor())

	require.NoError(t, f.eng.Process(context.Background(), engine.Notification{
		Op: engine.OpCreated, Model: "car",
		Records: []any{car("1", "Car one", "red", 1)},
	}))

	assert.Equal(t, 0, f.mem.UpsertCalls)
	assert.Equal(t, 0, f.mem.BulkCalls)
}

func TestProcess_RefreshOverride(t *testing.T) {
	// Descriptor-level AutoRefresh beats the global default.
	off := false
	d := carDescriptor()
	d.AutoRefresh = &off
	f := setup(t, engine.Options{AutoSync: true, AutoRefresh: true}, d)

	require.NoError(t, f.eng.Process(context.Background(), engine.Notification{
		Op: engine.OpCreated, Model: "car",
		Records: []any{car("1", "Car one", "red", 1)},
	}))

	assert.Zero(t, f.mem.RefreshCalls["cars"])
}

func relatedFixture(t *testing.T) (*fixture, map[string][]any) {
	// Cars belong to manufacturers; a manufacturer change touches all of
	// its cars.
	carsByManufacturer := map[string][]any{
		"m1": {car("1", "Car one", "red", 1), car("2", "Car two", "blue", 2)},
		"m2": {car("3", "Car three", "red", 1)},
	}

	d := carDescriptor()
	d.Related = []string{"manufacturer"}
	d.RelatedTo = func(ctx context.Context, model string, record any) ([]any, error) {
		if model != "manufacturer" {
			return nil, nil
		}
		id, err := schema.Resolve(record, "id")
		if err != nil {
			return nil, err
		}
		return carsByManufacturer[fmt.Sprintf("%v", id)], nil
	}
	return setup(t, engine.Options{AutoSync: true}, d), carsByManufacturer
}

func TestProcess_RelatedFanOut(t *testing.T) {
	// SCENARIO: manufacturer m1 is updated.
	// EXPECT: exactly its two cars are upserted, nothing else.
	f, _ := relatedFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.Process(ctx, engine.Notification{
		Op: engine.OpUpdated, Model: "manufacturer",
		Records: []any{map[string]any{"id": "m1"}},
	}))

	count, _ := f.mem.Count(ctx, "cars")
	assert.Equal(t, int64(2), count)
	_, found, _ := f.mem.Get(ctx, "cars", "1")
	assert.True(t, found)
	_, found, _ = f.mem.Get(ctx, "cars", "3")
	assert.False(t, found)
}

func TestProcess_RelatedDeleteNeverDeletesPrimary(t *testing.T) {
	// SCENARIO: a manufacturer is deleted while its cars remain indexed.
	// EXPECT: the cars are re-upserted, never deleted.
	f, _ := relatedFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.Process(ctx, engine.Notification{
		Op: engine.OpCreated, Model: "car",
		Records: []any{car("1", "Car one", "red", 1)},
	}))
	deletesBefore := f.mem.DeleteCalls

	require.NoError(t, f.eng.Process(ctx, engine.Notification{
		Op: engine.OpDeleted, Model: "manufacturer",
		Records: []any{map[string]any{"id": "m1"}},
	}))

	assert.Equal(t, deletesBefore, f.mem.DeleteCalls)
	_, found, _ := f.mem.Get(ctx, "cars", "1")
	assert.True(t, found)
	_, found, _ = f.mem.Get(ctx, "cars", "2")
	assert.True(t, found, "fan-out should have upserted the sibling car")
}

func TestProcess_PartialFailureDoesNotBlockBatch(t *testing.T) {
	// SCENARIO: the backend rejects one record of a bulk batch.
	// EXPECT: the other records commit and the failure is reported keyed
	// by id.
	f := setup(t, engine.Options{AutoSync: true}, carDescriptor())
	f.mem.FailWrite = func(index, id string) error {
		if id == "2" {
			return errors.New("mapping rejected value")
		}
		return nil
	}
	ctx := context.Background()

	err := f.eng.Process(ctx, engine.Notification{
		Op: engine.OpBulkCreated, Model: "car",
		Records: []any{
			car("1", "Car one", "red", 1),
			car("2", "Car two", "blue", 2),
			car("3", "Car three", "red", 1),
		},
	})
	require.Error(t, err)

	var bulkErr *search.BulkError
	require.ErrorAs(t, err, &bulkErr)
	assert.Contains(t, bulkErr.Failed, "2")

	count, _ := f.mem.Count(ctx, "cars")
	assert.Equal(t, int64(2), count)
}

func TestProcess_VersionConflictSurfacedDistinctly(t *testing.T) {
	f := setup(t, engine.Options{AutoSync: true}, carDescriptor())
	f.mem.FailWrite = func(index, id string) error { return search.ErrConflict }

	err := f.eng.Process(context.Background(), engine.Notification{
		Op: engine.OpUpdated, Model: "car",
		Records: []any{car("1", "Car one", "red", 1)},
	})
	assert.ErrorIs(t, err, search.ErrConflict)
}

func TestProcess_ExtractionFailureSkipsRecordOnly(t *testing.T) {
	// SCENARIO: one record of a batch is missing a required field.
	// EXPECT: the healthy records are written, the bad one is reported.
	f := setup(t, engine.Options{AutoSync: true}, carDescriptor())
	ctx := context.Background()

	err := f.eng.Process(ctx, engine.Notification{
		Op: engine.OpBulkCreated, Model: "car",
		Records: []any{
			car("1", "Car one", "red", 1),
			map[string]any{"id": "2"}, // no name
		},
	})
	require.Error(t, err)

	_, found, _ := f.mem.Get(ctx, "cars", "1")
	assert.True(t, found)
	_, found, _ = f.mem.Get(ctx, "cars", "2")
	assert.False(t, found)
}

func TestQueued_DrainsInFlightWork(t *testing.T) {
	f := setup(t, engine.Options{AutoSync: true}, carDescriptor())
	q := engine.NewQueued(f.eng, 10, 2, slog.Default())

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Process(context.Background(), engine.Notification{
			Op: engine.OpCreated, Model: "car",
			Records: []any{car(fmt.Sprintf("%d", i), "Car", "red", 1)},
		}))
	}
	q.Drain()

	count, _ := f.mem.Count(context.Background(), "cars")
	assert.Equal(t, int64(5), count)
}
