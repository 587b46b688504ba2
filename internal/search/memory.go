package search

import (
	"context"
	"sync"

	"searchsync/internal/document"
	"searchsync/internal/schema"
)

// Memory is a thread-safe in-memory Backend for tests and local runs.
// It stores documents as store[index][id] = doc.
//
// With Strict set, writes against an index that was never created return
// ErrIndexNotReady, matching a real backend during a rebuild window. The
// default is lenient: indices spring into existence on first write.
type Memory struct {
	mu     sync.RWMutex
	store  map[string]map[string]map[string]any
	exists map[string]bool
	setts  map[string]document.IndexSettings
	fields map[string][]schema.Field

	Strict bool

	// FailWrite, when set, is consulted per document write; a non-nil
	// return fails that single document. Used to exercise partial-batch
	// error paths.
	FailWrite func(index, id string) error

	// Call counters for assertions.
	BulkCalls    int
	UpsertCalls  int
	DeleteCalls  int
	RefreshCalls map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		store:        make(map[string]map[string]map[string]any),
		exists:       make(map[string]bool),
		setts:        make(map[string]document.IndexSettings),
		fields:       make(map[string][]schema.Field),
		RefreshCalls: make(map[string]int),
	}
}

func (m *Memory) CreateIndex(ctx context.Context, settings document.IndexSettings, fields []schema.Field, ifAbsent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exists[settings.Name] {
		if ifAbsent {
			return nil
		}
		return ErrIndexExists
	}
	m.exists[settings.Name] = true
	m.setts[settings.Name] = settings
	m.fields[settings.Name] = fields
	if m.store[settings.Name] == nil {
		m.store[settings.Name] = make(map[string]map[string]any)
	}
	return nil
}

func (m *Memory) DeleteIndex(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Absent index: desired state already holds.
	delete(m.exists, name)
	delete(m.setts, name)
	delete(m.fields, name)
	delete(m.store, name)
	return nil
}

func (m *Memory) Upsert(ctx context.Context, index, id string, doc map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertCalls++
	return m.put(index, id, doc)
}

func (m *Memory) Delete(ctx context.Context, index, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteCalls++
	if m.Strict && !m.exists[index] {
		return ErrIndexNotReady
	}
	if bucket, ok := m.store[index]; ok {
		delete(bucket, id)
	}
	// Deleting an absent document is a no-op success.
	return nil
}

func (m *Memory) Bulk(ctx context.Context, index string, items []BulkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.BulkCalls++
	if m.Strict && !m.exists[index] {
		return ErrIndexNotReady
	}

	failed := make(map[string]error)
	for _, item := range items {
		var err error
		switch item.Op {
		case OpDelete:
			if bucket, ok := m.store[index]; ok {
				delete(bucket, item.ID)
			}
		default:
			err = m.put(index, item.ID, item.Doc)
		}
		if err != nil {
			failed[item.ID] = err
		}
	}
	if len(failed) > 0 {
		return &BulkError{Index: index, Failed: failed}
	}
	return nil
}

func (m *Memory) put(index, id string, doc map[string]any) error {
	if m.Strict && !m.exists[index] {
		return ErrIndexNotReady
	}
	if m.FailWrite != nil {
		if err := m.FailWrite(index, id); err != nil {
			return err
		}
	}
	if m.store[index] == nil {
		m.store[index] = make(map[string]map[string]any)
	}
	m.store[index][id] = doc
	return nil
}

func (m *Memory) Refresh(ctx context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefreshCalls[index]++
	return nil
}

func (m *Memory) Get(ctx context.Context, index, id string) (map[string]any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bucket, ok := m.store[index]; ok {
		doc, found := bucket[id]
		return doc, found, nil
	}
	return nil, false, nil
}

func (m *Memory) Count(ctx context.Context, index string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bucket, ok := m.store[index]; ok {
		return int64(len(bucket)), nil
	}
	return 0, nil
}

// IndexExists reports whether an index was created. Test helper.
func (m *Memory) IndexExists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exists[name]
}

// IndexSettings returns the settings an index was created with. Test helper.
func (m *Memory) IndexSettings(name string) (document.IndexSettings, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.setts[name]
	return s, ok
}

// IndexFields returns the mapping an index was created with. Test helper.
func (m *Memory) IndexFields(name string) []schema.Field {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fields[name]
}

// Clear resets all state, useful for defer cleanup().
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = make(map[string]map[string]map[string]any)
	m.exists = make(map[string]bool)
	m.setts = make(map[string]document.IndexSettings)
	m.fields = make(map[string][]schema.Field)
	m.RefreshCalls = make(map[string]int)
	m.BulkCalls, m.UpsertCalls, m.DeleteCalls = 0, 0, 0
}

func (m *Memory) Health(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
