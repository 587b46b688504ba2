// Package registry holds the process-wide table of document descriptors,
// indexed by owning model and by index name. It is populated once at startup
// and read concurrently by the sync engine afterwards.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"searchsync/internal/document"
	"searchsync/internal/schema"
)

// ConfigError marks a registration-time fault: conflicting mappings,
// missing resolvers, malformed descriptors. These halt startup rather than
// surfacing later as write failures.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Registry maps model kinds and index names to descriptors. Register is
// guarded for test fixtures; lookups take the same lock but are contention
// free in practice since production never registers after startup.
type Registry struct {
	mu       sync.RWMutex
	byModel  map[string][]*document.Descriptor
	byIndex  map[string][]*document.Descriptor
	settings map[string]document.IndexSettings
}

func New() *Registry {
	return &Registry{
		byModel:  make(map[string][]*document.Descriptor),
		byIndex:  make(map[string][]*document.Descriptor),
		settings: make(map[string]document.IndexSettings),
	}
}

// Register adds a descriptor. It is idempotent per (model, index): a second
// registration of the same pair replaces the first, which keeps test
// fixtures cheap. Field types are checked against every other descriptor
// already bound to the same index; a mismatch is a fatal ConfigError.
func (r *Registry) Register(d *document.Descriptor) error {
	if err := d.Validate(); err != nil {
		return configErrorf("register: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, other := range r.byIndex[d.Index] {
		if other.Model == d.Model {
			continue // replaced below
		}
		if err := checkFieldAgreement(d.Index, other.Fields, d.Fields); err != nil {
			return err
		}
	}

	r.byModel[d.Model] = replace(r.byModel[d.Model], d)
	r.byIndex[d.Index] = replace(r.byIndex[d.Index], d)

	settings := d.Settings
	settings.Name = d.Index
	r.settings[d.Index] = r.settings[d.Index].Merge(settings)
	return nil
}

// replace swaps out an existing descriptor for the same (model, index) pair,
// otherwise appends.
func replace(list []*document.Descriptor, d *document.Descriptor) []*document.Descriptor {
	for i, other := range list {
		if other.Model == d.Model && other.Index == d.Index {
			list[i] = d
			return list
		}
	}
	return append(list, d)
}

func checkFieldAgreement(index string, a, b []schema.Field) error {
	types := make(map[string]schema.Type)
	flattenTypes("", a, types)

	other := make(map[string]schema.Type)
	flattenTypes("", b, other)

	for name, t := range other {
		if existing, ok := types[name]; ok && existing != t {
			return configErrorf("index %q: field %q declared as %s and %s by different documents", index, name, existing, t)
		}
	}
	return nil
}

func flattenTypes(prefix string, fields []schema.Field, out map[string]schema.Type) {
	for _, f := range fields {
		name := f.Name
		if prefix != "" {
			name = prefix + "." + f.Name
		}
		out[name] = f.Type
		flattenTypes(name, f.Properties, out)
	}
}

// ForModel returns the descriptors owned by a model kind.
func (r *Registry) ForModel(model string) []*document.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*document.Descriptor(nil), r.byModel[model]...)
}

// ForIndex returns the descriptors bound to an index.
func (r *Registry) ForIndex(index string) []*document.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*document.Descriptor(nil), r.byIndex[index]...)
}

// RelatedTo returns every descriptor whose Related set contains the given
// model kind. Changes to that model fan out to these documents.
func (r *Registry) RelatedTo(model string) []*document.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*document.Descriptor
	for _, index := range r.indexNames() {
		for _, d := range r.byIndex[index] {
			for _, rel := range d.Related {
				if rel == model {
					out = append(out, d)
					break
				}
			}
		}
	}
	return out
}

// Indices returns the settings of every known index, sorted by name.
func (r *Registry) Indices() []document.IndexSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]document.IndexSettings, 0, len(r.settings))
	for _, name := range r.indexNames() {
		out = append(out, r.settings[name])
	}
	return out
}

// Settings returns the merged settings declared for one index.
func (r *Registry) Settings(index string) (document.IndexSettings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[index]
	return s, ok
}

// Fields returns the union of all field schemas bound to an index. Agreement
// across descriptors was enforced at registration, so the first declaration
// of each name wins.
func (r *Registry) Fields(index string) []schema.Field {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []schema.Field
	seen := make(map[string]bool)
	for _, d := range r.byIndex[index] {
		for _, f := range d.Fields {
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			out = append(out, f)
		}
	}
	return out
}

// Reset drops every registration. Test teardown only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel = make(map[string][]*document.Descriptor)
	r.byIndex = make(map[string][]*document.Descriptor)
	r.settings = make(map[string]document.IndexSettings)
}

// indexNames must be called with the lock held.
func (r *Registry) indexNames() []string {
	names := make([]string, 0, len(r.byIndex))
	for name := range r.byIndex {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
