// Package index manages index metadata in the search backend: creating
// mappings derived from registered documents, deleting, and rebuilding.
// Document data is only touched through the populate step of a rebuild.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"searchsync/internal/document"
	"searchsync/internal/populate"
	"searchsync/internal/registry"
	"searchsync/internal/search"
)

type Manager struct {
	reg      *registry.Registry
	conns    search.Connections
	pop      *populate.Populator
	defaults document.IndexSettings
	log      *slog.Logger
}

func NewManager(reg *registry.Registry, conns search.Connections, pop *populate.Populator, defaults document.IndexSettings, log *slog.Logger) *Manager {
	return &Manager{reg: reg, conns: conns, pop: pop, defaults: defaults, log: log}
}

// Create derives the index mapping from every descriptor bound to the index,
// merges global settings defaults with the index's declared overrides, and
// issues the create call. An existing index is an error unless ifAbsent.
func (m *Manager) Create(ctx context.Context, name string, ifAbsent bool) error {
	descriptors := m.reg.ForIndex(name)
	if len(descriptors) == 0 {
		return fmt.Errorf("create %q: no documents registered for index", name)
	}

	declared, _ := m.reg.Settings(name)
	settings := m.defaults.Merge(declared)
	settings.Name = name

	backend, err := m.backendFor(descriptors)
	if err != nil {
		return err
	}

	if err := backend.CreateIndex(ctx, settings, m.reg.Fields(name), ifAbsent); err != nil {
		return fmt.Errorf("create %q: %w", name, err)
	}
	m.log.Info("index created", "index", name, "documents", len(descriptors))
	return nil
}

// Delete removes the index. A missing index is a no-op success, which keeps
// rebuild idempotent.
func (m *Manager) Delete(ctx context.Context, name string) error {
	descriptors := m.reg.ForIndex(name)
	if len(descriptors) == 0 {
		return fmt.Errorf("delete %q: no documents registered for index", name)
	}
	backend, err := m.backendFor(descriptors)
	if err != nil {
		return err
	}
	if err := backend.DeleteIndex(ctx, name); err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	m.log.Info("index deleted", "index", name)
	return nil
}

// Rebuild deletes and recreates the index, then repopulates it from every
// descriptor bound to it. Live writes targeting the index during the window
// between delete and create receive search.ErrIndexNotReady from the
// backend and are expected to retry.
func (m *Manager) Rebuild(ctx context.Context, name string, pageSize int) error {
	if err := m.Delete(ctx, name); err != nil {
		return err
	}
	if err := m.Create(ctx, name, false); err != nil {
		return err
	}

	var errs []error
	for _, d := range m.reg.ForIndex(name) {
		report, err := m.pop.Populate(ctx, d, pageSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("rebuild %q: populate %s: %w", name, d.Model, err))
			continue
		}
		if len(report.Failed) > 0 {
			errs = append(errs, fmt.Errorf("rebuild %q: %s: %d records failed", name, d.Model, len(report.Failed)))
		}
	}
	return errors.Join(errs...)
}

// backendFor picks the connection the index's descriptors target. All
// descriptors of one index must share a connection.
func (m *Manager) backendFor(descriptors []*document.Descriptor) (search.Backend, error) {
	name := descriptors[0].ConnectionName()
	for _, d := range descriptors[1:] {
		if d.ConnectionName() != name {
			return nil, fmt.Errorf("index %q: documents disagree on connection (%q vs %q)", d.Index, name, d.ConnectionName())
		}
	}
	return m.conns.Get(name)
}
