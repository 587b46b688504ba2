// searchsyncctl manages the search indices behind the catalog: create,
// delete, populate, and rebuild, optionally scoped to a subset of models.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"searchsync/internal/catalog"
	"searchsync/internal/config"
	"searchsync/internal/document"
	"searchsync/internal/index"
	"searchsync/internal/populate"
	"searchsync/internal/registry"
	"searchsync/internal/search"
	"searchsync/internal/store/postgres"
)

type app struct {
	log      *slog.Logger
	reg      *registry.Registry
	manager  *index.Manager
	pop      *populate.Populator
	pool     *pgxpool.Pool
	conns    search.Connections
	pageSize int

	models []string
	force  bool
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	a := &app{log: logger}

	root := &cobra.Command{
		Use:           "searchsyncctl",
		Short:         "Manage search indices for the catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.teardown()
		},
	}
	root.PersistentFlags().StringSliceVar(&a.models, "models", nil, "restrict to these model kinds (default: all)")
	root.PersistentFlags().BoolVarP(&a.force, "force", "f", false, "skip confirmation prompts")
	root.PersistentFlags().IntVar(&a.pageSize, "page-size", 0, "populate page size (default: per-document setting)")

	root.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create indices and their mappings",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.forEachIndex(cmd.Context(), func(ctx context.Context, name string) error {
					return a.manager.Create(ctx, name, false)
				})
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Delete indices",
			RunE: func(cmd *cobra.Command, args []string) error {
				if !a.confirm("This deletes the selected indices and all their documents. Continue?") {
					return nil
				}
				return a.forEachIndex(cmd.Context(), a.manager.Delete)
			},
		},
		&cobra.Command{
			Use:   "populate",
			Short: "Stream all records into existing indices",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.forEachDescriptor(cmd.Context(), func(ctx context.Context, d *document.Descriptor) error {
					report, err := a.pop.Populate(ctx, d, a.pageSize)
					if err != nil {
						return err
					}
					a.report(d, report)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rebuild",
			Short: "Delete, recreate, and repopulate indices",
			RunE: func(cmd *cobra.Command, args []string) error {
				if !a.confirm("This rebuilds the selected indices from scratch. Continue?") {
					return nil
				}
				return a.forEachIndex(cmd.Context(), func(ctx context.Context, name string) error {
					return a.manager.Rebuild(ctx, name, a.pageSize)
				})
			},
		},
	)

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func (a *app) setup(ctx context.Context) error {
	cfg := config.Load()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to db: %w", err)
	}
	a.pool = pool

	a.conns = search.Connections{}
	for name, c := range cfg.Connections {
		a.conns[name] = search.NewTypesense(c.URL, c.APIKey)
	}

	a.reg = registry.New()
	source := postgres.FromPool(pool, catalog.Tables)
	if err := catalog.Register(a.reg, source); err != nil {
		pool.Close()
		return fmt.Errorf("failed to register documents: %w", err)
	}

	a.pop = populate.New(a.conns, cfg.PageSize, a.log)
	a.manager = index.NewManager(a.reg, a.conns, a.pop, document.IndexSettings{
		Shards:   cfg.Shards,
		Replicas: cfg.Replicas,
	}, a.log)
	return nil
}

func (a *app) teardown() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// selected reports whether a descriptor falls inside the --models scope.
func (a *app) selected(d *document.Descriptor) bool {
	if len(a.models) == 0 {
		return true
	}
	for _, m := range a.models {
		if strings.EqualFold(m, d.Model) {
			return true
		}
	}
	return false
}

// forEachIndex visits every index with at least one selected descriptor.
// A failure on one index is reported and does not stop the others.
func (a *app) forEachIndex(ctx context.Context, fn func(ctx context.Context, name string) error) error {
	var failures int
	for _, settings := range a.reg.Indices() {
		if !a.indexSelected(settings.Name) {
			continue
		}
		if err := fn(ctx, settings.Name); err != nil {
			failures++
			a.log.Error("index operation failed", "index", settings.Name, "error", err)
			continue
		}
		fmt.Fprintf(os.Stdout, "%s: ok\n", settings.Name)
	}
	if failures > 0 {
		return fmt.Errorf("%d index operation(s) failed", failures)
	}
	return nil
}

func (a *app) indexSelected(name string) bool {
	for _, d := range a.reg.ForIndex(name) {
		if a.selected(d) {
			return true
		}
	}
	return false
}

func (a *app) forEachDescriptor(ctx context.Context, fn func(ctx context.Context, d *document.Descriptor) error) error {
	var failures int
	for _, settings := range a.reg.Indices() {
		for _, d := range a.reg.ForIndex(settings.Name) {
			if !a.selected(d) {
				continue
			}
			if err := fn(ctx, d); err != nil {
				failures++
				a.log.Error("populate failed", "model", d.Model, "index", d.Index, "error", err)
			}
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d populate run(s) failed", failures)
	}
	return nil
}

func (a *app) report(d *document.Descriptor, r *populate.Report) {
	fmt.Fprintf(os.Stdout, "%s -> %s: %d indexed", d.Model, d.Index, r.Indexed)
	if len(r.Failed) > 0 {
		fmt.Fprintf(os.Stdout, ", %d failed", len(r.Failed))
		for id, err := range r.Failed {
			a.log.Warn("record failed", "model", d.Model, "id", id, "error", err)
		}
	}
	fmt.Fprintln(os.Stdout)
}

func (a *app) confirm(prompt string) bool {
	if a.force {
		return true
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer != "y" && answer != "yes" {
		fmt.Fprintln(os.Stderr, "aborted")
		return false
	}
	return true
}
