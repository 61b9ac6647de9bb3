package migrate

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/charmbracelet/log"
)

// Migrator prepares the schema (collections, indexes) of one backend.
// Migrators decide for themselves whether the configured backend is theirs.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin orders a migrator relative to the others.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

func ordered() []Plugin {
	out := slices.Clone(plugins)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Names returns registered migrator names in execution order.
func Names() []string {
	var names []string
	for _, p := range ordered() {
		names = append(names, p.Migrator.Name())
	}
	return names
}

// RunAll executes every registered migrator in order and stops at the first failure.
func RunAll(ctx context.Context) error {
	for _, p := range ordered() {
		log.Debug("Running migration", "name", p.Migrator.Name())
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
	}
	return nil
}
