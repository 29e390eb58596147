// Package tables is the worker's virtual-table surface: the
// illustrative stand-in for the SQL table plugins a real osquery
// worker would register over its extension/thrift interface
// (original_source/osquery/sql/virtual_table.h's TablePlugin
// concept). Each Table reports a name, a column list, and a
// Generate function producing one row per process snapshot; nothing
// here depends on watchsupervisor or the registry, so registering a
// table can never influence a sanity decision.
package tables

import (
	"context"
	"fmt"
	"sync"
)

// Row is one result row, column name to stringified value — the same
// loosely-typed shape osquery's table plugins return before SQLite
// imposes column affinity.
type Row map[string]string

// Table is a minimal virtual-table plugin: enough to list columns and
// produce rows, not a full query-constraint pushdown interface.
type Table struct {
	Name     string
	Columns  []string
	Generate func(ctx context.Context) ([]Row, error)
}

var (
	mu       sync.Mutex
	registry = map[string]*Table{}
)

// Register adds t to the process-wide table registry. Re-registering
// a name replaces the previous entry, matching osquery's own
// last-registration-wins plugin behavior.
func Register(t *Table) {
	mu.Lock()
	defer mu.Unlock()
	registry[t.Name] = t
}

// Lookup returns the table registered under name, if any.
func Lookup(name string) (*Table, bool) {
	mu.Lock()
	defer mu.Unlock()
	t, ok := registry[name]
	return t, ok
}

// Names returns the currently registered table names.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Generate runs the named table's Generate function, or an error if
// no table is registered under that name.
func Generate(ctx context.Context, name string) ([]Row, error) {
	t, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("tables: no table registered for %q", name)
	}
	return t.Generate(ctx)
}
