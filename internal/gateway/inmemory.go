package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemory is a Gateway backed by in-process tables. It serves the demo
// wiring path and the executor's end-to-end tests, with hooks to inject
// latency and failures.
type InMemory struct {
	label string

	mu             sync.Mutex
	tables         map[string]*memTable
	indexes        map[string][]string
	droppedIndexes map[string][]string
	schemaVersion  string
	diskFree       uint64
	latency        time.Duration

	pingErr        error
	readErr        map[string]error
	writeFailAfter int64 // fail WriteBatch once this many calls succeeded; <0 disables
	writeCalls     int64
	writeHook      func(table string, written int64)
}

type memTable struct {
	columns []string
	rows    [][]any
}

// NewInMemory creates an empty in-memory gateway for the given role label
func NewInMemory(label string) *InMemory {
	return &InMemory{
		label:          label,
		tables:         make(map[string]*memTable),
		indexes:        make(map[string][]string),
		droppedIndexes: make(map[string][]string),
		schemaVersion:  "1",
		diskFree:       1 << 40,
		writeFailAfter: -1,
		readErr:        make(map[string]error),
	}
}

// SeedTable installs a table with the given columns and rows, replacing
// any previous contents.
func (g *InMemory) SeedTable(name string, columns []string, rows [][]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := make([][]any, len(rows))
	for i, r := range rows {
		copied[i] = append([]any(nil), r...)
	}
	g.tables[name] = &memTable{columns: append([]string(nil), columns...), rows: copied}
}

// SeedRows generates n single-column rows for a table; convenient for
// row-count oriented tests.
func (g *InMemory) SeedRows(name string, n int) {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i + 1)}
	}
	g.SeedTable(name, []string{"id"}, rows)
}

// SeedIndexes installs secondary index names for a table
func (g *InMemory) SeedIndexes(table string, names ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.indexes[table] = append([]string(nil), names...)
}

// RowCountOf returns the current row count of a table
func (g *InMemory) RowCountOf(name string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tables[name]
	if !ok {
		return 0
	}
	return int64(len(t.rows))
}

// TotalRows returns the row count across all tables
func (g *InMemory) TotalRows() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int64
	for _, t := range g.tables {
		n += int64(len(t.rows))
	}
	return n
}

// SetSchemaVersion overrides the reported schema version
func (g *InMemory) SetSchemaVersion(v string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.schemaVersion = v
}

// SetDiskFree overrides the reported free disk space
func (g *InMemory) SetDiskFree(n uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.diskFree = n
}

// SetLatency adds artificial latency to Ping
func (g *InMemory) SetLatency(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latency = d
}

// SetPingError makes Ping fail
func (g *InMemory) SetPingError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pingErr = err
}

// SetReadError makes ReadBatch fail for one table
func (g *InMemory) SetReadError(table string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readErr[table] = err
}

// FailWritesAfter makes WriteBatch fail once n calls have succeeded
func (g *InMemory) FailWritesAfter(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeFailAfter = n
	g.writeCalls = 0
}

// SetWriteHook registers a callback invoked after every successful batch
// write with the table name and its cumulative written rows.
func (g *InMemory) SetWriteHook(fn func(table string, written int64)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeHook = fn
}

// Label implements Gateway
func (g *InMemory) Label() string {
	return g.label
}

// Ping implements Gateway
func (g *InMemory) Ping(_ context.Context) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pingErr != nil {
		return 0, g.pingErr
	}
	if g.latency > 0 {
		return g.latency, nil
	}
	return time.Millisecond, nil
}

// SchemaVersion implements Gateway
func (g *InMemory) SchemaVersion(_ context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.schemaVersion, nil
}

// ListTables implements Gateway
func (g *InMemory) ListTables(_ context.Context) ([]TableInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.tables))
	for name := range g.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	tables := make([]TableInfo, 0, len(names))
	for _, name := range names {
		t := g.tables[name]
		tables = append(tables, TableInfo{
			Name:     name,
			RowCount: int64(len(t.rows)),
			// Rough size so disk estimates have something to work with
			SizeBytes: int64(len(t.rows)) * 64,
		})
	}
	return tables, nil
}

// ReadBatch implements Gateway
func (g *InMemory) ReadBatch(_ context.Context, table string, offset, limit int64) (*RowBatch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.readErr[table]; err != nil {
		return nil, err
	}
	t, ok := g.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist on %s instance", table, g.label)
	}

	total := int64(len(t.rows))
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	batch := &RowBatch{
		Table:   table,
		Columns: append([]string(nil), t.columns...),
		Offset:  offset,
		Last:    end == total,
	}
	for _, r := range t.rows[offset:end] {
		batch.Rows = append(batch.Rows, append([]any(nil), r...))
	}
	return batch, nil
}

// TruncateTable implements Gateway
func (g *InMemory) TruncateTable(_ context.Context, table string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tables[table]
	if !ok {
		// Target may legitimately lack a source-only table; create it so
		// the subsequent writes land somewhere.
		g.tables[table] = &memTable{}
		return nil
	}
	t.rows = nil
	return nil
}

// WriteBatch implements Gateway
func (g *InMemory) WriteBatch(_ context.Context, batch *RowBatch) (int64, error) {
	g.mu.Lock()
	if g.writeFailAfter >= 0 && g.writeCalls >= g.writeFailAfter {
		g.mu.Unlock()
		return 0, fmt.Errorf("injected write failure on %s", batch.Table)
	}
	t, ok := g.tables[batch.Table]
	if !ok {
		t = &memTable{}
		g.tables[batch.Table] = t
	}
	if len(t.columns) == 0 {
		t.columns = append([]string(nil), batch.Columns...)
	}
	for _, r := range batch.Rows {
		t.rows = append(t.rows, append([]any(nil), r...))
	}
	g.writeCalls++
	written := int64(len(t.rows))
	hook := g.writeHook
	g.mu.Unlock()

	if hook != nil {
		hook(batch.Table, written)
	}
	return int64(len(batch.Rows)), nil
}

// ListIndexes implements Gateway
func (g *InMemory) ListIndexes(_ context.Context, table string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.indexes[table]...), nil
}

// DropSecondaryIndexes implements Gateway
func (g *InMemory) DropSecondaryIndexes(_ context.Context, table string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if names := g.indexes[table]; len(names) > 0 {
		g.droppedIndexes[table] = names
		delete(g.indexes, table)
	}
	return nil
}

// RebuildIndexes implements Gateway
func (g *InMemory) RebuildIndexes(_ context.Context, table string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if names := g.droppedIndexes[table]; len(names) > 0 {
		g.indexes[table] = names
		delete(g.droppedIndexes, table)
	}
	return nil
}

// CheckConstraints implements Gateway
func (g *InMemory) CheckConstraints(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

// DiskFree implements Gateway
func (g *InMemory) DiskFree(_ context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.diskFree, nil
}

// Close implements Gateway
func (g *InMemory) Close() error {
	return nil
}

var _ Gateway = (*InMemory)(nil)
