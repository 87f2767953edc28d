// Package gateway provides the database gateway capability the sync
// orchestrator drives: connection probing, schema introspection, batched
// row transfer, destructive table operations, and snapshot handling for
// the local and remote instances.
package gateway

import (
	"context"
	"fmt"
	"time"
)

// Direction identifies which instance is source and which is target for
// a sync operation.
type Direction string

const (
	// DirectionLocalToRemote copies the local instance over the remote one
	DirectionLocalToRemote Direction = "local_to_remote"

	// DirectionRemoteToLocal copies the remote instance over the local one
	DirectionRemoteToLocal Direction = "remote_to_local"
)

// ParseDirection validates and converts a direction string
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", fmt.Errorf("invalid direction %q (want %q or %q)",
			s, DirectionLocalToRemote, DirectionRemoteToLocal)
	}
	return d, nil
}

// Valid reports whether the direction is one of the two known values
func (d Direction) Valid() bool {
	return d == DirectionLocalToRemote || d == DirectionRemoteToLocal
}

// SourceLabel returns the role label of the source instance
func (d Direction) SourceLabel() string {
	if d == DirectionLocalToRemote {
		return "local"
	}
	return "remote"
}

// TargetLabel returns the role label of the target instance
func (d Direction) TargetLabel() string {
	if d == DirectionLocalToRemote {
		return "remote"
	}
	return "local"
}

// TableInfo describes one user table on an instance
type TableInfo struct {
	// Name is the table name
	Name string `json:"name"`

	// RowCount is the exact row count at introspection time
	RowCount int64 `json:"row_count"`

	// SizeBytes is the approximate on-disk size of the table
	SizeBytes int64 `json:"size_bytes"`
}

// RowBatch is one bounded slice of rows read from or written to a table
type RowBatch struct {
	// Table is the table the rows belong to
	Table string `json:"table"`

	// Columns are the column names, in row value order
	Columns []string `json:"columns"`

	// Rows holds the row values
	Rows [][]any `json:"rows"`

	// Offset is the position of the first row within the table's stable
	// read order
	Offset int64 `json:"offset"`

	// Last marks the final batch of the table
	Last bool `json:"last"`
}

// Gateway is the capability the orchestrator consumes for one database
// instance. Implementations must be safe for concurrent use.
//
//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks -source=gateway.go Gateway
type Gateway interface {
	// Label returns the role label of this instance ("local" or "remote")
	Label() string

	// Ping verifies connectivity and reports round-trip latency
	Ping(ctx context.Context) (time.Duration, error)

	// SchemaVersion reports the applied schema migration version
	SchemaVersion(ctx context.Context) (string, error)

	// ListTables returns all user tables with row counts and sizes, in a
	// deterministic order
	ListTables(ctx context.Context) ([]TableInfo, error)

	// ReadBatch reads up to limit rows of a table starting at offset,
	// following a stable order so repeated scans cover every row exactly once
	ReadBatch(ctx context.Context, table string, offset, limit int64) (*RowBatch, error)

	// TruncateTable removes all rows from a table
	TruncateTable(ctx context.Context, table string) error

	// WriteBatch inserts a batch and returns the number of rows written.
	// A batch write is atomic: it either fully applies or fully fails.
	WriteBatch(ctx context.Context, batch *RowBatch) (int64, error)

	// ListIndexes returns the names of secondary indexes on a table
	ListIndexes(ctx context.Context, table string) ([]string, error)

	// DropSecondaryIndexes drops non-primary indexes ahead of bulk import,
	// remembering their definitions for RebuildIndexes
	DropSecondaryIndexes(ctx context.Context, table string) error

	// RebuildIndexes recreates indexes previously dropped for a table
	RebuildIndexes(ctx context.Context, table string) error

	// CheckConstraints validates table constraints and returns the number
	// of violating rows
	CheckConstraints(ctx context.Context, table string) (int64, error)

	// DiskFree reports free bytes on the volume receiving data and snapshots
	DiskFree(ctx context.Context) (uint64, error)

	// Close releases the underlying connections
	Close() error
}

// Pair groups the two instances; a direction resolves which plays
// source and which plays target.
type Pair struct {
	Local  Gateway
	Remote Gateway
}

// Resolve returns the (source, target) gateways for a direction
func (p *Pair) Resolve(d Direction) (Gateway, Gateway, error) {
	if !d.Valid() {
		return nil, nil, fmt.Errorf("invalid direction %q", d)
	}
	if d == DirectionLocalToRemote {
		return p.Local, p.Remote, nil
	}
	return p.Remote, p.Local, nil
}

// Close closes both gateways, returning the first error encountered
func (p *Pair) Close() error {
	var firstErr error
	for _, g := range []Gateway{p.Local, p.Remote} {
		if g == nil {
			continue
		}
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
