package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNoSnapshot is returned by LatestSnapshot when the directory holds no
// snapshot for the requested instance.
var ErrNoSnapshot = errors.New("no snapshot found")

// snapshotBatchSize bounds the rows per line in the snapshot stream
const snapshotBatchSize = 1000

// snapshotHeader is the first line of a snapshot file
type snapshotHeader struct {
	Instance  string      `json:"instance"`
	CreatedAt time.Time   `json:"created_at"`
	Tables    []TableInfo `json:"tables"`
}

// ProgressFunc is called with per-table progress while streaming rows
type ProgressFunc func(table string, rows int64)

// SnapshotWriter builds a snapshot file batch by batch. The file is
// written under a temporary name and only renamed into place by Finalize,
// so a partial write never looks like a valid snapshot.
type SnapshotWriter struct {
	f         *os.File
	w         *bufio.Writer
	enc       *json.Encoder
	tempPath  string
	finalPath string
	done      bool
}

// NewSnapshotWriter opens a timestamped snapshot file under dir for the
// given instance label and writes the header listing tables.
func NewSnapshotWriter(dir, label string, tables []TableInfo) (*SnapshotWriter, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := fmt.Sprintf("snapshot-%s-%s.jsonl", label, time.Now().UTC().Format("20060102T150405Z"))
	finalPath := filepath.Join(dir, name)
	tempPath := finalPath + ".tmp"

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot file: %w", err)
	}

	sw := &SnapshotWriter{
		f:         f,
		w:         bufio.NewWriter(f),
		tempPath:  tempPath,
		finalPath: finalPath,
	}
	sw.enc = json.NewEncoder(sw.w)

	if err := sw.enc.Encode(snapshotHeader{
		Instance:  label,
		CreatedAt: time.Now().UTC(),
		Tables:    tables,
	}); err != nil {
		sw.Abort()
		return nil, fmt.Errorf("failed to write snapshot header: %w", err)
	}
	return sw, nil
}

// Append records one batch in write order
func (sw *SnapshotWriter) Append(batch *RowBatch) error {
	if err := sw.enc.Encode(batch); err != nil {
		return fmt.Errorf("failed to write snapshot batch: %w", err)
	}
	return nil
}

// Finalize flushes the stream and atomically renames the file into place,
// returning its path
func (sw *SnapshotWriter) Finalize() (string, error) {
	sw.done = true
	if err := sw.w.Flush(); err != nil {
		_ = sw.f.Close()
		_ = os.Remove(sw.tempPath)
		return "", fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := sw.f.Close(); err != nil {
		_ = os.Remove(sw.tempPath)
		return "", fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(sw.tempPath, sw.finalPath); err != nil {
		_ = os.Remove(sw.tempPath)
		return "", fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return sw.finalPath, nil
}

// Abort discards the partial file. Safe to call after Finalize.
func (sw *SnapshotWriter) Abort() {
	if sw.done {
		return
	}
	sw.done = true
	_ = sw.f.Close()
	_ = os.Remove(sw.tempPath)
}

// WriteSnapshot streams every table of the instance into a timestamped
// JSON-lines file under dir and returns its path. Snapshots are read-only
// once written.
func WriteSnapshot(ctx context.Context, g Gateway, dir string, progress ProgressFunc) (string, error) {
	tables, err := g.ListTables(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list tables for snapshot: %w", err)
	}

	sw, err := NewSnapshotWriter(dir, g.Label(), tables)
	if err != nil {
		return "", err
	}
	defer sw.Abort()

	for _, table := range tables {
		var offset int64
		for {
			if err := ctx.Err(); err != nil {
				return "", fmt.Errorf("snapshot of %s interrupted: %w", table.Name, err)
			}
			batch, err := g.ReadBatch(ctx, table.Name, offset, snapshotBatchSize)
			if err != nil {
				return "", fmt.Errorf("failed to read %s for snapshot: %w", table.Name, err)
			}
			if len(batch.Rows) > 0 {
				if err := sw.Append(batch); err != nil {
					return "", err
				}
				offset += int64(len(batch.Rows))
				if progress != nil {
					progress(table.Name, offset)
				}
			}
			if batch.Last {
				break
			}
		}
	}

	return sw.Finalize()
}

// RestoreSnapshot replays a snapshot file into the instance: each table
// listed in the header is truncated and its batches written back in order.
func RestoreSnapshot(ctx context.Context, g Gateway, location string, progress ProgressFunc) error {
	f, err := os.Open(location)
	if err != nil {
		return fmt.Errorf("failed to open snapshot %s: %w", location, err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))

	var header snapshotHeader
	if err := dec.Decode(&header); err != nil {
		return fmt.Errorf("failed to read snapshot header: %w", err)
	}

	for _, table := range header.Tables {
		if err := g.TruncateTable(ctx, table.Name); err != nil {
			return fmt.Errorf("failed to truncate %s for restore: %w", table.Name, err)
		}
	}

	restored := make(map[string]int64, len(header.Tables))
	for {
		var batch RowBatch
		if err := dec.Decode(&batch); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("corrupt snapshot %s: %w", location, err)
		}
		n, err := g.WriteBatch(ctx, &batch)
		if err != nil {
			return fmt.Errorf("failed to restore batch into %s: %w", batch.Table, err)
		}
		restored[batch.Table] += n
		if progress != nil {
			progress(batch.Table, restored[batch.Table])
		}
	}
	return nil
}

// ReadSnapshotTables returns the table inventory recorded in a snapshot header
func ReadSnapshotTables(location string) ([]TableInfo, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot %s: %w", location, err)
	}
	defer f.Close()

	var header snapshotHeader
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	return header.Tables, nil
}

// EachSnapshotBatch streams the batches of a snapshot file in write order
func EachSnapshotBatch(location string, fn func(*RowBatch) error) error {
	f, err := os.Open(location)
	if err != nil {
		return fmt.Errorf("failed to open snapshot %s: %w", location, err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	var header snapshotHeader
	if err := dec.Decode(&header); err != nil {
		return fmt.Errorf("failed to read snapshot header: %w", err)
	}
	for {
		var batch RowBatch
		if err := dec.Decode(&batch); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("corrupt snapshot %s: %w", location, err)
		}
		if err := fn(&batch); err != nil {
			return err
		}
	}
}

// LatestSnapshot returns the newest snapshot for an instance label within
// dir along with its age. Returns ErrNoSnapshot when none exists.
func LatestSnapshot(dir, label string) (string, time.Duration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, ErrNoSnapshot
		}
		return "", 0, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	prefix := "snapshot-" + label + "-"
	var candidates []os.DirEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return "", 0, ErrNoSnapshot
	}

	// Timestamped names sort chronologically
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Name() > candidates[j].Name()
	})
	newest := candidates[0]
	info, err := newest.Info()
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	return filepath.Join(dir, newest.Name()), time.Since(info.ModTime()), nil
}
