// Package history persists terminal sync operations to a local SQLite
// database and serves filtered queries over them.
package history

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/basehaven/dbsync/internal/gateway"
	dbsync "github.com/basehaven/dbsync/internal/sync"
)

// schema is applied on every open; the statements are idempotent
const schema = `
CREATE TABLE IF NOT EXISTS sync_history (
	id               TEXT PRIMARY KEY,
	direction        TEXT NOT NULL,
	status           TEXT NOT NULL,
	percent_complete INTEGER NOT NULL,
	synced_rows      INTEGER,
	total_rows       INTEGER,
	started_at       TIMESTAMP,
	completed_at     TIMESTAMP,
	duration_seconds INTEGER,
	source_label     TEXT NOT NULL DEFAULT '',
	target_label     TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	backup_location  TEXT NOT NULL DEFAULT '',
	triggered_by     TEXT NOT NULL DEFAULT '',
	verification     TEXT NOT NULL DEFAULT '',
	logs             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_history_started_at ON sync_history(started_at);
CREATE INDEX IF NOT EXISTS idx_sync_history_status ON sync_history(status);
`

// Entry is one recorded sync operation
type Entry struct {
	ID             string                    `json:"id"`
	Direction      gateway.Direction         `json:"direction"`
	Status         dbsync.Status             `json:"status"`
	Percent        int                       `json:"percent_complete"`
	SyncedRows     *int64                    `json:"synced_rows"`
	TotalRows      *int64                    `json:"total_rows"`
	StartedAt      *time.Time                `json:"started_at"`
	CompletedAt    *time.Time                `json:"completed_at"`
	DurationSecs   *int64                    `json:"duration_seconds"`
	SourceLabel    string                    `json:"source_label"`
	TargetLabel    string                    `json:"target_label"`
	ErrorMessage   string                    `json:"error_message,omitempty"`
	BackupLocation string                    `json:"backup_location,omitempty"`
	TriggeredBy    string                    `json:"triggered_by"`
	Verification   dbsync.VerificationResult `json:"verification,omitempty"`
	Logs           []string                  `json:"logs,omitempty"`
}

// Filter narrows and pages a history query
type Filter struct {
	// Status restricts to one lifecycle status when non-empty
	Status string

	// Direction restricts to one direction when non-empty
	Direction string

	// Search is a case-insensitive substring match over the id,
	// the operator name and the error message
	Search string

	// Since restricts to operations started at or after this time
	Since time.Time

	// SortBy is a whitelisted column name; unknown values fall back to
	// started_at
	SortBy string

	// Ascending flips the default newest-first order
	Ascending bool

	Limit  int
	Offset int
}

// sortColumns whitelists user-supplied sort keys. Anything else sorts by
// start time.
var sortColumns = map[string]string{
	"started_at":   "started_at",
	"completed_at": "completed_at",
	"status":       "status",
	"direction":    "direction",
	"total_rows":   "total_rows",
	"duration":     "duration_seconds",
}

// Store is the SQLite-backed history store. It implements the
// executor's Recorder interface.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the history database at path
func Open(path string, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// SQLite supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	return &Store{db: db, logger: log.Named("history")}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists one terminal operation. Recording the same operation
// twice overwrites the earlier row.
func (s *Store) Record(ctx context.Context, snap dbsync.Snapshot, verification dbsync.VerificationResult) error {
	verificationJSON := ""
	if len(verification) > 0 {
		data, err := json.Marshal(verification)
		if err != nil {
			return fmt.Errorf("failed to encode verification result: %w", err)
		}
		verificationJSON = string(data)
	}

	logsJSON, err := json.Marshal(snap.Logs)
	if err != nil {
		return fmt.Errorf("failed to encode operation logs: %w", err)
	}

	var duration *int64
	if snap.StartedAt != nil && snap.CompletedAt != nil {
		secs := int64(snap.CompletedAt.Sub(*snap.StartedAt) / time.Second)
		duration = &secs
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_history (
			id, direction, status, percent_complete, synced_rows, total_rows,
			started_at, completed_at, duration_seconds, source_label,
			target_label, error_message, backup_location, triggered_by,
			verification, logs
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			percent_complete = excluded.percent_complete,
			synced_rows = excluded.synced_rows,
			total_rows = excluded.total_rows,
			completed_at = excluded.completed_at,
			duration_seconds = excluded.duration_seconds,
			error_message = excluded.error_message,
			verification = excluded.verification,
			logs = excluded.logs`,
		snap.ID, string(snap.Direction), string(snap.Status), snap.PercentComplete,
		snap.SyncedRows, snap.TotalRows, snap.StartedAt, snap.CompletedAt,
		duration, snap.Direction.SourceLabel(), snap.Direction.TargetLabel(),
		snap.ErrorMessage, snap.BackupLocation, snap.TriggeredBy,
		verificationJSON, string(logsJSON))
	if err != nil {
		return fmt.Errorf("failed to record sync operation: %w", err)
	}

	s.logger.Info("Operation recorded",
		zap.String("operation_id", snap.ID),
		zap.String("status", string(snap.Status)))
	return nil
}

// Get returns one recorded operation by id
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+" FROM sync_history WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read history row: %w", err)
		}
		return nil, sql.ErrNoRows
	}
	return scanEntry(rows)
}

const selectColumns = `SELECT id, direction, status, percent_complete,
	synced_rows, total_rows, started_at, completed_at, duration_seconds,
	source_label, target_label, error_message, backup_location,
	triggered_by, verification, logs`

// List returns recorded operations matching the filter, plus the total
// number of matches before paging.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Entry, int, error) {
	where, args := buildWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_history"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count history: %w", err)
	}

	column, ok := sortColumns[filter.SortBy]
	if !ok {
		column = "started_at"
	}
	order := " ORDER BY " + column + " DESC"
	if filter.Ascending {
		order = " ORDER BY " + column + " ASC"
	}

	query := selectColumns + " FROM sync_history" + where + order
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET " + strconv.Itoa(filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read history rows: %w", err)
	}
	return entries, total, nil
}

// ExportCSV streams the filtered history as CSV. The column set is fixed
// and logs are omitted; CSV export exists for spreadsheets, not audits.
func (s *Store) ExportCSV(ctx context.Context, filter Filter, w io.Writer) error {
	filter.Limit = 0
	filter.Offset = 0
	entries, _, err := s.List(ctx, filter)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{
		"id", "direction", "status", "percent_complete", "synced_rows",
		"total_rows", "started_at", "completed_at", "duration_seconds",
		"source_label", "target_label", "error_message", "backup_location",
		"triggered_by",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		record := []string{
			e.ID,
			string(e.Direction),
			string(e.Status),
			strconv.Itoa(e.Percent),
			formatInt64Ptr(e.SyncedRows),
			formatInt64Ptr(e.TotalRows),
			formatTimePtr(e.StartedAt),
			formatTimePtr(e.CompletedAt),
			formatInt64Ptr(e.DurationSecs),
			e.SourceLabel,
			e.TargetLabel,
			e.ErrorMessage,
			e.BackupLocation,
			e.TriggeredBy,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func buildWhere(filter Filter) (string, []any) {
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Search != "" {
		clauses = append(clauses,
			"(id LIKE ? OR triggered_by LIKE ? OR error_message LIKE ?)")
		needle := "%" + filter.Search + "%"
		args = append(args, needle, needle, needle)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, filter.Since)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var (
		entry            Entry
		direction        string
		status           string
		verificationJSON string
		logsJSON         string
	)
	if err := rows.Scan(&entry.ID, &direction, &status, &entry.Percent,
		&entry.SyncedRows, &entry.TotalRows, &entry.StartedAt, &entry.CompletedAt,
		&entry.DurationSecs, &entry.SourceLabel, &entry.TargetLabel,
		&entry.ErrorMessage, &entry.BackupLocation, &entry.TriggeredBy,
		&verificationJSON, &logsJSON); err != nil {
		return nil, fmt.Errorf("failed to scan history row: %w", err)
	}
	entry.Direction = gateway.Direction(direction)
	entry.Status = dbsync.Status(status)
	if verificationJSON != "" {
		if err := json.Unmarshal([]byte(verificationJSON), &entry.Verification); err != nil {
			return nil, fmt.Errorf("corrupt verification result for %s: %w", entry.ID, err)
		}
	}
	if logsJSON != "" {
		if err := json.Unmarshal([]byte(logsJSON), &entry.Logs); err != nil {
			return nil, fmt.Errorf("corrupt logs for %s: %w", entry.ID, err)
		}
	}
	return &entry, nil
}

func formatInt64Ptr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
