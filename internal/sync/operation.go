// Package sync implements the database synchronization orchestration
// engine: the phase state machine, rollback handling, and post-import
// verification.
package sync

import (
	"fmt"
	"sync"
	"time"

	"github.com/basehaven/dbsync/internal/gateway"
)

// Status represents the lifecycle state of a sync operation
type Status string

const (
	// StatusPending means the operation was created but has not started
	StatusPending Status = "pending"

	// StatusRunning means the operation is executing
	StatusRunning Status = "running"

	// StatusCompleted means all phases finished successfully
	StatusCompleted Status = "completed"

	// StatusFailed means a phase failed fatally
	StatusFailed Status = "failed"

	// StatusCancelled means the operator cancelled the operation
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase represents one ordered stage of the executor's state machine
type Phase string

const (
	// PhaseValidation re-confirms connectivity before any work
	PhaseValidation Phase = "validation"

	// PhaseExport reads all source rows without touching the target
	PhaseExport Phase = "export"

	// PhasePreparation snapshots the target; the last purely-safe phase
	PhasePreparation Phase = "preparation"

	// PhaseImport truncates and rewrites the target; the only destructive phase
	PhaseImport Phase = "import"

	// PhaseFinalization rebuilds indexes invalidated by bulk import
	PhaseFinalization Phase = "finalization"

	// PhaseVerification compares source and target after import
	PhaseVerification Phase = "verification"
)

// phases lists the state machine in execution order
var phases = []Phase{
	PhaseValidation,
	PhaseExport,
	PhasePreparation,
	PhaseImport,
	PhaseFinalization,
	PhaseVerification,
}

// phaseWeights maps each phase to its [start, end) slice of the overall
// percentage. Export and import scale inside their range by row progress.
var phaseWeights = map[Phase][2]int{
	PhaseValidation:   {0, 5},
	PhaseExport:       {5, 35},
	PhasePreparation:  {35, 45},
	PhaseImport:       {45, 90},
	PhaseFinalization: {90, 95},
	PhaseVerification: {95, 100},
}

// Index returns the position of the phase in execution order, or -1
func (p Phase) Index() int {
	for i, candidate := range phases {
		if candidate == p {
			return i
		}
	}
	return -1
}

// AtOrAfter reports whether p is the same as or later than other
func (p Phase) AtOrAfter(other Phase) bool {
	return p.Index() >= other.Index()
}

// Snapshot is the externally visible, immutable view of an operation.
// The JSON field names are the wire contract the dashboard consumes.
type Snapshot struct {
	ID              string            `json:"id"`
	Direction       gateway.Direction `json:"direction"`
	Status          Status            `json:"status"`
	CurrentPhase    *Phase            `json:"current_phase"`
	PercentComplete int               `json:"percent_complete"`
	CurrentTable    *string           `json:"current_table"`
	SyncedRows      *int64            `json:"synced_rows"`
	TotalRows       *int64            `json:"total_rows"`
	StartedAt       *time.Time        `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	BackupLocation  string            `json:"backup_location,omitempty"`
	TriggeredBy     string            `json:"triggered_by"`
	Logs            []string          `json:"logs"`
}

// Operation is the unit of work. It is created by the safety gate's
// final confirmation and mutated exclusively by the executor goroutine
// that owns it; Snapshot is the only way other goroutines observe it.
type Operation struct {
	mu sync.Mutex

	id              string
	direction       gateway.Direction
	status          Status
	phase           Phase // empty before start and after terminal
	percentComplete int
	currentTable    string
	syncedRows      int64
	totalRows       int64 // -1 until known
	startedAt       time.Time
	completedAt     *time.Time
	errorMessage    string
	backupLocation  string
	triggeredBy     string
	logs            []string

	cancelRequested bool
	rollbackDone    bool
}

func newOperation(id string, direction gateway.Direction, triggeredBy string) *Operation {
	return &Operation{
		id:          id,
		direction:   direction,
		status:      StatusPending,
		totalRows:   -1,
		triggeredBy: triggeredBy,
	}
}

// ID returns the operation identifier
func (o *Operation) ID() string {
	return o.id
}

// Direction returns the sync direction
func (o *Operation) Direction() gateway.Direction {
	return o.direction
}

// Status returns the current lifecycle status
func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// CurrentPhase returns the phase in progress, or "" outside execution
func (o *Operation) CurrentPhase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// BackupLocation returns the snapshot path recorded during preparation
func (o *Operation) BackupLocation() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backupLocation
}

// RequestCancel flags the operation for cancellation. The executor
// observes the flag at its checkpoints; a request against a terminal
// operation reports false.
func (o *Operation) RequestCancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.Terminal() {
		return false
	}
	o.cancelRequested = true
	return true
}

// CancelRequested reports whether cancellation has been requested
func (o *Operation) CancelRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelRequested
}

// Snapshot returns an immutable copy of the operation's visible state
func (o *Operation) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		ID:              o.id,
		Direction:       o.direction,
		Status:          o.status,
		PercentComplete: o.percentComplete,
		ErrorMessage:    o.errorMessage,
		BackupLocation:  o.backupLocation,
		TriggeredBy:     o.triggeredBy,
		Logs:            append([]string(nil), o.logs...),
	}
	if o.phase != "" {
		phase := o.phase
		snap.CurrentPhase = &phase
	}
	if o.currentTable != "" {
		table := o.currentTable
		snap.CurrentTable = &table
	}
	if o.totalRows >= 0 {
		total := o.totalRows
		synced := o.syncedRows
		snap.TotalRows = &total
		snap.SyncedRows = &synced
	}
	if !o.startedAt.IsZero() {
		started := o.startedAt
		snap.StartedAt = &started
	}
	if o.completedAt != nil {
		completed := *o.completedAt
		snap.CompletedAt = &completed
	}
	return snap
}

// appendLog records one timestamped trace line. Logs are append-only for
// the lifetime of the operation.
func (o *Operation) appendLog(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appendLogLocked(format, args...)
}

func (o *Operation) appendLogLocked(format string, args ...any) {
	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	o.logs = append(o.logs, line)
}

// start transitions pending -> running
func (o *Operation) start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = StatusRunning
	o.startedAt = time.Now().UTC()
	o.appendLogLocked("operation started (direction=%s, triggered_by=%s)", o.direction, o.triggeredBy)
}

// enterPhase advances the state machine and bumps the percentage to the
// phase's floor. Percent never decreases while running.
func (o *Operation) enterPhase(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = p
	o.bumpPercentLocked(phaseWeights[p][0])
	o.appendLogLocked("entering %s phase", p)
}

// setTotals records the total row count once introspection knows it
func (o *Operation) setTotals(total int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.totalRows = total
}

// setRowProgress updates table/row progress and scales the percentage
// within the current phase's weight range.
func (o *Operation) setRowProgress(table string, synced int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentTable = table
	if synced > o.syncedRows {
		o.syncedRows = synced
	}
	if o.totalRows > 0 {
		weight := phaseWeights[o.phase]
		span := weight[1] - weight[0]
		frac := float64(o.syncedRows) / float64(o.totalRows)
		if frac > 1 {
			frac = 1
		}
		o.bumpPercentLocked(weight[0] + int(frac*float64(span)))
	}
}

// resetRowProgress rewinds the per-phase row counter (import counts rows
// written, independently of rows previously exported).
func (o *Operation) resetRowProgress() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncedRows = 0
	o.currentTable = ""
}

// bumpPercentLocked raises the percentage monotonically, saturating at
// 99: only complete() writes 100, so 100 always means completed.
func (o *Operation) bumpPercentLocked(pct int) {
	if pct > 99 {
		pct = 99
	}
	if pct > o.percentComplete {
		o.percentComplete = pct
	}
}

// markBackup records the snapshot location; must happen before the
// import phase is entered.
func (o *Operation) markBackup(location string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backupLocation = location
	o.appendLogLocked("target snapshot recorded at %s", location)
}

// complete is the only transition that reaches 100 percent
func (o *Operation) complete() {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now().UTC()
	o.status = StatusCompleted
	o.phase = ""
	o.percentComplete = 100
	o.completedAt = &now
	o.appendLogLocked("operation completed")
}

// fail finalizes the operation with an error message
func (o *Operation) fail(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.Terminal() {
		return
	}
	now := time.Now().UTC()
	o.status = StatusFailed
	o.phase = ""
	o.errorMessage = message
	o.completedAt = &now
	o.appendLogLocked("operation failed: %s", message)
}

// cancelled finalizes the operation as operator-cancelled
func (o *Operation) cancelled() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.Terminal() {
		return
	}
	now := time.Now().UTC()
	o.status = StatusCancelled
	o.phase = ""
	o.completedAt = &now
	o.appendLogLocked("operation cancelled by operator")
}

// markRollbackDone returns false if rollback already ran for this
// operation; the rollback manager uses it for idempotency.
func (o *Operation) markRollbackDone() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rollbackDone {
		return false
	}
	o.rollbackDone = true
	return true
}
