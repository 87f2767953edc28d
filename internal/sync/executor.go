package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/basehaven/dbsync/internal/config"
	"github.com/basehaven/dbsync/internal/gateway"
)

// maxRetainedOperations bounds the in-memory operation index. Older
// terminal operations live only in the history store.
const maxRetainedOperations = 50

// Publisher receives a snapshot whenever the operation's visible state
// changes. Implementations must not block; the executor publishes from
// its single worker goroutine.
type Publisher interface {
	Publish(snap Snapshot)
}

// Recorder persists terminal operations to the sync history
type Recorder interface {
	Record(ctx context.Context, snap Snapshot, verification VerificationResult) error
}

// Metrics receives executor telemetry
type Metrics interface {
	SyncStarted(direction gateway.Direction)
	SyncFinished(status Status, duration time.Duration)
	PhaseError(phase Phase, reason string)
	RowsSynced(n int64)
}

// ExecutorOption configures optional executor collaborators
type ExecutorOption func(*Executor)

// WithPublisher wires a progress publisher into the executor
func WithPublisher(p Publisher) ExecutorOption {
	return func(e *Executor) {
		e.publisher = p
	}
}

// WithHistory wires a history recorder into the executor
func WithHistory(r Recorder) ExecutorOption {
	return func(e *Executor) {
		e.recorder = r
	}
}

// WithMetrics wires executor telemetry
func WithMetrics(m Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// Executor owns the exclusive sync slot and drives operations through
// the phase state machine. At most one operation runs at a time; the
// running operation is mutated only by the executor's worker goroutine.
type Executor struct {
	pair     *gateway.Pair
	cfg      *config.Config
	timeouts config.PhaseTimeouts
	logger   *zap.Logger

	rollback *RollbackManager
	verifier *verifier

	publisher Publisher
	recorder  Recorder
	metrics   Metrics

	mu            sync.Mutex
	active        *Operation
	operations    map[string]*Operation
	order         []string
	verifications map[string]VerificationResult

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewExecutor creates the executor for a gateway pair
func NewExecutor(pair *gateway.Pair, cfg *config.Config, log *zap.Logger, opts ...ExecutorOption) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		pair:          pair,
		cfg:           cfg,
		timeouts:      cfg.GetPhaseTimeouts(),
		logger:        log.Named("executor"),
		rollback:      NewRollbackManager(log),
		verifier:      newVerifier(log),
		operations:    make(map[string]*Operation),
		verifications: make(map[string]VerificationResult),
		baseCtx:       ctx,
		stop:          cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start claims the exclusive slot and launches an operation. It returns
// ErrOperationInProgress while another operation is not yet terminal.
func (e *Executor) Start(direction gateway.Direction, triggeredBy string) (*Operation, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("invalid direction %q", direction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return nil, ErrOperationInProgress
	}
	if err := e.baseCtx.Err(); err != nil {
		return nil, fmt.Errorf("executor is shutting down: %w", err)
	}

	op := newOperation(uuid.NewString(), direction, triggeredBy)
	e.active = op
	e.indexLocked(op)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(op)
	}()

	return op, nil
}

// Cancel requests cancellation of an operation. The request is honored
// at the executor's next checkpoint; terminal operations report an error.
func (e *Executor) Cancel(id string) error {
	op, err := e.GetOperation(id)
	if err != nil {
		return err
	}
	if !op.RequestCancel() {
		return fmt.Errorf("operation %s is already %s", id, op.Status())
	}
	op.appendLog("cancellation requested; will stop at the next checkpoint")
	e.publish(op)
	e.logger.Info("Cancellation requested",
		zap.String("operation_id", id),
		zap.String("phase", string(op.CurrentPhase())))
	return nil
}

// Running returns the operation currently holding the slot, or nil
func (e *Executor) Running() *Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// GetOperation looks up a retained operation by id
func (e *Executor) GetOperation(id string) (*Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.operations[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op, nil
}

// Verification returns the verification outcome of a completed operation
func (e *Executor) Verification(id string) (VerificationResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	result, ok := e.verifications[id]
	return result, ok
}

// Stop refuses new operations and waits for the running one to reach a
// terminal state, bounded by ctx.
func (e *Executor) Stop(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for active sync operation to finish: %w", ctx.Err())
	}
}

func (e *Executor) indexLocked(op *Operation) {
	e.operations[op.ID()] = op
	e.order = append(e.order, op.ID())
	for len(e.order) > maxRetainedOperations {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.operations, oldest)
		delete(e.verifications, oldest)
	}
}

func (e *Executor) publish(op *Operation) {
	if e.publisher != nil {
		e.publisher.Publish(op.Snapshot())
	}
}

// run drives one operation through every phase. It is the only goroutine
// mutating the operation.
func (e *Executor) run(op *Operation) {
	defer e.release(op)

	source, target, err := e.pair.Resolve(op.Direction())
	if err != nil {
		op.fail(err.Error())
		return
	}

	op.start()
	e.publish(op)
	if e.metrics != nil {
		e.metrics.SyncStarted(op.Direction())
	}
	e.logger.Info("Sync operation started",
		zap.String("operation_id", op.ID()),
		zap.String("direction", string(op.Direction())),
		zap.String("triggered_by", op.Snapshot().TriggeredBy))

	st := &runState{source: source, target: target}

	plan := []struct {
		phase   Phase
		timeout func() time.Duration
		fn      func(ctx context.Context, op *Operation, st *runState) error
	}{
		{PhaseValidation, func() time.Duration { return e.timeouts.Validation }, e.runValidation},
		{PhaseExport, func() time.Duration { return e.rowScaledTimeout(e.timeouts.ExportBase, st) }, e.runExport},
		{PhasePreparation, func() time.Duration { return e.timeouts.Preparation }, e.runPreparation},
		{PhaseImport, func() time.Duration { return e.rowScaledTimeout(e.timeouts.ImportBase, st) }, e.runImport},
		{PhaseFinalization, func() time.Duration { return e.timeouts.Finalization }, e.runFinalization},
		{PhaseVerification, func() time.Duration { return e.timeouts.Verification }, e.runVerification},
	}

	for _, step := range plan {
		// Checkpoint between phases. Cancellation after import has begun
		// rolls the target back before finishing.
		if op.CancelRequested() {
			e.finishCancelled(op, st)
			return
		}

		op.enterPhase(step.phase)
		e.publish(op)

		if err := e.runPhase(step.phase, step.timeout(), op, st, step.fn); err != nil {
			e.finishFailed(op, st, step.phase, err)
			return
		}
		e.publish(op)
	}

	// A cancel request that lands after the last checkpoint has nothing
	// left to interrupt; the operation completed.
	op.complete()
	e.publish(op)
	e.finish(op, StatusCompleted)
}

// runState carries intermediate results between phases of one operation
type runState struct {
	source gateway.Gateway
	target gateway.Gateway

	tables     []gateway.TableInfo
	totalRows  int64
	exportPath string

	// importStarted is set the moment the import phase begins. It is the
	// rollback gate: before it, the target was never written, so a
	// cancellation or failure must not touch the target at all.
	importStarted bool
}

// stagingDir keeps in-flight export files apart from target snapshots so
// they are never mistaken for restore points.
func (e *Executor) stagingDir() string {
	return filepath.Join(e.cfg.Sync.SnapshotDir, "staging")
}

// rowScaledTimeout grows a base timeout with the known row volume
func (e *Executor) rowScaledTimeout(base time.Duration, st *runState) time.Duration {
	if st.totalRows <= 0 {
		return base
	}
	return base + time.Duration(st.totalRows/1000)*e.timeouts.PerThousandRows
}

// runPhase executes one phase under its timeout and normalizes failures
// into structured phase errors.
func (e *Executor) runPhase(phase Phase, timeout time.Duration, op *Operation, st *runState, fn func(context.Context, *Operation, *runState) error) error {
	ctx, cancel := context.WithTimeout(e.baseCtx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx, op, st)
	elapsed := time.Since(start)

	if err == nil {
		e.logger.Info("Phase completed",
			zap.String("operation_id", op.ID()),
			zap.String("phase", string(phase)),
			zap.Duration("elapsed", elapsed))
		op.appendLog("%s phase completed in %s", phase, elapsed.Round(time.Millisecond))
		return nil
	}

	var phaseErr *Error
	if errors.As(err, &phaseErr) {
		return err
	}
	reason := ReasonGatewayFailure
	if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonPhaseTimeout
	}
	return &Error{
		Err:     err,
		Message: fmt.Sprintf("%s phase failed: %v", phase, err),
		Phase:   phase,
		Reason:  reason,
	}
}

func (e *Executor) runValidation(ctx context.Context, op *Operation, st *runState) error {
	for _, g := range []gateway.Gateway{st.source, st.target} {
		latency, err := g.Ping(ctx)
		if err != nil {
			return fmt.Errorf("%s instance unreachable: %w", g.Label(), err)
		}
		op.appendLog("%s instance reachable (latency %s)", g.Label(), latency.Round(time.Millisecond))
	}
	return nil
}

// runExport reads every source table into a staging file. The target is
// untouched; a failure here aborts without any rollback.
func (e *Executor) runExport(ctx context.Context, op *Operation, st *runState) error {
	tables, err := st.source.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to list source tables: %w", err)
	}
	st.tables = tables

	var total int64
	for _, t := range tables {
		total += t.RowCount
	}
	st.totalRows = total
	op.setTotals(total)
	op.appendLog("exporting %d tables, %d rows total", len(tables), total)
	e.publish(op)

	sw, err := gateway.NewSnapshotWriter(e.stagingDir(), st.source.Label(), tables)
	if err != nil {
		return &Error{Err: err, Message: err.Error(), Phase: PhaseExport, Reason: ReasonSnapshotFailure}
	}
	defer sw.Abort()

	batchSize := int64(e.cfg.Sync.BatchSize)
	var exported int64
	for _, table := range tables {
		var offset int64
		for {
			// Checkpoint after every batch; export is pre-destructive so
			// cancellation here needs no rollback.
			if op.CancelRequested() {
				return &Error{
					Err:     context.Canceled,
					Message: "export interrupted by operator",
					Phase:   PhaseExport,
					Reason:  ReasonCancelled,
				}
			}

			batch, err := e.readBatchWithRetry(ctx, st.source, table.Name, offset, batchSize)
			if err != nil {
				return err
			}
			if len(batch.Rows) > 0 {
				if err := sw.Append(batch); err != nil {
					return &Error{Err: err, Message: err.Error(), Phase: PhaseExport, Reason: ReasonSnapshotFailure}
				}
				offset += int64(len(batch.Rows))
				exported += int64(len(batch.Rows))
				op.setRowProgress(table.Name, exported)
				e.publish(op)
			}
			if batch.Last {
				break
			}
		}
	}

	path, err := sw.Finalize()
	if err != nil {
		return &Error{Err: err, Message: err.Error(), Phase: PhaseExport, Reason: ReasonSnapshotFailure}
	}
	st.exportPath = path
	op.appendLog("export staged at %s (%d rows)", path, exported)
	return nil
}

// runPreparation guarantees a restore point for the target before any
// destructive work. A sufficiently fresh snapshot is reused.
func (e *Executor) runPreparation(ctx context.Context, op *Operation, st *runState) error {
	freshness := e.cfg.GetBackupFreshness()

	if path, age, err := gateway.LatestSnapshot(e.cfg.Sync.SnapshotDir, st.target.Label()); err == nil && age <= freshness {
		op.appendLog("reusing target snapshot %s (age %s)", path, age.Round(time.Second))
		op.markBackup(path)
		return nil
	}

	op.appendLog("taking fresh snapshot of %s instance", st.target.Label())
	e.publish(op)

	path, err := gateway.WriteSnapshot(ctx, st.target, e.cfg.Sync.SnapshotDir, nil)
	if err != nil {
		return &Error{
			Err:     err,
			Message: fmt.Sprintf("failed to snapshot target: %v", err),
			Phase:   PhasePreparation,
			Reason:  ReasonSnapshotFailure,
		}
	}
	op.markBackup(path)
	return nil
}

// runImport is the destructive phase: tables are truncated, secondary
// indexes dropped, and the staged batches replayed in order. Any failure
// or cancellation from here on triggers rollback.
func (e *Executor) runImport(ctx context.Context, op *Operation, st *runState) error {
	st.importStarted = true
	op.resetRowProgress()

	for _, t := range st.tables {
		if err := st.target.TruncateTable(ctx, t.Name); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", t.Name, err)
		}
		if err := st.target.DropSecondaryIndexes(ctx, t.Name); err != nil {
			return fmt.Errorf("failed to drop indexes on %s: %w", t.Name, err)
		}
	}
	op.appendLog("target tables truncated, secondary indexes dropped")

	var written int64
	err := gateway.EachSnapshotBatch(st.exportPath, func(batch *gateway.RowBatch) error {
		// Checkpoint between batches, never inside one; a batch write is
		// atomic so the target is consistent at every checkpoint.
		if op.CancelRequested() {
			return &Error{
				Err:     context.Canceled,
				Message: "import interrupted by operator",
				Phase:   PhaseImport,
				Reason:  ReasonCancelled,
			}
		}

		n, err := e.writeBatchWithRetry(ctx, st.target, batch)
		if err != nil {
			return err
		}
		written += n
		if e.metrics != nil {
			e.metrics.RowsSynced(n)
		}
		op.setRowProgress(batch.Table, written)
		e.publish(op)
		return nil
	})
	if err != nil {
		return err
	}

	op.appendLog("import applied %d rows", written)
	return nil
}

// runFinalization rebuilds the indexes dropped for bulk import. Rebuilds
// are independent per table, so they run on a bounded worker pool.
func (e *Executor) runFinalization(ctx context.Context, op *Operation, st *runState) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Sync.Workers)

	for _, t := range st.tables {
		group.Go(func() error {
			if err := st.target.RebuildIndexes(groupCtx, t.Name); err != nil {
				return fmt.Errorf("failed to rebuild indexes on %s: %w", t.Name, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	op.appendLog("indexes rebuilt on %d tables", len(st.tables))
	return nil
}

// runVerification compares source and target. Failures are surfaced in
// the result and the logs but never demote a completed import; the data
// movement already happened.
func (e *Executor) runVerification(ctx context.Context, op *Operation, st *runState) error {
	result := e.verifier.run(ctx, st.source, st.target)

	e.mu.Lock()
	e.verifications[op.ID()] = result
	e.mu.Unlock()

	for _, name := range []string{CheckRowCount, CheckSchema, CheckIndexes, CheckConstraints} {
		outcome := result[name]
		op.appendLog("verification %q: %s (%s)", name, outcome.Status, outcome.Message)
	}
	if result.Failed() {
		op.appendLog("verification found inconsistencies; review before trusting the target")
		e.logger.Warn("Verification reported failures",
			zap.String("operation_id", op.ID()))
	}
	return nil
}

func (e *Executor) readBatchWithRetry(ctx context.Context, g gateway.Gateway, table string, offset, limit int64) (*gateway.RowBatch, error) {
	batch, err := backoff.Retry(ctx, func() (*gateway.RowBatch, error) {
		return g.ReadBatch(ctx, table, offset, limit)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(e.cfg.Sync.MaxBatchRetries)))
	if err != nil {
		return nil, &Error{
			Err:     err,
			Message: fmt.Sprintf("reading %s at offset %d failed after %d attempts: %v", table, offset, e.cfg.Sync.MaxBatchRetries, err),
			Phase:   PhaseExport,
			Reason:  ReasonRetriesExceeded,
		}
	}
	return batch, nil
}

func (e *Executor) writeBatchWithRetry(ctx context.Context, g gateway.Gateway, batch *gateway.RowBatch) (int64, error) {
	n, err := backoff.Retry(ctx, func() (int64, error) {
		return g.WriteBatch(ctx, batch)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(e.cfg.Sync.MaxBatchRetries)))
	if err != nil {
		return 0, &Error{
			Err:     err,
			Message: fmt.Sprintf("writing batch into %s failed after %d attempts: %v", batch.Table, e.cfg.Sync.MaxBatchRetries, err),
			Phase:   PhaseImport,
			Reason:  ReasonRetriesExceeded,
		}
	}
	return n, nil
}

// finishCancelled handles a cancel checkpoint: rollback when the target
// may have been modified, then finalize. Rollback is keyed on whether
// import actually started, not on which checkpoint observed the request;
// a cancel during preparation must never rewrite an untouched target.
func (e *Executor) finishCancelled(op *Operation, st *runState) {
	if st.importStarted {
		e.rollbackTarget(op, st)
	} else {
		op.appendLog("cancelled before import; target was never modified")
	}
	op.cancelled()
	e.publish(op)
	e.finish(op, StatusCancelled)
}

func (e *Executor) finishFailed(op *Operation, st *runState, at Phase, err error) {
	var phaseErr *Error
	reason := ReasonGatewayFailure
	if errors.As(err, &phaseErr) {
		reason = phaseErr.Reason
	}

	if reason == ReasonCancelled {
		e.finishCancelled(op, st)
		return
	}

	if e.metrics != nil {
		e.metrics.PhaseError(at, reason)
	}
	e.logger.Error("Phase failed",
		zap.String("operation_id", op.ID()),
		zap.String("phase", string(at)),
		zap.String("reason", reason),
		zap.Error(err))

	if st.importStarted {
		e.rollbackTarget(op, st)
	}
	op.fail(err.Error())
	e.publish(op)
	e.finish(op, StatusFailed)
}

// rollbackTarget restores the target from the preparation snapshot. The
// rollback context is independent of phase timeouts; an aborted sync must
// still get its best chance at restoring the target.
func (e *Executor) rollbackTarget(op *Operation, st *runState) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeouts.Preparation)
	defer cancel()

	outcome := e.rollback.Rollback(ctx, op, st.target)
	if outcome.Attempted && !outcome.Succeeded {
		e.logger.Error("Target left in inconsistent state after failed rollback",
			zap.String("operation_id", op.ID()),
			zap.String("snapshot", op.BackupLocation()),
			zap.Error(outcome.Err))
	}
	e.publish(op)
}

// finish records the terminal operation in history and telemetry
func (e *Executor) finish(op *Operation, status Status) {
	snap := op.Snapshot()

	var elapsed time.Duration
	if snap.StartedAt != nil && snap.CompletedAt != nil {
		elapsed = snap.CompletedAt.Sub(*snap.StartedAt)
	}
	if e.metrics != nil {
		e.metrics.SyncFinished(status, elapsed)
	}

	if e.recorder != nil {
		e.mu.Lock()
		verification := e.verifications[op.ID()]
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.recorder.Record(ctx, snap, verification); err != nil {
			e.logger.Error("Failed to record operation in history",
				zap.String("operation_id", op.ID()),
				zap.Error(err))
		}
	}

	e.logger.Info("Sync operation finished",
		zap.String("operation_id", op.ID()),
		zap.String("status", string(status)),
		zap.Duration("elapsed", elapsed))
}

// release frees the exclusive slot once the operation is terminal
func (e *Executor) release(op *Operation) {
	// A panic escaping a phase must not leave a non-terminal operation
	// holding the slot forever.
	if r := recover(); r != nil {
		e.logger.Error("Panic during sync operation",
			zap.String("operation_id", op.ID()),
			zap.Any("panic", r))
		op.fail(fmt.Sprintf("internal error: %v", r))
		e.publish(op)
	}

	e.mu.Lock()
	if e.active == op {
		e.active = nil
	}
	e.mu.Unlock()
}
