package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basehaven/dbsync/internal/config"
	"github.com/basehaven/dbsync/internal/gateway"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Sync.BatchSize = 250
	cfg.Sync.Workers = 2
	cfg.Sync.MaxBatchRetries = 2
	cfg.Sync.DiskSafetyMargin = config.DefaultDiskSafetyMargin
	cfg.Sync.SnapshotDir = t.TempDir()
	cfg.Sync.ConfirmationPhrase = config.DefaultConfirmationPhrase
	return cfg
}

// capturingPublisher records every published snapshot
type capturingPublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (p *capturingPublisher) Publish(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
}

func (p *capturingPublisher) all() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Snapshot(nil), p.snaps...)
}

// capturingRecorder records terminal snapshots handed to the history store
type capturingRecorder struct {
	mu      sync.Mutex
	entries []Snapshot
}

func (r *capturingRecorder) Record(_ context.Context, snap Snapshot, _ VerificationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, snap)
	return nil
}

func (r *capturingRecorder) recorded() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.entries...)
}

func waitTerminal(t *testing.T, e *Executor, op *Operation) Snapshot {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if op.Status().Terminal() && e.Running() == nil {
			return op.Snapshot()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach a terminal state, stuck at %s/%s",
		op.ID(), op.Status(), op.CurrentPhase())
	return Snapshot{}
}

func TestExecutorSuccessfulSync(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 6355)
	local.SeedRows("orders", 319)
	local.SeedIndexes("users", "idx_users_email")

	remote := gateway.NewInMemory("remote")
	remote.SeedRows("users", 120)
	remote.SeedRows("orders", 4)
	remote.SeedIndexes("users", "idx_users_email")

	publisher := &capturingPublisher{}
	recorder := &capturingRecorder{}
	e := NewExecutor(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop(),
		WithPublisher(publisher), WithHistory(recorder))

	op, err := e.Start(gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, e, op)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.PercentComplete)
	assert.Nil(t, snap.CurrentPhase)
	require.NotNil(t, snap.TotalRows)
	assert.Equal(t, int64(6674), *snap.TotalRows)
	require.NotNil(t, snap.SyncedRows)
	assert.Equal(t, int64(6674), *snap.SyncedRows)
	assert.NotEmpty(t, snap.BackupLocation)
	assert.Equal(t, "alice", snap.TriggeredBy)

	// Target now mirrors the source
	assert.Equal(t, int64(6355), remote.RowCountOf("users"))
	assert.Equal(t, int64(319), remote.RowCountOf("orders"))

	// Indexes dropped for import came back
	idx, err := remote.ListIndexes(context.Background(), "users")
	require.NoError(t, err)
	assert.Contains(t, idx, "idx_users_email")

	// All verification checks passed
	verification, ok := e.Verification(op.ID())
	require.True(t, ok)
	for name, outcome := range verification {
		assert.Equal(t, VerificationPassed, outcome.Status, "check %s: %s", name, outcome.Message)
	}

	// Terminal state was recorded exactly once
	entries := recorder.recorded()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusCompleted, entries[0].Status)

	// Percent never decreased across published updates and only the
	// completed snapshot reached 100
	published := publisher.all()
	require.NotEmpty(t, published)
	last := 0
	for _, s := range published {
		assert.GreaterOrEqual(t, s.PercentComplete, last)
		if s.PercentComplete == 100 {
			assert.Equal(t, StatusCompleted, s.Status)
		}
		last = s.PercentComplete
	}
}

func TestExecutorCancelDuringImportRollsBack(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 6355)
	local.SeedRows("orders", 319)

	remote := gateway.NewInMemory("remote")
	remote.SeedRows("users", 2000)
	remote.SeedRows("orders", 50)

	e := NewExecutor(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop())

	var once sync.Once
	// Cancel once import has written roughly 40 percent of the rows
	remote.SetWriteHook(func(_ string, written int64) {
		if written >= 6674*40/100 {
			once.Do(func() {
				running := e.Running()
				require.NotNil(t, running)
				require.NoError(t, e.Cancel(running.ID()))
			})
		}
	})

	op, err := e.Start(gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, e, op)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Less(t, snap.PercentComplete, 100)
	require.NotNil(t, snap.CompletedAt)

	// The target was restored from the preparation snapshot
	assert.Equal(t, int64(2000), remote.RowCountOf("users"))
	assert.Equal(t, int64(50), remote.RowCountOf("orders"))

	var sawRollback bool
	for _, line := range snap.Logs {
		if strings.Contains(line, "rollback completed") {
			sawRollback = true
		}
	}
	assert.True(t, sawRollback, "logs should record the rollback: %v", snap.Logs)
}

// cancellingPublisher requests cancellation the first time it sees a
// snapshot in the given phase; publishing is synchronous with the
// executor's checkpoints, so the request lands deterministically.
// Cancel itself publishes, so the one-shot guard must tolerate
// re-entrant calls; a CompareAndSwap does, sync.Once would not.
type cancellingPublisher struct {
	phase Phase
	fired atomic.Bool
	e     *Executor
}

func (p *cancellingPublisher) Publish(snap Snapshot) {
	if snap.CurrentPhase != nil && *snap.CurrentPhase == p.phase {
		if p.fired.CompareAndSwap(false, true) {
			_ = p.e.Cancel(snap.ID)
		}
	}
}

func TestExecutorCancelBeforeImportSkipsRollback(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 500)
	remote := gateway.NewInMemory("remote")
	remote.SeedRows("users", 80)

	publisher := &cancellingPublisher{phase: PhaseExport}
	e := NewExecutor(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop(),
		WithPublisher(publisher))
	publisher.e = e

	op, err := e.Start(gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, e, op)
	assert.Equal(t, StatusCancelled, snap.Status)

	// Cancellation before import never touches the target
	assert.Equal(t, int64(80), remote.RowCountOf("users"))
	assert.Equal(t, int64(0), remote.RowCountOf("orders"))
}

func TestExecutorCancelDuringPreparationSkipsRollback(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 500)
	remote := gateway.NewInMemory("remote")
	remote.SeedRows("users", 80)

	// The cancel lands during preparation and is observed at the
	// checkpoint right before import; that must not count as an import.
	publisher := &cancellingPublisher{phase: PhasePreparation}
	e := NewExecutor(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop(),
		WithPublisher(publisher))
	publisher.e = e

	op, err := e.Start(gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, e, op)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Equal(t, int64(80), remote.RowCountOf("users"))

	var sawSkip bool
	for _, line := range snap.Logs {
		assert.NotContains(t, line, "rollback started")
		if strings.Contains(line, "cancelled before import") {
			sawSkip = true
		}
	}
	assert.True(t, sawSkip, "logs should record the skipped rollback: %v", snap.Logs)
}

func TestExecutorExportFailureLeavesTargetUntouched(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 1000)
	local.SetReadError("users", errors.New("connection reset"))

	remote := gateway.NewInMemory("remote")
	remote.SeedRows("users", 300)

	recorder := &capturingRecorder{}
	e := NewExecutor(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop(),
		WithHistory(recorder))

	op, err := e.Start(gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, e, op)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.ErrorMessage, "users")

	// Export happens before anything destructive
	assert.Equal(t, int64(300), remote.RowCountOf("users"))

	entries := recorder.recorded()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
}

func TestExecutorValidationFailure(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 10)
	remote := gateway.NewInMemory("remote")
	remote.SetPingError(errors.New("no route to host"))

	e := NewExecutor(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop())

	op, err := e.Start(gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, e, op)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.ErrorMessage, "remote instance unreachable")
}

func TestExecutorSingleSlot(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 5000)
	remote := gateway.NewInMemory("remote")

	e := NewExecutor(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop())

	op, err := e.Start(gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)

	_, err = e.Start(gateway.DirectionRemoteToLocal, "bob")
	assert.ErrorIs(t, err, ErrOperationInProgress)

	waitTerminal(t, e, op)

	// Slot is free again after the first operation finished
	op2, err := e.Start(gateway.DirectionRemoteToLocal, "bob")
	require.NoError(t, err)
	waitTerminal(t, e, op2)
}

func TestExecutorRejectsInvalidDirection(t *testing.T) {
	t.Parallel()

	e := NewExecutor(&gateway.Pair{}, testConfig(t), zap.NewNop())
	_, err := e.Start(gateway.Direction("sideways"), "alice")
	require.Error(t, err)
}

func TestExecutorGetOperation(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 100)
	remote := gateway.NewInMemory("remote")

	e := NewExecutor(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop())

	op, err := e.Start(gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)
	waitTerminal(t, e, op)

	got, err := e.GetOperation(op.ID())
	require.NoError(t, err)
	assert.Equal(t, op.ID(), got.ID())

	_, err = e.GetOperation("no-such-id")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestExecutorCancelTerminalOperation(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 10)
	remote := gateway.NewInMemory("remote")

	e := NewExecutor(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop())

	op, err := e.Start(gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)
	waitTerminal(t, e, op)

	err = e.Cancel(op.ID())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already")
}

func TestExecutorStopWaitsForActiveOperation(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	for i := range 4 {
		local.SeedRows(fmt.Sprintf("table_%d", i), 2000)
	}
	remote := gateway.NewInMemory("remote")

	e := NewExecutor(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop())

	op, err := e.Start(gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	assert.True(t, op.Status().Terminal())

	// New operations are refused after Stop
	_, err = e.Start(gateway.DirectionLocalToRemote, "bob")
	require.Error(t, err)
}
