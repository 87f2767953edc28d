package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/basehaven/dbsync/internal/gateway"
)

// RollbackOutcome reports what the rollback manager did
type RollbackOutcome struct {
	// Attempted is false when rollback already ran for this operation
	// (idempotent second call) or no snapshot exists to restore from
	Attempted bool

	// Succeeded is true when the target was restored from the snapshot
	Succeeded bool

	// Err holds the restore failure when Attempted && !Succeeded
	Err error
}

// RollbackManager restores the target instance from the snapshot taken
// during the preparation phase. It is invoked on cancellation at or
// after import and on any fatal error within or after import.
type RollbackManager struct {
	logger *zap.Logger
}

// NewRollbackManager creates a rollback manager
func NewRollbackManager(log *zap.Logger) *RollbackManager {
	return &RollbackManager{logger: log.Named("rollback")}
}

// Rollback restores target from the operation's backup snapshot. Calling
// it twice for the same operation has no additional effect. A rollback
// failure is recorded distinctly in the operation's logs and returned to
// the caller; it is never reclassified as success.
func (r *RollbackManager) Rollback(ctx context.Context, op *Operation, target gateway.Gateway) RollbackOutcome {
	if !op.markRollbackDone() {
		r.logger.Debug("Rollback already performed, skipping",
			zap.String("operation_id", op.ID()))
		return RollbackOutcome{}
	}

	location := op.BackupLocation()
	if location == "" {
		// Import is unreachable without a snapshot, so this indicates a
		// caller bug; record it loudly rather than pretending success.
		op.appendLog("rollback requested but no snapshot exists; manual recovery required")
		r.logger.Error("Rollback requested without a snapshot",
			zap.String("operation_id", op.ID()))
		return RollbackOutcome{}
	}

	op.appendLog("rollback started: restoring target from %s", location)
	r.logger.Info("Rolling back target from snapshot",
		zap.String("operation_id", op.ID()),
		zap.String("snapshot", location))

	if err := gateway.RestoreSnapshot(ctx, target, location, nil); err != nil {
		op.appendLog("rollback FAILED: %v; restore the target manually from %s", err, location)
		r.logger.Error("Rollback failed",
			zap.String("operation_id", op.ID()),
			zap.String("snapshot", location),
			zap.Error(err))
		return RollbackOutcome{Attempted: true, Err: err}
	}

	// Bulk import may have left per-table secondary indexes dropped;
	// bring them back so the restored target is fully usable.
	if tables, err := gateway.ReadSnapshotTables(location); err == nil {
		for _, t := range tables {
			if err := target.RebuildIndexes(ctx, t.Name); err != nil {
				op.appendLog("rollback: index rebuild on %s failed: %v", t.Name, err)
				r.logger.Warn("Index rebuild during rollback failed",
					zap.String("table", t.Name), zap.Error(err))
			}
		}
	}

	op.appendLog("rollback completed: target restored from %s", location)
	r.logger.Info("Rollback completed",
		zap.String("operation_id", op.ID()))
	return RollbackOutcome{Attempted: true, Succeeded: true}
}
