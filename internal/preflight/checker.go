// Package preflight validates that a sync operation can run safely
// before the operator is ever asked to confirm it.
package preflight

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/basehaven/dbsync/internal/config"
	"github.com/basehaven/dbsync/internal/gateway"
)

// Check names. These are stable identifiers in the API payload.
const (
	CheckConnectivitySource  = "connectivity_source"
	CheckConnectivityTarget  = "connectivity_target"
	CheckDiskSpace           = "disk_space"
	CheckSchemaCompatibility = "schema_compatibility"
	CheckBackupFreshness     = "backup_freshness"
)

// Status classifies one preflight check outcome
type Status string

const (
	// StatusPassed means the check found no obstacle
	StatusPassed Status = "passed"

	// StatusWarning means the sync can proceed but the operator should know
	StatusWarning Status = "warning"

	// StatusFailed means the sync must not start
	StatusFailed Status = "failed"
)

// Check is one named preflight outcome
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Result aggregates all preflight checks, in a fixed order
type Result struct {
	Direction gateway.Direction `json:"direction"`
	Checks    []Check           `json:"checks"`
	RanAt     time.Time         `json:"ran_at"`

	// SourceRows and TargetRows size the challenge the safety gate
	// presents to the operator
	SourceRows int64 `json:"source_rows"`
	TargetRows int64 `json:"target_rows"`
}

// Passed reports whether no check failed. Warnings do not block.
func (r *Result) Passed() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFailed {
			return false
		}
	}
	return true
}

// Failures returns the failed checks
func (r *Result) Failures() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if c.Status == StatusFailed {
			failed = append(failed, c)
		}
	}
	return failed
}

// Checker runs the preflight suite against a gateway pair
type Checker struct {
	pair   *gateway.Pair
	cfg    *config.Config
	logger *zap.Logger
}

// NewChecker creates a preflight checker
func NewChecker(pair *gateway.Pair, cfg *config.Config, log *zap.Logger) *Checker {
	return &Checker{
		pair:   pair,
		cfg:    cfg,
		logger: log.Named("preflight"),
	}
}

// Run executes every check concurrently and returns them in a fixed
// order. Individual check errors become failed outcomes; Run itself only
// errors when the direction is invalid.
func (c *Checker) Run(ctx context.Context, direction gateway.Direction) (*Result, error) {
	source, target, err := c.pair.Resolve(direction)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Direction: direction,
		Checks:    make([]Check, 5),
		RanAt:     time.Now().UTC(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.Sync.Workers)

	group.Go(func() error {
		result.Checks[0] = c.checkConnectivity(groupCtx, CheckConnectivitySource, source)
		return nil
	})
	group.Go(func() error {
		result.Checks[1] = c.checkConnectivity(groupCtx, CheckConnectivityTarget, target)
		return nil
	})
	group.Go(func() error {
		check, srcRows, dstRows := c.checkDiskSpace(groupCtx, source, target)
		result.Checks[2] = check
		result.SourceRows = srcRows
		result.TargetRows = dstRows
		return nil
	})
	group.Go(func() error {
		result.Checks[3] = c.checkSchemaCompatibility(groupCtx, source, target)
		return nil
	})
	group.Go(func() error {
		result.Checks[4] = c.checkBackupFreshness(target)
		return nil
	})

	// Check functions never return errors; Wait only orders completion
	_ = group.Wait()

	for _, check := range result.Checks {
		c.logger.Info("Preflight check finished",
			zap.String("direction", string(direction)),
			zap.String("check", check.Name),
			zap.String("status", string(check.Status)),
			zap.String("message", check.Message))
	}
	return result, nil
}

func (*Checker) checkConnectivity(ctx context.Context, name string, g gateway.Gateway) Check {
	latency, err := g.Ping(ctx)
	if err != nil {
		return Check{
			Name:    name,
			Status:  StatusFailed,
			Message: fmt.Sprintf("%s instance unreachable: %v", g.Label(), err),
		}
	}
	return Check{
		Name:    name,
		Status:  StatusPassed,
		Message: fmt.Sprintf("%s instance reachable (latency %s)", g.Label(), latency.Round(time.Millisecond)),
	}
}

// comfortMargin is the headroom multiplier above which disk space is
// unambiguously fine. Between the configured safety margin and this,
// the sync can proceed but the operator gets a warning.
const comfortMargin = 2.0

// checkDiskSpace verifies the target volume can hold the transfer plus
// the pre-sync snapshot, with the configured safety margin on top.
func (c *Checker) checkDiskSpace(ctx context.Context, source, target gateway.Gateway) (Check, int64, int64) {
	srcTables, err := source.ListTables(ctx)
	if err != nil {
		return Check{
			Name:    CheckDiskSpace,
			Status:  StatusFailed,
			Message: fmt.Sprintf("could not size source data: %v", err),
		}, 0, 0
	}
	dstTables, err := target.ListTables(ctx)
	if err != nil {
		return Check{
			Name:    CheckDiskSpace,
			Status:  StatusFailed,
			Message: fmt.Sprintf("could not size target data: %v", err),
		}, 0, 0
	}

	var srcRows, srcBytes, dstRows, dstBytes int64
	for _, t := range srcTables {
		srcRows += t.RowCount
		srcBytes += t.SizeBytes
	}
	for _, t := range dstTables {
		dstRows += t.RowCount
		dstBytes += t.SizeBytes
	}

	// The transfer lands next to a snapshot of the current target, so
	// both must fit.
	required := uint64(float64(srcBytes+dstBytes) * c.cfg.Sync.DiskSafetyMargin)

	free, err := target.DiskFree(ctx)
	if err != nil {
		return Check{
			Name:    CheckDiskSpace,
			Status:  StatusFailed,
			Message: fmt.Sprintf("could not determine free space on target: %v", err),
		}, srcRows, dstRows
	}

	if free < required {
		return Check{
			Name:   CheckDiskSpace,
			Status: StatusFailed,
			Message: fmt.Sprintf("target has %s free but the sync needs %s (%.1fx margin over %s of data)",
				humanize.IBytes(free), humanize.IBytes(required),
				c.cfg.Sync.DiskSafetyMargin, humanize.IBytes(uint64(srcBytes+dstBytes))),
		}, srcRows, dstRows
	}
	comfortable := uint64(float64(srcBytes+dstBytes) * comfortMargin)
	if free < comfortable {
		return Check{
			Name:   CheckDiskSpace,
			Status: StatusWarning,
			Message: fmt.Sprintf("target has %s free, sync needs %s; headroom is under %.1fx the data size",
				humanize.IBytes(free), humanize.IBytes(required), comfortMargin),
		}, srcRows, dstRows
	}
	return Check{
		Name:   CheckDiskSpace,
		Status: StatusPassed,
		Message: fmt.Sprintf("target has %s free, sync needs %s",
			humanize.IBytes(free), humanize.IBytes(required)),
	}, srcRows, dstRows
}

// checkSchemaCompatibility compares applied migration versions. Equal
// versions pass; a target ahead on a minor version warns; a major
// mismatch or a source ahead of the target fails.
func (*Checker) checkSchemaCompatibility(ctx context.Context, source, target gateway.Gateway) Check {
	srcRaw, err := source.SchemaVersion(ctx)
	if err != nil {
		return Check{
			Name:    CheckSchemaCompatibility,
			Status:  StatusFailed,
			Message: fmt.Sprintf("could not read source schema version: %v", err),
		}
	}
	dstRaw, err := target.SchemaVersion(ctx)
	if err != nil {
		return Check{
			Name:    CheckSchemaCompatibility,
			Status:  StatusFailed,
			Message: fmt.Sprintf("could not read target schema version: %v", err),
		}
	}

	srcVer, err := semver.NewVersion(srcRaw)
	if err != nil {
		return Check{
			Name:    CheckSchemaCompatibility,
			Status:  StatusFailed,
			Message: fmt.Sprintf("source schema version %q is not a valid version", srcRaw),
		}
	}
	dstVer, err := semver.NewVersion(dstRaw)
	if err != nil {
		return Check{
			Name:    CheckSchemaCompatibility,
			Status:  StatusFailed,
			Message: fmt.Sprintf("target schema version %q is not a valid version", dstRaw),
		}
	}

	switch {
	case srcVer.Equal(dstVer):
		return Check{
			Name:    CheckSchemaCompatibility,
			Status:  StatusPassed,
			Message: fmt.Sprintf("both instances at schema %s", srcVer),
		}
	case srcVer.Major() != dstVer.Major():
		return Check{
			Name:    CheckSchemaCompatibility,
			Status:  StatusFailed,
			Message: fmt.Sprintf("major schema mismatch: source %s vs target %s", srcVer, dstVer),
		}
	case srcVer.GreaterThan(dstVer):
		return Check{
			Name:    CheckSchemaCompatibility,
			Status:  StatusFailed,
			Message: fmt.Sprintf("source schema %s is ahead of target %s; migrate the target first", srcVer, dstVer),
		}
	default:
		return Check{
			Name:    CheckSchemaCompatibility,
			Status:  StatusWarning,
			Message: fmt.Sprintf("target schema %s is ahead of source %s", dstVer, srcVer),
		}
	}
}

// checkBackupFreshness reports whether the preparation phase will reuse
// an existing target snapshot or take a fresh one. Either way the sync
// can proceed, so this check warns at worst.
func (c *Checker) checkBackupFreshness(target gateway.Gateway) Check {
	freshness := c.cfg.GetBackupFreshness()

	path, age, err := gateway.LatestSnapshot(c.cfg.Sync.SnapshotDir, target.Label())
	if err != nil {
		return Check{
			Name:    CheckBackupFreshness,
			Status:  StatusWarning,
			Message: "no target snapshot exists yet; a fresh one will be taken before import",
		}
	}
	if age > freshness {
		return Check{
			Name:   CheckBackupFreshness,
			Status: StatusWarning,
			Message: fmt.Sprintf("latest target snapshot is %s (threshold %s); a fresh one will be taken before import",
				humanize.RelTime(time.Now().Add(-age), time.Now(), "old", ""), freshness),
		}
	}
	return Check{
		Name:    CheckBackupFreshness,
		Status:  StatusPassed,
		Message: fmt.Sprintf("target snapshot %s is %s old and will be reused", path, age.Round(time.Minute)),
	}
}
