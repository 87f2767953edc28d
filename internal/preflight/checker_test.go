package preflight

import (
	"context"
	"errors"
	"os"
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
	cfg.Sync.Workers = config.DefaultWorkers
	cfg.Sync.DiskSafetyMargin = config.DefaultDiskSafetyMargin
	cfg.Sync.SnapshotDir = t.TempDir()
	return cfg
}

func checkByName(t *testing.T, result *Result, name string) Check {
	t.Helper()
	for _, c := range result.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not found", name)
	return Check{}
}

func TestCheckerAllPass(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 6355)
	local.SetSchemaVersion("2.4.0")
	remote := gateway.NewInMemory("remote")
	remote.SeedRows("users", 120)
	remote.SetSchemaVersion("2.4.0")

	cfg := testConfig(t)
	c := NewChecker(&gateway.Pair{Local: local, Remote: remote}, cfg, zap.NewNop())

	// A fresh target snapshot makes backup_freshness pass
	_, err := gateway.WriteSnapshot(context.Background(), remote, cfg.Sync.SnapshotDir, nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), gateway.DirectionLocalToRemote)
	require.NoError(t, err)

	require.Len(t, result.Checks, 5)
	assert.True(t, result.Passed())
	assert.Empty(t, result.Failures())
	assert.Equal(t, int64(6355), result.SourceRows)
	assert.Equal(t, int64(120), result.TargetRows)

	// Deterministic ordering regardless of completion order
	names := make([]string, 0, len(result.Checks))
	for _, c := range result.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{
		CheckConnectivitySource,
		CheckConnectivityTarget,
		CheckDiskSpace,
		CheckSchemaCompatibility,
		CheckBackupFreshness,
	}, names)
}

func TestCheckerUnreachableTarget(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 10)
	remote := gateway.NewInMemory("remote")
	remote.SetPingError(errors.New("connection refused"))

	c := NewChecker(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop())
	result, err := c.Run(context.Background(), gateway.DirectionLocalToRemote)
	require.NoError(t, err)

	assert.False(t, result.Passed())
	check := checkByName(t, result, CheckConnectivityTarget)
	assert.Equal(t, StatusFailed, check.Status)
	assert.Contains(t, check.Message, "connection refused")

	// Source connectivity is judged independently
	assert.Equal(t, StatusPassed, checkByName(t, result, CheckConnectivitySource).Status)
}

func TestCheckerInsufficientDiskSpace(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 100000)
	remote := gateway.NewInMemory("remote")
	remote.SeedRows("users", 90000)
	remote.SetDiskFree(1024)

	c := NewChecker(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop())
	result, err := c.Run(context.Background(), gateway.DirectionLocalToRemote)
	require.NoError(t, err)

	assert.False(t, result.Passed())
	check := checkByName(t, result, CheckDiskSpace)
	assert.Equal(t, StatusFailed, check.Status)
	assert.Contains(t, check.Message, "free")
}

func TestCheckerDiskSpaceWarningBand(t *testing.T) {
	t.Parallel()

	// 190000 rows at 64 bytes each is 12160000 bytes of data, so the
	// 1.5x floor is 18240000 and the 2.0x comfort line is 24320000.
	newPair := func(free uint64) *gateway.Pair {
		local := gateway.NewInMemory("local")
		local.SeedRows("users", 100000)
		remote := gateway.NewInMemory("remote")
		remote.SeedRows("users", 90000)
		remote.SetDiskFree(free)
		return &gateway.Pair{Local: local, Remote: remote}
	}

	tests := []struct {
		name string
		free uint64
		want Status
	}{
		{name: "below safety margin fails", free: 18_000_000, want: StatusFailed},
		{name: "tight headroom warns", free: 20_000_000, want: StatusWarning},
		{name: "comfortable headroom passes", free: 30_000_000, want: StatusPassed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker(newPair(tt.free), testConfig(t), zap.NewNop())
			result, err := c.Run(context.Background(), gateway.DirectionLocalToRemote)
			require.NoError(t, err)

			assert.Equal(t, tt.want, checkByName(t, result, CheckDiskSpace).Status)
			// Warnings never block the sync
			assert.Equal(t, tt.want != StatusFailed, result.Passed())
		})
	}
}

func TestCheckerSchemaCompatibility(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		source string
		target string
		want   Status
	}{
		{name: "equal versions", source: "2.4.0", target: "2.4.0", want: StatusPassed},
		{name: "major mismatch", source: "3.0.0", target: "2.4.0", want: StatusFailed},
		{name: "source ahead", source: "2.5.0", target: "2.4.0", want: StatusFailed},
		{name: "target ahead minor", source: "2.4.0", target: "2.5.0", want: StatusWarning},
		{name: "invalid source version", source: "not-a-version", target: "2.4.0", want: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			local := gateway.NewInMemory("local")
			local.SeedRows("users", 10)
			local.SetSchemaVersion(tt.source)
			remote := gateway.NewInMemory("remote")
			remote.SetSchemaVersion(tt.target)

			c := NewChecker(&gateway.Pair{Local: local, Remote: remote}, testConfig(t), zap.NewNop())
			result, err := c.Run(context.Background(), gateway.DirectionLocalToRemote)
			require.NoError(t, err)

			assert.Equal(t, tt.want, checkByName(t, result, CheckSchemaCompatibility).Status)
		})
	}
}

func TestCheckerBackupFreshness(t *testing.T) {
	t.Parallel()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 10)
	remote := gateway.NewInMemory("remote")
	remote.SeedRows("users", 10)

	cfg := testConfig(t)
	c := NewChecker(&gateway.Pair{Local: local, Remote: remote}, cfg, zap.NewNop())

	// No snapshot at all: warn, never block
	result, err := c.Run(context.Background(), gateway.DirectionLocalToRemote)
	require.NoError(t, err)
	check := checkByName(t, result, CheckBackupFreshness)
	assert.Equal(t, StatusWarning, check.Status)
	assert.True(t, result.Passed())

	// Stale snapshot: still a warning
	location, err := gateway.WriteSnapshot(context.Background(), remote, cfg.Sync.SnapshotDir, nil)
	require.NoError(t, err)
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(location, stale, stale))

	result, err = c.Run(context.Background(), gateway.DirectionLocalToRemote)
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, checkByName(t, result, CheckBackupFreshness).Status)
}

func TestCheckerInvalidDirection(t *testing.T) {
	t.Parallel()

	c := NewChecker(&gateway.Pair{}, testConfig(t), zap.NewNop())
	_, err := c.Run(context.Background(), gateway.Direction("bogus"))
	require.Error(t, err)
}
