package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basehaven/dbsync/internal/config"
	"github.com/basehaven/dbsync/internal/gateway"
	"github.com/basehaven/dbsync/internal/preflight"
)

func testGate(t *testing.T) (*Gate, *gateway.InMemory, *gateway.InMemory) {
	t.Helper()

	local := gateway.NewInMemory("local")
	local.SeedRows("users", 6355)
	remote := gateway.NewInMemory("remote")
	remote.SeedRows("users", 120)

	cfg := &config.Config{}
	cfg.Sync.Workers = config.DefaultWorkers
	cfg.Sync.DiskSafetyMargin = config.DefaultDiskSafetyMargin
	cfg.Sync.SnapshotDir = t.TempDir()
	cfg.Sync.ConfirmationPhrase = config.DefaultConfirmationPhrase

	checker := preflight.NewChecker(&gateway.Pair{Local: local, Remote: remote}, cfg, zap.NewNop())
	return NewGate(checker, cfg, zap.NewNop()), local, remote
}

func TestGateFullConfirmationFlow(t *testing.T) {
	t.Parallel()

	gate, _, _ := testGate(t)

	challenge, err := gate.BeginConfirmation(context.Background(), gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, challenge.Token)
	assert.Equal(t, config.DefaultConfirmationPhrase, challenge.Phrase)
	assert.Contains(t, challenge.Warning, "REPLACE")
	assert.Contains(t, challenge.Warning, "120")
	assert.Contains(t, challenge.Warning, "6,355")
	require.NotNil(t, challenge.Preflight)
	assert.True(t, challenge.Preflight.Passed())
	assert.WithinDuration(t, challenge.CreatedAt.Add(TokenTTL), challenge.ExpiresAt, time.Second)

	require.NoError(t, gate.Acknowledge(challenge.Token))

	confirmed, err := gate.Confirm(challenge.Token, config.DefaultConfirmationPhrase)
	require.NoError(t, err)
	assert.Equal(t, gateway.DirectionLocalToRemote, confirmed.Direction)
	assert.Equal(t, "alice", confirmed.RequestedBy)

	// A confirmed token is consumed
	_, err = gate.Confirm(challenge.Token, config.DefaultConfirmationPhrase)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestGatePhraseCaseMismatch(t *testing.T) {
	t.Parallel()

	gate, _, _ := testGate(t)

	challenge, err := gate.BeginConfirmation(context.Background(), gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)
	require.NoError(t, gate.Acknowledge(challenge.Token))

	// Matching is case sensitive: a lowercase attempt is rejected
	_, err = gate.Confirm(challenge.Token, "i understand the risk")
	assert.ErrorIs(t, err, ErrPhraseMismatch)

	// The challenge survives a failed attempt; the exact phrase still works
	confirmed, err := gate.Confirm(challenge.Token, "I UNDERSTAND THE RISK")
	require.NoError(t, err)
	assert.Equal(t, challenge.Token, confirmed.Token)
}

func TestGateConfirmRequiresAcknowledge(t *testing.T) {
	t.Parallel()

	gate, _, _ := testGate(t)

	challenge, err := gate.BeginConfirmation(context.Background(), gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)

	_, err = gate.Confirm(challenge.Token, config.DefaultConfirmationPhrase)
	assert.ErrorIs(t, err, ErrNotAcknowledged)
}

func TestGateTokenExpiry(t *testing.T) {
	t.Parallel()

	gate, _, _ := testGate(t)

	challenge, err := gate.BeginConfirmation(context.Background(), gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)
	require.NoError(t, gate.Acknowledge(challenge.Token))

	gate.now = func() time.Time { return time.Now().Add(TokenTTL + time.Minute) }

	_, err = gate.Confirm(challenge.Token, config.DefaultConfirmationPhrase)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Expired tokens are pruned, not resurrectable
	_, err = gate.Confirm(challenge.Token, config.DefaultConfirmationPhrase)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestGateDismiss(t *testing.T) {
	t.Parallel()

	gate, _, _ := testGate(t)

	challenge, err := gate.BeginConfirmation(context.Background(), gateway.DirectionLocalToRemote, "alice")
	require.NoError(t, err)

	require.NoError(t, gate.Dismiss(challenge.Token))
	assert.ErrorIs(t, gate.Acknowledge(challenge.Token), ErrTokenNotFound)
	assert.ErrorIs(t, gate.Dismiss(challenge.Token), ErrTokenNotFound)
}

func TestGatePreflightFailureBlocks(t *testing.T) {
	t.Parallel()

	gate, _, remote := testGate(t)
	remote.SetDiskFree(16)

	challenge, err := gate.BeginConfirmation(context.Background(), gateway.DirectionLocalToRemote, "alice")
	assert.ErrorIs(t, err, ErrPreflightFailed)

	// The blocked result is still returned so callers can show why
	require.NotNil(t, challenge)
	require.NotNil(t, challenge.Preflight)
	assert.False(t, challenge.Preflight.Passed())
	assert.Empty(t, challenge.Token)
}

func TestGateUnknownToken(t *testing.T) {
	t.Parallel()

	gate, _, _ := testGate(t)
	assert.ErrorIs(t, gate.Acknowledge("nope"), ErrTokenNotFound)
	_, err := gate.Confirm("nope", "whatever")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
