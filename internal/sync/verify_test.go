package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basehaven/dbsync/internal/gateway"
)

func TestVerifierAllChecksPass(t *testing.T) {
	t.Parallel()

	source := gateway.NewInMemory("local")
	source.SeedRows("users", 100)
	source.SeedIndexes("users", "idx_users_email")

	target := gateway.NewInMemory("remote")
	target.SeedRows("users", 100)
	target.SeedIndexes("users", "idx_users_email")

	v := newVerifier(zap.NewNop())
	result := v.run(context.Background(), source, target)

	require.Len(t, result, 4)
	assert.False(t, result.Failed())
	for name, outcome := range result {
		assert.Equal(t, VerificationPassed, outcome.Status, "check %s", name)
	}
}

func TestVerifierRowCountMismatch(t *testing.T) {
	t.Parallel()

	source := gateway.NewInMemory("local")
	source.SeedRows("users", 100)
	target := gateway.NewInMemory("remote")
	target.SeedRows("users", 99)

	v := newVerifier(zap.NewNop())
	result := v.run(context.Background(), source, target)

	assert.True(t, result.Failed())
	assert.Equal(t, VerificationFailed, result[CheckRowCount].Status)
	assert.Contains(t, result[CheckRowCount].Message, "users")
}

func TestVerifierMissingTableOnTarget(t *testing.T) {
	t.Parallel()

	source := gateway.NewInMemory("local")
	source.SeedRows("users", 10)
	source.SeedRows("orders", 5)
	target := gateway.NewInMemory("remote")
	target.SeedRows("users", 10)

	v := newVerifier(zap.NewNop())
	result := v.run(context.Background(), source, target)

	assert.Equal(t, VerificationFailed, result[CheckSchema].Status)
	assert.Contains(t, result[CheckSchema].Message, "orders")
}

func TestVerifierExtraTargetTableWarns(t *testing.T) {
	t.Parallel()

	source := gateway.NewInMemory("local")
	source.SeedRows("users", 10)
	target := gateway.NewInMemory("remote")
	target.SeedRows("users", 10)
	target.SeedRows("legacy_audit", 3)

	v := newVerifier(zap.NewNop())
	result := v.run(context.Background(), source, target)

	assert.Equal(t, VerificationWarning, result[CheckSchema].Status)
	// Warnings alone never mark the result failed
	assert.False(t, result.Failed())
}

func TestVerifierMissingIndex(t *testing.T) {
	t.Parallel()

	source := gateway.NewInMemory("local")
	source.SeedRows("users", 10)
	source.SeedIndexes("users", "idx_users_email")
	target := gateway.NewInMemory("remote")
	target.SeedRows("users", 10)

	v := newVerifier(zap.NewNop())
	result := v.run(context.Background(), source, target)

	assert.Equal(t, VerificationFailed, result[CheckIndexes].Status)
	assert.Contains(t, result[CheckIndexes].Message, "idx_users_email")
	assert.True(t, result.Failed())
}
