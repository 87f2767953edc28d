package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/basehaven/dbsync/internal/gateway"
	"github.com/basehaven/dbsync/internal/gateway/mocks"
)

func TestVerifierIntrospectionFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	source := mocks.NewMockGateway(ctrl)
	target := mocks.NewMockGateway(ctrl)
	source.EXPECT().ListTables(gomock.Any()).
		Return(nil, errors.New("connection refused"))
	target.EXPECT().ListTables(gomock.Any()).
		Return([]gateway.TableInfo{{Name: "users", RowCount: 10}}, nil)

	result := newVerifier(zap.NewNop()).run(context.Background(), source, target)

	// Introspection failure poisons every check rather than aborting.
	for _, name := range []string{CheckRowCount, CheckSchema, CheckIndexes, CheckConstraints} {
		assert.Equal(t, VerificationFailed, result[name].Status)
		assert.Contains(t, result[name].Message, "source introspection failed")
	}
	assert.True(t, result.Failed())
}

func TestVerifierConstraintViolations(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	tables := []gateway.TableInfo{{Name: "users", RowCount: 10}}
	indexes := []string{"idx_users_email"}

	source := mocks.NewMockGateway(ctrl)
	source.EXPECT().ListTables(gomock.Any()).Return(tables, nil)
	source.EXPECT().ListIndexes(gomock.Any(), "users").Return(indexes, nil)

	target := mocks.NewMockGateway(ctrl)
	target.EXPECT().ListTables(gomock.Any()).Return(tables, nil)
	target.EXPECT().ListIndexes(gomock.Any(), "users").Return(indexes, nil)
	target.EXPECT().CheckConstraints(gomock.Any(), "users").Return(int64(3), nil)

	result := newVerifier(zap.NewNop()).run(context.Background(), source, target)

	assert.Equal(t, VerificationPassed, result[CheckRowCount].Status)
	assert.Equal(t, VerificationPassed, result[CheckIndexes].Status)
	assert.Equal(t, VerificationFailed, result[CheckConstraints].Status)
	assert.Contains(t, result[CheckConstraints].Message, "3 constraint violation(s)")
	assert.True(t, result.Failed())
}
