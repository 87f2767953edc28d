package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    Direction
		wantErr bool
	}{
		{input: "local_to_remote", want: DirectionLocalToRemote},
		{input: "remote_to_local", want: DirectionRemoteToLocal},
		{input: "", wantErr: true},
		{input: "LOCAL_TO_REMOTE", wantErr: true},
		{input: "sideways", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDirection(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirectionLabels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "local", DirectionLocalToRemote.SourceLabel())
	assert.Equal(t, "remote", DirectionLocalToRemote.TargetLabel())
	assert.Equal(t, "remote", DirectionRemoteToLocal.SourceLabel())
	assert.Equal(t, "local", DirectionRemoteToLocal.TargetLabel())
}

func TestPairResolve(t *testing.T) {
	t.Parallel()

	local := NewInMemory("local")
	remote := NewInMemory("remote")
	pair := &Pair{Local: local, Remote: remote}

	source, target, err := pair.Resolve(DirectionLocalToRemote)
	require.NoError(t, err)
	assert.Equal(t, "local", source.Label())
	assert.Equal(t, "remote", target.Label())

	source, target, err = pair.Resolve(DirectionRemoteToLocal)
	require.NoError(t, err)
	assert.Equal(t, "remote", source.Label())
	assert.Equal(t, "local", target.Label())

	_, _, err = pair.Resolve(Direction("bogus"))
	require.Error(t, err)
}
