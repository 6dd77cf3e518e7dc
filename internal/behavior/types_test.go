package behavior

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	assert.Equal(t, "SUCCESS", StatusSuccess.String())
	assert.Equal(t, "FAILURE", StatusFailure.String())
	assert.Equal(t, "RUNNING", StatusRunning.String())
	assert.Equal(t, "UNKNOWN", Status(7).String())

	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailure.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())

	var s Status
	require.NoError(t, s.UnmarshalText([]byte("running")))
	assert.Equal(t, StatusRunning, s)
	assert.ErrorIs(t, s.UnmarshalText([]byte("maybe")), ErrInvalidStatus)

	_, err := Status(7).MarshalText()
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestKindAndPolicy(t *testing.T) {
	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("selector")))
	assert.Equal(t, KindSelector, k)
	assert.Error(t, k.UnmarshalText([]byte("decorator")))

	assert.Equal(t, "and", PolicyAnd.String())
	assert.Equal(t, "or", PolicyOr.String())
	assert.Equal(t, PolicyOr, Parallel(PolicyOr).Policy())
}

func TestBlackboard(t *testing.T) {
	bb := NewBlackboard()
	bb.Set("ip", "10.0.0.4")
	bb.Set("hz", 10)

	assert.Equal(t, "10.0.0.4", bb.GetString("ip"))
	assert.Equal(t, "", bb.GetString("hz"))
	assert.True(t, bb.Has("hz"))

	hz, ok := Lookup[int](bb, "hz")
	require.True(t, ok)
	assert.Equal(t, 10, hz)
	_, ok = Lookup[string](bb, "hz")
	assert.False(t, ok)

	snap := bb.Snapshot()
	bb.Delete("hz")
	assert.False(t, bb.Has("hz"))
	assert.Equal(t, 10, snap["hz"])

	var zero Blackboard
	assert.Nil(t, zero.Get("x"))
	zero.Set("x", 1)
	assert.Equal(t, 1, zero.Get("x"))
}
