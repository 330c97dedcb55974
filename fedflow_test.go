package fedflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedflow/fedflow/comm"
	"github.com/fedflow/fedflow/types"
)

func TestNewDefaults(t *testing.T) {
	leader, follower := comm.Pair(nil, nil)
	defer leader.Close()

	fm, err := New(WithRole(types.RoleLeader), WithCommunicator(leader))
	require.NoError(t, err)
	assert.Equal(t, types.RoleLeader, fm.Role())
	require.NotNil(t, fm.Session())

	fm2, err := New(WithRole(types.RoleFollower), WithCommunicator(follower))
	require.NoError(t, err)
	assert.Equal(t, types.RoleFollower, fm2.Role())
}

func TestNewRequiresValidRole(t *testing.T) {
	leader, _ := comm.Pair(nil, nil)
	defer leader.Close()

	_, err := New(WithCommunicator(leader))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRole, types.GetErrorCode(err))
}
