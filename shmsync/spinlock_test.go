package shmsync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pylabhub/datahub/shmsync"
)

func alwaysAlive(uint64) bool { return true }

func Test_TryLock_Is_Exclusive_And_Bumps_Generation(t *testing.T) {
	t.Parallel()

	var l shmsync.SharedSpinLock
	require.True(t, l.TryLock(1))
	require.False(t, l.TryLock(2))
	require.Equal(t, uint64(1), l.Owner())
	require.Equal(t, uint64(1), l.Generation())
}

func Test_Unlock_By_NonOwner_Returns_LogicError(t *testing.T) {
	t.Parallel()

	var l shmsync.SharedSpinLock
	require.True(t, l.TryLock(1))
	err := l.Unlock(2)
	require.Error(t, err)
	require.Equal(t, uint64(1), l.Owner())
}

func Test_Unlock_By_Owner_Frees_The_Lock(t *testing.T) {
	t.Parallel()

	var l shmsync.SharedSpinLock
	require.True(t, l.TryLock(7))
	require.NoError(t, l.Unlock(7))
	require.Equal(t, uint64(0), l.Owner())
}

func Test_ReclaimIfDead_Only_Reclaims_A_Dead_Owner(t *testing.T) {
	t.Parallel()

	var l shmsync.SharedSpinLock
	require.True(t, l.TryLock(99))

	require.False(t, l.ReclaimIfDead(alwaysAlive))
	require.Equal(t, uint64(99), l.Owner())

	dead := func(pid uint64) bool { return pid != 99 }
	require.True(t, l.ReclaimIfDead(dead))
	require.Equal(t, uint64(0), l.Owner())
}

func Test_Lock_Returns_False_Immediately_On_Zero_Timeout(t *testing.T) {
	t.Parallel()

	var l shmsync.SharedSpinLock
	require.True(t, l.TryLock(1))
	require.False(t, l.Lock(2, 0, alwaysAlive))
}

func Test_Lock_Reclaims_A_Dead_Owner_Within_Timeout(t *testing.T) {
	t.Parallel()

	var l shmsync.SharedSpinLock
	require.True(t, l.TryLock(1))

	dead := func(pid uint64) bool { return pid != 1 }
	require.True(t, l.Lock(2, 50*time.Millisecond, dead))
	require.Equal(t, uint64(2), l.Owner())
}

func Test_Lock_Times_Out_When_Owner_Stays_Alive(t *testing.T) {
	t.Parallel()

	var l shmsync.SharedSpinLock
	require.True(t, l.TryLock(1))
	require.False(t, l.Lock(2, 20*time.Millisecond, alwaysAlive))
}
