package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentd/internal/task"
)

func TestTryAcquireAllIsAtomic(t *testing.T) {
	lt := NewLockTable()
	now := time.Now()

	require.NoError(t, lt.TryAcquireAll([]string{"a", "b"}, "t1", now))

	// t2 wants b and c; b conflicts, so c must not be taken either.
	err := lt.TryAcquireAll([]string{"c", "b"}, "t2", now)
	assert.ErrorIs(t, err, task.ErrLockConflict)
	_, held := lt.Holder("c")
	assert.False(t, held)

	lock, held := lt.Holder("a")
	require.True(t, held)
	assert.Equal(t, "t1", lock.HolderID)
}

func TestTryAcquireAllReentrantForSameHolder(t *testing.T) {
	lt := NewLockTable()
	now := time.Now()

	require.NoError(t, lt.TryAcquireAll([]string{"a"}, "t1", now))
	require.NoError(t, lt.TryAcquireAll([]string{"a", "b"}, "t1", now))
	assert.Len(t, lt.Held(), 2)
}

func TestReleaseHolderDropsOnlyItsLocks(t *testing.T) {
	lt := NewLockTable()
	now := time.Now()

	require.NoError(t, lt.TryAcquireAll([]string{"a"}, "t1", now))
	require.NoError(t, lt.TryAcquireAll([]string{"b"}, "t2", now))

	lt.ReleaseHolder("t1")
	_, held := lt.Holder("a")
	assert.False(t, held)
	_, held = lt.Holder("b")
	assert.True(t, held)

	// Releasing an unknown holder is a no-op.
	lt.ReleaseHolder("t3")
	assert.Len(t, lt.Held(), 1)
}
