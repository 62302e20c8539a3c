package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	tbl := New[string, int](time.Minute, time.Minute, nil)
	defer tbl.Close()

	tbl.Set("a", 1)
	v, ok := tbl.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, tbl.Has("a"))
	assert.Equal(t, 1, tbl.Len())

	old, ok := tbl.Delete("a")
	require.True(t, ok)
	assert.Equal(t, 1, old)
	assert.False(t, tbl.Has("a"))
}

func TestExpiredEntriesAreLogicallyAbsent(t *testing.T) {
	tbl := New[string, int](time.Minute, time.Minute, nil)
	defer tbl.Close()

	tbl.SetTTL("a", 1, -time.Second)
	_, ok := tbl.Get("a")
	assert.False(t, ok)
	assert.Zero(t, tbl.Len())
	assert.Empty(t, tbl.Snapshot())
}

func TestTouchExtendsExpiry(t *testing.T) {
	tbl := New[string, int](time.Minute, time.Minute, nil)
	defer tbl.Close()

	tbl.SetTTL("a", 1, 10*time.Millisecond)
	require.True(t, tbl.Touch("a"))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, tbl.Has("a"))
	assert.False(t, tbl.Touch("missing"))
}

func TestSweepEvictsWithCallback(t *testing.T) {
	var mu sync.Mutex
	var evicted []string

	tbl := New[string, int](time.Minute, 20*time.Millisecond, func(k string, v int) {
		mu.Lock()
		evicted = append(evicted, k)
		mu.Unlock()
	})
	defer tbl.Close()

	tbl.SetTTL("old", 1, -time.Second)
	tbl.Set("fresh", 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"old"}, evicted)
	mu.Unlock()
	assert.True(t, tbl.Has("fresh"))
}

func TestSnapshotIsACopy(t *testing.T) {
	tbl := New[string, int](time.Minute, time.Minute, nil)
	defer tbl.Close()

	tbl.Set("a", 1)
	snap := tbl.Snapshot()
	snap["a"] = 99
	v, _ := tbl.Get("a")
	assert.Equal(t, 1, v)
}

func TestCloseStopsSweeper(t *testing.T) {
	tbl := New[string, int](time.Minute, 10*time.Millisecond, nil)
	tbl.Close()
	tbl.Close() // idempotent
	tbl.Set("a", 1)
	assert.True(t, tbl.Has("a"))
}
