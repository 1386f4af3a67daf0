package shard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_UpdateAndGet(t *testing.T) {
	m := New[string, int](4, StringHash)

	require.NoError(t, m.Update("a", func(cur int, ok bool) (int, bool, error) {
		assert.False(t, ok)
		return cur + 1, true, nil
	}))

	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, m.Len())
}

func TestMap_UpdateErrorKeepsValue(t *testing.T) {
	m := New[int64, int](4, Int64Hash)
	require.NoError(t, m.Update(7, func(int, bool) (int, bool, error) { return 5, true, nil }))

	boom := errors.New("boom")
	err := m.Update(7, func(int, bool) (int, bool, error) { return 0, false, boom })
	assert.ErrorIs(t, err, boom)

	v, _ := m.Get(7)
	assert.Equal(t, 5, v)
}

func TestMap_UpdateDeletes(t *testing.T) {
	m := New[string, int](0, StringHash)
	require.NoError(t, m.Update("k", func(int, bool) (int, bool, error) { return 1, true, nil }))
	require.NoError(t, m.Update("k", func(int, bool) (int, bool, error) { return 0, false, nil }))

	_, ok := m.Get("k")
	assert.False(t, ok)
}

func TestMap_ConcurrentIncrements(t *testing.T) {
	m := New[string, int](8, StringHash)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Update("counter", func(cur int, _ bool) (int, bool, error) { return cur + 1, true, nil })
		}()
	}
	wg.Wait()

	v, _ := m.Get("counter")
	assert.Equal(t, 100, v)
}

func TestMap_RangeStopsEarly(t *testing.T) {
	m := New[string, int](2, StringHash)
	for _, k := range []string{"a", "b", "c", "d"} {
		key := k
		require.NoError(t, m.Update(key, func(int, bool) (int, bool, error) { return 1, true, nil }))
	}

	seen := 0
	m.Range(func(string, int) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}

func TestLocks_SameSlotLockedOnce(t *testing.T) {
	l := NewLocks(1)
	unlock := l.Lock("device", "user", "device")
	unlock()

	// would deadlock if the slot had been locked twice or not released
	unlock = l.Lock("other")
	unlock()
}

func TestKeyLocks_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewKeyLocks()
	unlockA := l.Lock("a")

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b waited for a")
	}
	unlockA()
	assert.Equal(t, 0, l.Len())
}

func TestKeyLocks_SameKeySerializes(t *testing.T) {
	l := NewKeyLocks()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("k")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.Len())
}
