package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct{ id int }

func TestGetOrCreateConcurrentSingleFactoryCall(t *testing.T) {
	c := New[*handle]()
	var calls atomic.Int32

	const n = 64
	results := make([]*handle, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			h, err := c.GetOrCreate("s1", func() (*handle, error) {
				time.Sleep(5 * time.Millisecond)
				return &handle{id: int(calls.Add(1))}, nil
			})
			assert.NoError(t, err)
			results[i] = h
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, h := range results {
		assert.Same(t, results[0], h)
	}
	assert.Equal(t, 1, c.Len())
}

func TestGetOrCreateFactoryErrorIsNotStored(t *testing.T) {
	c := New[*handle]()
	boom := errors.New("boom")

	_, err := c.GetOrCreate("s1", func() (*handle, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get("s1")
	assert.False(t, ok)

	h, err := c.GetOrCreate("s1", func() (*handle, error) { return &handle{id: 2}, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, h.id)
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	c := New[*handle]()
	release := make(chan struct{})
	entered := make(chan struct{})

	go func() {
		_, _ = c.GetOrCreate("slow", func() (*handle, error) {
			close(entered)
			<-release
			return &handle{id: 1}, nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_, _ = c.GetOrCreate("fast", func() (*handle, error) { return &handle{id: 2}, nil })
		c.Remove("other")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("operations on another key blocked behind an in-flight creation")
	}
	close(release)
}

func TestRemoveWaitsForInFlightCreation(t *testing.T) {
	c := New[*handle]()
	release := make(chan struct{})
	entered := make(chan struct{})
	created := make(chan struct{})

	go func() {
		_, _ = c.GetOrCreate("s1", func() (*handle, error) {
			close(entered)
			<-release
			return &handle{id: 7}, nil
		})
		close(created)
	}()
	<-entered

	type removal struct {
		h  *handle
		ok bool
	}
	removed := make(chan removal, 1)
	go func() {
		h, ok := c.Remove("s1")
		removed <- removal{h, ok}
	}()

	select {
	case <-removed:
		t.Fatal("Remove returned while creation was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-created
	r := <-removed
	require.True(t, r.ok)
	assert.Equal(t, 7, r.h.id)
	_, ok := c.Get("s1")
	assert.False(t, ok)
}

func TestRemoveMissingKey(t *testing.T) {
	c := New[string]()
	v, ok := c.Remove("nope")
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestKeys(t *testing.T) {
	c := New[int]()
	for i, k := range []string{"a", "b", "c"} {
		_, err := c.GetOrCreate(k, func() (int, error) { return i, nil })
		require.NoError(t, err)
	}
	c.Remove("b")

	assert.ElementsMatch(t, []string{"a", "c"}, c.Keys())
}
