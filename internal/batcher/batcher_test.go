package batcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcher_CapacityTrigger(t *testing.T) {
	var mu sync.Mutex
	var got [][]int

	b := New(3, time.Hour, func(batch []int) {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]int(nil), batch...)
		got = append(got, cp)
	})

	b.Queue(1)
	b.Queue(2)
	b.Queue(3) // reaches capacity, dispatches synchronously

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, []int{1, 2, 3}, got[0], "processor must observe items in queue order")
}

func TestBatcher_TimeTrigger(t *testing.T) {
	done := make(chan []int, 1)
	b := New(100, 10*time.Millisecond, func(batch []int) {
		done <- batch
	})

	b.Queue(42)

	select {
	case batch := <-done:
		assert.Equal(t, []int{42}, batch)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for time-triggered dispatch")
	}
}

func TestBatcher_Flush(t *testing.T) {
	done := make(chan []int, 1)
	b := New(100, time.Hour, func(batch []int) {
		done <- batch
	})

	b.Queue(1)
	b.Queue(2)
	assert.Equal(t, 2, b.Count())

	b.Flush()

	select {
	case batch := <-done:
		assert.Equal(t, []int{1, 2}, batch)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for flush dispatch")
	}
	assert.Equal(t, 0, b.Count())
}

func TestBatcher_Clear(t *testing.T) {
	called := false
	b := New(100, time.Hour, func(batch []int) {
		called = true
	})

	b.Queue(1)
	b.Clear()
	assert.Equal(t, 0, b.Count())

	b.Flush()
	assert.False(t, called, "clear must discard pending items without dispatch")
}

func TestBatcher_OnlyOneBatchInFlight(t *testing.T) {
	start := make(chan struct{})
	release := make(chan struct{})
	var concurrent int32
	var maxConcurrent int32
	var mu sync.Mutex

	b := New(1, 0, func(batch []int) {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()

		if batch[0] == 1 {
			close(start)
			<-release
		}

		mu.Lock()
		concurrent--
		mu.Unlock()
	})

	go b.Queue(1)
	<-start
	// While the first batch is in flight, queue more items; they must not
	// be dispatched concurrently.
	b.Queue(2)
	b.Queue(3)
	close(release)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), maxConcurrent, "at most one batch must be in flight at a time")
}
