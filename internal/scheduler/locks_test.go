package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceLockManager_SameResourceBlocks(t *testing.T) {
	mgr := NewResourceLockManager()
	order := make(chan int, 2)

	go func() {
		mgr.Lock("game-window")
		order <- 1
		time.Sleep(50 * time.Millisecond)
		mgr.Unlock("game-window")
	}()

	time.Sleep(10 * time.Millisecond)

	go func() {
		mgr.Lock("game-window")
		order <- 2
		mgr.Unlock("game-window")
	}()

	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
}

func TestResourceLockManager_DifferentResourcesConcurrent(t *testing.T) {
	mgr := NewResourceLockManager()
	var wg sync.WaitGroup
	var aLocked, bLocked atomic.Bool

	wg.Add(2)
	go func() {
		defer wg.Done()
		mgr.Lock("keyboard")
		aLocked.Store(true)
		time.Sleep(30 * time.Millisecond)
		mgr.Unlock("keyboard")
	}()
	go func() {
		defer wg.Done()
		mgr.Lock("network")
		bLocked.Store(true)
		time.Sleep(30 * time.Millisecond)
		mgr.Unlock("network")
	}()

	time.Sleep(15 * time.Millisecond)
	assert.True(t, aLocked.Load())
	assert.True(t, bLocked.Load())
	wg.Wait()
}

func TestResourceLockManager_LockAllOrderingAvoidsDeadlock(t *testing.T) {
	mgr := NewResourceLockManager()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		mgr.LockAll([]string{"b", "a"})
		time.Sleep(10 * time.Millisecond)
		mgr.UnlockAll([]string{"b", "a"})
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		mgr.LockAll([]string{"a", "b"})
		time.Sleep(10 * time.Millisecond)
		mgr.UnlockAll([]string{"a", "b"})
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock detected: LockAll did not complete")
	}
}

func TestResourceLockManager_DuplicatesAndEmpty(t *testing.T) {
	mgr := NewResourceLockManager()

	// Duplicate names must not self-deadlock
	done := make(chan struct{})
	go func() {
		mgr.LockAll([]string{"x", "x"})
		mgr.UnlockAll([]string{"x", "x"})
		mgr.LockAll(nil)
		mgr.UnlockAll(nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LockAll with duplicate resources blocked")
	}

	require.Equal(t, []string{"a", "b"}, normalizeResources([]string{"b", "a", "b"}))
}
