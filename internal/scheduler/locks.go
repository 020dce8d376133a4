package scheduler

import (
	"sort"
	"sync"
)

// ResourceLockManager serialises tasks that declare the same named resource.
// Each resource gets its own mutex, so tasks on disjoint resources run concurrently.
type ResourceLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-resource mutexes
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for resource, creating it on first use.
func (r *ResourceLockManager) Lock(resource string) {
	r.mu.Lock()
	l, exists := r.locks[resource]
	if !exists {
		l = &sync.Mutex{}
		r.locks[resource] = l
	}
	r.mu.Unlock()

	// Block outside the manager lock
	l.Lock()
}

// Unlock releases the mutex for resource.
func (r *ResourceLockManager) Unlock(resource string) {
	r.mu.Lock()
	l, exists := r.locks[resource]
	r.mu.Unlock()

	if exists {
		l.Unlock()
	}
}

// LockAll acquires every resource in sorted order so overlapping sets cannot deadlock.
// Duplicate names are locked once.
func (r *ResourceLockManager) LockAll(resources []string) {
	for _, res := range normalizeResources(resources) {
		r.Lock(res)
	}
}

// UnlockAll releases resources in reverse sorted order.
func (r *ResourceLockManager) UnlockAll(resources []string) {
	sorted := normalizeResources(resources)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

func normalizeResources(resources []string) []string {
	if len(resources) == 0 {
		return nil
	}
	sorted := make([]string, 0, len(resources))
	seen := make(map[string]bool, len(resources))
	for _, res := range resources {
		if !seen[res] {
			seen[res] = true
			sorted = append(sorted, res)
		}
	}
	sort.Strings(sorted)
	return sorted
}
