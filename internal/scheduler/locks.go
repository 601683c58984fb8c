package scheduler

import (
	"slices"
	"sync"
)

// KeyLockManager provides per-artifact-key mutual exclusion when several
// workers process tasks at once. Two tasks that write the same artifact key
// never generate concurrently; tasks with different keys do not contend.
type KeyLockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int // holders plus waiters; the entry is dropped at zero
}

// NewKeyLockManager creates a new KeyLockManager.
func NewKeyLockManager() *KeyLockManager {
	return &KeyLockManager{
		locks: make(map[string]*keyLock),
	}
}

// Lock acquires the mutex for key, creating it on first use.
func (m *KeyLockManager) Lock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	// Acquire outside the manager lock to avoid contention
	l.mu.Lock()
}

// Unlock releases the mutex for key. Unlocking a key that is not held is a no-op.
func (m *KeyLockManager) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	l.mu.Unlock()
}

// LockAll acquires every key in lexicographic order so that two callers
// with overlapping key sets cannot deadlock. Empty keys are skipped.
func (m *KeyLockManager) LockAll(keys []string) {
	for _, key := range sortedKeys(keys) {
		m.Lock(key)
	}
}

// UnlockAll releases keys in reverse order of LockAll.
func (m *KeyLockManager) UnlockAll(keys []string) {
	sorted := sortedKeys(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		m.Unlock(sorted[i])
	}
}

// Held returns the number of keys currently locked or waited on.
func (m *KeyLockManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func sortedKeys(keys []string) []string {
	sorted := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			sorted = append(sorted, key)
		}
	}
	slices.Sort(sorted)
	return slices.Compact(sorted)
}
