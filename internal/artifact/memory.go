package artifact

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type memoryEntry struct {
	data      []byte
	writtenAt time.Time
}

// memoryTier is an LRU bounded by item count and by total payload bytes.
// Byte accounting follows the LRU's eviction callback, so it tracks what
// the cache holds rather than what the process actually allocated.
type memoryTier struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, memoryEntry]
	costLimit int64
	cost      int64

	// reads tracks keys with a disk read in flight. The flag turns true
	// when the key is written or removed before the read lands.
	reads map[string]bool
}

func newMemoryTier(countLimit int, costLimit int64) (*memoryTier, error) {
	m := &memoryTier{costLimit: costLimit, reads: make(map[string]bool)}
	lru, err := simplelru.NewLRU[string, memoryEntry](countLimit, func(_ string, e memoryEntry) {
		m.cost -= int64(len(e.data))
	})
	if err != nil {
		return nil, fmt.Errorf("creating memory tier: %w", err)
	}
	m.lru = lru
	return m, nil
}

// set stores data under key. Payloads larger than the whole cost budget
// are not cached in memory at all.
func (m *memoryTier) set(key string, data []byte, writtenAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch(key)
	m.add(key, data, writtenAt)
}

func (m *memoryTier) add(key string, data []byte, writtenAt time.Time) {
	// Remove first so the eviction callback settles the old entry's cost.
	m.lru.Remove(key)

	size := int64(len(data))
	if m.costLimit > 0 && size > m.costLimit {
		return
	}

	m.lru.Add(key, memoryEntry{data: data, writtenAt: writtenAt})
	m.cost += size

	for m.costLimit > 0 && m.cost > m.costLimit {
		if _, _, ok := m.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (m *memoryTier) get(key string) (memoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Get(key)
}

// beginRead registers a disk read for key. Pair it with promote or endRead.
func (m *memoryTier) beginRead(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[key] = false
}

// promote stores data read from disk unless key changed since beginRead.
// It reports whether the entry was stored.
func (m *memoryTier) promote(key string, data []byte, writtenAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed, tracked := m.reads[key]
	delete(m.reads, key)
	if !tracked || changed {
		return false
	}
	m.add(key, data, writtenAt)
	return true
}

func (m *memoryTier) endRead(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reads, key)
}

// touch marks an in-flight read of key as stale. Callers hold mu.
func (m *memoryTier) touch(key string) {
	if _, ok := m.reads[key]; ok {
		m.reads[key] = true
	}
}

func (m *memoryTier) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch(key)
	m.lru.Remove(key)
}

func (m *memoryTier) removePrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.reads {
		if strings.HasPrefix(key, prefix) {
			m.reads[key] = true
		}
	}

	removed := 0
	for _, key := range m.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (m *memoryTier) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.reads {
		m.reads[key] = true
	}
	m.lru.Purge()
}

func (m *memoryTier) stats() (count int, cost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len(), m.cost
}
