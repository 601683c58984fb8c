// Package artifact caches generated illustration bytes in two tiers: a
// bounded in-memory LRU and a directory on disk.
//
// Two stores are provided. Cache is self-cleaning: entries expire by age and
// the disk tier is trimmed to a byte budget, oldest first. Durable never
// evicts anything on its own and is meant for user-visible illustrations.
//
// Neither store returns I/O errors from Put or Get. A failed disk operation
// is logged and degrades to a cache miss.
package artifact

import (
	"log/slog"
	"time"
)

// Store is the surface shared by Cache and Durable.
type Store interface {
	// Put stores data under key. The memory tier is updated before Put
	// returns; the disk write happens in the background.
	Put(key string, data []byte)
	// Get returns the bytes for key, or false on a miss.
	Get(key string) ([]byte, bool)
	// Remove deletes key from both tiers.
	Remove(key string)
	// Clear deletes every entry from both tiers.
	Clear()
	// Flush waits for queued disk operations to finish.
	Flush()
	// Close flushes and stops the background disk queue.
	Close()
}

// Stats describes the current contents of a store.
type Stats struct {
	MemoryEntries int
	MemoryBytes   int64
	DiskEntries   int
	DiskBytes     int64
}

const (
	DefaultMemoryCountLimit = 100
	DefaultMemoryCostLimit  = 50 << 20  // 50 MiB
	DefaultDiskLimit        = 200 << 20 // 200 MiB
	DefaultMaxAge           = 7 * 24 * time.Hour
)

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
