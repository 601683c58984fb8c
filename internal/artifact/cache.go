package artifact

import (
	"errors"
	"io/fs"
	"log/slog"
	"slices"
	"time"
)

// CacheConfig configures the evictable Cache.
type CacheConfig struct {
	Dir              string        // Disk tier directory (required)
	MemoryCountLimit int           // Max entries held in memory
	MemoryCostLimit  int64         // Max payload bytes held in memory
	DiskLimit        int64         // Max total bytes on disk
	MaxAge           time.Duration // Entries older than this are treated as missing
	Now              func() time.Time
	Logger           *slog.Logger
	// OnMaintenance, if set, receives the result of every maintenance pass.
	OnMaintenance func(MaintenanceReport)
}

// MaintenanceReport summarizes one maintenance pass over the disk tier.
type MaintenanceReport struct {
	Expired    int   // Files removed for exceeding MaxAge
	Trimmed    int   // Files removed to get under DiskLimit
	BytesFreed int64 // Total size of removed files
	DiskBytes  int64 // Bytes remaining on disk
	DiskFiles  int   // Files remaining on disk
}

// Cache is the evictable artifact store for regenerable images. The
// memory tier is bounded by item count and byte cost; the disk tier is
// bounded by total size and entry age, both measured from filesystem
// metadata so limits hold across restarts.
type Cache struct {
	cfg    CacheConfig
	memory *memoryTier
	disk   *diskTier
	logger *slog.Logger
}

var _ Store = (*Cache)(nil)

// NewCache creates the cache directory if needed and schedules an initial
// maintenance pass on the disk queue.
func NewCache(cfg CacheConfig) (*Cache, error) {
	cfg.MemoryCountLimit = orDefault(cfg.MemoryCountLimit, DefaultMemoryCountLimit)
	cfg.MemoryCostLimit = orDefault(cfg.MemoryCostLimit, int64(DefaultMemoryCostLimit))
	cfg.DiskLimit = orDefault(cfg.DiskLimit, int64(DefaultDiskLimit))
	cfg.MaxAge = orDefault(cfg.MaxAge, DefaultMaxAge)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := loggerOrDefault(cfg.Logger).With("store", "cache")

	memory, err := newMemoryTier(cfg.MemoryCountLimit, cfg.MemoryCostLimit)
	if err != nil {
		return nil, err
	}
	disk, err := newDiskTier(cfg.Dir, hashedNaming{}, logger)
	if err != nil {
		return nil, err
	}

	c := &Cache{cfg: cfg, memory: memory, disk: disk, logger: logger}
	if err := disk.submit(func() { c.maintain() }); err != nil {
		logger.Warn("initial maintenance not scheduled", "error", err)
	}
	return c, nil
}

// Put stores data in memory immediately and writes it to disk in the
// background. A crash before the write lands loses only the disk copy.
func (c *Cache) Put(key string, data []byte) {
	data = slices.Clone(data)
	c.memory.set(key, data, c.cfg.Now())

	err := c.disk.submit(func() {
		if err := c.disk.write(key, data); err != nil {
			c.logger.Warn("disk write failed", "key", key, "error", err)
			return
		}
		c.trim(c.disk.naming.fileName(key))
	})
	if err != nil {
		c.logger.Warn("disk write not scheduled", "key", key, "error", err)
	}
}

// Get checks memory, then disk. Expired entries are misses; an expired
// file is deleted as part of the lookup. Disk hits are promoted to memory.
func (c *Cache) Get(key string) ([]byte, bool) {
	now := c.cfg.Now()

	if e, ok := c.memory.get(key); ok {
		if !c.expired(e.writtenAt, now) {
			return e.data, true
		}
		c.memory.remove(key)
	}

	v, err, _ := c.disk.reads.Do(key, func() (any, error) {
		c.memory.beginRead(key)
		var (
			data    []byte
			info    fileInfo
			readErr error
		)
		if err := c.disk.do(func() {
			data, info, readErr = c.disk.read(key)
			if readErr == nil && c.expired(info.modTime, now) {
				if err := c.disk.removeName(info.name); err != nil {
					c.logger.Warn("removing expired file failed", "key", key, "error", err)
				}
				data, readErr = nil, fs.ErrNotExist
			}
		}); err != nil {
			c.memory.endRead(key)
			return nil, err
		}
		if readErr != nil {
			c.memory.endRead(key)
			return nil, readErr
		}
		if !c.memory.promote(key, data, info.modTime) {
			// Written or removed while the read was queued.
			if e, ok := c.memory.get(key); ok {
				return e.data, nil
			}
		}
		return data, nil
	})
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("disk read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return v.([]byte), true
}

// Remove deletes key from memory now and from disk in the background.
func (c *Cache) Remove(key string) {
	c.memory.remove(key)
	err := c.disk.submit(func() {
		if err := c.disk.removeName(c.disk.naming.fileName(key)); err != nil {
			c.logger.Warn("disk remove failed", "key", key, "error", err)
		}
	})
	if err != nil {
		c.logger.Warn("disk remove not scheduled", "key", key, "error", err)
	}
}

// Clear empties memory now and the disk tier in the background.
func (c *Cache) Clear() {
	c.memory.purge()
	err := c.disk.submit(func() {
		if _, err := c.disk.removeAll(); err != nil {
			c.logger.Warn("disk clear failed", "error", err)
		}
	})
	if err != nil {
		c.logger.Warn("disk clear not scheduled", "error", err)
	}
}

// PerformMaintenance deletes expired files, then deletes the oldest files
// until the disk tier fits DiskLimit. It waits for the pass to finish.
func (c *Cache) PerformMaintenance() MaintenanceReport {
	var report MaintenanceReport
	if err := c.disk.do(func() { report = c.maintain() }); err != nil {
		c.logger.Warn("maintenance not run", "error", err)
	}
	return report
}

// Stats reports memory and disk usage. Disk figures come from the filesystem.
func (c *Cache) Stats() Stats {
	var s Stats
	s.MemoryEntries, s.MemoryBytes = c.memory.stats()
	_ = c.disk.do(func() {
		n, total, err := c.disk.usage()
		if err != nil {
			c.logger.Warn("disk usage failed", "error", err)
			return
		}
		s.DiskEntries, s.DiskBytes = n, total
	})
	return s
}

// Flush waits for queued disk operations to finish.
func (c *Cache) Flush() { c.disk.flush() }

// Close flushes pending writes and stops the disk queue.
func (c *Cache) Close() { c.disk.close() }

func (c *Cache) expired(writtenAt, now time.Time) bool {
	return now.Sub(writtenAt) > c.cfg.MaxAge
}

// maintain runs both eviction steps. Must run on the disk queue.
func (c *Cache) maintain() MaintenanceReport {
	var report MaintenanceReport
	now := c.cfg.Now()

	files, err := c.disk.list()
	if err != nil {
		c.logger.Warn("maintenance listing failed", "error", err)
		return report
	}

	live := files[:0]
	for _, f := range files {
		if !c.expired(f.modTime, now) {
			live = append(live, f)
			continue
		}
		if err := c.disk.removeName(f.name); err != nil {
			c.logger.Warn("removing expired file failed", "file", f.name, "error", err)
			live = append(live, f)
			continue
		}
		report.Expired++
		report.BytesFreed += f.size
	}

	trimmed, freed, remaining := c.trimFiles(live, "")
	report.Trimmed = trimmed
	report.BytesFreed += freed
	report.DiskFiles = len(remaining)
	for _, f := range remaining {
		report.DiskBytes += f.size
	}

	if report.Expired > 0 || report.Trimmed > 0 {
		c.logger.Info("cache maintenance",
			"expired", report.Expired, "trimmed", report.Trimmed,
			"bytes_freed", report.BytesFreed, "disk_bytes", report.DiskBytes)
	}
	if c.cfg.OnMaintenance != nil {
		c.cfg.OnMaintenance(report)
	}
	return report
}

// trim enforces DiskLimit after a write of the file named latest.
// Must run on the disk queue.
func (c *Cache) trim(latest string) {
	files, err := c.disk.list()
	if err != nil {
		c.logger.Warn("size check listing failed", "error", err)
		return
	}
	if n, freed, _ := c.trimFiles(files, latest); n > 0 {
		c.logger.Debug("disk tier trimmed", "files", n, "bytes_freed", freed)
	}
}

// trimFiles deletes files oldest first until the total fits DiskLimit.
// The newest file is never deleted, even if it alone exceeds the limit.
// latest, when set, names the file just written; it counts as newest
// regardless of timestamp resolution.
func (c *Cache) trimFiles(files []fileInfo, latest string) (removed int, freed int64, remaining []fileInfo) {
	var total int64
	for _, f := range files {
		total += f.size
	}
	if total <= c.cfg.DiskLimit {
		return 0, 0, files
	}

	slices.SortStableFunc(files, func(a, b fileInfo) int {
		switch latest {
		case a.name:
			return 1
		case b.name:
			return -1
		}
		return a.modTime.Compare(b.modTime)
	})

	i := 0
	for ; i < len(files)-1 && total > c.cfg.DiskLimit; i++ {
		f := files[i]
		if err := c.disk.removeName(f.name); err != nil {
			c.logger.Warn("removing file over size budget failed", "file", f.name, "error", err)
			remaining = append(remaining, f)
			continue
		}
		total -= f.size
		freed += f.size
		removed++
	}
	remaining = append(remaining, files[i:]...)
	return removed, freed, remaining
}
