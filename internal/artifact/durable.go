package artifact

import (
	"errors"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// DurableConfig configures the Durable store.
type DurableConfig struct {
	Dir              string // Disk directory, outside any OS-managed cache location (required)
	MemoryCountLimit int
	MemoryCostLimit  int64
	Logger           *slog.Logger
}

// Durable stores user-visible illustrations. It never evicts from disk:
// entries leave only through Remove, RemoveAllWithPrefix or Clear. The
// memory tier in front of it is a bounded read cache.
//
// Disk write failures are logged and dropped, trading durability for
// never failing a user-facing save.
type Durable struct {
	memory *memoryTier
	disk   *diskTier
	logger *slog.Logger
}

var _ Store = (*Durable)(nil)

// NewDurable creates the store directory if needed.
func NewDurable(cfg DurableConfig) (*Durable, error) {
	cfg.MemoryCountLimit = orDefault(cfg.MemoryCountLimit, DefaultMemoryCountLimit)
	cfg.MemoryCostLimit = orDefault(cfg.MemoryCostLimit, int64(DefaultMemoryCostLimit))
	logger := loggerOrDefault(cfg.Logger).With("store", "durable")

	memory, err := newMemoryTier(cfg.MemoryCountLimit, cfg.MemoryCostLimit)
	if err != nil {
		return nil, err
	}
	disk, err := newDiskTier(cfg.Dir, encodedNaming{}, logger)
	if err != nil {
		return nil, err
	}
	return &Durable{memory: memory, disk: disk, logger: logger}, nil
}

// Put stores data in memory immediately and on disk in the background.
func (d *Durable) Put(key string, data []byte) {
	data = slices.Clone(data)
	d.memory.set(key, data, time.Now())

	err := d.disk.submit(func() {
		if err := d.disk.write(key, data); err != nil {
			d.logger.Warn("disk write failed", "key", key, "error", err)
		}
	})
	if err != nil {
		d.logger.Warn("disk write not scheduled", "key", key, "error", err)
	}
}

// Get checks memory, then disk, promoting disk hits into memory.
func (d *Durable) Get(key string) ([]byte, bool) {
	if e, ok := d.memory.get(key); ok {
		return e.data, true
	}

	v, err, _ := d.disk.reads.Do(key, func() (any, error) {
		d.memory.beginRead(key)
		var (
			data    []byte
			info    fileInfo
			readErr error
		)
		if err := d.disk.do(func() { data, info, readErr = d.disk.read(key) }); err != nil {
			d.memory.endRead(key)
			return nil, err
		}
		if readErr != nil {
			d.memory.endRead(key)
			return nil, readErr
		}
		if !d.memory.promote(key, data, info.modTime) {
			// Written or removed while the read was queued.
			if e, ok := d.memory.get(key); ok {
				return e.data, nil
			}
		}
		return data, nil
	})
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("disk read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return v.([]byte), true
}

// Remove deletes key from memory now and from disk in the background.
func (d *Durable) Remove(key string) {
	d.memory.remove(key)
	err := d.disk.submit(func() {
		if err := d.disk.removeName(d.disk.naming.fileName(key)); err != nil {
			d.logger.Warn("disk remove failed", "key", key, "error", err)
		}
	})
	if err != nil {
		d.logger.Warn("disk remove not scheduled", "key", key, "error", err)
	}
}

// RemoveAllWithPrefix deletes every entry whose key starts with prefix,
// such as all pages of a deleted story. The disk side scans the directory,
// so entries written by earlier processes are found too.
func (d *Durable) RemoveAllWithPrefix(prefix string) {
	d.memory.removePrefix(prefix)
	err := d.disk.submit(func() {
		n, err := d.disk.removeMatching(func(key string) bool {
			return strings.HasPrefix(key, prefix)
		})
		if err != nil {
			d.logger.Warn("prefix removal incomplete", "prefix", prefix, "removed", n, "error", err)
			return
		}
		d.logger.Debug("prefix removed", "prefix", prefix, "removed", n)
	})
	if err != nil {
		d.logger.Warn("prefix removal not scheduled", "prefix", prefix, "error", err)
	}
}

// Clear deletes every entry from both tiers.
func (d *Durable) Clear() {
	d.memory.purge()
	err := d.disk.submit(func() {
		if _, err := d.disk.removeAll(); err != nil {
			d.logger.Warn("disk clear failed", "error", err)
		}
	})
	if err != nil {
		d.logger.Warn("disk clear not scheduled", "error", err)
	}
}

// Keys returns every key stored on disk, sorted.
func (d *Durable) Keys() []string {
	var keys []string
	err := d.disk.do(func() {
		var err error
		if keys, err = d.disk.keys(); err != nil {
			d.logger.Warn("listing keys failed", "error", err)
		}
	})
	if err != nil {
		d.logger.Warn("listing keys not run", "error", err)
	}
	return keys
}

// Stats reports memory and disk usage.
func (d *Durable) Stats() Stats {
	var s Stats
	s.MemoryEntries, s.MemoryBytes = d.memory.stats()
	_ = d.disk.do(func() {
		n, total, err := d.disk.usage()
		if err != nil {
			d.logger.Warn("disk usage failed", "error", err)
			return
		}
		s.DiskEntries, s.DiskBytes = n, total
	})
	return s
}

// Flush waits for queued disk operations to finish.
func (d *Durable) Flush() { d.disk.flush() }

// Close flushes pending writes and stops the disk queue.
func (d *Durable) Close() { d.disk.close() }
