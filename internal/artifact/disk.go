package artifact

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

const (
	fileExt    = ".img"
	tempPrefix = ".tmp-"

	// digestPrefix marks encoded names that fell back to a digest. It is
	// outside the base64url alphabet.
	digestPrefix = "~"
	sidecarExt   = ".key"

	// maxNameLen keeps file names under NAME_MAX on common filesystems.
	maxNameLen = 255
)

// naming maps cache keys to file names inside the tier directory.
type naming interface {
	fileName(key string) string
	// key recovers the cache key from a file name; ok is false for names
	// the scheme cannot reverse.
	key(name string) (string, bool)
}

// hashedNaming names files by the blake3 digest of the key. Names are
// fixed length regardless of key size but cannot be mapped back to keys.
type hashedNaming struct{}

func (hashedNaming) fileName(key string) string {
	return digest(key) + fileExt
}

func digest(key string) string {
	h := blake3.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func (hashedNaming) key(string) (string, bool) { return "", false }

// encodedNaming names files by the base64url encoding of the key, so
// prefix scans can run against the directory itself. Keys whose encoding
// would not fit in a file name get a digest name instead, and the key is
// kept in a hidden sidecar file next to the payload.
type encodedNaming struct{}

func (encodedNaming) fileName(key string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(key))
	if len(encoded)+len(fileExt) > maxNameLen {
		return digestPrefix + digest(key) + fileExt
	}
	return encoded + fileExt
}

func (encodedNaming) key(name string) (string, bool) {
	encoded, ok := strings.CutSuffix(name, fileExt)
	if !ok || strings.HasPrefix(encoded, digestPrefix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// fileInfo describes one stored file as reported by the filesystem.
type fileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

var errQueueClosed = errors.New("artifact: disk queue closed")

// diskTier owns one directory. All filesystem access goes through a single
// background goroutine, so operations on the same key run in submission
// order. Concurrent reads of the same file are coalesced.
type diskTier struct {
	dir    string
	naming naming
	logger *slog.Logger

	mu     sync.RWMutex // guards closed and sends on jobs
	closed bool
	jobs   chan func()
	done   chan struct{}

	reads singleflight.Group
}

func newDiskTier(dir string, n naming, logger *slog.Logger) (*diskTier, error) {
	if dir == "" {
		return nil, errors.New("artifact: directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
	}

	d := &diskTier{
		dir:    dir,
		naming: n,
		logger: logger,
		jobs:   make(chan func(), 64),
		done:   make(chan struct{}),
	}
	go d.run()
	return d, nil
}

func (d *diskTier) run() {
	defer close(d.done)
	for job := range d.jobs {
		job()
	}
}

// submit queues job without waiting for it.
func (d *diskTier) submit(job func()) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return errQueueClosed
	}
	d.jobs <- job
	return nil
}

// do queues job and waits for it to finish.
func (d *diskTier) do(job func()) error {
	finished := make(chan struct{})
	if err := d.submit(func() {
		defer close(finished)
		job()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// flush waits until every job queued so far has run.
func (d *diskTier) flush() {
	_ = d.do(func() {})
}

// close drains the queue and stops the worker. Safe to call more than once.
func (d *diskTier) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	<-d.done
}

func (d *diskTier) path(name string) string {
	return filepath.Join(d.dir, name)
}

// write stores data atomically via a temp file and rename. Digest-named
// payloads get their key sidecar first. Must run on the queue.
func (d *diskTier) write(key string, data []byte) error {
	name := d.naming.fileName(key)
	if sidecar, ok := sidecarName(name); ok {
		if err := d.writeFile(sidecar, []byte(key)); err != nil {
			return fmt.Errorf("writing key for %s: %w", key, err)
		}
	}
	if err := d.writeFile(name, data); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (d *diskTier) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(d.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, d.path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// sidecarName returns the hidden file holding the key of a digest-named
// payload. list skips it because of the leading dot.
func sidecarName(name string) (string, bool) {
	if !strings.HasPrefix(name, digestPrefix) {
		return "", false
	}
	return "." + strings.TrimSuffix(name, fileExt) + sidecarExt, true
}

// keyOf recovers the key stored under name, reading the sidecar for
// digest names. Must run on the queue.
func (d *diskTier) keyOf(name string) (string, bool) {
	if key, ok := d.naming.key(name); ok {
		return key, true
	}
	sidecar, ok := sidecarName(name)
	if !ok {
		return "", false
	}
	raw, err := os.ReadFile(d.path(sidecar))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// read loads the file for key. Must run on the queue.
func (d *diskTier) read(key string) ([]byte, fileInfo, error) {
	name := d.naming.fileName(key)
	p := d.path(name)

	info, err := os.Stat(p)
	if err != nil {
		return nil, fileInfo{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fileInfo{}, err
	}
	return data, fileInfo{name: name, size: info.Size(), modTime: info.ModTime()}, nil
}

// removeName deletes one file and its key sidecar, if any. Missing files
// are not an error. Must run on the queue.
func (d *diskTier) removeName(name string) error {
	if err := removeFile(d.path(name)); err != nil {
		return err
	}
	if sidecar, ok := sidecarName(name); ok {
		return removeFile(d.path(sidecar))
	}
	return nil
}

func removeFile(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// list returns every stored file. Temp files and subdirectories are skipped.
// Must run on the queue.
func (d *diskTier) list() ([]fileInfo, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.dir, err)
	}

	files := make([]fileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}
		files = append(files, fileInfo{name: entry.Name(), size: info.Size(), modTime: info.ModTime()})
	}
	return files, nil
}

// removeAll deletes every stored file. Must run on the queue.
func (d *diskTier) removeAll() (int, error) {
	files, err := d.list()
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, f := range files {
		if err := d.removeName(f.name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// removeMatching deletes every file whose decoded key satisfies match.
// Must run on the queue.
func (d *diskTier) removeMatching(match func(key string) bool) (int, error) {
	files, err := d.list()
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, f := range files {
		key, ok := d.keyOf(f.name)
		if !ok || !match(key) {
			continue
		}
		if err := d.removeName(f.name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// keys returns the decoded keys of every stored file, sorted. Must run on the queue.
func (d *diskTier) keys() ([]string, error) {
	files, err := d.list()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(files))
	for _, f := range files {
		if key, ok := d.keyOf(f.name); ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// usage returns the file count and total bytes on disk. Must run on the queue.
func (d *diskTier) usage() (int, int64, error) {
	files, err := d.list()
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	return len(files), total, nil
}
