package render

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"poweron/internal/logging"
)

const (
	defaultCacheTTL        = 10 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
	defaultMaxFiles        = 500
	defaultMaxFileAge      = 48 * time.Hour
)

// cacheRecord tracks one cached screenshot on disk.
type cacheRecord struct {
	path      string
	expiresAt time.Time
}

// fileCache keeps rendered screenshots on disk with a short in-memory TTL
// index. Files outlive their TTL records; a periodic sweep deletes files
// past the age cap and trims the directory to the file-count cap.
type fileCache struct {
	dir             string
	ttl             time.Duration
	cleanupInterval time.Duration
	maxFiles        int
	maxFileAge      time.Duration

	mu          sync.Mutex
	records     map[string]cacheRecord
	lastCleanup time.Time
}

func newFileCache(dir string, ttl time.Duration) (*fileCache, error) {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileCache{
		dir:             dir,
		ttl:             ttl,
		cleanupInterval: defaultCleanupInterval,
		maxFiles:        defaultMaxFiles,
		maxFileAge:      defaultMaxFileAge,
		records:         make(map[string]cacheRecord),
	}, nil
}

// pathFor maps a cache key to its on-disk location.
func (c *fileCache) pathFor(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".png")
}

// get returns the cached image for key when the record is fresh and the
// file still exists.
func (c *fileCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	rec, ok := c.records[key]
	c.mu.Unlock()
	if !ok || time.Now().After(rec.expiresAt) {
		return nil, false
	}
	data, err := os.ReadFile(rec.path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// put stores the image and registers a fresh TTL record.
func (c *fileCache) put(key string, data []byte) error {
	path := c.pathFor(key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	c.mu.Lock()
	c.records[key] = cacheRecord{path: path, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// maybeCleanup sweeps the cache directory at most once per interval.
func (c *fileCache) maybeCleanup() {
	c.mu.Lock()
	if time.Since(c.lastCleanup) < c.cleanupInterval {
		c.mu.Unlock()
		return
	}
	c.lastCleanup = time.Now()
	c.mu.Unlock()
	c.sweep()
}

type cacheFile struct {
	path  string
	mtime time.Time
}

// sweep removes files past the age cap, then trims to the count cap,
// newest first.
func (c *fileCache) sweep() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}

	now := time.Now()
	files := make([]cacheFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		if now.Sub(info.ModTime()) > c.maxFileAge {
			if err := os.Remove(path); err == nil {
				logging.RenderDebug("cache sweep removed aged file %s", e.Name())
			}
			continue
		}
		files = append(files, cacheFile{path: path, mtime: info.ModTime()})
	}

	if len(files) <= c.maxFiles {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
	for _, f := range files[c.maxFiles:] {
		_ = os.Remove(f.path)
	}
	logging.RenderDebug("cache sweep trimmed %d files over cap", len(files)-c.maxFiles)
}
