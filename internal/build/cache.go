package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/kilnhq/kilnd/internal/paths"
)

// A cached step result.
type cacheEntry struct {
	Digest digest.Digest `json:"digest"` // Compressed layer digest.
	DiffID digest.Digest `json:"diffID"` // Uncompressed layer digest.
	Size   int64         `json:"size"`   // Compressed size in bytes.
}

// Persistent map from step keys to layer descriptors.
//
// The key covers the parent layer and the full step inputs, so a hit means
// the step would reproduce the exact same layer. Stored as a single JSON
// file, rewritten atomically on every addition.
type Cache struct {
	path string

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// Opens the cache file, creating an empty cache when it does not exist.
func OpenCache(path string) (*Cache, error) {
	c := &Cache{path: path, entries: make(map[string]cacheEntry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		// A corrupt cache costs rebuild time, not correctness.
		c.entries = make(map[string]cacheEntry)
	}

	return c, nil
}

// Looks up a step result.
func (c *Cache) Get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// Records a step result and persists the cache.
func (c *Cache) Put(key string, entry cacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry

	data, err := json.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, paths.DefaultFileMode); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrCache, err)
	}

	return nil
}

// Derives the cache key for a step.
//
// parent is the digest of the previous layer in the chain, or empty at the
// start of the chain, so a change to any earlier layer shifts the keys of
// every later step.
func cacheKey(parent digest.Digest, stepDigest digest.Digest) string {
	return digest.FromString(parent.String() + "\x00" + stepDigest.String()).String()
}
