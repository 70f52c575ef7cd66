// Package contentcache implements the Content Cache: keyed in-memory
// file bodies with a dirty flag, created lazily on first read or
// write and destroyed by a successful flush.
//
// The cache never hands out a reference into its own map storage.
// Every read and write is funneled through a method that holds the
// cache's single mutex for the duration of the call, so no caller
// can retain a reference across a suspension point.
package contentcache

import (
	"sync"
	"time"

	"github.com/mredolatti/tf/internal/xerrors"
)

// Key identifies a cache entry by the (organization, server, ref)
// triple it was built from.
type Key string

// MakeKey packs (org, server, ref) into a Key.
func MakeKey(org, server, ref string) Key {
	return Key(org + "/" + server + "/" + ref)
}

type entry struct {
	bytes    []byte
	lastSync time.Time
	dirty    bool
}

// Cache is the Content Cache. The zero value is not usable; use New.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	now     func() time.Time
}

// New returns an empty Content Cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]*entry), now: time.Now}
}

// Has reports whether key has a resident entry.
func (c *Cache) Has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Put inserts bytes as a new, clean entry for key. It returns false
// if an entry already exists for key; callers that mean to overwrite
// must Drop first.
func (c *Cache) Put(key Key, bytes []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return false
	}
	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	c.entries[key] = &entry{bytes: cp, lastSync: c.now()}
	return true
}

// Drop removes the entry for key, returning false if there was none.
func (c *Cache) Drop(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// ReadAt copies into dst the bytes of key's entry starting at offset,
// clamped to the cached length; reading past end-of-file returns 0
// bytes. It returns NotFound if key has no entry.
func (c *Cache) ReadAt(key Key, dst []byte, offset int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, xerrors.E("contentcache.ReadAt", xerrors.NotFound)
	}
	if offset < 0 || offset >= int64(len(e.bytes)) {
		return 0, nil
	}
	n := copy(dst, e.bytes[offset:])
	return n, nil
}

// WriteAt writes buf into key's entry at offset, growing the backing
// buffer (zero-filling any gap) as needed, and marks the entry dirty.
// If key has no entry yet, one is created from empty bytes first, so
// the first write to a not-yet-resident file works without a prior
// fetch. It returns the number of bytes written.
func (c *Cache) WriteAt(key Key, buf []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, xerrors.E("contentcache.WriteAt", xerrors.Str("negative offset"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	needed := offset + int64(len(buf))
	if needed > int64(len(e.bytes)) {
		grown := make([]byte, needed)
		copy(grown, e.bytes)
		e.bytes = grown
	}
	n := copy(e.bytes[offset:], buf)
	e.lastSync = c.now()
	e.dirty = true
	return n, nil
}

// Dirty reports whether key's entry is dirty. It returns false (not
// an error) if key has no entry, since an absent entry trivially has
// nothing to flush.
func (c *Cache) Dirty(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.dirty
}

// Snapshot returns a copy of key's current bytes, for callers (flush)
// that need to hand the whole body to a remote write without holding
// the cache lock for the duration of the network call.
func (c *Cache) Snapshot(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(e.bytes))
	copy(cp, e.bytes)
	return cp, true
}

// Len returns the cached length of key's entry, or false if absent.
func (c *Cache) Len(key Key) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return len(e.bytes), true
}
