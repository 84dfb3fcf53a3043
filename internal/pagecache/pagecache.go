// Package pagecache provides a small bounded cache of decoded page headers,
// keyed by page id, so hot cursor paths that repeatedly resolve the same
// branch pages within and across transactions skip re-parsing the header
// bytes on every lookup.
package pagecache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Header is the decoded subset of a page header worth caching: everything
// needed to know a page's shape without touching its element/body bytes.
type Header struct {
	Kind     uint8
	Count    uint16
	Overflow uint32
}

// Cache is a fixed-capacity LRU of page id to decoded Header. The zero
// value is not usable; construct with New.
type Cache struct {
	lru *lru.Cache[uint64, Header]
}

// New builds a Cache holding at most size entries. size must be positive.
func New(size int) (*Cache, error) {
	c, err := lru.New[uint64, Header](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Get returns the cached header for id, if present.
func (c *Cache) Get(id uint64) (Header, bool) {
	return c.lru.Get(id)
}

// Put records the decoded header for id, evicting the least recently used
// entry if the cache is full.
func (c *Cache) Put(id uint64, h Header) {
	c.lru.Add(id, h)
}

// Invalidate drops a single cached entry, used when a page id is reused
// for different content after a freelist allocation.
func (c *Cache) Invalidate(id uint64) {
	c.lru.Remove(id)
}

// Purge drops every cached entry. The store itself only invalidates single
// entries (see Invalidate) and never purges the whole cache.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
