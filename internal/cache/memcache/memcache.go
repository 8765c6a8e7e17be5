// Package memcache is the bounded in-memory key to payload cache consulted first by
// the resolver. It is never persisted.
package memcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/tilestream/internal/cache"
)

const DefaultSize = 4096

// Cache is safe for concurrent use; golang-lru locks internally.
type Cache struct {
	lru *lru.Cache[string, []byte]
}

func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	c, _ := lru.New[string, []byte](size)
	return &Cache{lru: c}
}

func (c *Cache) Get(key string) ([]byte, bool) { return c.lru.Get(key) }

func (c *Cache) Contains(key string) bool { return c.lru.Contains(key) }

func (c *Cache) Put(key string, data []byte) { c.lru.Add(key, data) }

func (c *Cache) Remove(key string) { c.lru.Remove(key) }

// RemoveTile drops every entry belonging to the tile of key and returns how many
// entries were removed.
func (c *Cache) RemoveTile(key string) int {
	tile, err := cache.TileOf(key)
	if err != nil {
		c.lru.Remove(key)
		return 0
	}
	n := 0
	for _, k := range c.lru.Keys() {
		if t, err := cache.TileOf(k); err == nil && t == tile {
			if c.lru.Remove(k) {
				n++
			}
		}
	}
	return n
}

// RemoveMatching drops every entry whose key satisfies match.
func (c *Cache) RemoveMatching(match func(key string) bool) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if match(k) && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

func (c *Cache) Len() int { return c.lru.Len() }

func (c *Cache) Purge() { c.lru.Purge() }
