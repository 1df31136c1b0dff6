package conversion

import (
	"github.com/patrickmn/go-cache"
)

// Cache remembers which subjects already have a canonical anatomical volume.
// Its scope is one batch run; it is safe for concurrent use.
type Cache struct {
	items *cache.Cache
}

// NewCache creates an empty cache whose entries never expire
func NewCache() *Cache {
	return &Cache{items: cache.New(cache.NoExpiration, 0)}
}

// Lookup returns the anatomical volume path recorded for subjectID
func (c *Cache) Lookup(subjectID string) (string, bool) {
	v, ok := c.items.Get(subjectID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Store records the anatomical volume path for subjectID
func (c *Cache) Store(subjectID, path string) {
	c.items.Set(subjectID, path, cache.NoExpiration)
}

// Len returns the number of converted subjects
func (c *Cache) Len() int {
	return c.items.ItemCount()
}
