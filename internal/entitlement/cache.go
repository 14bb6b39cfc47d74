package entitlement

import "sync"

type FeatureType string

const (
	PoemType   FeatureType = "poem_type"
	Frame      FeatureType = "frame"
	PoemLength FeatureType = "poem_length"
)

type cacheKey struct {
	Type FeatureType
	ID   string
}

// Cache memoizes access decisions for the life of a session. Entries never
// expire.
type Cache struct {
	mu sync.Mutex
	m  map[cacheKey]bool
}

func NewCache() *Cache {
	return &Cache{m: make(map[cacheKey]bool)}
}

func (c *Cache) Get(ft FeatureType, id string) (hasAccess bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hasAccess, ok = c.m[cacheKey{Type: ft, ID: id}]
	return hasAccess, ok
}

func (c *Cache) Set(ft FeatureType, id string, hasAccess bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.m[cacheKey{Type: ft, ID: id}] = hasAccess
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
