package storage

import "sync"

// configCache is the in-memory view of the backend config table/hash shared
// by all Store implementations. Hot request paths read dynamic settings from
// it without touching the backend.
type configCache struct {
	mu   sync.RWMutex
	data map[string]any
}

func newConfigCache() *configCache {
	return &configCache{data: map[string]any{}}
}

func (c *configCache) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *configCache) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *configCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

func (c *configCache) replace(data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
}

func (c *configCache) all() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}
