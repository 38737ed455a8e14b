package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/perchlabs/perch/internal/pty"
)

// SessionInfo is a read-only view of one session for UI and control paths.
type SessionInfo struct {
	Key       string
	Command   string
	State     pty.State
	Cols      uint16
	Rows      uint16
	Viewers   int
	StartedAt time.Time
	ExitedAt  time.Time
	ExitCode  *int
}

// Cache mirrors session state for readers that must not enter the loop
// (list endpoints, status lines). Only the loop thread writes it; everyone
// else reads copies.
type Cache struct {
	mu       sync.RWMutex
	sessions map[string]SessionInfo
}

func newCache() *Cache {
	return &Cache{sessions: make(map[string]SessionInfo)}
}

// Get returns one session's info.
func (c *Cache) Get(key string) (SessionInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.sessions[key]
	return info, ok
}

// List returns all sessions ordered by key.
func (c *Cache) List() []SessionInfo {
	c.mu.RLock()
	out := make([]SessionInfo, 0, len(c.sessions))
	for _, info := range c.sessions {
		out = append(out, info)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (c *Cache) put(info SessionInfo) {
	c.mu.Lock()
	c.sessions[info.Key] = info
	c.mu.Unlock()
}

func (c *Cache) update(key string, fn func(*SessionInfo)) {
	c.mu.Lock()
	if info, ok := c.sessions[key]; ok {
		fn(&info)
		c.sessions[key] = info
	}
	c.mu.Unlock()
}
