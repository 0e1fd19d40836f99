package espserial

import (
	"sort"
	"sync"
)

// AffinityCache remembers which target was last bound on which port. It is
// a hint used to try likely ports first during discovery; a hit is never
// taken as proof of what is connected.
//
// One cache handle can be shared by every device created in a process run.
// Writes are serialized, so concurrent device construction never loses an
// update. Contents are not persisted.
type AffinityCache struct {
	mu      sync.RWMutex
	targets map[string]string
}

// NewAffinityCache creates an empty cache
func NewAffinityCache() *AffinityCache {
	return &AffinityCache{targets: make(map[string]string)}
}

// Get returns the last target bound on port
func (c *AffinityCache) Get(port string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.targets[port]
	return t, ok
}

// Set records target for port, replacing any previous entry
func (c *AffinityCache) Set(port, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[port] = target
}

// Len returns the number of cached ports
func (c *AffinityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.targets)
}

// PortsFor returns the ports last bound to target, sorted
func (c *AffinityCache) PortsFor(target string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ports []string
	for p, t := range c.targets {
		if t == target {
			ports = append(ports, p)
		}
	}
	sort.Strings(ports)
	return ports
}

// Snapshot returns a copy of the cache contents
func (c *AffinityCache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.targets))
	for p, t := range c.targets {
		out[p] = t
	}
	return out
}
