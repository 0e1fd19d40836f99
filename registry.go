package espserial

import (
	"fmt"
	"sort"
	"sync"
)

// PortRegistry is the set of ports claimed by active sessions in this
// process. Port discovery never proposes a claimed port.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type PortRegistry struct {
	mu    sync.Mutex
	ports map[string]struct{}
}

var defaultRegistry = NewPortRegistry()

// DefaultRegistry returns the process-wide registry used when a device is
// not given one explicitly
func DefaultRegistry() *PortRegistry {
	return defaultRegistry
}

// NewPortRegistry creates an empty registry
func NewPortRegistry() *PortRegistry {
	return &PortRegistry{ports: make(map[string]struct{})}
}

// Claim marks port as occupied. It fails with ErrDeviceInUse if the port is
// already claimed.
func (r *PortRegistry) Claim(port string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ports[port]; ok {
		return fmt.Errorf("%s: %w", port, ErrDeviceInUse)
	}
	r.ports[port] = struct{}{}
	return nil
}

// Release frees a claimed port. Releasing an unclaimed port is a no-op.
func (r *PortRegistry) Release(port string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, port)
}

// Occupied reports whether port is currently claimed
func (r *PortRegistry) Occupied(port string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ports[port]
	return ok
}

// Snapshot returns the claimed ports, sorted
func (r *PortRegistry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ports := make([]string, 0, len(r.ports))
	for p := range r.ports {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	return ports
}

// exclude returns ports minus the claimed ones, keeping input order
func (r *PortRegistry) exclude(ports []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := make([]string, 0, len(ports))
	for _, p := range ports {
		if _, ok := r.ports[p]; !ok {
			free = append(free, p)
		}
	}
	return free
}
