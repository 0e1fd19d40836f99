package espserial

// PortLister proposes candidate ports for discovery
type PortLister interface {
	List() ([]string, error)
}

// HostPortLister lists host ports and drops those claimed in Registry.
// The result carries no ordering guarantee.
type HostPortLister struct {
	Source   func() ([]string, error)
	Registry *PortRegistry
}

// List returns the unclaimed host ports
func (l *HostPortLister) List() ([]string, error) {
	source := l.Source
	if source == nil {
		source = ListPorts
	}

	ports, err := source()
	if err != nil {
		return nil, err
	}

	registry := l.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	return registry.exclude(dedupe(ports)), nil
}

func dedupe(ports []string) []string {
	seen := make(map[string]struct{}, len(ports))
	out := ports[:0:0]
	for _, p := range ports {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
