package imageboard

import "github.com/kpnc/server/internal/descriptor"

// Registry holds every supported site adapter in registration order
// (spec.md §9: "registry as plain insertion-ordered list, not a map
// keyed by name, so iteration order for url_matches probing is
// deterministic").
type Registry struct {
	adapters []Adapter
}

// NewRegistry constructs an empty Registry. Adapters are added with
// Register; the service wiring in internal/cli (serve) registers chan4 and dvach
// at startup instead of relying on package init() side effects, so
// tests can build a Registry with only the adapters they need.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a to the registry.
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []Adapter {
	return r.adapters
}

// ForSite returns the adapter whose Matches(sd) is true, if any.
func (r *Registry) ForSite(sd descriptor.SiteDescriptor) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Matches(sd) {
			return a, true
		}
	}
	return nil, false
}

// ForURL returns the first registered adapter whose URLMatches(url) is
// true, probed in registration order.
func (r *Registry) ForURL(url string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.URLMatches(url) {
			return a, true
		}
	}
	return nil, false
}
