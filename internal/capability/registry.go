package capability

import (
	"fmt"
	"sort"

	"github.com/harrison/foundry/internal/models"
)

// Well-known capability names.
const (
	Architect = "architect"
	Builder   = "builder"
	QA        = "qa"
)

// Registry is the fixed set of capabilities assembled at process start.
// It is read-only after construction and safe for concurrent use.
type Registry struct {
	caps map[string]Capability
}

// NewRegistry registers caps by name. Nil entries, empty names and duplicate
// names are configuration errors.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{caps: make(map[string]Capability, len(caps))}
	for i, c := range caps {
		if c == nil {
			return nil, models.NewConfigurationError("capabilities", fmt.Sprintf("capability %d is nil", i))
		}
		name := c.Name()
		if name == "" {
			return nil, models.NewConfigurationError("capabilities", fmt.Sprintf("capability %d has no name", i))
		}
		if _, dup := r.caps[name]; dup {
			return nil, models.NewConfigurationError("capabilities", fmt.Sprintf("capability %q registered twice", name))
		}
		r.caps[name] = c
	}
	return r, nil
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.caps[name]
	return c, ok
}

// Require returns a configuration error naming the first missing capability.
func (r *Registry) Require(names ...string) error {
	for _, name := range names {
		if _, ok := r.Lookup(name); !ok {
			return models.NewConfigurationError("capabilities", fmt.Sprintf("capability %q is not registered", name))
		}
	}
	return nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
