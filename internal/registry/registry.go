// Package registry holds the router's view of the fleet: which agent owns
// which routing keywords, and which agents are currently reachable.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/mtzanidakis/agora/internal/config"
)

var (
	ErrDuplicateKeyword = errors.New("keyword claimed by more than one agent")
	ErrDuplicateAgent   = errors.New("duplicate agent")
)

// Capability is one routable agent and its keywords, lowercased, in
// configuration order.
type Capability struct {
	Agent    string   `json:"agent"`
	Keywords []string `json:"keywords"`
}

type Registry struct {
	mu    sync.RWMutex
	caps  []Capability
	exact map[string]string
	defs  map[string]config.AgentDefinition
}

// New validates agents and builds the registry. Agents without keywords are
// addressable but never routed to.
func New(agents []config.AgentDefinition) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(agents); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps in a new agent table. On a validation error the current
// table is kept.
func (r *Registry) Replace(agents []config.AgentDefinition) error {
	caps := make([]Capability, 0, len(agents))
	exact := make(map[string]string)
	defs := make(map[string]config.AgentDefinition, len(agents))

	for _, def := range agents {
		if def.Name == "" {
			return fmt.Errorf("register agent: empty name")
		}
		if _, ok := defs[def.Name]; ok {
			return fmt.Errorf("register agent %s: %w", def.Name, ErrDuplicateAgent)
		}
		defs[def.Name] = def

		var kws []string
		for _, kw := range def.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if owner, ok := exact[kw]; ok {
				if owner == def.Name {
					continue
				}
				return fmt.Errorf("register %s keyword %q (owned by %s): %w", def.Name, kw, owner, ErrDuplicateKeyword)
			}
			exact[kw] = def.Name
			kws = append(kws, kw)
		}
		if len(kws) > 0 {
			caps = append(caps, Capability{Agent: def.Name, Keywords: kws})
		}
	}

	r.mu.Lock()
	r.caps = caps
	r.exact = exact
	r.defs = defs
	r.mu.Unlock()
	return nil
}

// Capabilities returns a copy of the routable agents in registration order.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, len(r.caps))
	for i, c := range r.caps {
		out[i] = Capability{Agent: c.Agent, Keywords: slices.Clone(c.Keywords)}
	}
	return out
}

// Exact returns the agent owning keyword, if any.
func (r *Registry) Exact(keyword string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.exact[strings.ToLower(keyword)]
	return a, ok
}

func (r *Registry) Definition(name string) (config.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Definition(name)
	return ok
}
