package registry

import (
	"sort"
	"sync"
	"time"
)

// Discovery is the set of agents confirmed reachable, with the time each
// was last confirmed.
type Discovery struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

func NewDiscovery() *Discovery {
	return &Discovery{seen: make(map[string]time.Time)}
}

func (d *Discovery) Add(name string, at time.Time) {
	d.mu.Lock()
	d.seen[name] = at
	d.mu.Unlock()
}

// Remove drops name and reports whether it was present.
func (d *Discovery) Remove(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[name]
	delete(d.seen, name)
	return ok
}

func (d *Discovery) Contains(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.seen[name]
	return ok
}

// LastSeen returns when name was last confirmed reachable.
func (d *Discovery) LastSeen(name string) (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.seen[name]
	return t, ok
}

// Members returns the discovered agents in sorted order.
func (d *Discovery) Members() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.seen))
	for name := range d.seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Retain drops every member for which keep returns false.
func (d *Discovery) Retain(keep func(name string) bool) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var dropped []string
	for name := range d.seen {
		if !keep(name) {
			delete(d.seen, name)
			dropped = append(dropped, name)
		}
	}
	sort.Strings(dropped)
	return dropped
}
