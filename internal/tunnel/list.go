package tunnel

import (
	"sort"
	"sync"
)

// List is the manager's live set of tunnels, keyed and ordered by name.
type List struct {
	mu     sync.RWMutex
	byName map[string]*Tunnel
}

func newList() *List {
	return &List{byName: map[string]*Tunnel{}}
}

// Get returns the named tunnel or nil.
func (l *List) Get(name string) *Tunnel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byName[name]
}

// All returns the tunnels sorted by name.
func (l *List) All() []*Tunnel {
	l.mu.RLock()
	out := make([]*Tunnel, 0, len(l.byName))
	for _, t := range l.byName {
		out = append(out, t)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Names returns the tunnel names in sorted order.
func (l *List) Names() []string {
	all := l.All()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.name
	}
	return names
}

// Len returns the number of tunnels.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byName)
}

func (l *List) add(t *Tunnel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byName[t.name]; ok {
		return false
	}
	l.byName[t.name] = t
	return true
}

func (l *List) remove(t *Tunnel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byName[t.name] == t {
		delete(l.byName, t.name)
	}
}
