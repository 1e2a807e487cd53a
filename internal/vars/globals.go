package vars

import (
	"sort"
	"sync"
)

// Globals is the process-wide variable map.
type Globals struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewGlobals returns an empty globals map.
func NewGlobals() *Globals {
	return &Globals{vars: make(map[string]string)}
}

// Get returns the value of a global variable.
func (g *Globals) Get(name string) (string, bool) {
	name, _ = SplitName(name)
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vars[name]
	return v, ok
}

// Set assigns a global. An empty value removes it.
func (g *Globals) Set(name, value string) {
	name, _ = SplitName(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	if value == "" {
		delete(g.vars, name)
		return
	}
	g.vars[name] = value
}

// Replace swaps the whole map, as a dialplan reload does.
func (g *Globals) Replace(vals map[string]string) {
	m := make(map[string]string, len(vals))
	for k, v := range vals {
		k, _ = SplitName(k)
		m[k] = v
	}
	g.mu.Lock()
	g.vars = m
	g.mu.Unlock()
}

// Names returns the sorted names of all globals.
func (g *Globals) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.vars))
	for k := range g.vars {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
