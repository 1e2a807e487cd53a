// Package dialplan owns the routing graph: contexts, extensions,
// priorities, includes, ignore patterns and alternative switches, plus
// the hint registry derived from it. A Graph is built off-line by a
// loader and atomically installed into the live Dialplan with
// MergeAndReplace.
package dialplan

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/pbxcore/internal/devstate"
)

// Graph is an unshared set of contexts, typically produced by a loader
// before being merged into a Dialplan.
type Graph struct {
	contexts map[string]*Context
	order    []string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{contexts: make(map[string]*Context)}
}

// FindOrCreateContext returns the named context, creating it for
// registrar when missing. The refcount is incremented either way.
func (g *Graph) FindOrCreateContext(name, registrar string) *Context {
	c, ok := g.contexts[name]
	if !ok {
		c = newContext(name, registrar)
		g.contexts[name] = c
		g.order = append(g.order, name)
	}
	c.mu.Lock()
	c.refcount++
	c.mu.Unlock()
	return c
}

// Context returns the named context, or nil.
func (g *Graph) Context(name string) *Context { return g.contexts[name] }

// Contexts returns the contexts in creation order.
func (g *Graph) Contexts() []*Context {
	out := make([]*Context, 0, len(g.order))
	for _, n := range g.order {
		out = append(out, g.contexts[n])
	}
	return out
}

func (g *Graph) ensure(name, registrar string) *Context {
	c, ok := g.contexts[name]
	if !ok {
		c = newContext(name, registrar)
		g.contexts[name] = c
		g.order = append(g.order, name)
	}
	return c
}

func (g *Graph) remove(name string) {
	delete(g.contexts, name)
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}

// Options tune a Dialplan.
type Options struct {
	// UseTrie selects trie lookup over a linear scan of extension heads.
	UseTrie bool
	// Devices supplies device states for hint aggregation. Nil treats
	// every device as Unknown.
	Devices devstate.Provider
	// Now overrides the clock used for time-gated includes.
	Now func() time.Time
}

// Dialplan is the live, shared routing graph.
type Dialplan struct {
	mu    sync.RWMutex
	graph *Graph

	hints   *Hints
	logger  *slog.Logger
	useTrie bool
	nowFunc func() time.Time

	swMu     sync.RWMutex
	switches map[string]SwitchProvider
}

// New creates an empty live dialplan.
func New(opts Options, logger *slog.Logger) *Dialplan {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	dp := &Dialplan{
		graph:    NewGraph(),
		logger:   logger.With("subsystem", "dialplan"),
		useTrie:  opts.UseTrie,
		nowFunc:  now,
		switches: make(map[string]SwitchProvider),
	}
	dp.hints = newHints(dp, opts.Devices, logger)
	return dp
}

// Hints returns the hint registry.
func (dp *Dialplan) Hints() *Hints { return dp.hints }

// UseTrie reports whether lookups walk the pattern trie.
func (dp *Dialplan) UseTrie() bool { return dp.useTrie }

// FindOrCreateContext returns the named live context, creating it for
// registrar when missing. The refcount is incremented either way.
func (dp *Dialplan) FindOrCreateContext(name, registrar string) *Context {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	c := dp.graph.FindOrCreateContext(name, registrar)
	c.live.Store(dp)
	return c
}

// Context returns the named live context, or nil.
func (dp *Dialplan) Context(name string) *Context {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return dp.graph.Context(name)
}

// Contexts returns the live contexts in creation order.
func (dp *Dialplan) Contexts() []*Context {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return dp.graph.Contexts()
}

// ContextNames returns the sorted live context names.
func (dp *Dialplan) ContextNames() []string {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	names := append([]string(nil), dp.graph.order...)
	sort.Strings(names)
	return names
}

// AddExtension adds a priority to a live context, creating the context
// for the registrar when it does not exist.
func (dp *Dialplan) AddExtension(context string, s ExtensionSpec) error {
	dp.mu.Lock()
	c, ok := dp.graph.contexts[context]
	if !ok {
		c = dp.graph.ensure(context, s.Registrar)
		c.live.Store(dp)
	}
	dp.mu.Unlock()
	return c.AddExtension(s)
}

// RemoveExtension removes a priority from a live context.
func (dp *Dialplan) RemoveExtension(context, exten string, priority int, cid string, matchCID bool, registrar string) error {
	c := dp.Context(context)
	if c == nil {
		return &NotFoundError{Context: context}
	}
	return c.RemoveExtension(exten, priority, cid, matchCID, registrar)
}

// DestroyContext removes everything registrar owns in the named context,
// or in every context when name is empty, and drops one reference. A
// context is freed once its refcount reaches zero and nothing from
// another registrar remains in it.
func (dp *Dialplan) DestroyContext(name, registrar string) {
	dp.mu.Lock()
	var targets []*Context
	if name == "" {
		targets = dp.graph.Contexts()
	} else if c := dp.graph.contexts[name]; c != nil {
		targets = []*Context{c}
	}

	var changes []hintChange
	for _, c := range targets {
		c.mu.Lock()
		changes = append(changes, c.purgeLocked(registrar)...)
		if name != "" || c.registrar == registrar {
			if c.refcount > 0 {
				c.refcount--
			}
		}
		empty := len(c.exts) == 0 && len(c.includes) == 0 && len(c.switches) == 0 && len(c.ignores) == 0
		if c.refcount == 0 && empty {
			dp.graph.remove(c.name)
			c.live.Store(nil)
			dp.logger.Debug("context destroyed", "context", c.name, "registrar", registrar)
		}
		c.mu.Unlock()
	}
	dp.mu.Unlock()

	if len(changes) > 0 {
		dp.hints.apply(changes)
	}
}

// purgeLocked removes every item owned by registrar (all items when
// registrar is empty). The caller holds c.mu.
func (c *Context) purgeLocked(registrar string) []hintChange {
	owned := func(r string) bool { return registrar == "" || r == registrar }
	var changes []hintChange
	for _, ext := range append([]*Extension(nil), c.exts...) {
		for _, p := range ext.Priorities() {
			if !owned(p.Registrar) {
				continue
			}
			ext.remove(p.Number)
			if p.IsHint() {
				changes = append(changes, hintChange{context: c.name, exten: ext.name, removed: true})
			}
		}
		if len(ext.prios) == 0 {
			c.removeHead(ext)
		}
	}
	c.includes = filter(c.includes, func(i Include) bool { return !owned(i.Registrar) })
	c.ignores = filter(c.ignores, func(i IgnorePattern) bool { return !owned(i.Registrar) })
	c.switches = filter(c.switches, func(s Switch) bool { return !owned(s.Registrar) })
	return changes
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := in[:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// RegisterSwitchProvider installs the resolver for switches of the
// provider's name.
func (dp *Dialplan) RegisterSwitchProvider(p SwitchProvider) error {
	dp.swMu.Lock()
	defer dp.swMu.Unlock()
	key := strings.ToLower(p.Name())
	if _, ok := dp.switches[key]; ok {
		return ErrDuplicate
	}
	dp.switches[key] = p
	return nil
}

// UnregisterSwitchProvider removes a switch resolver.
func (dp *Dialplan) UnregisterSwitchProvider(name string) {
	dp.swMu.Lock()
	defer dp.swMu.Unlock()
	delete(dp.switches, strings.ToLower(name))
}

func (dp *Dialplan) switchProvider(name string) SwitchProvider {
	dp.swMu.RLock()
	defer dp.swMu.RUnlock()
	return dp.switches[strings.ToLower(name)]
}

// Stats reports the number of live contexts and extension heads.
func (dp *Dialplan) Stats() (contexts, extensions int) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	for _, c := range dp.graph.contexts {
		c.mu.RLock()
		extensions += len(c.exts)
		c.mu.RUnlock()
	}
	return len(dp.graph.contexts), extensions
}
