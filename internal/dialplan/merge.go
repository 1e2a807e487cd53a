package dialplan

import (
	"context"
	"errors"
	"strings"
)

type storedHint struct {
	key       hintKey
	lastState ExtensionState
	watchers  []*watcher
}

// MergeAndReplace makes g the live graph on behalf of registrar. Items
// of every other registrar are carried over from the current graph; on
// a collision the item already in g wins. Watched hints are rebound to
// their equivalent in g, and watchers of hints that disappeared receive
// StateRemoved. g must not be used by the caller afterwards.
func (dp *Dialplan) MergeAndReplace(g *Graph, registrar string) {
	dp.mu.Lock()
	old := dp.graph

	var migrated, conflicts int
	for _, c := range old.Contexts() {
		m, k := migrateContext(dp, c, g, registrar)
		migrated += m
		conflicts += k
	}

	h := dp.hints
	h.mu.Lock()
	var stored []storedHint
	for _, hn := range h.hints {
		if len(hn.watchers) > 0 {
			stored = append(stored, storedHint{key: hn.key, lastState: hn.lastState, watchers: hn.watchers})
		}
	}

	dp.graph = g
	for _, c := range old.contexts {
		c.live.Store(nil)
	}
	for _, c := range g.contexts {
		c.live.Store(dp)
	}

	h.hints = make(map[hintKey]*hint)
	h.owner = make(map[int]hintKey)
	for _, c := range g.Contexts() {
		c.mu.RLock()
		for _, p := range c.hintPrioritiesLocked() {
			if strings.HasPrefix(p.exten, "_") {
				continue
			}
			h.track(hintKey{c.name, p.exten}, p)
		}
		c.mu.RUnlock()
	}

	var out []notification
	for _, sh := range stored {
		out = append(out, dp.rebind(sh)...)
	}
	h.mu.Unlock()
	contexts := len(g.contexts)
	dp.mu.Unlock()

	dp.logger.Info("dialplan merged",
		"registrar", registrar,
		"contexts", contexts,
		"migrated", migrated,
		"conflicts", conflicts,
		"rebound_hints", len(stored),
	)
	h.deliver(out)
}

// migrateContext copies everything in c not owned by registrar into
// the same-named context of g.
func migrateContext(dp *Dialplan, c *Context, g *Graph, registrar string) (migrated, conflicts int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target *Context
	dest := func() *Context {
		if target == nil {
			target = g.ensure(c.name, c.registrar)
			target.mu.Lock()
			if c.registrar != registrar && c.refcount > target.refcount {
				target.refcount = c.refcount
			}
			target.mu.Unlock()
		}
		return target
	}
	if c.registrar != registrar {
		dest()
	}

	for _, ext := range c.exts {
		for _, p := range ext.prios {
			if p.Registrar == registrar {
				continue
			}
			nc := dest()
			nc.mu.Lock()
			_, err := nc.addExtensionLocked(ExtensionSpec{
				Exten:     p.exten,
				CID:       p.cid,
				Priority:  p.Number,
				Label:     p.Label,
				App:       p.App,
				Data:      p.Data,
				Registrar: p.Registrar,
			})
			nc.mu.Unlock()
			if err != nil {
				conflicts++
				dp.logger.Warn("merge conflict, keeping new priority",
					"context", c.name, "priority", p.String(), "registrar", p.Registrar, "error", err)
				continue
			}
			migrated++
		}
	}

	for _, inc := range c.includes {
		if inc.Registrar == registrar {
			continue
		}
		if err := dest().AddInclude(inc.raw, inc.Registrar); err != nil && !errors.Is(err, ErrDuplicate) {
			dp.logger.Warn("include not migrated", "context", c.name, "include", inc.raw, "error", err)
		}
	}
	for _, ip := range c.ignores {
		if ip.Registrar == registrar {
			continue
		}
		if err := dest().AddIgnorePattern(ip.Pattern, ip.Registrar); err != nil && !errors.Is(err, ErrDuplicate) {
			dp.logger.Warn("ignore pattern not migrated", "context", c.name, "pattern", ip.Pattern, "error", err)
		}
	}
	for _, sw := range c.switches {
		if sw.Registrar == registrar {
			continue
		}
		if err := dest().AddSwitch(sw); err != nil && !errors.Is(err, ErrDuplicate) {
			dp.logger.Warn("switch not migrated", "context", c.name, "switch", sw.Name, "error", err)
		}
	}
	return migrated, conflicts
}

// track registers the hint priority p under key. The caller holds h.mu.
func (h *Hints) track(key hintKey, p *Priority) *hint {
	devices, name := splitHint(p.App)
	if p.Data != "" {
		name = p.Data
	}
	hn, ok := h.hints[key]
	if !ok {
		hn = &hint{key: key}
		h.hints[key] = hn
	}
	hn.devices, hn.name = devices, name
	hn.lastState = h.compute(devices)
	return hn
}

// rebind attaches the watchers of a hint from the previous graph to its
// equivalent in the new one. The caller holds dp.mu and h.mu.
func (dp *Dialplan) rebind(sh storedHint) []notification {
	h := dp.hints
	r := dp.findLocked(context.Background(), Query{
		Context:  sh.key.context,
		Exten:    sh.key.exten,
		Priority: PriorityHint,
		Mode:     ModeMatch,
	})
	if !r.OK() || r.Priority == nil || r.Context == nil {
		dp.logger.Info("watched hint removed by reload", "context", sh.key.context, "exten", sh.key.exten, "watchers", len(sh.watchers))
		return []notification{{key: sh.key, state: StateRemoved, watchers: sh.watchers}}
	}

	key := hintKey{r.Context.name, r.Extension.name}
	p := r.Priority
	if r.Extension.IsPattern() {
		c := r.Context
		c.mu.Lock()
		_, err := c.addExtensionLocked(ExtensionSpec{
			Exten:     sh.key.exten,
			Priority:  PriorityHint,
			App:       p.App,
			Data:      p.Data,
			Registrar: p.Registrar,
			Replace:   true,
		})
		c.mu.Unlock()
		if err != nil {
			dp.logger.Warn("materializing hint failed", "context", c.name, "exten", sh.key.exten, "error", err)
			return []notification{{key: sh.key, state: StateRemoved, watchers: sh.watchers}}
		}
		key.exten = sh.key.exten
	}

	hn, ok := h.hints[key]
	if !ok {
		hn = h.track(key, p)
	}
	current := hn.lastState
	hn.watchers = append(hn.watchers, sh.watchers...)
	for _, w := range sh.watchers {
		h.owner[w.id] = key
	}
	if current == sh.lastState {
		return nil
	}
	ws := make([]*watcher, 0, len(h.global)+len(hn.watchers))
	ws = append(ws, h.global...)
	ws = append(ws, hn.watchers...)
	return []notification{{key: key, state: current, watchers: ws}}
}
