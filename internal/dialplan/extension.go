package dialplan

import (
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/flowpbx/pbxcore/internal/pattern"
)

// PriorityHint is the priority number of a hint. A hint binds no action;
// its App holds the device expression.
const PriorityHint = -1

// Priority is one step of an extension. Priorities are immutable once
// added; replacing one installs a new value.
type Priority struct {
	Number    int
	Label     string
	App       string
	Data      string
	Registrar string

	context  string
	exten    string
	cid      string
	matchCID bool

	cache atomic.Pointer[cachedApp]
}

type cachedApp struct{ handle any }

// Context returns the name of the context holding the priority.
func (p *Priority) Context() string { return p.context }

// Exten returns the extension name, "_"-prefixed for patterns.
func (p *Priority) Exten() string { return p.exten }

// CallerID returns the caller id pattern of the owning extension and
// whether it matches on caller id at all.
func (p *Priority) CallerID() (string, bool) { return p.cid, p.matchCID }

// IsHint reports whether this is a hint priority.
func (p *Priority) IsHint() bool { return p.Number == PriorityHint }

// CachedApp returns the memoized action handle, or nil.
func (p *Priority) CachedApp() any {
	if c := p.cache.Load(); c != nil {
		return c.handle
	}
	return nil
}

// SetCachedApp memoizes the action handle resolved for App.
func (p *Priority) SetCachedApp(h any) {
	if h == nil {
		p.cache.Store(nil)
		return
	}
	p.cache.Store(&cachedApp{handle: h})
}

func (p *Priority) String() string {
	n := strconv.Itoa(p.Number)
	if p.IsHint() {
		n = "hint"
	}
	return p.exten + "@" + p.context + ":" + n
}

// Extension is an extension head: every priority registered for one
// (pattern, caller id pattern) pair, in ascending priority order.
type Extension struct {
	name     string
	cid      string
	matchCID bool
	exten    *pattern.Pattern
	cidPat   *pattern.Pattern

	prios   []*Priority
	byLabel map[string]*Priority
}

// Name returns the canonical extension name.
func (e *Extension) Name() string { return e.name }

// CallerID returns the caller id pattern and whether it is used.
func (e *Extension) CallerID() (string, bool) { return e.cid, e.matchCID }

// IsPattern reports whether the extension is a "_" pattern.
func (e *Extension) IsPattern() bool { return e.exten.IsPattern }

// Pattern returns the compiled extension pattern.
func (e *Extension) Pattern() *pattern.Pattern { return e.exten }

// Priorities returns the priorities in ascending order, hint first.
func (e *Extension) Priorities() []*Priority {
	out := make([]*Priority, len(e.prios))
	copy(out, e.prios)
	return out
}

// Priority returns the priority with number n, or nil.
func (e *Extension) Priority(n int) *Priority {
	i := sort.Search(len(e.prios), func(i int) bool { return e.prios[i].Number >= n })
	if i < len(e.prios) && e.prios[i].Number == n {
		return e.prios[i]
	}
	return nil
}

// Label returns the priority carrying label, or nil.
func (e *Extension) Label(label string) *Priority {
	return e.byLabel[label]
}

// Hint returns the hint priority, or nil.
func (e *Extension) Hint() *Priority { return e.Priority(PriorityHint) }

// matchesCID reports whether callerID satisfies the extension's caller
// id qualifier.
func (e *Extension) matchesCID(callerID string) bool {
	if !e.matchCID {
		return true
	}
	return e.cidPat.Match(callerID, pattern.ModeMatch)
}

// insert places p in number order, replacing an existing priority with
// the same number. It returns the replaced priority.
func (e *Extension) insert(p *Priority) *Priority {
	i := sort.Search(len(e.prios), func(i int) bool { return e.prios[i].Number >= p.Number })
	var old *Priority
	if i < len(e.prios) && e.prios[i].Number == p.Number {
		old = e.prios[i]
		e.prios[i] = p
		if old.Label != "" {
			delete(e.byLabel, old.Label)
		}
	} else {
		e.prios = append(e.prios, nil)
		copy(e.prios[i+1:], e.prios[i:])
		e.prios[i] = p
	}
	if p.Label != "" {
		e.byLabel[p.Label] = p
	}
	return old
}

func (e *Extension) remove(n int) *Priority {
	i := sort.Search(len(e.prios), func(i int) bool { return e.prios[i].Number >= n })
	if i >= len(e.prios) || e.prios[i].Number != n {
		return nil
	}
	p := e.prios[i]
	e.prios = append(e.prios[:i], e.prios[i+1:]...)
	if p.Label != "" {
		delete(e.byLabel, p.Label)
	}
	return p
}

// compareExtensions orders heads by pattern specificity; for the same
// pattern a caller id qualified head sorts first.
func compareExtensions(a, b *Extension) int {
	if c := pattern.Compare(a.exten, b.exten); c != 0 {
		return c
	}
	switch {
	case a.matchCID && !b.matchCID:
		return -1
	case !a.matchCID && b.matchCID:
		return 1
	case a.matchCID && b.matchCID:
		return pattern.Compare(a.cidPat, b.cidPat)
	}
	return 0
}
