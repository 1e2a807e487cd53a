package dialplan

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/pbxcore/internal/pattern"
)

// MaxIncludeDepth bounds the number of contexts one lookup may visit.
const MaxIncludeDepth = 128

// Mode selects what a lookup asks for.
type Mode int

const (
	// ModeMatch requires an exact match with the requested priority.
	ModeMatch Mode = iota
	// ModeSpawn is ModeMatch on behalf of an executing call.
	ModeSpawn
	// ModeFindLabel resolves Query.Label instead of Query.Priority.
	ModeFindLabel
	// ModeCanMatch succeeds when the dialed string matches now or could
	// match with more digits.
	ModeCanMatch
	// ModeMatchMore succeeds only when more digits could still match.
	ModeMatchMore
)

func (m Mode) String() string {
	switch m {
	case ModeMatch:
		return "match"
	case ModeSpawn:
		return "spawn"
	case ModeFindLabel:
		return "findlabel"
	case ModeCanMatch:
		return "canmatch"
	case ModeMatchMore:
		return "matchmore"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) pattern() pattern.Mode {
	switch m {
	case ModeCanMatch:
		return pattern.ModeCanMatch
	case ModeMatchMore:
		return pattern.ModeMatchMore
	}
	return pattern.ModeMatch
}

// Status classifies a lookup. Statuses are ordered: a lookup reports the
// furthest it got across every context it visited.
type Status int

const (
	StatusNoContext Status = iota
	StatusNoExtension
	StatusNoPriority
	StatusNoLabel
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusNoContext:
		return "no context"
	case StatusNoExtension:
		return "no extension"
	case StatusNoPriority:
		return "no priority"
	case StatusNoLabel:
		return "no label"
	case StatusSuccess:
		return "success"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Query is a lookup request.
type Query struct {
	Context  string
	Exten    string
	Priority int
	Label    string
	CallerID string
	Mode     Mode
	// Substitute expands switch data for switches that ask for it.
	Substitute func(string) string
}

// Result is the outcome of a lookup.
type Result struct {
	Status Status
	// Context is the context the match was found in, which may be an
	// included one.
	Context   *Context
	Extension *Extension
	Priority  *Priority
	// Switch is set when an alternative switch claimed the extension.
	Switch *SwitchMatch
}

// OK reports whether the lookup succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// ContextName returns the name of the context the result was found in.
func (r Result) ContextName() string {
	switch {
	case r.Context != nil:
		return r.Context.name
	case r.Switch != nil:
		return r.Switch.Request.Context
	}
	return ""
}

type search struct {
	q       Query
	now     time.Time
	status  Status
	visited []string
}

func (s *search) raise(st Status) {
	if st > s.status {
		s.status = st
	}
}

func (s *search) seen(name string) bool {
	for _, v := range s.visited {
		if v == name {
			return true
		}
	}
	return false
}

// Find resolves q against the live graph. The whole lookup observes one
// graph: a concurrent MergeAndReplace happens entirely before or after.
func (dp *Dialplan) Find(ctx context.Context, q Query) Result {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return dp.findLocked(ctx, q)
}

// TryFind is Find that gives up with ErrDeadlockAvoided when the graph
// is write-locked for longer than a few short retries.
func (dp *Dialplan) TryFind(ctx context.Context, q Query) (Result, error) {
	const attempts = 10
	for i := 0; i < attempts; i++ {
		if dp.mu.TryRLock() {
			defer dp.mu.RUnlock()
			return dp.findLocked(ctx, q), nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return Result{}, ErrDeadlockAvoided
}

func (dp *Dialplan) findLocked(ctx context.Context, q Query) Result {
	s := &search{q: q, now: dp.nowFunc()}
	if r, ok := dp.searchContext(ctx, s, q.Context); ok {
		r.Status = StatusSuccess
		return r
	}
	return Result{Status: s.status}
}

func (dp *Dialplan) searchContext(ctx context.Context, s *search, name string) (Result, bool) {
	if len(s.visited) >= MaxIncludeDepth {
		dp.logger.Warn("include depth exceeded", "context", s.q.Context, "exten", s.q.Exten, "depth", len(s.visited))
		return Result{}, false
	}
	if s.seen(name) {
		return Result{}, false
	}
	c := dp.graph.contexts[name]
	if c == nil {
		return Result{}, false
	}
	s.visited = append(s.visited, name)
	s.raise(StatusNoExtension)

	c.mu.RLock()
	ext, prio := dp.localMatch(c, s)
	includes := append([]Include(nil), c.includes...)
	switches := append([]Switch(nil), c.switches...)
	c.mu.RUnlock()
	if ext != nil {
		return Result{Context: c, Extension: ext, Priority: prio}, true
	}

	for _, sw := range switches {
		if r, ok := dp.trySwitch(ctx, s, c, sw); ok {
			return r, true
		}
	}

	for _, inc := range includes {
		if !inc.Valid(s.now) {
			continue
		}
		if r, ok := dp.searchContext(ctx, s, inc.Name); ok {
			return r, true
		}
	}
	return Result{}, false
}

// localMatch finds the most specific head carrying the requested
// priority or label. A head that matches but lacks it does not hide a
// less specific head that has it. The caller holds c.mu for reading.
func (dp *Dialplan) localMatch(c *Context, s *search) (*Extension, *Priority) {
	pick := func(e *Extension) *Priority {
		if s.q.Mode == ModeFindLabel {
			s.raise(StatusNoLabel)
			return e.Label(s.q.Label)
		}
		s.raise(StatusNoPriority)
		return e.Priority(s.q.Priority)
	}
	mode := s.q.Mode.pattern()

	if dp.useTrie {
		var prio *Priority
		var found *Extension
		t := c.loadTrie()
		_, ok := t.Lookup(s.q.Exten, s.q.CallerID, mode, func(r pattern.Ref) bool {
			e := c.resolve(r)
			if e == nil {
				return false
			}
			if p := pick(e); p != nil {
				found, prio = e, p
				return true
			}
			return false
		})
		if ok {
			return found, prio
		}
		return nil, nil
	}

	for _, e := range c.exts {
		if !e.exten.Match(s.q.Exten, mode) || !e.matchesCID(s.q.CallerID) {
			continue
		}
		if p := pick(e); p != nil {
			return e, p
		}
	}
	return nil, nil
}

func (dp *Dialplan) trySwitch(ctx context.Context, s *search, c *Context, sw Switch) (Result, bool) {
	if s.q.Mode == ModeFindLabel {
		return Result{}, false
	}
	p := dp.switchProvider(sw.Name)
	if p == nil {
		dp.logger.Warn("no switch provider registered", "switch", sw.Name, "context", c.name)
		return Result{}, false
	}
	data := sw.Data
	if sw.Eval && s.q.Substitute != nil {
		data = s.q.Substitute(data)
	}
	req := SwitchRequest{
		Context:  c.name,
		Exten:    s.q.Exten,
		Priority: s.q.Priority,
		CallerID: s.q.CallerID,
		Data:     data,
	}
	var (
		ok  bool
		err error
	)
	switch s.q.Mode {
	case ModeCanMatch:
		ok, err = p.CanMatch(ctx, req)
	case ModeMatchMore:
		ok, err = p.MatchMore(ctx, req)
	default:
		ok, err = p.Exists(ctx, req)
	}
	if err != nil {
		dp.logger.Error("switch lookup failed", "switch", sw.Name, "context", c.name, "exten", s.q.Exten, "error", err)
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	return Result{Switch: &SwitchMatch{Provider: p, Request: req}}, true
}

// Exists reports whether context/exten has the given priority.
func (dp *Dialplan) Exists(ctx context.Context, contextName, exten string, priority int, callerID string) bool {
	return dp.Find(ctx, Query{Context: contextName, Exten: exten, Priority: priority, CallerID: callerID, Mode: ModeMatch}).OK()
}

// CanMatch reports whether exten matches now or could with more digits.
func (dp *Dialplan) CanMatch(ctx context.Context, contextName, exten string, priority int, callerID string) bool {
	return dp.Find(ctx, Query{Context: contextName, Exten: exten, Priority: priority, CallerID: callerID, Mode: ModeCanMatch}).OK()
}

// MatchMore reports whether more digits could still match.
func (dp *Dialplan) MatchMore(ctx context.Context, contextName, exten string, priority int, callerID string) bool {
	return dp.Find(ctx, Query{Context: contextName, Exten: exten, Priority: priority, CallerID: callerID, Mode: ModeMatchMore}).OK()
}

// FindLabel returns the priority number carrying label.
func (dp *Dialplan) FindLabel(ctx context.Context, contextName, exten, label, callerID string) (int, bool) {
	r := dp.Find(ctx, Query{Context: contextName, Exten: exten, Label: label, CallerID: callerID, Mode: ModeFindLabel})
	if !r.OK() || r.Priority == nil {
		return 0, false
	}
	return r.Priority.Number, true
}

// IgnorePattern reports whether digits matches an ignore pattern of the
// named context.
func (dp *Dialplan) IgnorePattern(contextName, digits string) bool {
	c := dp.Context(contextName)
	return c != nil && c.Ignores(digits)
}
