package dialplan

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/pbxcore/internal/pattern"
	"github.com/flowpbx/pbxcore/internal/timespec"
)

// Include is an edge into another context, optionally gated by a time
// specification.
type Include struct {
	Name      string
	Registrar string
	raw       string
	when      *timespec.Spec
}

// String returns the include as written: "ctx" or "ctx,timespec".
func (i Include) String() string { return i.raw }

// Valid reports whether the include applies at t.
func (i Include) Valid(t time.Time) bool {
	return i.when == nil || i.when.Check(t)
}

// IgnorePattern suppresses waiting for more digits once the dialed
// string matches it.
type IgnorePattern struct {
	Pattern   string
	Registrar string
	compiled  *pattern.Pattern
}

// Switch is an alternative resolver consulted after local extensions.
type Switch struct {
	Name string
	Data string
	// Eval requests variable substitution of Data at lookup time.
	Eval      bool
	Registrar string
}

type extKey struct {
	exten string
	cid   string
}

type slot struct {
	ext *Extension
	gen uint32
}

// Context is a named routing namespace.
type Context struct {
	mu        sync.RWMutex
	name      string
	registrar string
	refcount  int

	exts     []*Extension
	byKey    map[extKey]*Extension
	slots    []slot
	free     []int
	includes []Include
	ignores  []IgnorePattern
	switches []Switch

	trieMu sync.Mutex
	trie   atomic.Pointer[pattern.Trie]

	// live is set while the context belongs to a running Dialplan.
	live atomic.Pointer[Dialplan]
}

func newContext(name, registrar string) *Context {
	return &Context{
		name:      name,
		registrar: registrar,
		byKey:     make(map[extKey]*Extension),
	}
}

// Name returns the context name.
func (c *Context) Name() string { return c.name }

// Registrar returns the registrar that created the context.
func (c *Context) Registrar() string { return c.registrar }

// Refcount returns the number of holders of the context.
func (c *Context) Refcount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refcount
}

// Extensions returns the extension heads in specificity order.
func (c *Context) Extensions() []*Extension {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Extension, len(c.exts))
	copy(out, c.exts)
	return out
}

// Includes returns the includes in the order they were added.
func (c *Context) Includes() []Include {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Include(nil), c.includes...)
}

// IgnorePatterns returns the ignore patterns.
func (c *Context) IgnorePatterns() []IgnorePattern {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]IgnorePattern(nil), c.ignores...)
}

// Switches returns the alternative switches.
func (c *Context) Switches() []Switch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Switch(nil), c.switches...)
}

// ExtensionSpec describes a priority to add.
type ExtensionSpec struct {
	// Exten is the extension name; a "/cid" suffix is accepted when CID
	// is empty.
	Exten     string
	CID       string
	Priority  int
	Label     string
	App       string
	Data      string
	Registrar string
	// Replace allows overwriting an existing priority.
	Replace bool
}

// hintChange describes the effect of a mutation on hint priorities.
type hintChange struct {
	context string
	exten   string
	devices string
	name    string
	removed bool
}

// AddExtension adds one priority. A malformed pattern returns a
// *pattern.PatternSyntaxError and leaves the context unchanged.
func (c *Context) AddExtension(s ExtensionSpec) error {
	c.mu.Lock()
	change, err := c.addExtensionLocked(s)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if dp := c.live.Load(); dp != nil && change != nil {
		dp.hints.apply([]hintChange{*change})
	}
	return nil
}

func (c *Context) addExtensionLocked(s ExtensionSpec) (*hintChange, error) {
	name, cid := s.Exten, s.CID
	if cid == "" {
		if e, cc, ok := pattern.Split(name); ok {
			name, cid = e, cc
		}
	}
	exten, err := pattern.Compile(name)
	if err != nil {
		return nil, err
	}
	var cidPat *pattern.Pattern
	if cid != "" {
		if cidPat, err = pattern.Compile(cid); err != nil {
			return nil, err
		}
	}
	if s.Priority == 0 || s.Priority < PriorityHint {
		return nil, fmt.Errorf("invalid priority %d for %s@%s", s.Priority, name, c.name)
	}

	key := extKey{exten: exten.String()}
	if cidPat != nil {
		key.cid = cidPat.String()
	}
	p := &Priority{
		Number:    s.Priority,
		Label:     s.Label,
		App:       s.App,
		Data:      s.Data,
		Registrar: s.Registrar,
		context:   c.name,
		exten:     key.exten,
		cid:       key.cid,
		matchCID:  cidPat != nil,
	}

	ext, ok := c.byKey[key]
	if !ok {
		ext = &Extension{
			name:     key.exten,
			cid:      key.cid,
			matchCID: cidPat != nil,
			exten:    exten,
			cidPat:   cidPat,
			byLabel:  make(map[string]*Priority),
		}
		ext.insert(p)
		c.insertHead(ext)
	} else {
		existing := ext.Priority(s.Priority)
		if existing != nil && !s.Replace {
			return nil, &DuplicatePriorityError{Context: c.name, Exten: key.exten, CID: key.cid, Priority: s.Priority}
		}
		if s.Label != "" {
			if other := ext.Label(s.Label); other != nil && other.Number != s.Priority {
				return nil, fmt.Errorf("%w: %q on %s@%s", ErrDuplicateLabel, s.Label, key.exten, c.name)
			}
		}
		ext.insert(p)
	}

	if p.IsHint() {
		return &hintChange{context: c.name, exten: key.exten, devices: p.App, name: p.Data}, nil
	}
	return nil, nil
}

// insertHead adds a new head in sorted position and invalidates the trie.
func (c *Context) insertHead(ext *Extension) {
	i := sort.Search(len(c.exts), func(i int) bool { return compareExtensions(c.exts[i], ext) > 0 })
	c.exts = append(c.exts, nil)
	copy(c.exts[i+1:], c.exts[i:])
	c.exts[i] = ext
	c.byKey[extKey{exten: ext.name, cid: ext.cid}] = ext

	if n := len(c.free); n > 0 {
		idx := c.free[n-1]
		c.free = c.free[:n-1]
		c.slots[idx].ext = ext
	} else {
		c.slots = append(c.slots, slot{ext: ext})
	}
	c.trie.Store(nil)
}

// removeHead drops a head. A built trie keeps the node, flagged deleted.
func (c *Context) removeHead(ext *Extension) {
	for i, e := range c.exts {
		if e == ext {
			c.exts = append(c.exts[:i], c.exts[i+1:]...)
			break
		}
	}
	delete(c.byKey, extKey{exten: ext.name, cid: ext.cid})
	for i := range c.slots {
		if c.slots[i].ext == ext {
			c.slots[i].ext = nil
			c.slots[i].gen++
			c.free = append(c.free, i)
			break
		}
	}
	if t := c.trie.Load(); t != nil {
		t.MarkDeleted(ext.exten, ext.cidPat)
	}
}

// RemoveExtension removes one priority, or every priority when priority
// is 0. With a non-empty registrar only priorities it owns are removed.
// cid selects a caller id qualified head when matchCID is true.
func (c *Context) RemoveExtension(exten string, priority int, cid string, matchCID bool, registrar string) error {
	c.mu.Lock()
	changes, err := c.removeExtensionLocked(exten, priority, cid, matchCID, registrar)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if dp := c.live.Load(); dp != nil && len(changes) > 0 {
		dp.hints.apply(changes)
	}
	return nil
}

func (c *Context) removeExtensionLocked(exten string, priority int, cid string, matchCID bool, registrar string) ([]hintChange, error) {
	if !matchCID {
		if e, cc, ok := pattern.Split(exten); ok {
			exten, cid, matchCID = e, cc, true
		}
	}
	key, err := canonicalKey(exten, cid, matchCID)
	if err != nil {
		return nil, err
	}
	ext, ok := c.byKey[key]
	if !ok {
		return nil, &NotFoundError{Context: c.name, Exten: exten}
	}

	var removed []*Priority
	if priority == 0 {
		for _, p := range ext.Priorities() {
			if registrar != "" && p.Registrar != registrar {
				continue
			}
			removed = append(removed, ext.remove(p.Number))
		}
		if len(removed) == 0 {
			return nil, &NotFoundError{Context: c.name, Exten: exten}
		}
	} else {
		p := ext.Priority(priority)
		if p == nil || (registrar != "" && p.Registrar != registrar) {
			return nil, &NotFoundError{Context: c.name, Exten: exten, Priority: priority}
		}
		removed = append(removed, ext.remove(priority))
	}
	if len(ext.prios) == 0 {
		c.removeHead(ext)
	}

	var changes []hintChange
	for _, p := range removed {
		if p.IsHint() {
			changes = append(changes, hintChange{context: c.name, exten: ext.name, removed: true})
		}
	}
	return changes, nil
}

func canonicalKey(exten, cid string, matchCID bool) (extKey, error) {
	p, err := pattern.Compile(exten)
	if err != nil {
		return extKey{}, err
	}
	key := extKey{exten: p.String()}
	if matchCID && cid != "" {
		cp, err := pattern.Compile(cid)
		if err != nil {
			return extKey{}, err
		}
		key.cid = cp.String()
	}
	return key, nil
}

// Extension returns the head registered for exten (and cid when
// matchCID is set), or nil.
func (c *Context) Extension(exten, cid string, matchCID bool) *Extension {
	key, err := canonicalKey(exten, cid, matchCID)
	if err != nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byKey[key]
}

// AddInclude adds "ctx" or "ctx,times,weekdays,monthdays,months[,tz]".
func (c *Context) AddInclude(text, registrar string) error {
	text = strings.TrimSpace(text)
	name, spec, hasSpec := strings.Cut(text, ",")
	inc := Include{Name: strings.TrimSpace(name), Registrar: registrar, raw: text}
	if inc.Name == "" {
		return fmt.Errorf("empty include in context %q", c.name)
	}
	if hasSpec {
		ts, err := timespec.Parse(spec)
		if err != nil {
			return fmt.Errorf("include %q: %w", text, err)
		}
		inc.when = ts
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, i := range c.includes {
		if i.raw == text {
			return fmt.Errorf("%w: include %q in context %q", ErrDuplicate, text, c.name)
		}
	}
	c.includes = append(c.includes, inc)
	return nil
}

// RemoveInclude removes an include by its text or included context name.
func (c *Context) RemoveInclude(text, registrar string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, inc := range c.includes {
		if (inc.raw == text || inc.Name == text) && (registrar == "" || inc.Registrar == registrar) {
			c.includes = append(c.includes[:i], c.includes[i+1:]...)
			return nil
		}
	}
	return &NotFoundError{Context: c.name, What: fmt.Sprintf("include %q", text)}
}

// AddIgnorePattern adds a pattern whose matches should not wait for more
// digits.
func (c *Context) AddIgnorePattern(pat, registrar string) error {
	compiled, err := pattern.Compile(pat)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ip := range c.ignores {
		if ip.Pattern == pat {
			return fmt.Errorf("%w: ignore pattern %q in context %q", ErrDuplicate, pat, c.name)
		}
	}
	c.ignores = append(c.ignores, IgnorePattern{Pattern: pat, Registrar: registrar, compiled: compiled})
	return nil
}

// RemoveIgnorePattern removes an ignore pattern.
func (c *Context) RemoveIgnorePattern(pat, registrar string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ip := range c.ignores {
		if ip.Pattern == pat && (registrar == "" || ip.Registrar == registrar) {
			c.ignores = append(c.ignores[:i], c.ignores[i+1:]...)
			return nil
		}
	}
	return &NotFoundError{Context: c.name, What: fmt.Sprintf("ignore pattern %q", pat)}
}

// Ignores reports whether digits matches one of the ignore patterns.
func (c *Context) Ignores(digits string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ip := range c.ignores {
		if ip.compiled.Match(digits, pattern.ModeMatch) {
			return true
		}
	}
	return false
}

// AddSwitch appends an alternative switch.
func (c *Context) AddSwitch(sw Switch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.switches {
		if strings.EqualFold(s.Name, sw.Name) && s.Data == sw.Data {
			return fmt.Errorf("%w: switch %s/%s in context %q", ErrDuplicate, sw.Name, sw.Data, c.name)
		}
	}
	c.switches = append(c.switches, sw)
	return nil
}

// RemoveSwitch removes the switch with the given name and data.
func (c *Context) RemoveSwitch(name, data, registrar string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.switches {
		if strings.EqualFold(s.Name, name) && s.Data == data && (registrar == "" || s.Registrar == registrar) {
			c.switches = append(c.switches[:i], c.switches[i+1:]...)
			return nil
		}
	}
	return &NotFoundError{Context: c.name, What: fmt.Sprintf("switch %s/%s", name, data)}
}

// loadTrie returns the context's trie, building it when stale. The
// caller holds c.mu for reading.
func (c *Context) loadTrie() *pattern.Trie {
	if t := c.trie.Load(); t != nil {
		return t
	}
	c.trieMu.Lock()
	defer c.trieMu.Unlock()
	if t := c.trie.Load(); t != nil {
		return t
	}
	t := pattern.NewTrie()
	for i, s := range c.slots {
		if s.ext != nil {
			t.Insert(s.ext.exten, s.ext.cidPat, pattern.Ref{Index: i, Gen: s.gen})
		}
	}
	c.trie.Store(t)
	return t
}

// resolve maps a trie reference back to its head. The caller holds c.mu.
func (c *Context) resolve(r pattern.Ref) *Extension {
	if r.Index < 0 || r.Index >= len(c.slots) {
		return nil
	}
	s := c.slots[r.Index]
	if s.gen != r.Gen {
		return nil
	}
	return s.ext
}

// hintPriorities lists every hint priority. The caller holds c.mu.
func (c *Context) hintPrioritiesLocked() []*Priority {
	var out []*Priority
	for _, e := range c.exts {
		if h := e.Hint(); h != nil {
			out = append(out, h)
		}
	}
	return out
}
