package pbx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flowpbx/pbxcore/internal/channel"
	"github.com/flowpbx/pbxcore/internal/dialplan"
)

// Result is what an action asks the executor to do next.
type Result int

const (
	// Continue advances to the next priority.
	Continue Result = 0
	// Stop ends the call.
	Stop Result = -1
	// Incomplete asks for more digits on the current extension.
	Incomplete Result = 12
)

// Keypress returns the result that hands digit d to the executor as the
// first digit of a new extension.
func Keypress(d byte) Result { return Result(d) }

// Digit reports whether r carries a keypress.
func (r Result) Digit() (byte, bool) {
	if r > 0 && r < 256 && channel.IsDTMFDigit(byte(r)) {
		return byte(r), true
	}
	return 0, false
}

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	case Incomplete:
		return "incomplete"
	}
	if d, ok := r.Digit(); ok {
		return "digit " + string(d)
	}
	if r < 0 {
		return fmt.Sprintf("hangup(%d)", int(r))
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Handler runs an action with its substituted data. A returned error
// other than channel.ErrHangup raises the ERROR exception.
type Handler func(ctx context.Context, c *Call, data string) (Result, error)

// Action is a named, registered handler.
type Action struct {
	Name        string
	Synopsis    string
	Description string
	Module      string
	Handler     Handler
}

// Registry maps case-insensitive action names to actions. Priorities
// cache the action they resolve to; unregistering sweeps those caches.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Action
	dp      *dialplan.Dialplan
}

// NewRegistry creates an empty registry whose cached handles live in
// priorities of dp.
func NewRegistry(dp *dialplan.Dialplan) *Registry {
	return &Registry{actions: make(map[string]*Action), dp: dp}
}

// Register adds a.
func (r *Registry) Register(a *Action) error {
	if a.Name == "" || a.Handler == nil {
		return fmt.Errorf("action needs a name and a handler")
	}
	k := strings.ToLower(a.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.actions[k]; ok {
		return &DuplicateActionError{Name: a.Name, Module: old.Module}
	}
	r.actions[k] = a
	return nil
}

// Unregister removes an action and clears every priority that cached it.
func (r *Registry) Unregister(name string) bool {
	k := strings.ToLower(name)
	r.mu.Lock()
	a, ok := r.actions[k]
	delete(r.actions, k)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if r.dp != nil {
		for _, c := range r.dp.Contexts() {
			for _, e := range c.Extensions() {
				for _, p := range e.Priorities() {
					if p.CachedApp() == a {
						p.SetCachedApp(nil)
					}
				}
			}
		}
	}
	return true
}

// Find returns the action registered under name.
func (r *Registry) Find(name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[strings.ToLower(name)]
	return a, ok
}

// resolve returns the action for p, memoizing it on the priority.
func (r *Registry) resolve(p *dialplan.Priority) (*Action, bool) {
	if a, ok := p.CachedApp().(*Action); ok {
		return a, true
	}
	a, ok := r.Find(p.App)
	if ok {
		p.SetCachedApp(a)
	}
	return a, ok
}

// Actions returns the registered actions sorted by name.
func (r *Registry) Actions() []*Action {
	r.mu.RLock()
	out := make([]*Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}
