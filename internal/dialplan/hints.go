package dialplan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/flowpbx/pbxcore/internal/devstate"
)

// ExtensionState is the state reported to hint watchers. The positive
// values are bit flags and may be combined.
type ExtensionState int

const (
	StateNotInUse    ExtensionState = 0
	StateInUse       ExtensionState = 1
	StateBusy        ExtensionState = 2
	StateUnavailable ExtensionState = 4
	StateRinging     ExtensionState = 8
	StateOnHold      ExtensionState = 16

	// StateDeactivated is sent when the hint is removed from the dialplan.
	StateDeactivated ExtensionState = -1
	// StateRemoved is sent when a reload drops a watched hint.
	StateRemoved ExtensionState = -2
)

func (s ExtensionState) String() string {
	switch s {
	case StateNotInUse:
		return "Idle"
	case StateInUse:
		return "InUse"
	case StateBusy:
		return "Busy"
	case StateUnavailable:
		return "Unavailable"
	case StateRinging:
		return "Ringing"
	case StateInUse | StateRinging:
		return "InUse&Ringing"
	case StateOnHold:
		return "Hold"
	case StateInUse | StateOnHold:
		return "InUse&Hold"
	case StateDeactivated:
		return "Deactivated"
	case StateRemoved:
		return "Removed"
	}
	return fmt.Sprintf("ExtensionState(%d)", int(s))
}

// FromDevice maps an aggregated device state to an extension state.
func FromDevice(d devstate.State) ExtensionState {
	switch d {
	case devstate.OnHold:
		return StateOnHold
	case devstate.Busy:
		return StateBusy
	case devstate.RingInUse:
		return StateInUse | StateRinging
	case devstate.Ringing:
		return StateRinging
	case devstate.InUse:
		return StateInUse
	case devstate.NotInUse:
		return StateNotInUse
	}
	return StateUnavailable
}

// StateCallback receives extension state changes. Errors are logged.
type StateCallback func(context, exten string, state ExtensionState, data any) error

type watcher struct {
	id   int
	cb   StateCallback
	data any
}

type hintKey struct{ context, exten string }

type hint struct {
	key       hintKey
	devices   string
	name      string
	lastState ExtensionState
	watchers  []*watcher
}

// HintInfo describes a registered hint.
type HintInfo struct {
	Context  string
	Exten    string
	Devices  string
	Name     string
	State    ExtensionState
	Watchers int
}

type notification struct {
	key      hintKey
	state    ExtensionState
	watchers []*watcher
}

// Hints tracks hint priorities of the live dialplan and notifies
// watchers when the aggregated state of their devices changes.
type Hints struct {
	mu       sync.RWMutex
	dp       *Dialplan
	provider devstate.Provider
	logger   *slog.Logger

	hints  map[hintKey]*hint
	global []*watcher
	owner  map[int]hintKey
	nextID int
}

type unknownProvider struct{}

func (unknownProvider) State(string) devstate.State { return devstate.Unknown }

func newHints(dp *Dialplan, p devstate.Provider, logger *slog.Logger) *Hints {
	if p == nil {
		p = unknownProvider{}
	}
	return &Hints{
		dp:       dp,
		provider: p,
		logger:   logger.With("subsystem", "hints"),
		hints:    make(map[hintKey]*hint),
		owner:    make(map[int]hintKey),
	}
}

func (h *Hints) compute(devices string) ExtensionState {
	return FromDevice(devstate.AggregateOf(h.provider, devices))
}

// apply records hint priorities added to or removed from live contexts.
func (h *Hints) apply(changes []hintChange) {
	var out []notification
	h.mu.Lock()
	for _, ch := range changes {
		key := hintKey{ch.context, ch.exten}
		if strings.HasPrefix(ch.exten, "_") {
			continue
		}
		if ch.removed {
			if old, ok := h.hints[key]; ok {
				delete(h.hints, key)
				for _, w := range old.watchers {
					delete(h.owner, w.id)
				}
				out = append(out, notification{key: key, state: StateDeactivated, watchers: old.watchers})
			}
			continue
		}
		devices, name := splitHint(ch.devices)
		if ch.name != "" {
			name = ch.name
		}
		hn, ok := h.hints[key]
		if !ok {
			hn = &hint{key: key}
			h.hints[key] = hn
		}
		hn.devices, hn.name = devices, name
		hn.lastState = h.compute(devices)
	}
	h.mu.Unlock()
	h.deliver(out)
}

// splitHint separates "devices[,name]". A name carried in the priority
// data takes precedence and is applied by the caller.
func splitHint(app string) (devices, name string) {
	devices, name, _ = strings.Cut(app, ",")
	return strings.TrimSpace(devices), strings.TrimSpace(name)
}

// Subscribe registers cb for state changes of context/exten. With both
// empty it registers for every hint. A pattern hint is materialized as a
// concrete extension for exten first.
func (h *Hints) Subscribe(ctx context.Context, contextName, exten string, cb StateCallback, data any) (int, error) {
	if contextName == "" && exten == "" {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.nextID++
		h.global = append(h.global, &watcher{id: h.nextID, cb: cb, data: data})
		return h.nextID, nil
	}

	r := h.dp.Find(ctx, Query{Context: contextName, Exten: exten, Priority: PriorityHint, Mode: ModeMatch})
	if !r.OK() || r.Priority == nil {
		return 0, &NotFoundError{Context: contextName, What: "hint for " + exten}
	}
	key := hintKey{r.Context.name, r.Extension.name}
	if r.Extension.IsPattern() {
		err := r.Context.AddExtension(ExtensionSpec{
			Exten:     exten,
			Priority:  PriorityHint,
			App:       r.Priority.App,
			Data:      r.Priority.Data,
			Registrar: r.Priority.Registrar,
			Replace:   true,
		})
		if err != nil {
			return 0, fmt.Errorf("materializing hint %s@%s: %w", exten, r.Context.name, err)
		}
		key.exten = exten
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	hn, ok := h.hints[key]
	if !ok {
		// Added concurrently and not applied yet.
		devices, name := splitHint(r.Priority.App)
		if r.Priority.Data != "" {
			name = r.Priority.Data
		}
		hn = &hint{key: key, devices: devices, name: name, lastState: h.compute(devices)}
		h.hints[key] = hn
	}
	h.nextID++
	hn.watchers = append(hn.watchers, &watcher{id: h.nextID, cb: cb, data: data})
	h.owner[h.nextID] = key
	return h.nextID, nil
}

// Unsubscribe removes a watcher. It reports whether the id was known.
func (h *Hints) Unsubscribe(id int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if key, ok := h.owner[id]; ok {
		delete(h.owner, id)
		if hn := h.hints[key]; hn != nil {
			hn.watchers = removeWatcher(hn.watchers, id)
		}
		return true
	}
	before := len(h.global)
	h.global = removeWatcher(h.global, id)
	return len(h.global) != before
}

func removeWatcher(list []*watcher, id int) []*watcher {
	for i, w := range list {
		if w.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// Run consumes device state changes until ctx is cancelled or events is
// closed. It is the only goroutine that delivers state changes.
func (h *Hints) Run(ctx context.Context, events <-chan devstate.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.deliver(h.deviceChanged(ev))
		}
	}
}

// overlay reports the event's state for its device and defers to the
// provider for every other device.
type overlay struct {
	ev devstate.Event
	p  devstate.Provider
}

func (o overlay) State(device string) devstate.State {
	if strings.EqualFold(device, o.ev.Device) {
		return o.ev.State
	}
	return o.p.State(device)
}

func (h *Hints) deviceChanged(ev devstate.Event) []notification {
	p := overlay{ev: ev, p: h.provider}
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []notification
	for _, hn := range h.hints {
		if !containsDevice(hn.devices, ev.Device) {
			continue
		}
		st := FromDevice(devstate.AggregateOf(p, hn.devices))
		if st == hn.lastState {
			continue
		}
		hn.lastState = st
		ws := make([]*watcher, 0, len(h.global)+len(hn.watchers))
		ws = append(ws, h.global...)
		ws = append(ws, hn.watchers...)
		out = append(out, notification{key: hn.key, state: st, watchers: ws})
	}
	return out
}

func containsDevice(expr, device string) bool {
	for _, d := range devstate.Devices(expr) {
		if strings.EqualFold(d, device) {
			return true
		}
	}
	return false
}

func (h *Hints) deliver(out []notification) {
	for _, n := range out {
		for _, w := range n.watchers {
			h.call(w, n)
		}
	}
}

func (h *Hints) call(w *watcher, n notification) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hint watcher panicked", "context", n.key.context, "exten", n.key.exten, "watcher", w.id, "panic", r)
		}
	}()
	if err := w.cb(n.key.context, n.key.exten, n.state, w.data); err != nil {
		h.logger.Warn("hint watcher failed", "context", n.key.context, "exten", n.key.exten, "watcher", w.id, "error", err)
	}
}

// ExtensionState returns the current aggregated state of a hint.
func (h *Hints) ExtensionState(ctx context.Context, contextName, exten string) (ExtensionState, error) {
	devices, _, ok := h.HintDevices(ctx, contextName, exten)
	if !ok {
		return StateUnavailable, &NotFoundError{Context: contextName, What: "hint for " + exten}
	}
	return h.compute(devices), nil
}

// HintDevices returns the device expression and name of the hint that
// context/exten resolves to.
func (h *Hints) HintDevices(ctx context.Context, contextName, exten string) (devices, name string, ok bool) {
	r := h.dp.Find(ctx, Query{Context: contextName, Exten: exten, Priority: PriorityHint, Mode: ModeMatch})
	if !r.OK() || r.Priority == nil {
		return "", "", false
	}
	devices, name = splitHint(r.Priority.App)
	if r.Priority.Data != "" {
		name = r.Priority.Data
	}
	return devices, name, true
}

// List returns every tracked hint.
func (h *Hints) List() []HintInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HintInfo, 0, len(h.hints))
	for _, hn := range h.hints {
		out = append(out, HintInfo{
			Context:  hn.key.context,
			Exten:    hn.key.exten,
			Devices:  hn.devices,
			Name:     hn.name,
			State:    hn.lastState,
			Watchers: len(hn.watchers),
		})
	}
	return out
}

// Len returns the number of tracked hints.
func (h *Hints) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hints)
}
