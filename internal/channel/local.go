package channel

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/flowpbx/pbxcore/internal/events"
	"github.com/flowpbx/pbxcore/internal/vars"
)

// LocalOptions configures a Local channel.
type LocalOptions struct {
	Name     string
	Outgoing bool
	Language string
	CallerID CallerID
	// Parent, when set, supplies inherited variables.
	Parent *vars.List
	Events events.Publisher
}

// Local is an in-memory channel. Frames queued with QueueFrame are read
// back by the executor; frames the executor writes, indicates or sends
// are recorded and can be inspected with Written.
type Local struct {
	uniqueID string
	outgoing bool
	vars     *vars.List
	events   events.Publisher
	logger   *slog.Logger
	sm       *fsm.FSM

	mu         sync.Mutex
	name       string
	language   string
	inbound    []arrival
	pending    []Frame // filter output, delivered before inbound
	nextPress  time.Time
	written    []Frame
	softHangup SoftHangup
	cause      Cause
	callerID   CallerID
	loc        Location
	datastores map[string]any
	filter     *DTMFFilter
	hungUp     bool
	bridged    *Local

	wake chan struct{}
	done chan struct{}
}

// arrival is an inbound frame stamped with the time it was queued.
type arrival struct {
	f  Frame
	at time.Time
}

var allStates = func() []string {
	out := make([]string, len(stateNames))
	copy(out, stateNames[:])
	return out
}()

// NewLocal creates a channel in state Down and publishes Newchannel.
func NewLocal(opts LocalOptions, logger *slog.Logger) *Local {
	id := uuid.NewString()
	name := opts.Name
	if name == "" {
		name = "Local/" + id[:8]
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Discard
	}
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	l := &Local{
		uniqueID:   id,
		outgoing:   opts.Outgoing,
		vars:       vars.Inherit(opts.Parent),
		events:     pub,
		logger:     logger.With("subsystem", "channel", "channel", name),
		name:       name,
		language:   lang,
		callerID:   opts.CallerID,
		datastores: make(map[string]any),
		filter:     NewDTMFFilter(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	evs := make(fsm.Events, 0, len(allStates))
	for _, s := range allStates {
		evs = append(evs, fsm.EventDesc{Name: s, Src: allStates, Dst: s})
	}
	l.sm = fsm.NewFSM(
		StateDown.String(),
		evs,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				l.publish(events.Newstate, map[string]string{
					"state":      e.Dst,
					"prev_state": e.Src,
				})
			},
		},
	)

	l.publish(events.Newchannel, map[string]string{
		"state":        StateDown.String(),
		"calleridnum":  opts.CallerID.Num,
		"calleridname": opts.CallerID.Name,
	})
	return l
}

var _ Channel = (*Local)(nil)

func (l *Local) publish(name string, fields map[string]string) {
	l.events.Publish(events.Event{
		Name:     name,
		Channel:  l.Name(),
		UniqueID: l.uniqueID,
		Fields:   fields,
	})
}

func (l *Local) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Name returns the channel name.
func (l *Local) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

// Rename changes the channel name and publishes Rename.
func (l *Local) Rename(name string) {
	l.mu.Lock()
	old := l.name
	l.name = name
	l.mu.Unlock()
	l.publish(events.Rename, map[string]string{"oldname": old, "newname": name})
}

func (l *Local) UniqueID() string { return l.uniqueID }

func (l *Local) Language() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.language
}

// SetLanguage changes the language used for prompts.
func (l *Local) SetLanguage(lang string) {
	l.mu.Lock()
	l.language = lang
	l.mu.Unlock()
}

func (l *Local) Outgoing() bool { return l.outgoing }

func (l *Local) State() State { return parseState(l.sm.Current()) }

// SetState moves the channel to s. Entering a new state publishes Newstate.
func (l *Local) SetState(s State) {
	err := l.sm.Event(context.Background(), s.String())
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		l.logger.Warn("state transition failed", "state", s.String(), "error", err)
	}
}

// Answer moves the channel to Up.
func (l *Local) Answer(_ context.Context) error {
	if l.isHungUp() {
		return ErrHangup
	}
	l.SetState(StateUp)
	return nil
}

func (l *Local) isHungUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hungUp
}

// Indicate records a control frame towards the caller.
func (l *Local) Indicate(kind ControlKind, data []byte) error {
	return l.WriteFrame(Frame{Kind: FrameControl, Control: kind, Data: data})
}

func (l *Local) WaitForInput(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		l.mu.Lock()
		hungUp, soft, ready := l.hungUp, l.softHangup, len(l.pending)+len(l.inbound) > 0
		l.mu.Unlock()
		switch {
		case ready:
			return true, nil
		case hungUp:
			return false, ErrHangup
		case soft != 0:
			return false, nil
		}
		select {
		case <-l.wake:
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-l.done:
		}
	}
}

// ReadFrame returns the next inbound frame, waiting for one if needed.
// A queued Hangup control marks the channel as hung up by the device. A
// frame the DTMF filter swallows is reported as FrameNull so callers can
// recheck their deadlines.
func (l *Local) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 && len(l.inbound) == 0 {
			hungUp := l.hungUp
			l.mu.Unlock()
			if hungUp {
				return Frame{}, ErrHangup
			}
			select {
			case <-l.wake:
				continue
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			case <-l.done:
				continue
			}
		}
		var f Frame
		if len(l.pending) > 0 {
			f = l.pending[0]
			l.pending = l.pending[1:]
		} else {
			in := l.inbound[0]
			l.inbound = l.inbound[1:]
			out := l.filter.Process(in.f, in.at)
			if len(out) == 0 {
				l.mu.Unlock()
				return Frame{Kind: FrameNull}, nil
			}
			f = out[0]
			l.pending = append(l.pending, out[1:]...)
		}
		if f.Kind == FrameControl && f.Control == ControlHangup {
			l.softHangup |= SoftHangupDev
			l.mu.Unlock()
			return f, ErrHangup
		}
		l.mu.Unlock()

		if f.Kind == FrameDTMFBegin || f.Kind == FrameDTMFEnd {
			fields := map[string]string{
				"digit":     string(f.Digit),
				"direction": "Received",
				"begin":     strconv.FormatBool(f.Kind == FrameDTMFBegin),
				"end":       strconv.FormatBool(f.Kind == FrameDTMFEnd),
			}
			if f.Kind == FrameDTMFEnd {
				fields["duration_ms"] = strconv.FormatInt(f.Duration.Milliseconds(), 10)
			}
			l.publish(events.DTMF, fields)
		}
		return f, nil
	}
}

// WriteFrame records f as sent towards the caller.
func (l *Local) WriteFrame(f Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hungUp {
		return ErrHangup
	}
	l.written = append(l.written, f)
	return nil
}

// Written returns a copy of every frame written, indicated or sent.
func (l *Local) Written() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Frame, len(l.written))
	copy(out, l.written)
	return out
}

// QueueFrame adds f to the inbound queue as if the caller had sent it now.
func (l *Local) QueueFrame(f Frame) error {
	return l.queueAt(f, time.Now())
}

func (l *Local) queueAt(f Frame, at time.Time) error {
	l.mu.Lock()
	if l.hungUp {
		l.mu.Unlock()
		return ErrHangup
	}
	l.inbound = append(l.inbound, arrival{f: f, at: at})
	l.mu.Unlock()
	l.signal()
	return nil
}

func (l *Local) QueueControl(kind ControlKind) error {
	return l.QueueFrame(ControlFrame(kind))
}

// QueueDigits queues a DTMF_End frame for every digit in s. The digits
// are stamped as separate presses, one emulated duration plus the
// minimum gap apart, so repeated digits are all delivered.
func (l *Local) QueueDigits(s string) error {
	l.mu.Lock()
	if l.hungUp {
		l.mu.Unlock()
		return ErrHangup
	}
	at := time.Now()
	if at.Before(l.nextPress) {
		at = l.nextPress
	}
	for i := 0; i < len(s); i++ {
		l.inbound = append(l.inbound, arrival{f: DTMFEnd(s[i], DefaultEmulatedDTMF), at: at})
		at = at.Add(DefaultEmulatedDTMF + MinDTMFGap)
	}
	l.nextPress = at
	l.mu.Unlock()
	l.signal()
	return nil
}

func (l *Local) SendDigitBegin(digit byte) error {
	return l.WriteFrame(Frame{Kind: FrameDTMFBegin, Digit: digit})
}

func (l *Local) SendDigitEnd(digit byte, duration time.Duration) error {
	if duration < MinDTMFDuration {
		duration = MinDTMFDuration
	}
	return l.WriteFrame(DTMFEnd(digit, duration))
}

func (l *Local) SoftHangup(flags SoftHangup) {
	l.mu.Lock()
	l.softHangup |= flags
	l.mu.Unlock()
	l.signal()
}

func (l *Local) SoftHangupFlags() SoftHangup {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.softHangup
}

func (l *Local) ClearSoftHangup(flags SoftHangup) {
	l.mu.Lock()
	l.softHangup &^= flags
	l.mu.Unlock()
}

func (l *Local) HangupCause() Cause {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

func (l *Local) SetHangupCause(c Cause) {
	l.mu.Lock()
	l.cause = c
	l.mu.Unlock()
}

// Hangup ends the call and publishes Hangup. It is safe to call twice.
func (l *Local) Hangup() error {
	l.mu.Lock()
	if l.hungUp {
		l.mu.Unlock()
		return nil
	}
	l.hungUp = true
	if l.cause == 0 {
		l.cause = CauseNormalClearing
	}
	cause := l.cause
	peer := l.bridged
	l.bridged = nil
	l.mu.Unlock()

	if peer != nil {
		l.publish(events.Unlink, map[string]string{"channel2": peer.Name()})
	}
	l.SetState(StateDown)
	close(l.done)
	l.publish(events.Hangup, map[string]string{
		"cause":     strconv.Itoa(int(cause)),
		"cause_txt": cause.String(),
	})
	return nil
}

func (l *Local) Done() <-chan struct{} { return l.done }

func (l *Local) CallerID() CallerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.callerID
}

// SetCallerID replaces the caller id and publishes NewCallerid.
func (l *Local) SetCallerID(id CallerID) {
	l.mu.Lock()
	l.callerID = id
	l.mu.Unlock()
	l.publish(events.NewCallerid, map[string]string{
		"calleridnum":     id.Num,
		"calleridname":    id.Name,
		"cid_callingpres": strconv.Itoa(id.Pres),
	})
}

func (l *Local) Vars() *vars.List { return l.vars }

func (l *Local) Location() Location {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loc
}

func (l *Local) SetLocation(loc Location) {
	l.mu.Lock()
	l.loc = loc
	l.mu.Unlock()
}

func (l *Local) Datastore(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.datastores[key]
	return v, ok
}

func (l *Local) SetDatastore(key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if value == nil {
		delete(l.datastores, key)
		return
	}
	l.datastores[key] = value
}

// Bridge links two channels and publishes Bridge.
func (l *Local) Bridge(peer *Local) {
	l.mu.Lock()
	l.bridged = peer
	l.mu.Unlock()
	peer.mu.Lock()
	peer.bridged = l
	peer.mu.Unlock()
	l.publish(events.Bridge, map[string]string{
		"bridgestate": "Link",
		"bridgetype":  "core",
		"channel2":    peer.Name(),
	})
}

// Unbridge breaks the link created by Bridge and publishes Unlink.
func (l *Local) Unbridge() {
	l.mu.Lock()
	peer := l.bridged
	l.bridged = nil
	l.mu.Unlock()
	if peer == nil {
		return
	}
	peer.mu.Lock()
	if peer.bridged == l {
		peer.bridged = nil
	}
	peer.mu.Unlock()
	l.publish(events.Unlink, map[string]string{"channel2": peer.Name()})
}

// Masquerade makes l take over the identity-independent state of
// original (location, caller id and variables) and hangs original up.
func (l *Local) Masquerade(original *Local) {
	loc := original.Location()
	cid := original.CallerID()
	for _, v := range original.Vars().All() {
		l.vars.Set(v.FullName(), v.Value)
	}
	l.mu.Lock()
	l.loc = loc
	l.callerID = cid
	l.mu.Unlock()
	l.publish(events.Masquerade, map[string]string{
		"clone":    l.Name(),
		"original": original.Name(),
	})
	_ = original.Hangup()
}
