// Package pbx runs calls through the dialplan: the per-call executor,
// the action registry with the built-in actions, channel-aware dialplan
// functions and the admission gate in front of them.
package pbx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/pbxcore/internal/channel"
	"github.com/flowpbx/pbxcore/internal/dialplan"
	"github.com/flowpbx/pbxcore/internal/events"
	"github.com/flowpbx/pbxcore/internal/vars"
)

const (
	DefaultDigitTimeout    = 5 * time.Second
	DefaultResponseTimeout = 10 * time.Second
	// DefaultIndicationWait is how long a failed call keeps its
	// indication up before hanging up.
	DefaultIndicationWait = 10 * time.Second
)

// Options configures an Engine.
type Options struct {
	DigitTimeout    time.Duration
	ResponseTimeout time.Duration
	// AutoFallthrough ends a call that runs out of priorities instead of
	// waiting for more digits.
	AutoFallthrough bool
	// HangupExten runs the h extension after the call ends.
	HangupExten    bool
	IndicationWait time.Duration

	SystemName string
	EntityID   string

	Events  events.Publisher
	Player  Player
	Speaker Speaker
	CDR     CDR
	MOH     MusicOnHold
	Tones   Tones
	Now     func() time.Time
}

// Engine runs dialplan executors for channels.
type Engine struct {
	dp       *dialplan.Dialplan
	subst    *vars.Substituter
	gate     *CallGate
	actions  *Registry
	channels *channel.Registry
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	calls   map[channel.Channel]*Call
	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewEngine creates an engine and registers the built-in actions and the
// channel functions. A nil gate admits every call.
func NewEngine(dp *dialplan.Dialplan, subst *vars.Substituter, gate *CallGate, opts Options, logger *slog.Logger) (*Engine, error) {
	if opts.DigitTimeout <= 0 {
		opts.DigitTimeout = DefaultDigitTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.IndicationWait == 0 {
		opts.IndicationWait = DefaultIndicationWait
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Player == nil {
		opts.Player = NullPlayer{}
	}
	if opts.Speaker == nil {
		opts.Speaker = &FileSpeaker{Player: opts.Player}
	}
	if opts.CDR == nil {
		opts.CDR = nopCDR{}
	}
	if opts.MOH == nil {
		opts.MOH = nopMOH{}
	}
	if opts.Tones == nil {
		opts.Tones = nopTones{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if gate == nil {
		gate = NewCallGate(GateConfig{}, nil, logger)
	}

	e := &Engine{
		dp:       dp,
		subst:    subst,
		gate:     gate,
		actions:  NewRegistry(dp),
		channels: channel.NewRegistry(),
		opts:     opts,
		logger:   logger.With("subsystem", "pbx"),
		calls:    make(map[channel.Channel]*Call),
	}
	for _, a := range builtins() {
		if err := e.actions.Register(a); err != nil {
			return nil, fmt.Errorf("registering built-in actions: %w", err)
		}
	}
	for _, f := range e.functions() {
		if err := subst.Funcs().Register(f); err != nil {
			return nil, fmt.Errorf("registering channel functions: %w", err)
		}
	}
	return e, nil
}

// Actions returns the action registry.
func (e *Engine) Actions() *Registry { return e.actions }

// Dialplan returns the dialplan the engine executes.
func (e *Engine) Dialplan() *dialplan.Dialplan { return e.dp }

// Gate returns the admission gate.
func (e *Engine) Gate() *CallGate { return e.gate }

// Channels returns the channels with a running executor.
func (e *Engine) Channels() *channel.Registry { return e.channels }

// ActiveCalls returns the number of admitted calls still running.
func (e *Engine) ActiveCalls() int { return e.gate.Active() }

func (e *Engine) now() time.Time { return e.opts.Now() }

// admit takes a gate slot and registers ch.
func (e *Engine) admit(ctx context.Context, ch channel.Channel) (*Call, error) {
	if e.closing.Load() {
		return nil, ErrShutdown
	}
	if err := e.gate.Acquire(); err != nil {
		return nil, err
	}
	if err := e.channels.Add(ch); err != nil {
		e.gate.Release()
		return nil, err
	}
	c := newCall(ctx, e, ch)
	e.mu.Lock()
	e.calls[ch] = c
	e.mu.Unlock()
	e.wg.Add(1)
	return c, nil
}

// Start admits ch and runs its executor in a new goroutine.
func (e *Engine) Start(ctx context.Context, ch channel.Channel) error {
	c, err := e.admit(ctx, ch)
	if err != nil {
		return err
	}
	go e.run(ctx, c)
	return nil
}

// Run admits ch and runs its executor until the call ends. The channel is
// hung up on return.
func (e *Engine) Run(ctx context.Context, ch channel.Channel) error {
	c, err := e.admit(ctx, ch)
	if err != nil {
		return err
	}
	e.run(ctx, c)
	return nil
}

// AsyncGoto moves ch to loc. A running call is soft hung up so it
// continues there. Empty fields of loc keep their current value.
func (e *Engine) AsyncGoto(ch channel.Channel, loc channel.Location) {
	cur := ch.Location()
	if loc.Context == "" {
		loc.Context = cur.Context
	}
	if loc.Exten == "" {
		loc.Exten = cur.Exten
	}
	if loc.Priority < 1 {
		loc.Priority = 1
	}
	ch.SetLocation(loc)

	e.mu.Lock()
	_, running := e.calls[ch]
	e.mu.Unlock()
	if running {
		ch.SoftHangup(channel.SoftHangupAsyncGoto)
	}
	e.logger.Info("async goto", "channel", ch.Name(), "context", loc.Context, "exten", loc.Exten, "priority", loc.Priority, "running", running)
}

// Shutdown stops admitting calls, asks every running call to hang up
// and waits for their executors to exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closing.Store(true)
	e.mu.Lock()
	for ch := range e.calls {
		ch.SoftHangup(channel.SoftHangupShutdown)
	}
	n := len(e.calls)
	e.mu.Unlock()
	e.logger.Info("shutting down", "active_calls", n)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callFor returns the running call of ch, or a detached runtime for a
// channel without an executor.
func (e *Engine) callFor(ctx context.Context, ch channel.Channel) *Call {
	e.mu.Lock()
	c, ok := e.calls[ch]
	e.mu.Unlock()
	if ok {
		return c
	}
	return newCall(ctx, e, ch)
}

func (e *Engine) publishNewexten(ch channel.Channel, loc channel.Location, app, data string) {
	e.opts.Events.Publish(events.Event{
		Name:     events.Newexten,
		Channel:  ch.Name(),
		UniqueID: ch.UniqueID(),
		Time:     e.now(),
		Fields: map[string]string{
			"context":     loc.Context,
			"exten":       loc.Exten,
			"priority":    strconv.Itoa(loc.Priority),
			"application": app,
			"appdata":     data,
		},
	})
}

func (e *Engine) run(ctx context.Context, c *Call) {
	ch := c.ch
	defer func() {
		c.SetAbsoluteTimeout(0)
		e.mu.Lock()
		delete(e.calls, ch)
		e.mu.Unlock()
		e.channels.Remove(ch)
		e.gate.Release()
		if err := ch.Hangup(); err != nil {
			c.logger.Warn("hangup failed", "error", err)
		}
		e.wg.Done()
	}()

	c.logger.Debug("call started", "context", ch.Location().Context, "exten", ch.Location().Exten)
	e.execute(ctx, c)
	if e.opts.HangupExten {
		e.runHangupExten(ctx, c)
	}
	c.logger.Debug("call ended", "cause", ch.HangupCause().String())
}

type outcomeKind int

const (
	outcomeEnd outcomeKind = iota
	// outcomeFellOff means the current location did not resolve.
	outcomeFellOff
	// outcomeDigits asks for digit collection.
	outcomeDigits
)

type outcome struct {
	kind       outcomeKind
	buf        string
	incomplete bool
}

// execute is the call state machine: run priorities, collect digits and
// route to the i, t, T and e extensions until the call ends.
func (e *Engine) execute(ctx context.Context, c *Call) {
	ch := c.ch
	loc := ch.Location()
	if loc.Priority < 1 {
		loc.Priority = 1
	}
	ch.SetLocation(loc)

	var out outcome
	if loc.Exten == "" {
		c.startDialTone()
		out = outcome{kind: outcomeDigits}
	} else {
		e.startFallback(ctx, c)
		out = c.runPriorities(ctx)
	}

	for {
		loc = ch.Location()
		switch out.kind {
		case outcomeEnd:
			return
		case outcomeFellOff:
			if !c.Exists(ctx, loc.Context, loc.Exten, 1) {
				if !c.invalid(ctx, loc.Exten) {
					return
				}
				out = c.runPriorities(ctx)
				continue
			}
			if e.opts.AutoFallthrough {
				c.autoFallthrough(ctx)
				return
			}
			out = outcome{kind: outcomeDigits}
		}

		wait := c.ResponseTimeout()
		if out.buf != "" {
			wait = c.DigitTimeout()
		}
		if out.incomplete && !c.engine.dp.MatchMore(ctx, loc.Context, out.buf, 1, c.callerNum()) {
			if !c.invalid(ctx, out.buf) {
				return
			}
			out = c.runPriorities(ctx)
			continue
		}
		buf, relocated, err := c.collectDigits(ctx, out.buf, wait)
		if err != nil {
			return
		}
		if relocated {
			out = c.runPriorities(ctx)
			continue
		}

		timeout := buf == "" || (out.incomplete && buf == out.buf)
		switch {
		case !timeout && c.Exists(ctx, loc.Context, buf, 1):
			ch.SetLocation(channel.Location{Context: loc.Context, Exten: buf, Priority: 1})
		case !timeout:
			if !c.invalid(ctx, buf) {
				return
			}
		case c.Exists(ctx, loc.Context, "t", 1):
			c.logger.Info("response timeout, going to t", "context", loc.Context)
			ch.SetLocation(channel.Location{Context: loc.Context, Exten: "t", Priority: 1})
		case c.Exists(ctx, loc.Context, "e", 1):
			c.RaiseException("RESPONSETIMEOUT")
		default:
			c.logger.Info("response timeout with no t or e extension", "context", loc.Context)
			return
		}
		out = c.runPriorities(ctx)
	}
}

// startFallback moves a call whose start location does not resolve to
// the s extension, then to the default context.
func (e *Engine) startFallback(ctx context.Context, c *Call) {
	loc := c.ch.Location()
	if c.Exists(ctx, loc.Context, loc.Exten, loc.Priority) {
		return
	}
	c.logger.Info("start location not found, falling back to s", "context", loc.Context, "exten", loc.Exten, "priority", loc.Priority)
	next := channel.Location{Context: loc.Context, Exten: "s", Priority: 1}
	if !c.Exists(ctx, next.Context, "s", 1) {
		next.Context = "default"
	}
	c.ch.SetLocation(next)
}

// runPriorities executes consecutive priorities from the current
// location until the location stops resolving or an action ends the
// loop.
func (c *Call) runPriorities(ctx context.Context) outcome {
	for {
		loc := c.ch.Location()
		res, found, err := c.spawn(ctx, loc)
		if !found {
			return outcome{kind: outcomeFellOff}
		}
		if c.hungUp() || ctx.Err() != nil {
			return outcome{kind: outcomeEnd}
		}
		if flags := c.ch.SoftHangupFlags(); flags != 0 {
			if c.softHangup(ctx, flags) {
				continue
			}
			return outcome{kind: outcomeEnd}
		}

		if err != nil {
			if errors.Is(err, channel.ErrHangup) {
				return outcome{kind: outcomeEnd}
			}
			c.logger.Warn("action failed", "context", loc.Context, "exten", loc.Exten, "priority", loc.Priority, "error", err)
			if loc.Exten == "e" {
				c.logger.Warn("action failed while already in e extension", "context", loc.Context)
				return outcome{kind: outcomeEnd}
			}
			if c.Exists(ctx, loc.Context, "e", 1) {
				c.RaiseException("ERROR")
				continue
			}
			return outcome{kind: outcomeEnd}
		}

		switch res {
		case Continue:
			if !c.takeJump() {
				loc.Priority++
				c.ch.SetLocation(loc)
			}
			continue
		case Incomplete:
			c.logger.Debug("action needs more digits", "context", loc.Context, "exten", loc.Exten, "priority", loc.Priority)
			return outcome{kind: outcomeDigits, buf: loc.Exten, incomplete: true}
		}
		if d, ok := res.Digit(); ok {
			c.takeJump()
			return outcome{kind: outcomeDigits, buf: string(d)}
		}
		c.logger.Debug("action ended the call", "context", loc.Context, "exten", loc.Exten, "priority", loc.Priority, "result", res.String())
		return outcome{kind: outcomeEnd}
	}
}

// softHangup handles the soft hangup flags raised during an action and
// reports whether the call continues.
func (c *Call) softHangup(ctx context.Context, flags channel.SoftHangup) bool {
	if flags&channel.SoftHangupAsyncGoto != 0 {
		c.ch.ClearSoftHangup(channel.SoftHangupAsyncGoto)
		c.takeJump()
		flags &^= channel.SoftHangupAsyncGoto
		if flags == 0 {
			return true
		}
	}
	if flags == channel.SoftHangupTimeout {
		c.ch.ClearSoftHangup(channel.SoftHangupTimeout)
		c.SetAbsoluteTimeout(0)
		loc := c.ch.Location()
		switch {
		case c.Exists(ctx, loc.Context, "T", 1):
			c.logger.Info("absolute timeout, going to T", "context", loc.Context)
			c.ch.SetLocation(channel.Location{Context: loc.Context, Exten: "T", Priority: 1})
			return true
		case c.Exists(ctx, loc.Context, "e", 1):
			c.RaiseException("ABSOLUTETIMEOUT")
			return true
		}
		c.logger.Info("absolute timeout with no T or e extension", "context", loc.Context)
		return false
	}
	c.logger.Debug("soft hangup", "flags", flags.String())
	return false
}

// invalid routes an unknown dialed string to the i extension, or raises
// INVALID. It reports false when neither exists.
func (c *Call) invalid(ctx context.Context, dialed string) bool {
	loc := c.ch.Location()
	switch {
	case c.Exists(ctx, loc.Context, "i", 1):
		c.logger.Info("invalid extension, going to i", "context", loc.Context, "exten", dialed)
		c.ch.Vars().Set("INVALID_EXTEN", dialed)
		c.ch.SetLocation(channel.Location{Context: loc.Context, Exten: "i", Priority: 1})
		return true
	case c.Exists(ctx, loc.Context, "e", 1):
		c.RaiseException("INVALID")
		return true
	}
	c.logger.Warn("invalid extension with no i or e extension", "context", loc.Context, "exten", dialed, "priority", loc.Priority)
	return false
}

// collectDigits appends digits to buf while more digits could still
// match. relocated is set when an async goto interrupted collection. A
// dial tone keeps playing while buf matches an ignore pattern of the
// context and stops when collection ends.
func (c *Call) collectDigits(ctx context.Context, buf string, wait time.Duration) (string, bool, error) {
	loc := c.ch.Location()
	defer c.stopDialTone()
	for c.engine.dp.MatchMore(ctx, loc.Context, buf, 1, c.callerNum()) {
		d, err := channel.WaitForDigit(ctx, c.ch, wait)
		if err != nil {
			return buf, false, err
		}
		flags := c.ch.SoftHangupFlags()
		if flags&channel.SoftHangupAsyncGoto != 0 {
			c.ch.ClearSoftHangup(channel.SoftHangupAsyncGoto)
			return buf, true, nil
		}
		if flags&channel.SoftHangupTimeout != 0 {
			if c.softHangup(ctx, flags) {
				return buf, true, nil
			}
			return buf, false, channel.ErrHangup
		}
		if flags != 0 {
			return buf, false, channel.ErrHangup
		}
		if d == 0 {
			break
		}
		buf += string(d)
		if !c.engine.dp.IgnorePattern(loc.Context, buf) {
			c.stopDialTone()
		}
		wait = c.DigitTimeout()
	}
	return buf, false, nil
}

func (c *Call) startDialTone() {
	if err := c.engine.opts.Tones.Play(c.ch, "dial"); err != nil {
		c.logger.Warn("dial tone failed", "error", err)
		return
	}
	c.mu.Lock()
	c.dialTone = true
	c.mu.Unlock()
}

func (c *Call) stopDialTone() {
	c.mu.Lock()
	on := c.dialTone
	c.dialTone = false
	c.mu.Unlock()
	if on {
		c.engine.opts.Tones.Stop(c.ch)
	}
}

// dialStatusControls maps DIALSTATUS values to the indication played
// when a call falls off the end of its priorities.
var dialStatusControls = map[string]channel.ControlKind{
	"CONGESTION":  channel.ControlCongestion,
	"CHANUNAVAIL": channel.ControlCongestion,
	"ROUTEFAIL":   channel.ControlRouteFail,
	"FORBIDDEN":   channel.ControlForbidden,
	"REJECTED":    channel.ControlRejected,
	"TEMPUNAVAIL": channel.ControlUnavailable,
	"TIMEOUT":     channel.ControlTimeout,
	"BUSY":        channel.ControlBusy,
}

func (c *Call) autoFallthrough(ctx context.Context) {
	status, ok := c.engine.subst.Lookup(c, "DIALSTATUS")
	if !ok || status == "" {
		status = "UNKNOWN"
	}
	c.logger.Info("auto fallthrough", "dial_status", status)
	kind, ok := dialStatusControls[strings.ToUpper(status)]
	if !ok {
		return
	}
	if err := c.ch.Indicate(kind, nil); err != nil {
		c.logger.Warn("indication failed", "control", kind.String(), "error", err)
		return
	}
	if err := c.WaitForHangup(ctx, c.engine.opts.IndicationWait); err != nil && !errors.Is(err, channel.ErrHangup) {
		c.logger.Debug("wait for hangup ended", "error", err)
	}
}

// runHangupExten runs the h extension of the current context, if any.
func (e *Engine) runHangupExten(ctx context.Context, c *Call) {
	loc := c.ch.Location()
	if !c.Exists(ctx, loc.Context, "h", 1) {
		return
	}
	c.ch.ClearSoftHangup(channel.SoftHangupAll)
	loc = channel.Location{Context: loc.Context, Exten: "h", Priority: 1}
	c.ch.SetLocation(loc)
	for {
		res, found, err := c.spawn(ctx, loc)
		if !found || err != nil || res != Continue {
			if err != nil {
				c.logger.Debug("h extension ended", "error", err)
			}
			return
		}
		loc = c.ch.Location()
		if !c.takeJump() {
			loc.Priority++
			c.ch.SetLocation(loc)
		}
	}
}
