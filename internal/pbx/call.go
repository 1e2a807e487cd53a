package pbx

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/pbxcore/internal/channel"
	"github.com/flowpbx/pbxcore/internal/dialplan"
	"github.com/flowpbx/pbxcore/internal/vars"
)

const exceptionKey = "exception"

// Exception is the data stored on a channel when an exception is raised.
type Exception struct {
	Reason   string
	Context  string
	Exten    string
	Priority int
}

// Call is the runtime of one channel as seen by actions. It implements
// vars.Env so action data and functions resolve against the channel.
type Call struct {
	ch     channel.Channel
	engine *Engine
	logger *slog.Logger
	ctx    context.Context

	mu              sync.Mutex
	digitTimeout    time.Duration
	responseTimeout time.Duration
	absTimer        *time.Timer
	absDeadline     time.Time
	jumped          bool
	dialTone        bool
}

func newCall(ctx context.Context, e *Engine, ch channel.Channel) *Call {
	return &Call{
		ch:              ch,
		engine:          e,
		logger:          e.logger.With("channel", ch.Name()),
		ctx:             ctx,
		digitTimeout:    e.opts.DigitTimeout,
		responseTimeout: e.opts.ResponseTimeout,
	}
}

// Channel returns the channel the call runs on.
func (c *Call) Channel() channel.Channel { return c.ch }

// Engine returns the engine running the call.
func (c *Call) Engine() *Engine { return c.engine }

// Logger returns a logger tagged with the channel name.
func (c *Call) Logger() *slog.Logger { return c.logger }

// Vars implements vars.Env.
func (c *Call) Vars() *vars.List { return c.ch.Vars() }

// Builtin implements vars.Env for the reserved channel variables.
func (c *Call) Builtin(name string) (string, bool) {
	loc := c.ch.Location()
	cid := c.ch.CallerID()
	switch name {
	case "EXTEN":
		return loc.Exten, true
	case "CONTEXT":
		return loc.Context, true
	case "PRIORITY":
		return strconv.Itoa(loc.Priority), true
	case "CHANNEL":
		return c.ch.Name(), true
	case "UNIQUEID":
		return c.ch.UniqueID(), true
	case "LANGUAGE":
		return c.ch.Language(), true
	case "HANGUPCAUSE":
		return strconv.Itoa(int(c.ch.HangupCause())), true
	case "CALLERID":
		return formatCallerID(cid), true
	case "CALLERIDNUM":
		return cid.Num, true
	case "CALLERIDNAME":
		return cid.Name, true
	case "CALLERANI":
		return cid.ANI, true
	case "CALLINGPRES":
		return strconv.Itoa(cid.Pres), true
	case "CALLINGTON":
		return strconv.Itoa(cid.TON), true
	case "CALLINGTNS":
		return strconv.Itoa(cid.TNS), true
	case "DNID":
		return cid.DNID, true
	case "RDNIS":
		return cid.RDNIS, true
	case "EPOCH":
		return strconv.FormatInt(c.engine.now().Unix(), 10), true
	case "DATETIME":
		return c.engine.now().Format("02012006-15:04:05"), true
	case "TIMESTAMP":
		return c.engine.now().Format("20060102-150405"), true
	case "HINT", "HINTNAME":
		devices, hintName, ok := c.engine.dp.Hints().HintDevices(c.ctx, loc.Context, loc.Exten)
		if !ok {
			return "", true
		}
		if name == "HINT" {
			return devices, true
		}
		return hintName, true
	case "SYSTEMNAME":
		return c.engine.opts.SystemName, true
	case "ENTITYID":
		return c.engine.opts.EntityID, true
	}
	return "", false
}

func formatCallerID(cid channel.CallerID) string {
	switch {
	case cid.Name != "" && cid.Num != "":
		return fmt.Sprintf("%q <%s>", cid.Name, cid.Num)
	case cid.Name != "":
		return cid.Name
	}
	return cid.Num
}

// Substitute expands variables, functions and expressions in s.
func (c *Call) Substitute(s string) string {
	return c.engine.subst.Substitute(c, s)
}

// Assign sets a channel variable or writes a function.
func (c *Call) Assign(name, value string) error {
	return c.engine.subst.Assign(c, name, value)
}

// Location returns the current dialplan position.
func (c *Call) Location() channel.Location { return c.ch.Location() }

// Goto moves the call to loc. The executor runs loc next instead of
// advancing to the following priority.
func (c *Call) Goto(loc channel.Location) {
	c.ch.SetLocation(loc)
	c.mu.Lock()
	c.jumped = true
	c.mu.Unlock()
}

// takeJump reports and clears whether the current action jumped.
func (c *Call) takeJump() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.jumped
	c.jumped = false
	return j
}

// RaiseException records reason and sends the call to the e extension.
func (c *Call) RaiseException(reason string) {
	loc := c.ch.Location()
	c.ch.SetDatastore(exceptionKey, &Exception{
		Reason:   reason,
		Context:  loc.Context,
		Exten:    loc.Exten,
		Priority: loc.Priority,
	})
	c.logger.Info("exception raised", "reason", reason, "context", loc.Context, "exten", loc.Exten, "priority", loc.Priority)
	c.Goto(channel.Location{Context: loc.Context, Exten: "e", Priority: 1})
}

// Exception returns the last raised exception.
func (c *Call) Exception() (*Exception, bool) {
	v, ok := c.ch.Datastore(exceptionKey)
	if !ok {
		return nil, false
	}
	ex, ok := v.(*Exception)
	return ex, ok
}

func (c *Call) callerNum() string { return c.ch.CallerID().Num }

// Exists reports whether context/exten/priority resolves for this
// caller.
func (c *Call) Exists(ctx context.Context, contextName, exten string, priority int) bool {
	return c.engine.dp.Exists(ctx, contextName, exten, priority, c.callerNum())
}

// ParseGoto resolves "[[context,]exten,]priority". The priority may be a
// label, or carry a leading + or - to move relative to the current one.
func (c *Call) ParseGoto(ctx context.Context, target string) (channel.Location, error) {
	loc := c.ch.Location()
	parts := strings.Split(target, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	dest := loc
	var prio string
	switch len(parts) {
	case 1:
		prio = parts[0]
	case 2:
		dest.Exten, prio = parts[0], parts[1]
	case 3:
		dest.Context, dest.Exten, prio = parts[0], parts[1], parts[2]
	default:
		return loc, fmt.Errorf("goto target %q: want [[context,]exten,]priority", target)
	}
	if prio == "" {
		return loc, fmt.Errorf("goto target %q: empty priority", target)
	}
	if strings.EqualFold(dest.Exten, "BYEXTENSION") {
		dest.Exten = loc.Exten
	}

	sign := 0
	switch prio[0] {
	case '+':
		sign, prio = 1, prio[1:]
	case '-':
		sign, prio = -1, prio[1:]
	}
	n, err := strconv.Atoi(prio)
	if err != nil {
		// Labels ignore a relative sign.
		n, ok := c.engine.dp.FindLabel(ctx, dest.Context, dest.Exten, prio, c.callerNum())
		if !ok {
			return loc, fmt.Errorf("priority %q must be a number > 0 or a valid label", prio)
		}
		dest.Priority = n
		return dest, nil
	}
	if sign != 0 {
		n = loc.Priority + sign*n
	}
	if n < 1 {
		return loc, fmt.Errorf("goto target %q: priority %d out of range", target, n)
	}
	dest.Priority = n
	return dest, nil
}

// DigitTimeout returns the inter-digit timeout.
func (c *Call) DigitTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.digitTimeout
}

// SetDigitTimeout changes the inter-digit timeout.
func (c *Call) SetDigitTimeout(d time.Duration) {
	c.mu.Lock()
	c.digitTimeout = d
	c.mu.Unlock()
}

// ResponseTimeout returns how long to wait for the first digit.
func (c *Call) ResponseTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseTimeout
}

// SetResponseTimeout changes the response timeout.
func (c *Call) SetResponseTimeout(d time.Duration) {
	c.mu.Lock()
	c.responseTimeout = d
	c.mu.Unlock()
}

// SetAbsoluteTimeout hangs the call up with a Timeout soft hangup after
// d. Zero or negative clears it.
func (c *Call) SetAbsoluteTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.absTimer != nil {
		c.absTimer.Stop()
		c.absTimer = nil
	}
	c.absDeadline = time.Time{}
	if d <= 0 {
		return
	}
	c.absDeadline = time.Now().Add(d)
	c.absTimer = time.AfterFunc(d, func() {
		c.ch.SoftHangup(channel.SoftHangupTimeout)
	})
}

// AbsoluteTimeout returns the time left before the absolute timeout, or
// zero when none is set.
func (c *Call) AbsoluteTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.absDeadline.IsZero() {
		return 0
	}
	if left := time.Until(c.absDeadline); left > 0 {
		return left
	}
	return time.Nanosecond
}

// hungUp reports whether the channel is gone.
func (c *Call) hungUp() bool {
	select {
	case <-c.ch.Done():
		return true
	default:
		return false
	}
}

// Wait keeps reading and discarding frames for d. It returns early, with
// a nil error, on a soft hangup and with channel.ErrHangup on hangup.
func (c *Call) Wait(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		left := time.Until(deadline)
		if left <= 0 || c.ch.SoftHangupFlags() != 0 {
			return nil
		}
		ready, err := c.ch.WaitForInput(ctx, left)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		f, err := c.ch.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if f.Kind == channel.FrameControl && f.Control == channel.ControlHangup {
			return channel.ErrHangup
		}
	}
}

// WaitForHangup blocks until the caller hangs up, a soft hangup is
// requested or d passes. A negative d waits without a limit.
func (c *Call) WaitForHangup(ctx context.Context, d time.Duration) error {
	if d >= 0 {
		return c.Wait(ctx, d)
	}
	for c.ch.SoftHangupFlags() == 0 {
		if err := c.Wait(ctx, time.Minute); err != nil {
			return err
		}
	}
	return nil
}

// spawn looks loc up and runs the action bound to it. found is false
// when loc does not resolve.
func (c *Call) spawn(ctx context.Context, loc channel.Location) (res Result, found bool, err error) {
	r := c.engine.dp.Find(ctx, dialplan.Query{
		Context:    loc.Context,
		Exten:      loc.Exten,
		Priority:   loc.Priority,
		CallerID:   c.callerNum(),
		Mode:       dialplan.ModeSpawn,
		Substitute: c.Substitute,
	})
	if !r.OK() {
		return Continue, false, nil
	}

	var (
		act     *Action
		app, in string
		ok      bool
	)
	if r.Switch != nil {
		app, in, err = r.Switch.Provider.Resolve(ctx, r.Switch.Request)
		if err != nil {
			return Continue, true, fmt.Errorf("switch %s: %w", r.Switch.Provider.Name(), err)
		}
		act, ok = c.engine.actions.Find(app)
	} else {
		app, in = r.Priority.App, r.Priority.Data
		act, ok = c.engine.actions.resolve(r.Priority)
	}
	if !ok {
		c.logger.Warn("no such action", "app", app, "context", loc.Context, "exten", loc.Exten, "priority", loc.Priority)
		return Continue, true, fmt.Errorf("%w: %s", ErrUnknownAction, app)
	}
	data := c.Substitute(in)
	res, err = c.exec(ctx, act, data, loc)
	return res, true, err
}

// exec invokes act with already substituted data.
func (c *Call) exec(ctx context.Context, act *Action, data string, loc channel.Location) (Result, error) {
	c.takeJump()
	c.logger.Debug("executing",
		"context", loc.Context, "exten", loc.Exten, "priority", loc.Priority,
		"app", act.Name, "data", data)
	c.engine.publishNewexten(c.ch, loc, act.Name, data)
	return act.Handler(ctx, c, data)
}
