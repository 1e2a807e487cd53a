package pbx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/pbxcore/internal/channel"
	"github.com/flowpbx/pbxcore/internal/timespec"
	"github.com/flowpbx/pbxcore/internal/vars"
)

const builtinModule = "pbx"

func builtins() []*Action {
	list := []*Action{
		{Name: "Answer", Synopsis: "Answer a channel if ringing", Handler: answer},
		{Name: "Hangup", Synopsis: "Hang up the calling channel", Handler: hangup},
		{Name: "Goto", Synopsis: "Jump to a particular priority, extension, or context", Handler: gotoAction},
		{Name: "GotoIf", Synopsis: "Conditional goto", Handler: gotoIf},
		{Name: "GotoIfTime", Synopsis: "Conditional goto based on the current time", Handler: gotoIfTime},
		{Name: "ExecIfTime", Synopsis: "Conditional application execution based on the current time", Handler: execIfTime},
		{Name: "NoOp", Synopsis: "Do nothing", Handler: noop},
		{Name: "Wait", Synopsis: "Waits for some time", Handler: wait},
		{Name: "WaitExten", Synopsis: "Waits for an extension to be entered", Handler: waitExten},
		{Name: "Background", Synopsis: "Play audio files while waiting for digits", Handler: background},
		{Name: "Playback", Synopsis: "Play a file", Handler: playback},
		{Name: "Set", Synopsis: "Set channel variable or function value", Handler: set},
		{Name: "MSet", Synopsis: "Set channel variables or function values", Handler: mset},
		{Name: "SayNumber", Synopsis: "Say Number", Handler: sayNumber},
		{Name: "SayDigits", Synopsis: "Say Digits", Handler: sayWith(Speaker.SayDigits)},
		{Name: "SayAlpha", Synopsis: "Say Alpha", Handler: sayWith(Speaker.SayAlpha)},
		{Name: "SayPhonetic", Synopsis: "Say Phonetic", Handler: sayWith(Speaker.SayPhonetic)},
		{Name: "Ringing", Synopsis: "Indicate ringing tone", Handler: indicate(channel.ControlRinging)},
		{Name: "Progress", Synopsis: "Indicate progress", Handler: indicate(channel.ControlProgress)},
		{Name: "Proceeding", Synopsis: "Indicate proceeding", Handler: indicate(channel.ControlProceeding)},
		{Name: "Busy", Synopsis: "Indicate the Busy condition", Handler: failure(channel.ControlBusy)},
		{Name: "Congestion", Synopsis: "Indicate the Congestion condition", Handler: failure(channel.ControlCongestion)},
		{Name: "Incomplete", Synopsis: "Returns control to the dialplan awaiting more digits", Handler: incomplete},
		{Name: "RaiseException", Synopsis: "Handle an exceptional condition", Handler: raiseException},
		{Name: "ResetCDR", Synopsis: "Resets the Call Data Record", Handler: resetCDR},
		{Name: "SetAMAFlags", Synopsis: "Set the AMA Flags", Handler: setAMAFlags},
		{Name: "ImportVar", Synopsis: "Import a variable from a channel into a new variable", Handler: importVar},
	}
	for _, a := range list {
		a.Module = builtinModule
	}
	return list
}

// splitArgs splits action data on commas, trimming surrounding blanks.
func splitArgs(data string, n int) []string {
	parts := strings.SplitN(data, ",", n)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// parseSeconds reads a possibly fractional number of seconds.
func parseSeconds(s string) (time.Duration, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

func answer(ctx context.Context, c *Call, data string) (Result, error) {
	ch := c.ch
	if ch.Outgoing() || ch.State() == channel.StateUp {
		return Continue, nil
	}
	args := splitArgs(data, 2)
	if err := ch.Answer(ctx); err != nil {
		return Stop, err
	}
	ch.SetState(channel.StateUp)
	if ms, err := strconv.Atoi(arg(args, 0)); err == nil && ms > 0 {
		d := max(time.Duration(ms)*time.Millisecond, 500*time.Millisecond)
		if _, err := ch.WaitForInput(ctx, d); err != nil {
			return Stop, err
		}
	}
	return Continue, nil
}

func hangup(_ context.Context, c *Call, data string) (Result, error) {
	if data = strings.TrimSpace(data); data != "" {
		cause, ok := channel.ParseCause(data)
		if !ok {
			c.logger.Warn("invalid cause given to Hangup", "cause", data)
		} else {
			c.ch.SetHangupCause(cause)
		}
	}
	if c.ch.HangupCause() == 0 {
		c.ch.SetHangupCause(channel.CauseNormalClearing)
	}
	c.ch.SoftHangup(channel.SoftHangupExplicit)
	return Stop, nil
}

func gotoAction(ctx context.Context, c *Call, data string) (Result, error) {
	loc, err := c.ParseGoto(ctx, data)
	if err != nil {
		return Stop, fmt.Errorf("goto: %w", err)
	}
	c.logger.Debug("goto", "context", loc.Context, "exten", loc.Exten, "priority", loc.Priority)
	c.Goto(loc)
	return Continue, nil
}

// splitBranches splits "cond?true:false". ok is false without a '?'.
func splitBranches(data string) (cond, ifTrue, ifFalse string, ok bool) {
	cond, branches, ok := strings.Cut(data, "?")
	if !ok {
		return "", "", "", false
	}
	ifTrue, ifFalse, _ = strings.Cut(branches, ":")
	return strings.TrimSpace(cond), strings.TrimSpace(ifTrue), strings.TrimSpace(ifFalse), true
}

func takeBranch(ctx context.Context, c *Call, branch string) (Result, error) {
	if branch == "" {
		c.logger.Debug("not taking any branch")
		return Continue, nil
	}
	return gotoAction(ctx, c, branch)
}

func gotoIf(ctx context.Context, c *Call, data string) (Result, error) {
	cond, t, f, ok := splitBranches(data)
	if !ok {
		c.logger.Warn("GotoIf requires an argument (condition?label1:label2)", "data", data)
		return Continue, nil
	}
	if vars.Truth(cond) {
		return takeBranch(ctx, c, t)
	}
	return takeBranch(ctx, c, f)
}

func gotoIfTime(ctx context.Context, c *Call, data string) (Result, error) {
	spec, t, f, ok := splitBranches(data)
	if !ok {
		c.logger.Warn("GotoIfTime requires an argument (times,weekdays,mdays,months?label1:label2)", "data", data)
		return Continue, nil
	}
	ts, err := timespec.Parse(spec)
	if err != nil {
		c.logger.Warn("invalid time specification", "spec", spec, "error", err)
		return Continue, nil
	}
	if ts.Check(c.engine.now()) {
		return takeBranch(ctx, c, t)
	}
	return takeBranch(ctx, c, f)
}

func execIfTime(ctx context.Context, c *Call, data string) (Result, error) {
	spec, call, ok := strings.Cut(data, "?")
	if !ok {
		c.logger.Warn("ExecIfTime requires an argument (times,weekdays,mdays,months?appname(args))", "data", data)
		return Continue, nil
	}
	ts, err := timespec.Parse(strings.TrimSpace(spec))
	if err != nil {
		c.logger.Warn("invalid time specification", "spec", spec, "error", err)
		return Continue, nil
	}
	if !ts.Check(c.engine.now()) {
		return Continue, nil
	}
	name, args, ok := vars.SplitCall(strings.TrimSpace(call))
	if !ok {
		name, args, _ = strings.Cut(strings.TrimSpace(call), ",")
	}
	act, ok := c.engine.actions.Find(name)
	if !ok {
		return Continue, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return act.Handler(ctx, c, args)
}

func noop(_ context.Context, c *Call, data string) (Result, error) {
	c.logger.Debug("noop", "text", data)
	return Continue, nil
}

func wait(ctx context.Context, c *Call, data string) (Result, error) {
	d, ok := parseSeconds(data)
	if !ok {
		return Continue, nil
	}
	if err := c.Wait(ctx, d); err != nil {
		return Stop, err
	}
	return Continue, nil
}

// mohClass extracts the class of an "m(class)" option, or "default".
func mohClass(opts string) (string, bool) {
	i := strings.IndexByte(opts, 'm')
	if i < 0 {
		return "", false
	}
	rest := opts[i+1:]
	if strings.HasPrefix(rest, "(") {
		if end := strings.IndexByte(rest, ')'); end > 1 {
			return rest[1:end], true
		}
	}
	return "default", true
}

func waitExten(ctx context.Context, c *Call, data string) (Result, error) {
	args := splitArgs(data, 2)
	wait := c.ResponseTimeout()
	if d, ok := parseSeconds(arg(args, 0)); ok && d > 0 {
		wait = d
	}
	if class, ok := mohClass(arg(args, 1)); ok {
		if err := c.engine.opts.MOH.Start(c.ch, class); err != nil {
			c.logger.Warn("music on hold failed", "class", class, "error", err)
		} else {
			defer c.engine.opts.MOH.Stop(c.ch)
		}
	}

	d, err := channel.WaitForDigit(ctx, c.ch, wait)
	if err != nil {
		return Stop, err
	}
	if d != 0 {
		return Keypress(d), nil
	}
	if c.ch.SoftHangupFlags() != 0 {
		return Continue, nil
	}

	loc := c.ch.Location()
	switch {
	case c.Exists(ctx, loc.Context, loc.Exten, loc.Priority+1):
		c.logger.Debug("timeout, continuing", "context", loc.Context, "exten", loc.Exten)
	case c.Exists(ctx, loc.Context, "t", 1):
		c.logger.Info("timeout, going to t", "context", loc.Context)
		c.Goto(channel.Location{Context: loc.Context, Exten: "t", Priority: 1})
	case c.Exists(ctx, loc.Context, "e", 1):
		c.RaiseException("RESPONSETIMEOUT")
	default:
		c.logger.Warn("timeout but no t or e extension", "context", loc.Context)
		return Stop, nil
	}
	return Continue, nil
}

// prepareMedia answers the channel before playback unless told not to.
// skip is set when the channel is not up and the s option was given.
func prepareMedia(ctx context.Context, c *Call, opts string) (skip bool, err error) {
	if c.ch.State() == channel.StateUp {
		return false, nil
	}
	if strings.ContainsRune(opts, 's') {
		return true, nil
	}
	if strings.ContainsRune(opts, 'n') {
		return false, nil
	}
	_, err = answer(ctx, c, "")
	return false, err
}

func playback(ctx context.Context, c *Call, data string) (Result, error) {
	args := splitArgs(data, 2)
	if arg(args, 0) == "" {
		c.logger.Warn("Playback requires an argument (filename)")
		return Stop, nil
	}
	skip, err := prepareMedia(ctx, c, arg(args, 1))
	if err != nil {
		return Stop, err
	}
	status := "SUCCESS"
	if !skip {
		for _, file := range strings.Split(args[0], "&") {
			if _, err := c.engine.opts.Player.Play(ctx, c.ch, file, c.ch.Language(), ""); err != nil {
				if errors.Is(err, channel.ErrHangup) {
					return Stop, err
				}
				c.logger.Warn("playback failed", "file", file, "error", err)
				status = "FAILED"
				break
			}
		}
	}
	c.ch.Vars().Set("PLAYBACKSTATUS", status)
	return Continue, nil
}

func background(ctx context.Context, c *Call, data string) (Result, error) {
	args := splitArgs(data, 4)
	if arg(args, 0) == "" {
		c.logger.Warn("Background requires an argument (filename)")
		return Stop, nil
	}
	opts, lang, dest := arg(args, 1), arg(args, 2), arg(args, 3)
	if lang == "" {
		lang = c.ch.Language()
	}
	loc := c.ch.Location()
	if dest == "" {
		dest = loc.Context
	}

	skip, err := prepareMedia(ctx, c, opts)
	if err != nil {
		return Stop, err
	}
	escape := DigitAny
	if strings.ContainsRune(opts, 'p') {
		escape = ""
	}
	status := "SUCCESS"
	var digit byte
	if !skip {
		for _, file := range strings.Split(args[0], "&") {
			digit, err = c.engine.opts.Player.Play(ctx, c.ch, file, lang, escape)
			if err != nil {
				if errors.Is(err, channel.ErrHangup) {
					return Stop, err
				}
				c.logger.Warn("background playback failed", "file", file, "error", err)
				status = "FAILED"
				digit = 0
				break
			}
			if digit != 0 {
				break
			}
		}
	}
	c.ch.Vars().Set("BACKGROUNDSTATUS", status)
	if digit == 0 {
		return Continue, nil
	}

	matchOnly := strings.ContainsRune(opts, 'm')
	if matchOnly && !c.engine.dp.CanMatch(ctx, dest, string(digit), 1, c.callerNum()) {
		return Continue, nil
	}
	if dest != loc.Context {
		c.ch.SetLocation(channel.Location{Context: dest, Exten: loc.Exten, Priority: loc.Priority})
	}
	return Keypress(digit), nil
}

// assignment splits "name=value".
func assignment(pair string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(pair, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", false
	}
	return name, value, true
}

func set(_ context.Context, c *Call, data string) (Result, error) {
	name, value, ok := assignment(data)
	if !ok {
		c.logger.Warn("Set requires an argument (name=value)", "data", data)
		return Continue, nil
	}
	if err := c.Assign(name, value); err != nil {
		c.logger.Warn("set failed", "name", name, "error", err)
	}
	return Continue, nil
}

func mset(_ context.Context, c *Call, data string) (Result, error) {
	for _, pair := range strings.Split(data, ",") {
		name, value, ok := assignment(pair)
		if !ok {
			c.logger.Warn("MSet requires name=value pairs", "pair", pair)
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if err := c.Assign(name, value); err != nil {
			c.logger.Warn("set failed", "name", name, "error", err)
		}
	}
	return Continue, nil
}

func sayResult(d byte, err error) (Result, error) {
	if err != nil {
		return Stop, err
	}
	if d != 0 {
		return Keypress(d), nil
	}
	return Continue, nil
}

func sayNumber(ctx context.Context, c *Call, data string) (Result, error) {
	args := splitArgs(data, 2)
	n, err := strconv.Atoi(arg(args, 0))
	if err != nil {
		c.logger.Warn("first argument to SayNumber must be a number", "data", data)
		return Continue, nil
	}
	return sayResult(c.engine.opts.Speaker.SayNumber(ctx, c.ch, n, c.ch.Language(), ""))
}

type sayFunc func(s Speaker, ctx context.Context, ch channel.Channel, text, language, escape string) (byte, error)

func sayWith(say sayFunc) Handler {
	return func(ctx context.Context, c *Call, data string) (Result, error) {
		return sayResult(say(c.engine.opts.Speaker, ctx, c.ch, data, c.ch.Language(), ""))
	}
}

func indicate(kind channel.ControlKind) Handler {
	return func(_ context.Context, c *Call, _ string) (Result, error) {
		if err := c.ch.Indicate(kind, nil); err != nil {
			return Stop, err
		}
		return Continue, nil
	}
}

// failure indicates kind, waits for the caller to hang up and ends the
// call. The optional argument bounds the wait in seconds.
func failure(kind channel.ControlKind) Handler {
	return func(ctx context.Context, c *Call, data string) (Result, error) {
		if err := c.ch.Indicate(kind, nil); err != nil {
			return Stop, err
		}
		if c.ch.State() != channel.StateUp {
			c.ch.SetState(channel.StateBusy)
		}
		d := time.Duration(-1)
		if s, ok := parseSeconds(data); ok {
			d = s
		}
		if err := c.WaitForHangup(ctx, d); err != nil && !errors.Is(err, channel.ErrHangup) {
			return Stop, err
		}
		return Stop, nil
	}
}

func incomplete(ctx context.Context, c *Call, data string) (Result, error) {
	if c.ch.State() != channel.StateUp && !strings.ContainsRune(data, 'n') {
		if _, err := answer(ctx, c, ""); err != nil {
			return Stop, err
		}
	}
	if err := c.ch.Indicate(channel.ControlIncomplete, nil); err != nil {
		return Stop, err
	}
	return Incomplete, nil
}

func raiseException(_ context.Context, c *Call, data string) (Result, error) {
	reason := strings.TrimSpace(data)
	if reason == "" {
		c.logger.Warn("RaiseException requires a reason")
		return Continue, nil
	}
	c.RaiseException(reason)
	return Continue, nil
}

func resetCDR(_ context.Context, c *Call, data string) (Result, error) {
	if err := c.engine.opts.CDR.Reset(c.ch, data); err != nil {
		c.logger.Warn("cdr reset failed", "error", err)
	}
	return Continue, nil
}

func setAMAFlags(_ context.Context, c *Call, data string) (Result, error) {
	if err := c.engine.opts.CDR.SetAMAFlags(c.ch, data); err != nil {
		c.logger.Warn("set ama flags failed", "flag", data, "error", err)
	}
	return Continue, nil
}

// importVar implements ImportVar(newvar=channel,variable).
func importVar(ctx context.Context, c *Call, data string) (Result, error) {
	name, rest, ok := assignment(data)
	if !ok {
		c.logger.Warn("ImportVar requires an argument (newvar=channel,variable)", "data", data)
		return Continue, nil
	}
	chanName, varName, ok := strings.Cut(rest, ",")
	if !ok {
		c.logger.Warn("ImportVar requires an argument (newvar=channel,variable)", "data", data)
		return Continue, nil
	}
	value, err := c.engine.importValue(ctx, strings.TrimSpace(chanName), strings.TrimSpace(varName))
	if err != nil {
		c.logger.Warn("import failed", "channel", chanName, "error", err)
	}
	c.ch.Vars().Set(name, value)
	return Continue, nil
}

// importValue substitutes ${variable} on the named channel.
func (e *Engine) importValue(ctx context.Context, chanName, variable string) (string, error) {
	other, ok := e.channels.Get(chanName)
	if !ok {
		return "", fmt.Errorf("channel %s not found", chanName)
	}
	return e.callFor(ctx, other).Substitute("${" + variable + "}"), nil
}
