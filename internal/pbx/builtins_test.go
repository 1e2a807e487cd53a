package pbx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/pbxcore/internal/channel"
	"github.com/flowpbx/pbxcore/internal/vars"
)

func TestResultDigit(t *testing.T) {
	if d, ok := Keypress('5').Digit(); !ok || d != '5' {
		t.Errorf("Keypress('5').Digit() = %q, %v", d, ok)
	}
	if d, ok := Keypress('#').Digit(); !ok || d != '#' {
		t.Errorf("Keypress('#').Digit() = %q, %v", d, ok)
	}
	for _, r := range []Result{Continue, Stop, Incomplete, Result(-3)} {
		if _, ok := r.Digit(); ok {
			t.Errorf("%s reported a digit", r)
		}
	}
	if Stop.String() != "stop" || Incomplete.String() != "incomplete" {
		t.Errorf("names = %s, %s", Stop, Incomplete)
	}
}

func TestParseGoto(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.add("default", "100", 1, "", "NoOp", "")
	h.add("default", "100", 5, "five", "NoOp", "")
	h.add("default", "200", 3, "x", "NoOp", "")
	h.add("other", "300", 1, "", "NoOp", "")

	ch := h.newChannel("Local/goto", channel.Location{Context: "default", Exten: "100", Priority: 2})
	c := h.engine.callFor(context.Background(), ch)

	tests := []struct {
		target string
		want   channel.Location
	}{
		{"4", channel.Location{Context: "default", Exten: "100", Priority: 4}},
		{"+2", channel.Location{Context: "default", Exten: "100", Priority: 4}},
		{"-1", channel.Location{Context: "default", Exten: "100", Priority: 1}},
		{"five", channel.Location{Context: "default", Exten: "100", Priority: 5}},
		{"200,x", channel.Location{Context: "default", Exten: "200", Priority: 3}},
		{"other, 300, 1", channel.Location{Context: "other", Exten: "300", Priority: 1}},
		{"BYEXTENSION,3", channel.Location{Context: "default", Exten: "100", Priority: 3}},
	}
	for _, tt := range tests {
		got, err := c.ParseGoto(context.Background(), tt.target)
		if err != nil {
			t.Errorf("ParseGoto(%q): %v", tt.target, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseGoto(%q) = %+v, want %+v", tt.target, got, tt.want)
		}
	}

	for _, bad := range []string{"-5", "nolabel", "a,b,c,d", ""} {
		if _, err := c.ParseGoto(context.Background(), bad); err == nil {
			t.Errorf("ParseGoto(%q) succeeded", bad)
		}
	}
}

func TestGotoIfTime(t *testing.T) {
	monday := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		spec string
		want string
	}{
		{"open", "09:00-17:00,mon-fri,*,*", "open"},
		{"closed hours", "18:00-23:00,*,*,*", "closed"},
		{"weekend", "*,sat-sun,*,*", "closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{AutoFallthrough: true, Now: func() time.Time { return monday }}, nil)
			h.add("default", "s", 1, "", "GotoIfTime", tt.spec+"?open:closed")
			h.add("default", "s", 2, "closed", "NoOp", "closed")
			h.add("default", "s", 3, "", "Hangup", "")
			h.add("default", "s", 4, "open", "NoOp", "open")

			ch := h.newChannel("Local/time", channel.Location{Context: "default", Exten: "s", Priority: 1})
			h.run(ch)
			got := executed(drain(h.sub))
			if len(got) < 2 || got[1] != "s:NoOp("+tt.want+")" {
				t.Errorf("executed = %v, want branch %s", got, tt.want)
			}
		})
	}
}

func TestExecIfTime(t *testing.T) {
	monday := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, Options{AutoFallthrough: true, Now: func() time.Time { return monday }}, nil)
	h.add("default", "s", 1, "", "ExecIfTime", "*,mon,*,*?Set(HIT=yes)")
	h.add("default", "s", 2, "", "ExecIfTime", "*,tue,*,*?Set(MISS=yes)")

	ch := h.newChannel("Local/exectime", channel.Location{Context: "default", Exten: "s", Priority: 1})
	h.run(ch)
	if v, _ := ch.Vars().Get("HIT"); v != "yes" {
		t.Errorf("HIT = %q", v)
	}
	if _, ok := ch.Vars().Get("MISS"); ok {
		t.Error("MISS set outside its time")
	}
}

func TestMSet(t *testing.T) {
	h := newHarness(t, Options{AutoFallthrough: true}, nil)
	h.add("default", "s", 1, "", "MSet", `A=1,B="two",GLOBAL(G)=3`)

	ch := h.newChannel("Local/mset", channel.Location{Context: "default", Exten: "s", Priority: 1})
	h.run(ch)
	if v, _ := ch.Vars().Get("A"); v != "1" {
		t.Errorf("A = %q", v)
	}
	if v, _ := ch.Vars().Get("B"); v != "two" {
		t.Errorf("B = %q", v)
	}
	if v, _ := h.subst.Globals().Get("G"); v != "3" {
		t.Errorf("global G = %q", v)
	}
}

func TestWaitExtenTimeoutGoesToT(t *testing.T) {
	h := newHarness(t, Options{AutoFallthrough: true}, nil)
	h.add("default", "s", 1, "", "WaitExten", "0.05")
	h.add("default", "t", 1, "", "NoOp", "t")

	ch := h.newChannel("Local/waitexten", channel.Location{Context: "default", Exten: "s", Priority: 1})
	h.run(ch)
	want := []string{"s:WaitExten(0.05)", "t:NoOp(t)"}
	if got := executed(drain(h.sub)); !sameList(got, want) {
		t.Errorf("executed = %v, want %v", got, want)
	}
}

func TestWaitExtenKeypress(t *testing.T) {
	h := newHarness(t, Options{AutoFallthrough: true}, nil)
	h.add("default", "s", 1, "", "WaitExten", "1")
	h.add("default", "7", 1, "", "NoOp", "seven")

	ch := h.newChannel("Local/waitkey", channel.Location{Context: "default", Exten: "s", Priority: 1})
	if err := ch.QueueDigits("7"); err != nil {
		t.Fatal(err)
	}
	h.run(ch)
	want := []string{"s:WaitExten(1)", "7:NoOp(seven)"}
	if got := executed(drain(h.sub)); !sameList(got, want) {
		t.Errorf("executed = %v, want %v", got, want)
	}
}

func TestIndications(t *testing.T) {
	h := newHarness(t, Options{AutoFallthrough: true}, nil)
	h.add("default", "s", 1, "", "Ringing", "")
	h.add("default", "s", 2, "", "Progress", "")
	h.add("default", "s", 3, "", "Congestion", "0")
	h.add("default", "s", 4, "", "NoOp", "unreachable")

	ch := h.newChannel("Local/ind", channel.Location{Context: "default", Exten: "s", Priority: 1})
	h.run(ch)
	var got []channel.ControlKind
	for _, f := range ch.Written() {
		if f.Kind == channel.FrameControl {
			got = append(got, f.Control)
		}
	}
	want := []channel.ControlKind{channel.ControlRinging, channel.ControlProgress, channel.ControlCongestion}
	if len(got) != len(want) {
		t.Fatalf("indications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("indication %d = %s, want %s", i, got[i], want[i])
		}
	}
	for _, line := range executed(drain(h.sub)) {
		if strings.Contains(line, "unreachable") {
			t.Error("call continued after Congestion")
		}
	}
}

func TestRaiseExceptionAction(t *testing.T) {
	h := newHarness(t, Options{AutoFallthrough: true}, nil)
	h.add("default", "s", 1, "", "RaiseException", "CUSTOM")
	h.add("default", "e", 1, "", "NoOp", "${EXCEPTION(reason)},${EXCEPTION(priority)}")

	ch := h.newChannel("Local/raise", channel.Location{Context: "default", Exten: "s", Priority: 1})
	h.run(ch)
	want := []string{"s:RaiseException(CUSTOM)", "e:NoOp(CUSTOM,1)"}
	if got := executed(drain(h.sub)); !sameList(got, want) {
		t.Errorf("executed = %v, want %v", got, want)
	}
}

func TestImportVar(t *testing.T) {
	h := newHarness(t, Options{AutoFallthrough: true}, nil)
	h.add("default", "100", 1, "", "Wait", "10")
	h.add("default", "200", 1, "", "ImportVar", "GOT=Local/source,SECRET")

	src := h.newChannel("Local/source", channel.Location{Context: "default", Exten: "100", Priority: 1})
	src.Vars().Set("SECRET", "42")
	if err := h.engine.Start(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	dst := h.newChannel("Local/dest", channel.Location{Context: "default", Exten: "200", Priority: 1})
	h.run(dst)
	if v, _ := dst.Vars().Get("GOT"); v != "42" {
		t.Errorf("GOT = %q, want 42", v)
	}
	src.SoftHangup(channel.SoftHangupExplicit)
	waitDone(t, src)
}

func TestChannelFunctions(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ch := h.newChannel("Local/funcs", channel.Location{Context: "default", Exten: "100", Priority: 1})
	env := h.engine.NewCallEnv(ch)

	if got := h.subst.Substitute(env, "${CALLERID(num)}"); got != "2000" {
		t.Errorf("CALLERID(num) = %q", got)
	}
	if err := h.subst.Assign(env, "CALLERID(all)", `"Alice" <3000>`); err != nil {
		t.Fatal(err)
	}
	if cid := ch.CallerID(); cid.Name != "Alice" || cid.Num != "3000" {
		t.Errorf("caller id = %+v", cid)
	}
	if got := h.subst.Substitute(env, "${CALLERID} ${CALLERIDNAME}"); got != `"Alice" <3000> Alice` {
		t.Errorf("legacy caller id vars = %q", got)
	}

	if got := h.subst.Substitute(env, "${TIMEOUT(digit)}"); got != "0.050" {
		t.Errorf("TIMEOUT(digit) = %q", got)
	}
	if err := h.subst.Assign(env, "TIMEOUT(response)", "2.5"); err != nil {
		t.Fatal(err)
	}
	if got := h.subst.Substitute(env, "${TIMEOUT(response)}"); got != "2.500" {
		t.Errorf("TIMEOUT(response) = %q", got)
	}
	if got := h.subst.Substitute(env, "${TIMEOUT(absolute)}"); got != "0" {
		t.Errorf("TIMEOUT(absolute) = %q", got)
	}

	if _, err := h.subst.Read(env, "EXCEPTION(reason)"); err == nil {
		t.Error("EXCEPTION read without an exception succeeded")
	}
	if _, err := h.subst.Read(vars.NoChannel, "CALLERID(num)"); !errors.Is(err, ErrNoChannel) {
		t.Errorf("CALLERID without channel = %v", err)
	}

	if got := h.subst.Substitute(env, "${EXTEN}@${CONTEXT}:${PRIORITY} ${CHANNEL}"); got != "100@default:1 Local/funcs" {
		t.Errorf("builtins = %q", got)
	}
}

func TestNumberFiles(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "digits/0"},
		{7, "digits/7"},
		{15, "digits/15"},
		{40, "digits/40"},
		{42, "digits/40 digits/2"},
		{300, "digits/3 digits/hundred"},
		{1234, "digits/1 digits/thousand digits/2 digits/hundred digits/30 digits/4"},
		{-5, "digits/minus digits/5"},
		{2000000, "digits/2 digits/million"},
	}
	for _, tt := range tests {
		if got := strings.Join(NumberFiles(tt.n), " "); got != tt.want {
			t.Errorf("NumberFiles(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

type recordingPlayer struct {
	files []string
}

func (p *recordingPlayer) Play(_ context.Context, _ channel.Channel, file, _, _ string) (byte, error) {
	p.files = append(p.files, file)
	return 0, nil
}

func TestSayActions(t *testing.T) {
	player := &recordingPlayer{}
	h := newHarness(t, Options{AutoFallthrough: true, Player: player}, nil)
	h.add("default", "s", 1, "", "SayDigits", "12#")
	h.add("default", "s", 2, "", "SayAlpha", "Ab-")
	h.add("default", "s", 3, "", "SayPhonetic", "z")
	h.add("default", "s", 4, "", "SayNumber", "21")
	h.add("default", "s", 5, "", "Playback", "goodbye&tt-weasels")

	ch := h.newChannel("Local/say", channel.Location{Context: "default", Exten: "s", Priority: 1})
	h.run(ch)
	want := "digits/1 digits/2 digits/pound letters/a letters/b letters/dash phonetic/z_p digits/20 digits/1 goodbye tt-weasels"
	if got := strings.Join(player.files, " "); got != want {
		t.Errorf("played %q\nwant   %q", got, want)
	}
	if v, _ := ch.Vars().Get("PLAYBACKSTATUS"); v != "SUCCESS" {
		t.Errorf("PLAYBACKSTATUS = %q", v)
	}
}
