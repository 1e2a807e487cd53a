package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowpbx/pbxcore/internal/events"
	"github.com/flowpbx/pbxcore/internal/vars"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestLocalStateEvents(t *testing.T) {
	bus := events.NewBus()
	sub, cancel := bus.Subscribe(32)
	defer cancel()

	l := NewLocal(LocalOptions{Name: "Local/100", Events: bus}, testLogger())
	if l.State() != StateDown {
		t.Fatalf("initial state = %s", l.State())
	}
	l.SetState(StateRing)
	l.SetState(StateRing)
	if err := l.Answer(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.State() != StateUp {
		t.Errorf("state after answer = %s", l.State())
	}
	if err := l.Hangup(); err != nil {
		t.Fatal(err)
	}
	if err := l.Hangup(); err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, ev := range drain(sub) {
		names = append(names, ev.Name+":"+ev.Get("state"))
	}
	want := []string{"Newchannel:Down", "Newstate:Ring", "Newstate:Up", "Newstate:Down", "Hangup:"}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, names[i], want[i])
		}
	}
	if l.HangupCause() != CauseNormalClearing {
		t.Errorf("cause = %s", l.HangupCause())
	}
	select {
	case <-l.Done():
	default:
		t.Error("Done not closed after hangup")
	}
}

func TestLocalWaitForDigit(t *testing.T) {
	l := NewLocal(LocalOptions{}, testLogger())
	ctx := context.Background()

	d, err := WaitForDigit(ctx, l, 20*time.Millisecond)
	if err != nil || d != 0 {
		t.Fatalf("empty wait = %q, %v", d, err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = l.QueueFrame(Frame{Kind: FrameVoice})
		_ = l.QueueDigits("7")
	}()
	d, err = WaitForDigit(ctx, l, time.Second)
	if err != nil || d != '7' {
		t.Fatalf("WaitForDigit = %q, %v", d, err)
	}
}

func TestLocalSoftHangupWakesWaiter(t *testing.T) {
	l := NewLocal(LocalOptions{}, testLogger())
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.SoftHangup(SoftHangupAsyncGoto)
	}()
	start := time.Now()
	ready, err := l.WaitForInput(context.Background(), 5*time.Second)
	if err != nil || ready {
		t.Fatalf("WaitForInput = %v, %v", ready, err)
	}
	if time.Since(start) > time.Second {
		t.Error("soft hangup did not wake the waiter")
	}
	if l.SoftHangupFlags()&SoftHangupAsyncGoto == 0 {
		t.Error("flag not set")
	}
	l.ClearSoftHangup(SoftHangupAsyncGoto)
	if l.SoftHangupFlags() != 0 {
		t.Errorf("flags = %s", l.SoftHangupFlags())
	}
}

func TestLocalHangupControl(t *testing.T) {
	l := NewLocal(LocalOptions{}, testLogger())
	_ = l.QueueControl(ControlHangup)
	if _, err := l.ReadFrame(context.Background()); !errors.Is(err, ErrHangup) {
		t.Errorf("ReadFrame error = %v", err)
	}
	if l.SoftHangupFlags()&SoftHangupDev == 0 {
		t.Error("device soft hangup not raised")
	}
}

func TestLocalEmulatesBegin(t *testing.T) {
	bus := events.NewBus()
	sub, cancel := bus.Subscribe(16)
	defer cancel()
	l := NewLocal(LocalOptions{Events: bus}, testLogger())
	_ = l.QueueFrame(DTMFEnd('5', 0))

	ctx := context.Background()
	f, _ := l.ReadFrame(ctx)
	if f.Kind != FrameDTMFBegin || f.Digit != '5' {
		t.Errorf("first frame = %+v", f)
	}
	f, _ = l.ReadFrame(ctx)
	if f.Kind != FrameDTMFEnd || f.Duration != DefaultEmulatedDTMF {
		t.Errorf("second frame = %+v", f)
	}

	var dtmf int
	for _, ev := range drain(sub) {
		if ev.Name == events.DTMF {
			dtmf++
		}
	}
	if dtmf != 2 {
		t.Errorf("DTMF events = %d, want 2", dtmf)
	}
}

// within fails the test if fn does not return within d.
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("still blocked after %v", d)
	}
}

func TestLocalQueuedDigitReachesWaitForDigit(t *testing.T) {
	l := NewLocal(LocalOptions{}, testLogger())
	if err := l.QueueDigits("7"); err != nil {
		t.Fatal(err)
	}
	var d byte
	var err error
	within(t, time.Second, func() {
		d, err = WaitForDigit(context.Background(), l, 300*time.Millisecond)
	})
	if err != nil || d != '7' {
		t.Fatalf("WaitForDigit = %q, %v, want '7'", d, err)
	}
}

func TestLocalRepeatedQueuedDigits(t *testing.T) {
	l := NewLocal(LocalOptions{}, testLogger())
	if err := l.QueueDigits("11"); err != nil {
		t.Fatal(err)
	}
	if err := l.QueueDigits("1"); err != nil {
		t.Fatal(err)
	}
	var got []byte
	within(t, time.Second, func() {
		for {
			d, err := WaitForDigit(context.Background(), l, 50*time.Millisecond)
			if err != nil || d == 0 {
				return
			}
			got = append(got, d)
		}
	})
	if string(got) != "111" {
		t.Errorf("collected %q, want 111", got)
	}
}

func TestLocalCoalescedDigitDoesNotBlock(t *testing.T) {
	l := NewLocal(LocalOptions{}, testLogger())
	_ = l.QueueFrame(Frame{Kind: FrameDTMFBegin, Digit: '4'})
	_ = l.QueueFrame(DTMFEnd('4', 100*time.Millisecond))
	// A duplicate End for the same press, as sent by redundant transports.
	_ = l.QueueFrame(DTMFEnd('4', 100*time.Millisecond))

	var digits []byte
	within(t, time.Second, func() {
		for {
			d, err := WaitForDigit(context.Background(), l, 50*time.Millisecond)
			if err != nil || d == 0 {
				return
			}
			digits = append(digits, d)
		}
	})
	if string(digits) != "4" {
		t.Errorf("digits = %q, want 4", digits)
	}

	l2 := NewLocal(LocalOptions{}, testLogger())
	_ = l2.QueueFrame(DTMFEnd('8', 0))
	_ = l2.QueueFrame(DTMFEnd('8', 0))
	ctx := context.Background()
	var kinds []FrameKind
	within(t, time.Second, func() {
		for i := 0; i < 3; i++ {
			f, err := l2.ReadFrame(ctx)
			if err != nil {
				t.Errorf("ReadFrame: %v", err)
				return
			}
			kinds = append(kinds, f.Kind)
		}
	})
	want := []FrameKind{FrameDTMFBegin, FrameDTMFEnd, FrameNull}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestLocalInheritsVariables(t *testing.T) {
	parent := vars.NewList()
	parent.Set("__ACCOUNT", "42")
	parent.Set("PRIVATE", "x")
	l := NewLocal(LocalOptions{Parent: parent}, testLogger())
	if v, ok := l.Vars().Get("ACCOUNT"); !ok || v != "42" {
		t.Errorf("ACCOUNT = %q %v", v, ok)
	}
	if _, ok := l.Vars().Get("PRIVATE"); ok {
		t.Error("private variable inherited")
	}
}

func TestLocalBridgeAndMasquerade(t *testing.T) {
	bus := events.NewBus()
	sub, cancel := bus.Subscribe(32)
	defer cancel()

	a := NewLocal(LocalOptions{Name: "Local/a", Events: bus}, testLogger())
	b := NewLocal(LocalOptions{Name: "Local/b", Events: bus}, testLogger())
	a.Bridge(b)
	a.Unbridge()

	b.SetLocation(Location{Context: "default", Exten: "100", Priority: 3})
	b.Vars().Set("FOO", "bar")
	a.Masquerade(b)
	if a.Location().Exten != "100" {
		t.Errorf("location = %+v", a.Location())
	}
	if v, _ := a.Vars().Get("FOO"); v != "bar" {
		t.Errorf("FOO = %q", v)
	}
	a.Rename("Local/renamed")

	seen := map[string]bool{}
	for _, ev := range drain(sub) {
		seen[ev.Name] = true
	}
	for _, name := range []string{events.Bridge, events.Unlink, events.Masquerade, events.Rename, events.Hangup} {
		if !seen[name] {
			t.Errorf("missing %s event", name)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := NewLocal(LocalOptions{Name: "Local/A"}, testLogger())
	if err := r.Add(a); err != nil {
		t.Fatal(err)
	}
	dup := NewLocal(LocalOptions{Name: "local/a"}, testLogger())
	if err := r.Add(dup); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate add: %v", err)
	}
	if got, ok := r.Get("LOCAL/A"); !ok || got != a {
		t.Error("Get failed")
	}
	r.Remove(dup)
	if r.Len() != 1 {
		t.Error("Remove of a different channel removed the entry")
	}
	r.Remove(a)
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestParseCause(t *testing.T) {
	tests := []struct {
		in   string
		want Cause
		ok   bool
	}{
		{"16", CauseNormalClearing, true},
		{"USER_BUSY", CauseUserBusy, true},
		{"busy", CauseUserBusy, true},
		{"AST_CAUSE_NO_ANSWER", CauseNoAnswer, true},
		{"nonsense", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseCause(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseCause(%q) = %v %v", tt.in, got, ok)
		}
	}
}
