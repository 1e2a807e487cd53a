package pbx

import (
	"context"
	"testing"
	"time"
)

func TestOriginate(t *testing.T) {
	h := newHarness(t, Options{AutoFallthrough: true}, nil)
	h.add("default", "500", 1, "", "Set", "SEEN=${GREETING}-${CALLERID(num)}")

	if _, err := h.engine.Originate(context.Background(), OriginateRequest{Exten: "500"}); err == nil {
		t.Error("originate without a context succeeded")
	}

	ch, err := h.engine.Originate(context.Background(), OriginateRequest{
		Context:   "default",
		Exten:     "500",
		Variables: map[string]string{"GREETING": "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ch.Outgoing() {
		t.Error("originated channel is not outgoing")
	}
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("originated call did not finish")
	}
	if v, _ := ch.Vars().Get("SEEN"); v != "hi-" {
		t.Errorf("SEEN = %q, want hi-", v)
	}
}

func TestOriginateDialsRepeatedDigits(t *testing.T) {
	h := newHarness(t, Options{AutoFallthrough: true}, nil)
	h.add("default", "_1X", 1, "", "Set", "GOT=${EXTEN}")

	ch, err := h.engine.Originate(context.Background(), OriginateRequest{
		Context: "default",
		Digits:  "11",
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("originated call did not finish")
	}
	if v, _ := ch.Vars().Get("GOT"); v != "11" {
		t.Errorf("GOT = %q, want 11", v)
	}
}
