package pbx

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/flowpbx/pbxcore/internal/channel"
)

func TestRegistryDuplicate(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	err := h.engine.Actions().Register(&Action{
		Name:    "answer",
		Module:  "other",
		Handler: func(context.Context, *Call, string) (Result, error) { return Continue, nil },
	})
	if !errors.Is(err, ErrDuplicateAction) {
		t.Fatalf("duplicate register = %v", err)
	}
	var dup *DuplicateActionError
	if !errors.As(err, &dup) || dup.Module != builtinModule {
		t.Errorf("duplicate detail = %+v", dup)
	}
	if err := h.engine.Actions().Register(&Action{Name: "NoHandler"}); err == nil {
		t.Error("registered an action without a handler")
	}
}

func TestRegistryFindAndList(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	r := h.engine.Actions()
	if a, ok := r.Find("GOTOIF"); !ok || a.Name != "GotoIf" {
		t.Errorf("Find(GOTOIF) = %v, %v", a, ok)
	}
	list := r.Actions()
	if len(list) == 0 || list[0].Name != "Answer" {
		t.Fatalf("first action = %v", list)
	}
	for i := 1; i < len(list); i++ {
		if strings.ToLower(list[i-1].Name) > strings.ToLower(list[i].Name) {
			t.Errorf("actions out of order: %s before %s", list[i-1].Name, list[i].Name)
		}
	}
}

func TestUnregisterClearsCachedHandles(t *testing.T) {
	h := newHarness(t, Options{AutoFallthrough: true}, nil)
	calls := 0
	err := h.engine.Actions().Register(&Action{
		Name:   "Count",
		Module: "test",
		Handler: func(context.Context, *Call, string) (Result, error) {
			calls++
			return Continue, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.add("default", "100", 1, "", "Count", "")

	h.run(h.newChannel("Local/cache1", channel.Location{Context: "default", Exten: "100", Priority: 1}))
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
	p := h.dp.Context("default").Extension("100", "", false).Priority(1)
	if p.CachedApp() == nil {
		t.Fatal("action handle not cached on the priority")
	}

	if !h.engine.Actions().Unregister("count") {
		t.Fatal("unregister reported missing action")
	}
	if p.CachedApp() != nil {
		t.Error("cached handle survived unregister")
	}
	if h.engine.Actions().Unregister("count") {
		t.Error("second unregister reported success")
	}

	h.run(h.newChannel("Local/cache2", channel.Location{Context: "default", Exten: "100", Priority: 1}))
	if calls != 1 {
		t.Errorf("unregistered action still ran, calls = %d", calls)
	}
}
