package vars

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

type testEnv struct {
	vars     *List
	builtins map[string]string
}

func (e *testEnv) Vars() *List { return e.vars }

func (e *testEnv) Builtin(name string) (string, bool) {
	v, ok := e.builtins[name]
	return v, ok
}

func newTestSubstituter() *Substituter {
	return NewSubstituter(NewGlobals(), NewFuncRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestListReplacesAndInherits(t *testing.T) {
	l := NewList()
	l.Set("FOO", "1")
	l.Set("__TRANS", "t")
	l.Set("_CHILD", "c")
	l.Set("FOO", "2")

	if v, _ := l.Get("FOO"); v != "2" {
		t.Errorf("FOO = %q", v)
	}
	if v, _ := l.Get("TRANS"); v != "t" {
		t.Errorf("TRANS = %q", v)
	}
	if l.Len() != 3 {
		t.Errorf("Len = %d", l.Len())
	}

	child := Inherit(l)
	if _, ok := child.Get("FOO"); ok {
		t.Error("private variable was inherited")
	}
	if v, ok := child.Get("CHILD"); !ok || v != "c" {
		t.Errorf("CHILD = %q %v", v, ok)
	}
	grandchild := Inherit(child)
	if _, ok := grandchild.Get("CHILD"); ok {
		t.Error("single-underscore variable reached the grandchild")
	}
	if v, ok := grandchild.Get("TRANS"); !ok || v != "t" {
		t.Errorf("TRANS on grandchild = %q %v", v, ok)
	}
	for _, v := range grandchild.All() {
		if v.Name == "TRANS" && v.FullName() != "__TRANS" {
			t.Errorf("FullName = %q", v.FullName())
		}
	}
}

func TestLookupOrder(t *testing.T) {
	s := newTestSubstituter()
	s.Globals().Set("G", "global")
	s.Globals().Set("EXTEN", "shadow")
	env := &testEnv{vars: NewList(), builtins: map[string]string{"EXTEN": "100", "CONTEXT": "default"}}
	env.vars.Set("G", "channel")

	if v, _ := s.Lookup(env, "G"); v != "channel" {
		t.Errorf("G = %q, want channel value", v)
	}
	if v, _ := s.Lookup(env, "EXTEN"); v != "shadow" {
		t.Errorf("EXTEN = %q, want global before builtin", v)
	}
	if v, _ := s.Lookup(env, "CONTEXT"); v != "default" {
		t.Errorf("CONTEXT = %q", v)
	}
}

func TestSubstitute(t *testing.T) {
	s := newTestSubstituter()
	env := &testEnv{vars: NewList(), builtins: map[string]string{"EXTEN": "5551234"}}
	env.vars.Set("X", "1")
	env.vars.Set("NAME", "X")
	env.vars.Set("EMPTY", "")

	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"${X}", "1"},
		{"a${X}b", "a1b"},
		{"${${NAME}}", "1"},
		{"${EXTEN:1}", "551234"},
		{"${EXTEN:-4}", "1234"},
		{"${EXTEN:0:3}", "555"},
		{"${EXTEN:2:-2}", "512"},
		{"${EXTEN:20}", ""},
		{"${MISSING}", ""},
		{"$[${X}=1]", "1"},
		{"$[${X} + 2 * 3]", "7"},
		{"$[1/0]", ""},
		{"${LEN(${EXTEN})}", "7"},
		{"${ISNULL(${EMPTY})}", "1"},
		{"${EXISTS(${X})}", "1"},
		{"${IF($[${X}=1]?yes:no)}", "yes"},
		{"${NOSUCH(1)}", ""},
		{"cost $5", "cost $5"},
		{"${X", "${X"},
	}
	for _, tt := range tests {
		if got := s.Substitute(env, tt.in); got != tt.want {
			t.Errorf("Substitute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAssign(t *testing.T) {
	s := newTestSubstituter()
	env := &testEnv{vars: NewList()}

	if err := s.Assign(env, "FOO", "bar"); err != nil {
		t.Fatal(err)
	}
	if v, _ := env.vars.Get("FOO"); v != "bar" {
		t.Errorf("FOO = %q", v)
	}
	if err := s.Assign(env, "GLOBAL(G)", "g"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Globals().Get("G"); v != "g" {
		t.Errorf("global G = %q", v)
	}
	if err := s.Assign(env, "LEN(x)", "1"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("writing LEN: %v", err)
	}
	if err := s.Assign(env, "NOPE(x)", "1"); !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("writing NOPE: %v", err)
	}
	if err := s.Assign(nil, "NOCHAN", "v"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Globals().Get("NOCHAN"); v != "v" {
		t.Errorf("assignment without channel should set a global, got %q", v)
	}
}

func TestCut(t *testing.T) {
	s := newTestSubstituter()
	env := &testEnv{vars: NewList()}
	env.vars.Set("LIST", "a-b-c-d")
	env.vars.Set("CSV", "x,y,z")

	tests := []struct{ in, want string }{
		{"${CUT(LIST,-,2)}", "b"},
		{"${CUT(LIST,-,2-3)}", "b-c"},
		{"${CUT(LIST,-,3-)}", "c-d"},
		{"${CUT(LIST,-,1&4)}", "a-d"},
		{"${CUT(LIST,,1)}", "a"},
	}
	for _, tt := range tests {
		if got := s.Substitute(env, tt.in); got != tt.want {
			t.Errorf("Substitute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFuncRegistry(t *testing.T) {
	r := NewFuncRegistry()
	if err := r.Register(&Func{Name: "Foo"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Func{Name: "FOO"}); !errors.Is(err, ErrDuplicateFunction) {
		t.Errorf("duplicate register: %v", err)
	}
	if _, ok := r.Lookup("foo"); !ok {
		t.Error("lookup should be case-insensitive")
	}
	r.Unregister("foo")
	if _, ok := r.Lookup("Foo"); ok {
		t.Error("function still registered")
	}
}

func TestSubstring(t *testing.T) {
	tests := []struct {
		v           string
		off, length int
		want        string
	}{
		{"hello", 0, 100, "hello"},
		{"hello", 1, 3, "ell"},
		{"hello", -2, 100, "lo"},
		{"hello", -10, 2, "he"},
		{"hello", 5, 1, ""},
		{"hello", 1, -1, "ell"},
		{"hello", 3, -5, ""},
	}
	for _, tt := range tests {
		if got := Substring(tt.v, tt.off, tt.length); got != tt.want {
			t.Errorf("Substring(%q,%d,%d) = %q, want %q", tt.v, tt.off, tt.length, got, tt.want)
		}
	}
}
