package pattern

import (
	"errors"
	"testing"
)

func TestCompileSpecificity(t *testing.T) {
	tests := []struct {
		pattern string
		want    []int
	}{
		{"555", []int{0x100 + '5', 0x100 + '5', 0x100 + '5'}},
		{"_X", []int{0x0A00 + '0'}},
		{"_Z", []int{0x0900 + '1'}},
		{"_N", []int{0x0800 + '2'}},
		{"_[13-5]", []int{0x0100*4 + '1'}},
		{"_9.", []int{0x100 + '9', 0x10000}},
		{"_9!", []int{0x100 + '9', 0x20000}},
		{"_1 X-X", []int{0x100 + '1', 0x0A30, 0x0A30}},
	}
	for _, tt := range tests {
		p, err := Compile(tt.pattern)
		if err != nil {
			t.Fatalf("Compile(%q): %v", tt.pattern, err)
		}
		got := p.Specificity()
		if len(got) != len(tt.want) {
			t.Fatalf("Compile(%q) specificity = %v, want %v", tt.pattern, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Compile(%q)[%d] = %#x, want %#x", tt.pattern, i, got[i], tt.want[i])
			}
		}
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		pattern  string
		position int
	}{
		{"_12[34", 3},
		{"_[9-1]", 2},
		{"_", 1},
		{"", 0},
		{"_[]", 1},
	}
	for _, tt := range tests {
		_, err := Compile(tt.pattern)
		if err == nil {
			t.Fatalf("Compile(%q) succeeded, want error", tt.pattern)
		}
		if !errors.Is(err, ErrPatternSyntax) {
			t.Errorf("Compile(%q) error %v is not ErrPatternSyntax", tt.pattern, err)
		}
		var pse *PatternSyntaxError
		if !errors.As(err, &pse) {
			t.Fatalf("Compile(%q) error type %T", tt.pattern, err)
		}
		if pse.Position != tt.position {
			t.Errorf("Compile(%q) position = %d, want %d", tt.pattern, pse.Position, tt.position)
		}
	}
}

func TestMatchModes(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		match   bool
		can     bool
		more    bool
	}{
		{"_!", "", false, true, true},
		{"_!", "1", true, true, true},
		{"_!", "12345", true, true, true},
		{"_X.", "1", false, true, true},
		{"_X.", "12", true, true, true},
		{"_X.", "123", true, true, true},
		{"_NXX", "555", true, true, false},
		{"_NXX", "155", false, false, false},
		{"_NXX", "55", false, true, true},
		{"555", "555", true, true, false},
		{"555", "5555", false, false, false},
		{"_9.", "9", false, true, true},
		{"_9.", "91", true, true, true},
		{"_[a-c]1", "b1", true, true, false},
		{"_X!", "5", true, true, true},
	}
	for _, tt := range tests {
		p := MustCompile(tt.pattern)
		if got := p.Match(tt.input, ModeMatch); got != tt.match {
			t.Errorf("%s match %q = %v, want %v", tt.pattern, tt.input, got, tt.match)
		}
		if got := p.Match(tt.input, ModeCanMatch); got != tt.can {
			t.Errorf("%s canmatch %q = %v, want %v", tt.pattern, tt.input, got, tt.can)
		}
		if got := p.Match(tt.input, ModeMatchMore); got != tt.more {
			t.Errorf("%s matchmore %q = %v, want %v", tt.pattern, tt.input, got, tt.more)
		}
	}
}

func TestCompareOrdersBySpecificity(t *testing.T) {
	ordered := []string{"1234", "_1XXX", "_1XX.", "_X11", "_X.", "_!"}
	for i := 0; i+1 < len(ordered); i++ {
		a, b := MustCompile(ordered[i]), MustCompile(ordered[i+1])
		if Compare(a, b) >= 0 {
			t.Errorf("Compare(%s, %s) >= 0, want < 0", a.Raw, b.Raw)
		}
		if Compare(b, a) <= 0 {
			t.Errorf("Compare(%s, %s) <= 0, want > 0", b.Raw, a.Raw)
		}
	}
	if Compare(MustCompile("_NXX"), MustCompile("_nxx")) != 0 {
		t.Error("case-folded class letters should compare equal")
	}
}

func TestSplit(t *testing.T) {
	exten, cid, ok := Split("100/_555X")
	if !ok || exten != "100" || cid != "_555X" {
		t.Errorf("Split = %q %q %v", exten, cid, ok)
	}
	if _, _, ok := Split("100"); ok {
		t.Error("Split without slash reported cid")
	}
}
