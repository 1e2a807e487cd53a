package pattern

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// ErrPatternSyntax is matched by every PatternSyntaxError.
var ErrPatternSyntax = errors.New("pattern syntax error")

// PatternSyntaxError reports a malformed extension or caller-id pattern.
// Position is the byte offset in the pattern as given.
type PatternSyntaxError struct {
	Pattern  string
	Position int
	Reason   string
}

func (e *PatternSyntaxError) Error() string {
	return fmt.Sprintf("pattern %q: %s at position %d", e.Pattern, e.Reason, e.Position)
}

// Is lets errors.Is(err, ErrPatternSyntax) succeed.
func (e *PatternSyntaxError) Is(target error) bool {
	return target == ErrPatternSyntax
}

// Mode selects what a match query asks for.
type Mode int

const (
	// ModeMatch asks whether the input is a complete match.
	ModeMatch Mode = iota
	// ModeCanMatch asks whether the input matches or is a prefix of a match.
	ModeCanMatch
	// ModeMatchMore asks whether strictly longer input could match.
	ModeMatchMore
)

func (m Mode) String() string {
	switch m {
	case ModeMatch:
		return "match"
	case ModeCanMatch:
		return "canmatch"
	case ModeMatchMore:
		return "matchmore"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Specificity values. Smaller is more specific.
const (
	specLiteral    = 0x0100
	specOneOrMore  = 0x10000
	specZeroOrMore = 0x20000
)

type tokenKind uint8

const (
	tokLiteral tokenKind = iota
	tokClass
	tokOneOrMore
	tokZeroOrMore
)

// charset is a 256-bit membership set.
type charset [4]uint64

func (c *charset) add(b byte)      { c[b>>6] |= 1 << (b & 63) }
func (c *charset) has(b byte) bool { return c[b>>6]&(1<<(b&63)) != 0 }

func (c *charset) count() int {
	n := 0
	for _, w := range c {
		n += bits.OnesCount64(w)
	}
	return n
}

func (c *charset) min() byte {
	for i, w := range c {
		if w != 0 {
			return byte(i*64 + bits.TrailingZeros64(w))
		}
	}
	return 0
}

func (c *charset) addRange(lo, hi byte) {
	for b := int(lo); b <= int(hi); b++ {
		c.add(byte(b))
	}
}

// Token is one compiled position of a pattern.
type Token struct {
	kind tokenKind
	set  charset
	spec int
	text string
}

func literalToken(b byte) Token {
	t := Token{kind: tokLiteral, spec: specLiteral + int(b), text: string(b)}
	t.set.add(b)
	return t
}

func classToken(text string, set charset) Token {
	return Token{kind: tokClass, set: set, spec: specLiteral*set.count() + int(set.min()), text: text}
}

var (
	tokX = func() Token {
		var s charset
		s.addRange('0', '9')
		return Token{kind: tokClass, set: s, spec: 0x0A00 + '0', text: "X"}
	}()
	tokZ = func() Token {
		var s charset
		s.addRange('1', '9')
		return Token{kind: tokClass, set: s, spec: 0x0900 + '1', text: "Z"}
	}()
	tokN = func() Token {
		var s charset
		s.addRange('2', '9')
		return Token{kind: tokClass, set: s, spec: 0x0800 + '2', text: "N"}
	}()
	tokDot  = Token{kind: tokOneOrMore, spec: specOneOrMore, text: "."}
	tokBang = Token{kind: tokZeroOrMore, spec: specZeroOrMore, text: "!"}
)

// Specificity returns the rank of this position; smaller is more specific.
func (t Token) Specificity() int { return t.spec }

// String returns the canonical edge text.
func (t Token) String() string { return t.text }

// IsTail reports whether the token is a '.' or '!' wildcard.
func (t Token) IsTail() bool { return t.kind == tokOneOrMore || t.kind == tokZeroOrMore }

func (t Token) matches(b byte) bool {
	switch t.kind {
	case tokOneOrMore, tokZeroOrMore:
		return true
	default:
		return t.set.has(b)
	}
}

// Pattern is a compiled extension or caller-id pattern.
type Pattern struct {
	// Raw is the text as registered.
	Raw string
	// IsPattern is true when Raw began with '_'.
	IsPattern bool
	Tokens    []Token
}

// Compile parses an extension name. Names beginning with '_' are patterns;
// anything else is compared literally. Whitespace is dropped outside of
// character classes.
func Compile(raw string) (*Pattern, error) {
	p := &Pattern{Raw: raw}
	s := raw
	offset := 0
	if strings.HasPrefix(s, "_") {
		p.IsPattern = true
		s = s[1:]
		offset = 1
	}

	if !p.IsPattern {
		for i := 0; i < len(s); i++ {
			if isSpace(s[i]) {
				continue
			}
			p.Tokens = append(p.Tokens, literalToken(s[i]))
		}
		if len(p.Tokens) == 0 {
			return nil, &PatternSyntaxError{Pattern: raw, Position: 0, Reason: "empty extension"}
		}
		return p, nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isSpace(c), c == '-':
			continue
		case c == 'X' || c == 'x':
			p.Tokens = append(p.Tokens, tokX)
		case c == 'Z' || c == 'z':
			p.Tokens = append(p.Tokens, tokZ)
		case c == 'N' || c == 'n':
			p.Tokens = append(p.Tokens, tokN)
		case c == '.':
			p.Tokens = append(p.Tokens, tokDot)
			return p, nil
		case c == '!':
			p.Tokens = append(p.Tokens, tokBang)
			return p, nil
		case c == '[':
			tok, end, err := parseClass(raw, s, i, offset)
			if err != nil {
				return nil, err
			}
			p.Tokens = append(p.Tokens, tok)
			i = end
		default:
			p.Tokens = append(p.Tokens, literalToken(c))
		}
	}
	if len(p.Tokens) == 0 {
		return nil, &PatternSyntaxError{Pattern: raw, Position: offset, Reason: "empty pattern"}
	}
	return p, nil
}

// parseClass parses "[...]" starting at s[start] and returns the index of
// the closing bracket.
func parseClass(raw, s string, start, offset int) (Token, int, error) {
	var set charset
	i := start + 1
	for ; i < len(s) && s[i] != ']'; i++ {
		c := s[i]
		if i+2 < len(s) && s[i+1] == '-' && s[i+2] != ']' {
			hi := s[i+2]
			if hi < c {
				return Token{}, 0, &PatternSyntaxError{Pattern: raw, Position: offset + i, Reason: "invalid range"}
			}
			set.addRange(c, hi)
			i += 2
			continue
		}
		set.add(c)
	}
	if i >= len(s) {
		return Token{}, 0, &PatternSyntaxError{Pattern: raw, Position: offset + start, Reason: "unterminated character class"}
	}
	if set.count() == 0 {
		return Token{}, 0, &PatternSyntaxError{Pattern: raw, Position: offset + start, Reason: "empty character class"}
	}

	var b strings.Builder
	b.WriteByte('[')
	for c := 0; c < 256; c++ {
		if set.has(byte(c)) {
			b.WriteByte(byte(c))
		}
	}
	b.WriteByte(']')
	return classToken(b.String(), set), i, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// MustCompile is like Compile but panics on error. Intended for tests and
// fixed tables.
func MustCompile(raw string) *Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Split separates the "/cid" suffix of an extension in wire format.
func Split(name string) (exten, cid string, hasCID bool) {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i], name[i+1:], true
	}
	return name, "", false
}

// Specificity returns the per-position specificity vector.
func (p *Pattern) Specificity() []int {
	v := make([]int, len(p.Tokens))
	for i, t := range p.Tokens {
		v[i] = t.spec
	}
	return v
}

// String returns the canonical form of the pattern.
func (p *Pattern) String() string {
	var b strings.Builder
	if p.IsPattern {
		b.WriteByte('_')
	}
	for _, t := range p.Tokens {
		b.WriteString(t.text)
	}
	return b.String()
}

// Match reports whether input satisfies the pattern under mode.
func (p *Pattern) Match(input string, mode Mode) bool {
	full, more := analyze(p.Tokens, input, 0)
	switch mode {
	case ModeMatch:
		return full
	case ModeCanMatch:
		return full || more
	case ModeMatchMore:
		return more
	}
	return false
}

// analyze reports whether input is a complete match of toks (full) and
// whether some strictly longer input would match (more).
func analyze(toks []Token, in string, consumed int) (full, more bool) {
	if len(toks) == 0 {
		return len(in) == 0 && consumed > 0, false
	}
	t := toks[0]
	switch t.kind {
	case tokOneOrMore:
		if len(in) == 0 {
			return false, true
		}
		return true, true
	case tokZeroOrMore:
		if len(in) == 0 {
			return consumed > 0, true
		}
		return true, true
	}
	if len(in) == 0 {
		return false, true
	}
	if !t.matches(in[0]) {
		return false, false
	}
	return analyze(toks[1:], in[1:], consumed+1)
}

// compareToken orders tokens by specificity, then edge text, then
// literal-before-pattern.
func compareToken(a Token, aPattern bool, b Token, bPattern bool) int {
	if a.spec != b.spec {
		if a.spec < b.spec {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.text, b.text); c != 0 {
		return c
	}
	if aPattern != bPattern {
		if !aPattern {
			return -1
		}
		return 1
	}
	return 0
}

// Compare orders patterns by their specificity vectors. A proper prefix
// sorts first. The result is the order in which the trie visits them.
func Compare(a, b *Pattern) int {
	n := min(len(a.Tokens), len(b.Tokens))
	for i := 0; i < n; i++ {
		if c := compareToken(a.Tokens[i], a.IsPattern, b.Tokens[i], b.IsPattern); c != 0 {
			return c
		}
	}
	switch {
	case len(a.Tokens) < len(b.Tokens):
		return -1
	case len(a.Tokens) > len(b.Tokens):
		return 1
	}
	return 0
}
