package vars

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// Env is the environment a substitution is evaluated in.
type Env interface {
	// Vars returns the channel's variables, or nil without a channel.
	Vars() *List
	// Builtin resolves a reserved variable such as EXTEN or CHANNEL.
	Builtin(name string) (string, bool)
}

// NoChannel is an Env for substitutions outside any call.
var NoChannel Env = noChannel{}

type noChannel struct{}

func (noChannel) Vars() *List                   { return nil }
func (noChannel) Builtin(string) (string, bool) { return "", false }

// Substituter expands ${...} and $[...] references.
type Substituter struct {
	globals *Globals
	funcs   *FuncRegistry
	logger  *slog.Logger
}

// NewSubstituter creates a substituter over globals and funcs. The core
// functions LEN, ISNULL, EXISTS, IF, GLOBAL and CUT are registered into
// funcs.
func NewSubstituter(globals *Globals, funcs *FuncRegistry, logger *slog.Logger) *Substituter {
	s := &Substituter{
		globals: globals,
		funcs:   funcs,
		logger:  logger.With("subsystem", "substitute"),
	}
	s.registerCore()
	return s
}

// Globals returns the global variable map.
func (s *Substituter) Globals() *Globals { return s.globals }

// Funcs returns the function registry.
func (s *Substituter) Funcs() *FuncRegistry { return s.funcs }

// Lookup resolves a variable name: channel variables first, then
// globals, then reserved built-ins.
func (s *Substituter) Lookup(env Env, name string) (string, bool) {
	if env == nil {
		env = NoChannel
	}
	if l := env.Vars(); l != nil {
		if v, ok := l.Get(name); ok {
			return v, true
		}
	}
	if v, ok := s.globals.Get(name); ok {
		return v, true
	}
	return env.Builtin(name)
}

// Read evaluates "NAME(args)" through the function registry.
func (s *Substituter) Read(env Env, call string) (string, error) {
	name, args, ok := SplitCall(call)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a function call", ErrUnknownFunction, call)
	}
	f, ok := s.funcs.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if f.Read == nil {
		return "", fmt.Errorf("function %s cannot be read", name)
	}
	return f.Read(env, args)
}

// Assign sets a variable or, for "NAME(args)", writes a function. Without
// a channel the assignment goes to the globals.
func (s *Substituter) Assign(env Env, name, value string) error {
	if env == nil {
		env = NoChannel
	}
	name = strings.TrimSpace(name)
	if fn, args, ok := SplitCall(name); ok {
		f, ok := s.funcs.Lookup(fn)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFunction, fn)
		}
		if f.Write == nil {
			return fmt.Errorf("%w: %s", ErrReadOnly, fn)
		}
		return f.Write(env, s.Substitute(env, args), value)
	}
	if l := env.Vars(); l != nil {
		l.Set(name, value)
		return nil
	}
	s.globals.Set(name, value)
	return nil
}

// Substitute expands every ${...} and $[...] in in. Unknown variables
// and failing functions or expressions expand to the empty string.
func (s *Substituter) Substitute(env Env, in string) string {
	if env == nil {
		env = NoChannel
	}
	if !strings.Contains(in, "$") {
		return in
	}
	var b strings.Builder
	for i := 0; i < len(in); {
		if in[i] != '$' || i+1 >= len(in) || (in[i+1] != '{' && in[i+1] != '[') {
			b.WriteByte(in[i])
			i++
			continue
		}
		opener, closer := in[i+1], byte('}')
		if opener == '[' {
			closer = ']'
		}
		end := matching(in, i+2, opener, closer)
		if end < 0 {
			s.logger.Warn("unterminated substitution", "text", in)
			b.WriteString(in[i:])
			break
		}
		body := s.Substitute(env, in[i+2:end])
		if opener == '[' {
			v, err := Eval(body)
			if err != nil {
				s.logger.Debug("expression failed", "expr", body, "error", err)
			}
			b.WriteString(v)
		} else {
			b.WriteString(s.expand(env, body))
		}
		i = end + 1
	}
	return b.String()
}

// matching returns the index of the bracket closing the one opened just
// before start, or -1.
func matching(s string, start int, opener, closer byte) int {
	depth := 1
	for i := start; i < len(s); i++ {
		switch s[i] {
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// expand resolves the body of ${...}: a variable or function call with an
// optional ":offset[:length]" suffix.
func (s *Substituter) expand(env Env, body string) string {
	name, offset, length := splitSubstring(body)
	var value string
	if strings.HasSuffix(name, ")") {
		v, err := s.Read(env, name)
		if err != nil {
			s.logger.Debug("function read failed", "function", name, "error", err)
			return ""
		}
		value = v
	} else {
		value, _ = s.Lookup(env, name)
	}
	return Substring(value, offset, length)
}

// splitSubstring splits "name:offset:length", ignoring colons inside
// parentheses. A missing length is math.MaxInt.
func splitSubstring(body string) (name string, offset, length int) {
	length = math.MaxInt
	depth := 0
	colon := -1
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ':':
			if depth == 0 {
				colon = i
			}
		}
		if colon >= 0 {
			break
		}
	}
	if colon < 0 {
		return body, 0, length
	}
	name = body[:colon]
	rest := body[colon+1:]
	off, ln, hasLen := strings.Cut(rest, ":")
	offset, _ = strconv.Atoi(strings.TrimSpace(off))
	if hasLen {
		if n, err := strconv.Atoi(strings.TrimSpace(ln)); err == nil {
			length = n
		}
	}
	return name, offset, length
}

// Substring applies ":offset:length" semantics. A negative offset counts
// from the end; a negative length trims from the end; an offset past the
// end yields the empty string.
func Substring(value string, offset, length int) string {
	n := len(value)
	if offset == 0 && length >= n {
		return value
	}
	if offset < 0 {
		offset += n
		if offset < 0 {
			offset = 0
		}
	}
	if offset >= n {
		return ""
	}
	value = value[offset:]
	rem := n - offset
	switch {
	case length >= 0 && length < rem:
		return value[:length]
	case length < 0:
		if rem+length > 0 {
			return value[:rem+length]
		}
		return ""
	}
	return value
}
