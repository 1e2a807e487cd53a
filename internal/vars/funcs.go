package vars

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownFunction is returned when a function name has no registration.
var ErrUnknownFunction = errors.New("unknown function")

// ErrReadOnly is returned when writing to a function without a writer.
var ErrReadOnly = errors.New("function is read-only")

// ErrDuplicateFunction is returned when registering a name twice.
var ErrDuplicateFunction = errors.New("function already registered")

// Func is a dialplan function such as LEN(...) or CALLERID(num). Args
// arrive already substituted. Either of Read or Write may be nil.
type Func struct {
	Name     string
	Synopsis string
	Read     func(env Env, args string) (string, error)
	Write    func(env Env, args, value string) error
}

// FuncRegistry maps case-insensitive function names to functions.
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]*Func
}

// NewFuncRegistry returns an empty registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]*Func)}
}

// Register adds f.
func (r *FuncRegistry) Register(f *Func) error {
	k := strings.ToUpper(f.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[k]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, f.Name)
	}
	r.funcs[k] = f
	return nil
}

// Unregister removes a function by name.
func (r *FuncRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.funcs, strings.ToUpper(name))
	r.mu.Unlock()
}

// Lookup returns the function registered under name.
func (r *FuncRegistry) Lookup(name string) (*Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.funcs[strings.ToUpper(name)]
	return f, ok
}

// Names returns the sorted list of registered names.
func (r *FuncRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for _, f := range r.funcs {
		out = append(out, f.Name)
	}
	sort.Strings(out)
	return out
}

// SplitCall splits "NAME(args)" into its name and argument text. ok is
// false when s is not a function call.
func SplitCall(s string) (name, args string, ok bool) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", "", false
	}
	return s[:open], s[open+1 : len(s)-1], true
}

// registerCore installs the functions that need no channel.
func (s *Substituter) registerCore() {
	core := []*Func{
		{
			Name:     "LEN",
			Synopsis: "Length of a string",
			Read: func(_ Env, args string) (string, error) {
				return strconv.Itoa(len(args)), nil
			},
		},
		{
			Name:     "ISNULL",
			Synopsis: "1 when the argument is empty",
			Read: func(_ Env, args string) (string, error) {
				return boolString(args == ""), nil
			},
		},
		{
			Name:     "EXISTS",
			Synopsis: "1 when the argument is not empty",
			Read: func(_ Env, args string) (string, error) {
				return boolString(args != ""), nil
			},
		},
		{
			Name:     "IF",
			Synopsis: "IF(expr?[true][:false])",
			Read: func(_ Env, args string) (string, error) {
				cond, branches, ok := strings.Cut(args, "?")
				if !ok {
					return "", fmt.Errorf("IF: missing '?' in %q", args)
				}
				t, f, _ := strings.Cut(branches, ":")
				if Truth(cond) {
					return strings.TrimSpace(t), nil
				}
				return strings.TrimSpace(f), nil
			},
		},
		{
			Name:     "GLOBAL",
			Synopsis: "Read or write a global variable",
			Read: func(_ Env, args string) (string, error) {
				v, _ := s.globals.Get(strings.TrimSpace(args))
				return v, nil
			},
			Write: func(_ Env, args, value string) error {
				s.globals.Set(strings.TrimSpace(args), value)
				return nil
			},
		},
		{
			Name:     "CUT",
			Synopsis: "CUT(varname,delimiter,fieldspec)",
			Read: func(env Env, args string) (string, error) {
				parts := strings.SplitN(args, ",", 3)
				if len(parts) < 2 {
					return "", fmt.Errorf("CUT: want varname,delimiter[,fields]")
				}
				value, _ := s.Lookup(env, parts[0])
				delim := parts[1]
				if delim == "" {
					delim = "-"
				}
				spec := "1"
				if len(parts) == 3 && parts[2] != "" {
					spec = parts[2]
				}
				return cutFields(value, delim[:1], spec)
			},
		},
	}
	for _, f := range core {
		// Core names are unique; Register cannot fail on a fresh registry.
		_ = s.funcs.Register(f)
	}
}

// cutFields selects 1-based fields ("2", "1-3", "2-", "1&4") from value.
func cutFields(value, delim, spec string) (string, error) {
	fields := strings.Split(value, delim)
	var out []string
	for _, item := range strings.Split(spec, "&") {
		from, to, isRange := strings.Cut(item, "-")
		lo, hi := 1, len(fields)
		var err error
		if from != "" {
			if lo, err = strconv.Atoi(from); err != nil || lo < 1 {
				return "", fmt.Errorf("CUT: bad field %q", item)
			}
		}
		if !isRange {
			hi = lo
		} else if to != "" {
			if hi, err = strconv.Atoi(to); err != nil || hi < lo {
				return "", fmt.Errorf("CUT: bad field %q", item)
			}
		}
		for i := lo; i <= hi && i <= len(fields); i++ {
			out = append(out, fields[i-1])
		}
	}
	return strings.Join(out, delim), nil
}
