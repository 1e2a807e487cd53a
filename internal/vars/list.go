// Package vars implements channel and global variables, ${...} and $[...]
// substitution, the dialplan function registry and the expression
// language used by action arguments.
package vars

import (
	"strings"
	"sync"
)

// Inheritance controls whether a variable is copied to channels created
// from the one that owns it.
type Inheritance int

const (
	// Private variables stay on their channel.
	Private Inheritance = iota
	// Child variables ("_NAME") are copied to the immediate child only.
	Child
	// Transitive variables ("__NAME") are copied to every descendant.
	Transitive
)

// Var is a single named value.
type Var struct {
	Name    string
	Value   string
	Inherit Inheritance
}

// SplitName strips the inheritance prefix from a variable name.
func SplitName(name string) (string, Inheritance) {
	switch {
	case strings.HasPrefix(name, "__"):
		return name[2:], Transitive
	case strings.HasPrefix(name, "_"):
		return name[1:], Child
	}
	return name, Private
}

// FullName returns the name with its inheritance prefix.
func (v Var) FullName() string {
	switch v.Inherit {
	case Transitive:
		return "__" + v.Name
	case Child:
		return "_" + v.Name
	}
	return v.Name
}

// List is an ordered, concurrency-safe variable list. Later assignments
// to the same name replace the earlier value and inheritance.
type List struct {
	mu   sync.RWMutex
	vars []Var
}

// NewList returns an empty list.
func NewList() *List { return &List{} }

func (l *List) index(name string) int {
	for i, v := range l.vars {
		if v.Name == name {
			return i
		}
	}
	return -1
}

// Get returns the value of name. Any inheritance prefix on name is ignored.
func (l *List) Get(name string) (string, bool) {
	name, _ = SplitName(name)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.index(name); i >= 0 {
		return l.vars[i].Value, true
	}
	return "", false
}

// Set assigns value to name. The inheritance prefix of name decides how
// the variable is inherited from now on.
func (l *List) Set(name, value string) {
	bare, inh := SplitName(name)
	if bare == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.index(bare); i >= 0 {
		l.vars = append(l.vars[:i], l.vars[i+1:]...)
	}
	l.vars = append(l.vars, Var{Name: bare, Value: value, Inherit: inh})
}

// Unset removes name and reports whether it existed.
func (l *List) Unset(name string) bool {
	name, _ = SplitName(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.index(name); i >= 0 {
		l.vars = append(l.vars[:i], l.vars[i+1:]...)
		return true
	}
	return false
}

// All returns a copy of the list in assignment order.
func (l *List) All() []Var {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Var, len(l.vars))
	copy(out, l.vars)
	return out
}

// Len returns the number of variables.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.vars)
}

// Inherit builds the variable list of a channel created from parent.
// Transitive variables keep their inheritance; child variables become
// private on the new channel; private variables are not copied.
func Inherit(parent *List) *List {
	child := NewList()
	if parent == nil {
		return child
	}
	for _, v := range parent.All() {
		switch v.Inherit {
		case Transitive:
			child.vars = append(child.vars, v)
		case Child:
			child.vars = append(child.vars, Var{Name: v.Name, Value: v.Value, Inherit: Private})
		}
	}
	return child
}
