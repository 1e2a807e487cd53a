package channel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrDuplicateName is returned when a channel name is already registered.
var ErrDuplicateName = errors.New("channel name already registered")

// Registry lists live channels by case-insensitive name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Channel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Channel)}
}

// Add registers ch under its current name.
func (r *Registry) Add(ch Channel) error {
	k := strings.ToLower(ch.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[k]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, ch.Name())
	}
	r.byName[k] = ch
	return nil
}

// Remove unregisters ch if it is the channel registered under its name.
func (r *Registry) Remove(ch Channel) {
	k := strings.ToLower(ch.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName[k] == ch {
		delete(r.byName, k)
	}
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byName[strings.ToLower(name)]
	return ch, ok
}

// List returns the registered channels sorted by name.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	out := make([]Channel, 0, len(r.byName))
	for _, ch := range r.byName {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
