package devstate

import (
	"log/slog"
	"strings"
	"sync"
)

// Event reports that a device changed state.
type Event struct {
	Device string
	State  State
}

// Store is an in-memory device state provider. Every Set is published to
// all subscribers in the order the calls were serialised.
type Store struct {
	mu     sync.RWMutex
	states map[string]State
	subs   map[int]*subscriber
	nextID int
	logger *slog.Logger

	// pubMu serialises publication so subscribers observe the same order.
	pubMu sync.Mutex
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// NewStore creates an empty store. Devices never set report Unknown.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		states: make(map[string]State),
		subs:   make(map[int]*subscriber),
		logger: logger.With("subsystem", "devstate"),
	}
}

func key(device string) string { return strings.ToLower(device) }

// State implements Provider.
func (s *Store) State(device string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[key(device)]; ok {
		return st
	}
	return Unknown
}

// Set records the state of device and publishes an Event. Delivery blocks
// until every subscriber has accepted the event or unsubscribed.
func (s *Store) Set(device string, st State) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	s.states[key(device)] = st
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	s.logger.Debug("device state changed", "device", device, "state", st.String())

	ev := Event{Device: device, State: st}
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

// Subscribe returns a channel of state changes and a cancel function that
// stops delivery. The channel is never closed.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, buffer), done: make(chan struct{})}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.done)
		})
	}
}

// Snapshot returns a copy of every recorded device state.
func (s *Store) Snapshot() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}
