// Package events carries structured channel and dialplan events to
// in-process subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event names.
const (
	Newchannel  = "Newchannel"
	Newstate    = "Newstate"
	Newexten    = "Newexten"
	Rename      = "Rename"
	Hangup      = "Hangup"
	NewCallerid = "NewCallerid"
	DTMF        = "DTMF"
	Masquerade  = "Masquerade"
	Bridge      = "Bridge"
	Unlink      = "Unlink"
)

// Event is a single structured event. Fields holds event-specific
// key/value pairs such as "state", "context", "application" or "digit".
type Event struct {
	Name     string
	Channel  string
	UniqueID string
	Fields   map[string]string
	Time     time.Time
}

// Get returns a field value or the empty string.
func (e Event) Get(key string) string { return e.Fields[key] }

// Publisher accepts events.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
	nowFunc func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event), nowFunc: time.Now}
}

// Publish delivers ev to every subscriber. A zero Time is stamped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.nowFunc()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The
// returned cancel function removes it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns the number of events discarded because a subscriber
// was not keeping up.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
