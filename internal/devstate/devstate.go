// Package devstate models device states, their aggregation across a hint's
// device list, and an in-memory provider that publishes state changes.
package devstate

import (
	"fmt"
	"strings"
)

// State is the state of a single device.
type State int

const (
	Unknown State = iota
	NotInUse
	InUse
	Busy
	Invalid
	Unavailable
	Ringing
	RingInUse
	OnHold
)

var stateNames = [...]string{
	Unknown:     "UNKNOWN",
	NotInUse:    "NOT_INUSE",
	InUse:       "INUSE",
	Busy:        "BUSY",
	Invalid:     "INVALID",
	Unavailable: "UNAVAILABLE",
	Ringing:     "RINGING",
	RingInUse:   "RINGINUSE",
	OnHold:      "ONHOLD",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Parse converts a state name such as "INUSE" or "not_inuse" to a State.
func Parse(name string) (State, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for i, s := range stateNames {
		if s == n {
			return State(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown device state %q", name)
}

// Provider reports the current state of a device by name.
type Provider interface {
	State(device string) State
}

// order ranks states when folding them into an aggregate; a higher rank
// replaces a lower one.
var order = [...]int{
	Unknown:     1,
	NotInUse:    3,
	InUse:       6,
	Busy:        7,
	Invalid:     0,
	Unavailable: 2,
	Ringing:     5,
	RingInUse:   8,
	OnHold:      4,
}

// Aggregate folds the states of several devices into one. The zero value
// is not ready for use; call NewAggregate.
type Aggregate struct {
	ringing bool
	inUse   bool
	state   State
}

// NewAggregate returns an aggregate with no devices added.
func NewAggregate() *Aggregate {
	return &Aggregate{state: Invalid}
}

// Add folds one device state into the aggregate.
func (a *Aggregate) Add(s State) {
	if s < 0 || int(s) >= len(order) {
		s = Unknown
	}
	switch s {
	case Ringing:
		a.ringing = true
	case InUse, OnHold, Busy:
		a.inUse = true
	}
	if a.ringing && a.inUse {
		a.state = RingInUse
		return
	}
	if order[s] > order[a.state] {
		a.state = s
	}
}

// Result returns the aggregated state.
func (a *Aggregate) Result() State { return a.state }

// Devices splits a hint device expression ("SIP/a & SIP/b") into trimmed,
// non-empty device names.
func Devices(expr string) []string {
	parts := strings.Split(expr, "&")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AggregateOf computes the aggregate state of every device in expr.
func AggregateOf(p Provider, expr string) State {
	agg := NewAggregate()
	for _, d := range Devices(expr) {
		agg.Add(p.State(d))
	}
	return agg.Result()
}
