// Package channel defines the call capability the dialplan executor
// drives, plus an in-memory implementation and a registry of live
// channels.
package channel

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/flowpbx/pbxcore/internal/vars"
)

// ErrHangup is returned by operations on a channel that has hung up.
var ErrHangup = errors.New("channel hung up")

// State is the call state of a channel.
type State int

const (
	StateDown State = iota
	StateReserved
	StateOffHook
	StateDialing
	StateRing
	StateRinging
	StateUp
	StateBusy
	StateDialingOffHook
	StatePreRing
)

var stateNames = [...]string{
	StateDown:           "Down",
	StateReserved:       "Rsrvd",
	StateOffHook:        "OffHook",
	StateDialing:        "Dialing",
	StateRing:           "Ring",
	StateRinging:        "Ringing",
	StateUp:             "Up",
	StateBusy:           "Busy",
	StateDialingOffHook: "Dialing Offhook",
	StatePreRing:        "Pre-ring",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

func parseState(name string) State {
	for i, n := range stateNames {
		if n == name {
			return State(i)
		}
	}
	return StateDown
}

// SoftHangup is a bit set of asynchronous hangup requests.
type SoftHangup uint32

const (
	SoftHangupDev SoftHangup = 1 << iota
	SoftHangupAsyncGoto
	SoftHangupShutdown
	SoftHangupTimeout
	SoftHangupAppUnload
	SoftHangupExplicit
)

// SoftHangupAll is every soft hangup kind.
const SoftHangupAll = SoftHangupDev | SoftHangupAsyncGoto | SoftHangupShutdown |
	SoftHangupTimeout | SoftHangupAppUnload | SoftHangupExplicit

func (s SoftHangup) String() string {
	if s == 0 {
		return "none"
	}
	names := []struct {
		bit  SoftHangup
		name string
	}{
		{SoftHangupDev, "dev"},
		{SoftHangupAsyncGoto, "asyncgoto"},
		{SoftHangupShutdown, "shutdown"},
		{SoftHangupTimeout, "timeout"},
		{SoftHangupAppUnload, "appunload"},
		{SoftHangupExplicit, "explicit"},
	}
	var parts []string
	for _, n := range names {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// CallerID is the calling party identity of a channel.
type CallerID struct {
	Num   string
	Name  string
	ANI   string
	Pres  int
	TON   int
	TNS   int
	RDNIS string
	DNID  string
}

// Location is a position in the dialplan.
type Location struct {
	Context  string
	Exten    string
	Priority int
}

// Channel is a live call as seen by the dialplan executor.
type Channel interface {
	Name() string
	UniqueID() string
	Language() string

	State() State
	SetState(s State)
	// Outgoing reports whether this channel was originated by the PBX.
	Outgoing() bool
	Answer(ctx context.Context) error
	Indicate(kind ControlKind, data []byte) error

	// WaitForInput blocks until a frame can be read, the timeout passes or
	// a soft hangup is requested. It reports whether a frame is ready.
	WaitForInput(ctx context.Context, timeout time.Duration) (bool, error)
	// ReadFrame may return a FrameNull in place of a frame that was
	// dropped, so a read after a ready WaitForInput never blocks.
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(f Frame) error
	QueueFrame(f Frame) error
	QueueControl(kind ControlKind) error
	SendDigitBegin(digit byte) error
	SendDigitEnd(digit byte, duration time.Duration) error

	SoftHangup(flags SoftHangup)
	SoftHangupFlags() SoftHangup
	ClearSoftHangup(flags SoftHangup)
	HangupCause() Cause
	SetHangupCause(c Cause)
	Hangup() error
	// Done is closed once the channel has hung up.
	Done() <-chan struct{}

	CallerID() CallerID
	SetCallerID(id CallerID)
	Vars() *vars.List

	Location() Location
	SetLocation(loc Location)

	Datastore(key string) (any, bool)
	SetDatastore(key string, value any)
}
