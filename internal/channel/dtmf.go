package channel

import (
	"context"
	"time"
)

// DTMF timing constants.
const (
	MinDTMFDuration     = 80 * time.Millisecond
	MinDTMFGap          = 45 * time.Millisecond
	DefaultEmulatedDTMF = 100 * time.Millisecond
)

// DTMFFilter normalises inbound DTMF: an End without a preceding Begin is
// emulated as a Begin/End pair, unknown durations get the default
// emulated duration, short digits are stretched to the minimum, and an
// End repeating the previous digit within the minimum gap is dropped.
type DTMFFilter struct {
	inDigit   byte
	lastDigit byte
	lastEnd   time.Time
}

func NewDTMFFilter() *DTMFFilter {
	return &DTMFFilter{}
}

// Process returns the frames to deliver in place of f, which arrived at
// at. The gap rule compares arrival times, so queued presses of the same
// digit survive however quickly they are read.
func (d *DTMFFilter) Process(f Frame, at time.Time) []Frame {
	switch f.Kind {
	case FrameDTMFBegin:
		d.inDigit = f.Digit
		return []Frame{f}
	case FrameDTMFEnd:
	default:
		return []Frame{f}
	}

	emulated := d.inDigit != f.Digit
	d.inDigit = 0

	if f.Digit == d.lastDigit && !d.lastEnd.IsZero() && at.Sub(d.lastEnd) < MinDTMFGap {
		return nil
	}
	d.lastDigit, d.lastEnd = f.Digit, at

	if f.Duration == 0 {
		f.Duration = DefaultEmulatedDTMF
	}
	if f.Duration < MinDTMFDuration {
		f.Duration = MinDTMFDuration
	}
	if emulated {
		return []Frame{{Kind: FrameDTMFBegin, Digit: f.Digit}, f}
	}
	return []Frame{f}
}

// WaitForDigit waits up to timeout for a DTMF digit. It returns 0 when the
// timeout passes or a soft hangup is requested; callers inspect
// SoftHangupFlags to tell the two apart.
func WaitForDigit(ctx context.Context, ch Channel, timeout time.Duration) (byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		ready, err := ch.WaitForInput(ctx, remaining)
		if err != nil {
			return 0, err
		}
		if !ready {
			return 0, nil
		}
		f, err := ch.ReadFrame(ctx)
		if err != nil {
			return 0, err
		}
		switch f.Kind {
		case FrameDTMFEnd:
			return f.Digit, nil
		case FrameControl:
			if f.Control == ControlHangup {
				return 0, ErrHangup
			}
		}
	}
}
