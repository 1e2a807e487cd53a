package channel

import (
	"fmt"
	"time"
)

// FrameKind is the type of a media or signalling frame.
type FrameKind int

const (
	FrameNull FrameKind = iota
	FrameVoice
	FrameVideo
	FrameDTMFBegin
	FrameDTMFEnd
	FrameControl
	FrameCNG
	FrameText
	FrameImage
	FrameHTML
	FrameModem
)

var frameNames = [...]string{
	FrameNull:      "Null",
	FrameVoice:     "Voice",
	FrameVideo:     "Video",
	FrameDTMFBegin: "DTMF_Begin",
	FrameDTMFEnd:   "DTMF_End",
	FrameControl:   "Control",
	FrameCNG:       "CNG",
	FrameText:      "Text",
	FrameImage:     "Image",
	FrameHTML:      "HTML",
	FrameModem:     "Modem",
}

func (k FrameKind) String() string {
	if k < 0 || int(k) >= len(frameNames) {
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
	return frameNames[k]
}

// ControlKind is the subtype of a control frame or indication.
type ControlKind int

const (
	ControlHangup ControlKind = iota + 1
	ControlRing
	ControlRinging
	ControlAnswer
	ControlBusy
	ControlTakeOffHook
	ControlOffHook
	ControlCongestion
	ControlFlash
	ControlWink
	ControlOption
	ControlRadioKey
	ControlRadioUnkey
	ControlProgress
	ControlProceeding
	ControlHold
	ControlUnhold
	ControlVidUpdate
	ControlT38Parameters
	ControlSrcUpdate
	ControlSrcChange
	ControlTimeout
	ControlForbidden
	ControlRejected
	ControlUnavailable
	ControlRouteFail
	// ControlIncomplete tells the far end the dialed number is not yet complete.
	ControlIncomplete
)

var controlNames = map[ControlKind]string{
	ControlHangup:        "Hangup",
	ControlRing:          "Ring",
	ControlRinging:       "Ringing",
	ControlAnswer:        "Answer",
	ControlBusy:          "Busy",
	ControlTakeOffHook:   "Takeoffhook",
	ControlOffHook:       "Offhook",
	ControlCongestion:    "Congestion",
	ControlFlash:         "Flash",
	ControlWink:          "Wink",
	ControlOption:        "Option",
	ControlRadioKey:      "RadioKey",
	ControlRadioUnkey:    "RadioUnkey",
	ControlProgress:      "Progress",
	ControlProceeding:    "Proceeding",
	ControlHold:          "Hold",
	ControlUnhold:        "Unhold",
	ControlVidUpdate:     "VidUpdate",
	ControlT38Parameters: "T38Parameters",
	ControlSrcUpdate:     "SrcUpdate",
	ControlSrcChange:     "SrcChange",
	ControlTimeout:       "Timeout",
	ControlForbidden:     "Forbidden",
	ControlRejected:      "Rejected",
	ControlUnavailable:   "Unavailable",
	ControlRouteFail:     "RouteFail",
	ControlIncomplete:    "Incomplete",
}

func (c ControlKind) String() string {
	if n, ok := controlNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ControlKind(%d)", int(c))
}

// Frame is a unit read from or written to a channel.
type Frame struct {
	Kind FrameKind
	// Digit is set on DTMF frames.
	Digit byte
	// Duration is the length of a DTMF_End; zero means unknown.
	Duration time.Duration
	// Control is set on control frames.
	Control ControlKind
	Data    []byte
}

// DTMFEnd returns a DTMF_End frame for digit.
func DTMFEnd(digit byte, d time.Duration) Frame {
	return Frame{Kind: FrameDTMFEnd, Digit: digit, Duration: d}
}

// ControlFrame returns a control frame of kind.
func ControlFrame(kind ControlKind) Frame {
	return Frame{Kind: FrameControl, Control: kind}
}

// IsDTMFDigit reports whether b is a keypad digit: 0-9, *, #, A-D.
func IsDTMFDigit(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b == '*', b == '#', b >= 'A' && b <= 'D':
		return true
	}
	return false
}
