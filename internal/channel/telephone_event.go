package channel

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDTMF is returned when a DTMF payload or body cannot be decoded.
var ErrInvalidDTMF = errors.New("invalid dtmf payload")

// telephoneEventClock is the RTP clock rate of telephone-event payloads.
const telephoneEventClock = 8000

// TelephoneEventFrame decodes an RFC 4733 telephone-event payload:
//
//	|     event     |E|R| volume    |          duration             |
//
// into a DTMF_Begin frame, or a DTMF_End frame when the E bit is set.
func TelephoneEventFrame(payload []byte) (Frame, error) {
	if len(payload) < 4 {
		return Frame{}, ErrInvalidDTMF
	}
	digit, ok := eventDigit(payload[0])
	if !ok {
		return Frame{}, ErrInvalidDTMF
	}
	if payload[1]&0x80 == 0 {
		return Frame{Kind: FrameDTMFBegin, Digit: digit}, nil
	}
	units := int64(payload[2])<<8 | int64(payload[3])
	return DTMFEnd(digit, time.Duration(units)*time.Second/telephoneEventClock), nil
}

func eventDigit(event uint8) (byte, bool) {
	switch {
	case event <= 9:
		return '0' + event, true
	case event == 10:
		return '*', true
	case event == 11:
		return '#', true
	case event >= 12 && event <= 15:
		return 'A' + event - 12, true
	}
	return 0, false
}

// InfoFrame decodes a SIP INFO DTMF body. Two content types are accepted:
// "application/dtmf-relay" (Signal=5 / Duration=160 lines) and
// "application/dtmf" (a single digit).
func InfoFrame(contentType string, body []byte) (Frame, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "application/dtmf":
		return digitFrame(strings.TrimSpace(string(body)), 0)
	case "application/dtmf-relay":
	default:
		return Frame{}, ErrInvalidDTMF
	}

	var signal string
	var ms int
	for _, line := range strings.Split(string(body), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			signal = strings.TrimSpace(value)
		case "duration":
			if d, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && d >= 0 {
				ms = d
			}
		}
	}
	return digitFrame(signal, time.Duration(ms)*time.Millisecond)
}

func digitFrame(sig string, d time.Duration) (Frame, error) {
	sig = strings.ToUpper(sig)
	if len(sig) != 1 || !IsDTMFDigit(sig[0]) {
		return Frame{}, ErrInvalidDTMF
	}
	return DTMFEnd(sig[0], d), nil
}
