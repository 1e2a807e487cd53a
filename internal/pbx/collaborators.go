package pbx

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowpbx/pbxcore/internal/channel"
)

// DigitAny is the escape set that lets any keypad digit interrupt media.
const DigitAny = "0123456789*#ABCD"

// Player streams sound files to a channel. Play returns the escape digit
// that interrupted playback, or 0 when the file played to the end.
type Player interface {
	Play(ctx context.Context, ch channel.Channel, file, language, escape string) (byte, error)
}

// NullPlayer plays nothing. Digits already queued on the channel still
// interrupt it.
type NullPlayer struct{}

func (NullPlayer) Play(ctx context.Context, ch channel.Channel, _, _ string, escape string) (byte, error) {
	if escape == "" {
		return 0, nil
	}
	for {
		ready, err := ch.WaitForInput(ctx, 0)
		if err != nil || !ready {
			return 0, err
		}
		f, err := ch.ReadFrame(ctx)
		if err != nil {
			return 0, err
		}
		if f.Kind == channel.FrameDTMFEnd && strings.IndexByte(escape, f.Digit) >= 0 {
			return f.Digit, nil
		}
	}
}

// Speaker renders numbers and strings as speech.
type Speaker interface {
	SayNumber(ctx context.Context, ch channel.Channel, n int, language, escape string) (byte, error)
	SayDigits(ctx context.Context, ch channel.Channel, digits, language, escape string) (byte, error)
	SayAlpha(ctx context.Context, ch channel.Channel, text, language, escape string) (byte, error)
	SayPhonetic(ctx context.Context, ch channel.Channel, text, language, escape string) (byte, error)
}

// FileSpeaker speaks by playing the stock digits/, letters/ and
// phonetic/ prompt files through a Player.
type FileSpeaker struct {
	Player Player
}

func (s *FileSpeaker) playAll(ctx context.Context, ch channel.Channel, files []string, language, escape string) (byte, error) {
	for _, f := range files {
		d, err := s.Player.Play(ctx, ch, f, language, escape)
		if err != nil || d != 0 {
			return d, err
		}
	}
	return 0, nil
}

func (s *FileSpeaker) SayNumber(ctx context.Context, ch channel.Channel, n int, language, escape string) (byte, error) {
	return s.playAll(ctx, ch, NumberFiles(n), language, escape)
}

func (s *FileSpeaker) SayDigits(ctx context.Context, ch channel.Channel, digits, language, escape string) (byte, error) {
	var files []string
	for i := 0; i < len(digits); i++ {
		if f, ok := digitFile(digits[i]); ok {
			files = append(files, f)
		}
	}
	return s.playAll(ctx, ch, files, language, escape)
}

func (s *FileSpeaker) SayAlpha(ctx context.Context, ch channel.Channel, text, language, escape string) (byte, error) {
	var files []string
	for i := 0; i < len(text); i++ {
		if f, ok := letterFile(text[i], "letters/", ""); ok {
			files = append(files, f)
		}
	}
	return s.playAll(ctx, ch, files, language, escape)
}

func (s *FileSpeaker) SayPhonetic(ctx context.Context, ch channel.Channel, text, language, escape string) (byte, error) {
	var files []string
	for i := 0; i < len(text); i++ {
		if f, ok := letterFile(text[i], "phonetic/", "_p"); ok {
			files = append(files, f)
		}
	}
	return s.playAll(ctx, ch, files, language, escape)
}

// NumberFiles returns the English prompt sequence that reads n aloud.
func NumberFiles(n int) []string {
	if n == 0 {
		return []string{"digits/0"}
	}
	var out []string
	if n < 0 {
		out = append(out, "digits/minus")
		n = -n
	}
	for _, u := range []struct {
		size int
		file string
	}{
		{1_000_000_000, "digits/billion"},
		{1_000_000, "digits/million"},
		{1000, "digits/thousand"},
	} {
		if n >= u.size {
			out = append(out, NumberFiles(n/u.size)...)
			out = append(out, u.file)
			n %= u.size
		}
	}
	if n >= 100 {
		out = append(out, "digits/"+strconv.Itoa(n/100), "digits/hundred")
		n %= 100
	}
	switch {
	case n >= 20:
		out = append(out, "digits/"+strconv.Itoa(n/10*10))
		if n%10 != 0 {
			out = append(out, "digits/"+strconv.Itoa(n%10))
		}
	case n > 0:
		out = append(out, "digits/"+strconv.Itoa(n))
	}
	return out
}

func digitFile(b byte) (string, bool) {
	switch {
	case b >= '0' && b <= '9':
		return "digits/" + string(b), true
	case b == '*':
		return "digits/star", true
	case b == '#':
		return "digits/pound", true
	case b == '-':
		return "digits/minus", true
	}
	return "", false
}

var symbolFiles = map[byte]string{
	'*': "asterisk",
	'#': "pound",
	'.': "dot",
	'-': "dash",
	'@': "at",
	'$': "dollar",
	'+': "plus",
	'=': "equals",
	'!': "exclaimation-point",
	' ': "space",
}

func letterFile(b byte, dir, suffix string) (string, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		b += 'a' - 'A'
		fallthrough
	case b >= 'a' && b <= 'z':
		return dir + string(b) + suffix, true
	case b >= '0' && b <= '9':
		return "digits/" + string(b), true
	}
	if name, ok := symbolFiles[b]; ok {
		return "letters/" + name, true
	}
	return "", false
}

// CDR is the call detail record layer.
type CDR interface {
	Reset(ch channel.Channel, options string) error
	SetAMAFlags(ch channel.Channel, flag string) error
}

type nopCDR struct{}

func (nopCDR) Reset(channel.Channel, string) error { return nil }

func (nopCDR) SetAMAFlags(_ channel.Channel, flag string) error {
	switch strings.ToLower(strings.TrimSpace(flag)) {
	case "", "default", "omit", "billing", "documentation":
		return nil
	}
	return fmt.Errorf("unknown AMA flag %q", flag)
}

// MusicOnHold starts and stops hold music on a channel.
type MusicOnHold interface {
	Start(ch channel.Channel, class string) error
	Stop(ch channel.Channel)
}

type nopMOH struct{}

func (nopMOH) Start(channel.Channel, string) error { return nil }
func (nopMOH) Stop(channel.Channel)                {}

// Tones plays call-progress tones such as "dial" on a channel.
type Tones interface {
	Play(ch channel.Channel, tone string) error
	Stop(ch channel.Channel)
}

type nopTones struct{}

func (nopTones) Play(channel.Channel, string) error { return nil }
func (nopTones) Stop(channel.Channel)               {}
