package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowpbx/pbxcore/internal/channel"
)

// ErrNotFound is returned when no file matches a prompt name.
var ErrNotFound = errors.New("sound file not found")

// DefaultFrameInterval paces voice frames in real time.
const DefaultFrameInterval = 20 * time.Millisecond

// FilePlayer streams G.711 WAV prompts from a sounds directory as voice
// frames. Prompt names are looked up as <dir>/<language>/<name>.wav, then
// <dir>/<name>.wav.
type FilePlayer struct {
	dir      string
	interval time.Duration
	logger   *slog.Logger
}

// NewFilePlayer returns a player rooted at dir. A zero interval uses
// DefaultFrameInterval; a negative one disables pacing.
func NewFilePlayer(dir string, interval time.Duration, logger *slog.Logger) *FilePlayer {
	if interval == 0 {
		interval = DefaultFrameInterval
	}
	if interval < 0 {
		interval = 0
	}
	return &FilePlayer{dir: dir, interval: interval, logger: logger.With("subsystem", "media")}
}

// Resolve returns the path a prompt name plays from.
func (p *FilePlayer) Resolve(name, language string) (string, error) {
	if filepath.Ext(name) == "" {
		name += ".wav"
	}
	var candidates []string
	if filepath.IsAbs(name) {
		candidates = []string{name}
	} else {
		clean := filepath.Clean("/" + name)[1:]
		if language != "" {
			candidates = append(candidates, filepath.Join(p.dir, language, clean))
		}
		candidates = append(candidates, filepath.Join(p.dir, clean))
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Play implements pbx.Player. It stops early on a soft hangup or on an
// escape digit, which it returns.
func (p *FilePlayer) Play(ctx context.Context, ch channel.Channel, name, language, escape string) (byte, error) {
	path, err := p.Resolve(name, language)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening sound file: %w", err)
	}
	defer f.Close()

	hdr, err := readWAVHeader(f)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := hdr.validate(); err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	p.logger.Debug("playing sound file",
		"channel", ch.Name(), "path", path, "codec", hdr.codec(), "data_bytes", hdr.dataSize)

	buf := make([]byte, frameSamples)
	remaining := hdr.dataSize
	for remaining > 0 {
		n := min(remaining, frameSamples)
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return 0, fmt.Errorf("reading %s: %w", path, err)
		}
		remaining -= n

		frame := channel.Frame{Kind: channel.FrameVoice, Data: append([]byte(nil), buf[:n]...)}
		if err := ch.WriteFrame(frame); err != nil {
			return 0, err
		}
		wait := p.interval * time.Duration(n) / frameSamples
		if d, stop, err := p.await(ctx, ch, escape, wait); stop || err != nil {
			return d, err
		}
	}
	return 0, nil
}

// await services inbound frames for d. stop is set when playback must end.
func (p *FilePlayer) await(ctx context.Context, ch channel.Channel, escape string, d time.Duration) (digit byte, stop bool, err error) {
	deadline := time.Now().Add(d)
	for {
		if ch.SoftHangupFlags() != 0 {
			return 0, true, nil
		}
		ready, err := ch.WaitForInput(ctx, max(time.Until(deadline), 0))
		if err != nil {
			return 0, true, err
		}
		if !ready {
			if !time.Now().Before(deadline) {
				return 0, false, nil
			}
			continue
		}
		f, err := ch.ReadFrame(ctx)
		if err != nil {
			return 0, true, err
		}
		if f.Kind == channel.FrameDTMFEnd && escape != "" && strings.IndexByte(escape, f.Digit) >= 0 {
			return f.Digit, true, nil
		}
	}
}
