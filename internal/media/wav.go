// Package media streams prompt files to channels.
package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAV format codes for G.711.
const (
	wavFormatPCMA = 6
	wavFormatPCMU = 7
)

const (
	// sampleRate is the only rate played; one G.711 sample is one byte.
	sampleRate = 8000
	// frameSamples is 20ms of audio at sampleRate.
	frameSamples = 160
)

type wavHeader struct {
	audioFormat   uint16
	numChannels   uint16
	sampleRate    uint32
	bitsPerSample uint16
	dataSize      uint32
}

// codec names the G.711 law of the file.
func (h *wavHeader) codec() string {
	if h.audioFormat == wavFormatPCMA {
		return "alaw"
	}
	return "ulaw"
}

// readWAVHeader walks the RIFF chunks up to "data" and leaves r at the
// first sample.
func readWAVHeader(r io.ReadSeeker) (*wavHeader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE file")
	}

	hdr := &wavHeader{}
	foundFmt := false
	for {
		var id [4]byte
		var size uint32
		if _, err := io.ReadFull(r, id[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, errors.New("wav file missing data chunk")
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(id[:]) {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", size)
			}
			var f struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			hdr.audioFormat = f.AudioFormat
			hdr.numChannels = f.NumChannels
			hdr.sampleRate = f.SampleRate
			hdr.bitsPerSample = f.BitsPerSample
			if size > 16 {
				if _, err := r.Seek(int64(size-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, errors.New("wav file missing fmt chunk")
			}
			hdr.dataSize = size
			return hdr, nil
		default:
			// Chunks are padded to an even length.
			skip := int64(size) + int64(size%2)
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(id[:]), err)
			}
		}
	}
}

// validate accepts 8 kHz mono 8-bit G.711 only.
func (h *wavHeader) validate() error {
	if h.audioFormat != wavFormatPCMU && h.audioFormat != wavFormatPCMA {
		return fmt.Errorf("unsupported wav format %d: only G.711 a-law (6) and u-law (7) are supported", h.audioFormat)
	}
	if h.numChannels != 1 {
		return fmt.Errorf("wav file must be mono, got %d channels", h.numChannels)
	}
	if h.sampleRate != sampleRate {
		return fmt.Errorf("wav file must be 8000 Hz, got %d Hz", h.sampleRate)
	}
	if h.bitsPerSample != 8 {
		return fmt.Errorf("wav file must be 8-bit, got %d-bit", h.bitsPerSample)
	}
	return nil
}
