// Package opusdec decodes Opus-encoded audio frames into raw PCM.
//
// Capture clients may ship chunks Opus-encoded to save uplink bandwidth;
// the ingest path decodes them here before the pipeline sees them.
package opusdec

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

const (
	// maxFrameSize covers a 120 ms frame at 48 kHz, the largest Opus allows.
	maxFrameSize = 5760
)

// Decoder wraps a gopus decoder for a fixed sample rate and channel count.
// A Decoder is stateful (Opus carries inter-frame prediction state) and not
// safe for concurrent use; hold one per incoming stream.
type Decoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewDecoder creates a decoder producing PCM at the given sample rate and
// channel count. Opus supports 8, 12, 16, 24 and 48 kHz.
func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opusdec: create decoder: %w", err)
	}
	return &Decoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// SampleRate returns the PCM output rate in Hz.
func (d *Decoder) SampleRate() int { return d.sampleRate }

// Channels returns the PCM output channel count.
func (d *Decoder) Channels() int { return d.channels }

// Decode decodes one Opus frame into 16-bit little-endian PCM bytes.
func (d *Decoder) Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("opusdec: empty frame")
	}
	pcm, err := d.dec.Decode(frame, maxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opusdec: decode frame: %w", err)
	}
	return int16sToBytes(pcm), nil
}

func int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}
