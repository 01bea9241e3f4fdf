// Package ingest validates and gates incoming audio chunks before they enter
// the session pipeline.
package ingest

import (
	"fmt"

	"github.com/voxmirror/voxmirror/pkg/audio"
)

// InvalidChunkError describes a chunk the gate refused.
type InvalidChunkError struct {
	Seq    uint64
	Reason string
}

func (e *InvalidChunkError) Error() string {
	return fmt.Sprintf("ingest: chunk %d rejected: %s", e.Seq, e.Reason)
}

// Admission is the gate's verdict on an accepted chunk.
type Admission struct {
	Chunk audio.Chunk

	// Silent marks a chunk below the noise floor. Silent chunks keep their
	// place in the output stream but skip the dubbing stages.
	Silent bool
}

// Gate validates one session's chunk stream: format must match the session
// config, buffers must be non-empty, and sequence numbers must increase.
// It also applies the noise gate.
//
// A Gate belongs to a single session and is driven by one reader goroutine;
// it is not safe for concurrent use.
type Gate struct {
	sampleRate int
	channels   int
	noiseFloor float64

	seen    bool
	lastSeq uint64
}

// NewGate creates a Gate for a session expecting the given audio format.
// noiseFloor is the mean-abs-amplitude threshold (normalised to [0, 1])
// below which a chunk counts as silence.
func NewGate(sampleRate, channels int, noiseFloor float64) *Gate {
	return &Gate{
		sampleRate: sampleRate,
		channels:   channels,
		noiseFloor: noiseFloor,
	}
}

// Admit validates a chunk. Rejected chunks return a *InvalidChunkError; the
// caller drops out-of-order chunks with a warning rather than failing the
// session.
func (g *Gate) Admit(c audio.Chunk) (Admission, error) {
	if len(c.Data) == 0 {
		return Admission{}, &InvalidChunkError{Seq: c.Seq, Reason: "empty buffer"}
	}
	if c.SampleRate != g.sampleRate {
		return Admission{}, &InvalidChunkError{
			Seq:    c.Seq,
			Reason: fmt.Sprintf("sample rate %d does not match session rate %d", c.SampleRate, g.sampleRate),
		}
	}
	if c.Channels != g.channels {
		return Admission{}, &InvalidChunkError{
			Seq:    c.Seq,
			Reason: fmt.Sprintf("channel count %d does not match session layout %d", c.Channels, g.channels),
		}
	}
	if g.seen && c.Seq <= g.lastSeq {
		return Admission{}, &InvalidChunkError{
			Seq:    c.Seq,
			Reason: fmt.Sprintf("out of order (last accepted %d)", g.lastSeq),
		}
	}

	g.seen = true
	g.lastSeq = c.Seq

	return Admission{
		Chunk:  c,
		Silent: audio.MeanAbsAmplitude(c.Data) < g.noiseFloor,
	}, nil
}
