// Package audio defines the chunk model and PCM helpers shared by the
// Voxmirror pipeline.
//
// Chunks are the atomic unit of audio transport — received from the capture
// client, gated by ingest, aggregated into utterances for identification and
// recognition, and re-emitted as dubbed output. All PCM data is 16-bit
// signed little-endian.
package audio

import "time"

// Chunk represents a single timestamped chunk of audio in a session stream.
// A Chunk is immutable once created; ownership passes stage to stage through
// the pipeline.
type Chunk struct {
	// Data is raw PCM (16-bit signed little-endian, interleaved).
	Data []byte

	// SampleRate in Hz (e.g., 16000 for the recognition path).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo. Mono is the pipeline norm.
	Channels int

	// Timestamp marks when this chunk was captured at the source.
	Timestamp time.Time

	// Seq is the per-session monotonic sequence number assigned by the
	// client. Dubbed output carries the sequence number of its source chunk
	// so the player can align playback.
	Seq uint64
}

// Duration returns the playback duration of the chunk's PCM data.
// Returns zero for chunks with an invalid sample rate or channel count.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.Data) / (2 * c.Channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data from a streaming channel
// is no longer needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
