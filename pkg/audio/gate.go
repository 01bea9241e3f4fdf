package audio

import "encoding/binary"

// MeanAbsAmplitude returns the mean absolute sample amplitude of 16-bit PCM
// data, normalised to [0, 1]. Any trailing odd byte is ignored. Returns 0 for
// empty input.
//
// This is the measurement the ingest noise gate uses: chunks below the
// configured threshold are treated as silence and bypass the dubbing
// pipeline.
func MeanAbsAmplitude(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		if sample < 0 {
			// -32768 negates to itself; clamp before inverting.
			if sample == -32768 {
				sample = -32767
			}
			sample = -sample
		}
		sum += float64(sample)
	}
	return sum / float64(n) / 32768.0
}
