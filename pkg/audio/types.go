// Package audio provides the PCM building blocks shared by the capture
// pipeline: the Frame type that audio flows through, format conversion
// between sample rates and channel layouts, and the level meter that turns
// raw samples into a smoothed loudness value with a debounced speaking flag.
//
// Everything in this package operates on little-endian 16-bit PCM.
package audio

import (
	"encoding/binary"
	"time"
)

// Frame represents a single frame of PCM audio flowing through the pipeline.
// Frames are the atomic unit of audio transport between the device reader,
// the format converter, and the encoder.
type Frame struct {
	// Data is little-endian int16 PCM. Sample rate and channel count are
	// carried alongside because frames from different stages differ.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for the Opus encoder input).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// BytesToInt16 decodes little-endian PCM bytes into int16 samples.
// A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// Int16ToBytes encodes int16 samples as little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}
