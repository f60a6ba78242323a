// Package audio holds the PCM primitives shared by the voice client: frames,
// the level sampler consumed by voice activity detection, and format helpers
// that bring captured audio to the recognizer's rate and channel layout.
//
// All PCM in this package is signed 16-bit little-endian.
package audio

import (
	"fmt"
	"time"
)

// AudioFrame is one chunk of captured or synthesized PCM.
type AudioFrame struct {
	// Data is interleaved signed 16-bit little-endian PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono and 2 for interleaved stereo.
	Channels int

	// Timestamp is the offset of the frame from the start of the stream.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. It returns zero when the
// format is unknown.
func (f AudioFrame) Duration() time.Duration {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}.Duration(len(f.Data))
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns the playback length of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// String returns a short human-readable form such as "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Sampler reports the current input level.
//
// Sample must not block. It returns a value in [0, 1] and returns 0 when no
// audio source is attached; a zero reading is not an error.
type Sampler interface {
	Sample() float64
}
