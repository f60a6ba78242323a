// Package tts defines the Provider interface for text-to-speech backends.
//
// A reply is synthesized as one piece of text; audio arrives as raw PCM
// chunks on a channel so playback can begin before synthesis finishes.
package tts

import "context"

// Voice selects and tunes the synthetic voice.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Speed scales the speaking rate; 1.0 or 0 is the provider default.
	Speed float64
}

// Provider synthesizes speech. Implementations must be safe for concurrent
// use.
type Provider interface {
	// Synthesize starts synthesizing text and returns a channel of 16-bit
	// little-endian PCM chunks. The channel is closed when synthesis is done,
	// fails, or ctx is cancelled. Callers must drain it.
	Synthesize(ctx context.Context, text string, voice Voice) (<-chan []byte, error)
}
