// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A session accepts raw PCM and emits two transcript streams: interim guesses
// suitable for display, and final results that make up the user's turn. Both
// channels close when the session ends; [SessionHandle.Err] then tells a
// clean shutdown apart from a recognition failure.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after the session ended.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a
// session.
type StreamConfig struct {
	// SampleRate of the PCM passed to SendAudio, in Hz.
	SampleRate int

	// Channels of the PCM passed to SendAudio. Most providers require 1.
	Channels int

	// Language is a BCP-47 tag such as "en-US". Empty selects the provider
	// default.
	Language string

	// Keywords are vocabulary hints for uncommon words.
	Keywords []string
}

// Transcript is a recognition result.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// SessionHandle is an open recognition session. All methods must be safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits final transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Err returns the error that ended the session, or nil if it was closed
	// by the caller or is still running.
	Err() error

	// Close ends the session. Calling it more than once is safe.
	Close() error
}

// Provider opens recognition sessions. Implementations must be safe for
// concurrent use.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
