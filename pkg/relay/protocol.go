// Package relay implements the text message protocol between a voice client
// and the relay server, plus a reconnecting WebSocket client for it.
//
// Every frame is a JSON object with a "type" field:
//
//	client → server  {"type":"response.create","userText":"...","timestamp":1700000000000}
//	client → server  {"type":"input_audio_buffer.append","audio":"<base64>"}
//	server → client  {"type":"response.text","text":"..."}
//	server → client  {"type":"error","message":"..."}
//
// Replies carry no request identifier; a client has at most one
// response.create outstanding, and any reply belongs to it.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types.
const (
	TypeResponseCreate = "response.create"
	TypeAudioAppend    = "input_audio_buffer.append"
	TypeResponseText   = "response.text"
	TypeError          = "error"
)

// Fixed error messages sent by the server.
const (
	MsgAPIKeyMissing    = "API key not configured"
	MsgProcessingFailed = "Message processing failed"
)

var (
	// ErrMalformed marks a frame that is not valid JSON or lacks a field its
	// type requires.
	ErrMalformed = errors.New("relay: malformed message")

	// ErrNotConnected is returned by Send when no channel is open.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrRejected means the server refused the session because of its own
	// configuration. Reconnecting will not help.
	ErrRejected = errors.New("relay: session rejected by server")
)

// Message is a decoded frame. Only the fields relevant to Type are set.
type Message struct {
	Type string

	// response.create
	UserText  string
	Timestamp time.Time

	// input_audio_buffer.append
	Audio string

	// response.text
	Text string

	// error
	ErrorMessage string
}

type frame struct {
	Type      string  `json:"type"`
	UserText  *string `json:"userText,omitempty"`
	Timestamp *int64  `json:"timestamp,omitempty"`
	Audio     *string `json:"audio,omitempty"`
	Text      *string `json:"text,omitempty"`
	Message   *string `json:"message,omitempty"`
}

// Decode parses one frame. Unknown types decode without error so the caller
// can decide to ignore them.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	m := Message{Type: f.Type}
	switch f.Type {
	case TypeResponseCreate:
		if f.UserText != nil {
			m.UserText = *f.UserText
		}
		if f.Timestamp != nil {
			m.Timestamp = time.UnixMilli(*f.Timestamp)
		}
	case TypeAudioAppend:
		if f.Audio != nil {
			m.Audio = *f.Audio
		}
	case TypeResponseText:
		if f.Text == nil {
			return Message{}, fmt.Errorf("%w: response.text without text", ErrMalformed)
		}
		m.Text = *f.Text
	case TypeError:
		if f.Message != nil {
			m.ErrorMessage = *f.Message
		}
	}
	return m, nil
}

// EncodeResponseCreate builds a response.create frame. A zero at omits the
// timestamp.
func EncodeResponseCreate(userText string, at time.Time) []byte {
	f := frame{Type: TypeResponseCreate, UserText: &userText}
	if !at.IsZero() {
		ms := at.UnixMilli()
		f.Timestamp = &ms
	}
	return mustMarshal(f)
}

// EncodeAudioAppend builds an input_audio_buffer.append frame.
func EncodeAudioAppend(audio string) []byte {
	return mustMarshal(frame{Type: TypeAudioAppend, Audio: &audio})
}

// EncodeResponseText builds a response.text frame.
func EncodeResponseText(text string) []byte {
	return mustMarshal(frame{Type: TypeResponseText, Text: &text})
}

// EncodeError builds an error frame.
func EncodeError(message string) []byte {
	return mustMarshal(frame{Type: TypeError, Message: &message})
}

func mustMarshal(f frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// frame holds only strings and integers.
		panic(err)
	}
	return b
}
