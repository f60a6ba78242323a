package turn

import "fmt"

// State is the controller's position in a conversation turn. Exactly one
// state is current at any time.
type State int32

const (
	// Idle waits for a talk gesture or typed text.
	Idle State = iota

	// Recording owns the audio input: the microphone is open, recognition is
	// streaming and the voice activity detector is polled every tick.
	Recording

	// AwaitingResponse has exactly one request outstanding at the relay and
	// a response deadline armed.
	AwaitingResponse

	// Speaking owns the audio output while the reply is synthesised.
	Speaking
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case AwaitingResponse:
		return "awaiting_response"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
