package turn

import "errors"

// Sentinel errors carried by [Notice.Err]. Every one of them leaves the
// controller usable for the next turn.
var (
	// ErrDevice reports that audio input or output could not be acquired.
	ErrDevice = errors.New("turn: audio device unavailable")

	// ErrRecognition reports that speech recognition stopped. The buffered
	// transcript is discarded and the controller returns to Idle.
	ErrRecognition = errors.New("turn: speech recognition failed")

	// ErrRelayTimeout reports that no reply arrived before the response
	// deadline.
	ErrRelayTimeout = errors.New("turn: response timed out")

	// ErrRelay reports an error frame from the relay or the loss of the
	// channel while a response was pending.
	ErrRelay = errors.New("turn: relay error")

	// ErrRelayProtocol reports a frame that could not be decoded while a
	// response was pending.
	ErrRelayProtocol = errors.New("turn: malformed relay message")

	// ErrNotConnected reports a turn refused because the relay channel is
	// closed.
	ErrNotConnected = errors.New("turn: not connected to server")
)

// Notice is a transient, user-visible message. Err wraps one of the
// sentinel errors above.
type Notice struct {
	Err  error
	Text string
}

func noticeText(err error) string {
	switch {
	case errors.Is(err, ErrDevice):
		return "Microphone access denied"
	case errors.Is(err, ErrRecognition):
		return "Speech recognition error"
	case errors.Is(err, ErrRelayTimeout):
		return "Response timeout - try again"
	case errors.Is(err, ErrRelayProtocol):
		return "Message error"
	case errors.Is(err, ErrNotConnected):
		return "Not connected to server"
	default:
		return "Error: " + err.Error()
	}
}
