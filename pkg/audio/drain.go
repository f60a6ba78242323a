package audio

// Drain consumes ch until it is closed. Use it on streams whose producer must
// be allowed to finish after the consumer lost interest, such as the audio of
// a stopped utterance.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
