package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio/playback"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/MrWong99/voxrelay/pkg/turn"
)

// VoiceSpeaker synthesizes replies and plays them through a
// [playback.Player]. Synthesis is cancelled as soon as the utterance ends,
// whether it finished or was stopped.
type VoiceSpeaker struct {
	tts    tts.Provider
	voice  tts.Voice
	player *playback.Player
}

var _ turn.Speaker = (*VoiceSpeaker)(nil)

// NewVoiceSpeaker returns a VoiceSpeaker using voice for every reply.
func NewVoiceSpeaker(p tts.Provider, voice tts.Voice, player *playback.Player) *VoiceSpeaker {
	return &VoiceSpeaker{tts: p, voice: voice, player: player}
}

// Speak implements [turn.Speaker].
func (s *VoiceSpeaker) Speak(ctx context.Context, text string) (turn.Utterance, error) {
	ctx, cancel := context.WithCancel(ctx)
	chunks, err := s.tts.Synthesize(ctx, text, s.voice)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("app: synthesize: %w", err)
	}
	u := s.player.Play(chunks)
	go func() {
		<-u.Done()
		cancel()
	}()
	return u, nil
}

// TextSpeaker prints replies instead of speaking them. Its utterances are
// finished on return.
type TextSpeaker struct {
	mu sync.Mutex
	w  io.Writer
}

var _ turn.Speaker = (*TextSpeaker)(nil)

// NewTextSpeaker returns a TextSpeaker writing to w.
func NewTextSpeaker(w io.Writer) *TextSpeaker { return &TextSpeaker{w: w} }

// Speak implements [turn.Speaker].
func (s *TextSpeaker) Speak(_ context.Context, text string) (turn.Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "AI: %s\n", text); err != nil {
		return nil, fmt.Errorf("app: print reply: %w", err)
	}
	return finished{}, nil
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type finished struct{}

func (finished) Done() <-chan struct{} { return closedCh }
func (finished) Stop()                 {}
