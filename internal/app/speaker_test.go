package app

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio/playback"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
)

// sink collects played PCM. Safe for concurrent use.
type sink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *sink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestVoiceSpeaker_PlaysReply(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{Chunks: [][]byte{[]byte("ab"), []byte("cd")}}
	out := &sink{}
	player := playback.New(func(b []byte) { out.Write(b) })
	defer player.Close()

	s := NewVoiceSpeaker(p, tts.Voice{ID: "rachel"}, player)
	u, err := s.Speak(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	select {
	case <-u.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("utterance did not finish")
	}

	if got := out.String(); got != "abcd" {
		t.Errorf("played %q, want %q", got, "abcd")
	}
	call := p.SynthesizeCalls[0]
	if call.Text != "hello" || call.Voice.ID != "rachel" {
		t.Errorf("Synthesize call = %+v", call)
	}
	waitFor(t, "synthesis context cancelled", func() bool { return call.Ctx.Err() != nil })
}

func TestVoiceSpeaker_StopCancelsSynthesis(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	defer close(hold)
	p := &ttsmock.Provider{Chunks: [][]byte{[]byte("ab")}, Hold: hold}
	player := playback.New(func([]byte) {})
	defer player.Close()

	u, err := NewVoiceSpeaker(p, tts.Voice{}, player).Speak(context.Background(), "long reply")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	u.Stop()

	ctx := p.SynthesizeCalls[0].Ctx
	waitFor(t, "synthesis context cancelled", func() bool { return ctx.Err() != nil })
}

func TestVoiceSpeaker_SynthesisError(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{SynthesizeErr: errors.New("quota exceeded")}
	player := playback.New(func([]byte) {})
	defer player.Close()

	if _, err := NewVoiceSpeaker(p, tts.Voice{}, player).Speak(context.Background(), "x"); err == nil {
		t.Fatal("want error")
	}
}

func TestTextSpeaker(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	u, err := NewTextSpeaker(&buf).Speak(context.Background(), "Hi there!")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	select {
	case <-u.Done():
	default:
		t.Error("text utterance not finished on return")
	}
	u.Stop()
	if got := buf.String(); got != "AI: Hi there!\n" {
		t.Errorf("printed %q", got)
	}
}
