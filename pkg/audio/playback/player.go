// Package playback streams synthesized speech to an audio output, one
// utterance at a time.
//
// Starting a new utterance stops the previous one first, and stopping is
// synchronous: once [Utterance.Stop] returns, no further chunk of that
// utterance reaches the output. Barge-in relies on this to silence a reply
// before the microphone is reopened.
package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Option configures a [Player].
type Option func(*Player)

// WithRealtime paces delivery so that each chunk is followed by a wait equal
// to its playback length in format. Use it when the output is a file or pipe
// rather than a device that blocks on its own.
func WithRealtime(format audio.Format) Option {
	return func(p *Player) { p.pace = format }
}

// Player delivers utterance audio to an output callback. All methods are safe
// for concurrent use.
type Player struct {
	output func([]byte)
	pace   audio.Format

	mu      sync.Mutex
	current *Utterance
	closed  bool
}

// New returns a Player writing to output. output is called from the
// utterance goroutine, never concurrently with itself.
func New(output func([]byte), opts ...Option) *Player {
	p := &Player{output: output}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Utterance is one stream of audio being played.
type Utterance struct {
	cancel   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// Done is closed when the utterance finishes playing or is stopped.
func (u *Utterance) Done() <-chan struct{} { return u.done }

// Stop interrupts the utterance and waits for its goroutine to exit. It is
// safe to call more than once.
func (u *Utterance) Stop() {
	u.stopOnce.Do(func() {
		u.stopped.Store(true)
		close(u.cancel)
	})
	<-u.done
}

// Interrupted reports whether the utterance ended because of Stop. It is only
// meaningful after Done is closed.
func (u *Utterance) Interrupted() bool {
	select {
	case <-u.done:
	default:
		return false
	}
	return u.stopped.Load()
}

// Play stops the current utterance, if any, and starts streaming chunks. The
// utterance ends when chunks is closed. After Close, Play returns an already
// finished utterance and drains chunks.
func (p *Player) Play(chunks <-chan []byte) *Utterance {
	u := &Utterance{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	prev := p.current
	closed := p.closed
	if !closed {
		p.current = u
	}
	p.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	if closed {
		go audio.Drain(chunks)
		close(u.done)
		return u
	}

	go p.run(u, chunks)
	return u
}

// Stop interrupts the current utterance, if any.
func (p *Player) Stop() {
	p.mu.Lock()
	cur := p.current
	p.current = nil
	p.mu.Unlock()

	if cur != nil {
		cur.Stop()
	}
}

// Close stops playback and makes later Play calls no-ops.
func (p *Player) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Stop()
	return nil
}

func (p *Player) run(u *Utterance, chunks <-chan []byte) {
	defer func() {
		p.mu.Lock()
		if p.current == u {
			p.current = nil
		}
		p.mu.Unlock()
		close(u.done)
	}()

	var pace *time.Timer
	for {
		select {
		case <-u.cancel:
			go audio.Drain(chunks)
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			// cancel may have been closed while a chunk was also ready.
			select {
			case <-u.cancel:
				go audio.Drain(chunks)
				return
			default:
			}
			p.output(chunk)

			d := p.pace.Duration(len(chunk))
			if d <= 0 {
				continue
			}
			if pace == nil {
				pace = time.NewTimer(d)
				defer pace.Stop()
			} else {
				pace.Reset(d)
			}
			select {
			case <-u.cancel:
				go audio.Drain(chunks)
				return
			case <-pace.C:
			}
		}
	}
}
