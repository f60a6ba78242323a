package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/turn"
)

var (
	// errNoInput is returned by Open when no audio input is configured.
	errNoInput = errors.New("app: no audio input configured")

	// errInputEnded is returned by Open after the input stream hit EOF.
	errInputEnded = errors.New("app: audio input ended")
)

// captureBuffer is the depth of the per-capture transcript channels.
const captureBuffer = 16

// MicOption configures a [Mic].
type MicOption func(*Mic)

// WithRealtime paces reads to the frame duration. Use it for regular files,
// which would otherwise be consumed instantly.
func WithRealtime() MicOption {
	return func(m *Mic) { m.realtime = true }
}

// WithLanguage sets the recognition language passed to the STT provider.
func WithLanguage(lang string) MicOption {
	return func(m *Mic) { m.language = lang }
}

// WithRecognizerRate resamples captured audio to rate before it reaches the
// recognizer. Zero keeps the input rate.
func WithRecognizerRate(rate int) MicOption {
	return func(m *Mic) { m.rate = rate }
}

// Mic is a [turn.Microphone] over a raw PCM stream.
//
// [Mic.Run] reads the stream continuously. Every frame updates the level
// meter, which also serves as the barge-in monitor while a reply plays.
// While a capture is open its frames are forwarded to that capture's
// recognition session as mono PCM.
type Mic struct {
	src      io.Reader
	stt      stt.Provider
	format   audio.Format
	frame    time.Duration
	rate     int
	language string
	realtime bool

	meter audio.LevelMeter
	ended atomic.Bool

	mu      sync.Mutex
	current *capture
}

var _ turn.Microphone = (*Mic)(nil)

// NewMic returns a Mic reading PCM in format from src, frame by frame.
// recognizer may be nil, in which case every Open fails.
func NewMic(src io.Reader, recognizer stt.Provider, format audio.Format, frame time.Duration, opts ...MicOption) *Mic {
	m := &Mic{
		src:    src,
		stt:    recognizer,
		format: format,
		frame:  frame,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Level returns the sampler fed by every frame read.
func (m *Mic) Level() audio.Sampler { return &m.meter }

// frameBytes returns the byte size of one frame, rounded to whole samples.
func (m *Mic) frameBytes() int {
	sampleBytes := 2 * max(m.format.Channels, 1)
	samples := int(int64(m.format.SampleRate) * int64(m.frame) / int64(time.Second))
	return max(samples, 1) * sampleBytes
}

// Run reads the input until EOF or ctx is cancelled. It returns nil in
// both cases. When src is an [io.Closer] it is closed on cancellation so a
// blocked read returns.
func (m *Mic) Run(ctx context.Context) error {
	if c, ok := m.src.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	var pace *time.Ticker
	if m.realtime && m.frame > 0 {
		pace = time.NewTicker(m.frame)
		defer pace.Stop()
	}

	buf := make([]byte, m.frameBytes())
	var offset time.Duration
	for {
		n, err := io.ReadFull(m.src, buf)
		if ctx.Err() != nil {
			return nil
		}
		if n > 0 {
			f := audio.AudioFrame{
				Data:       append([]byte(nil), buf[:n]...),
				SampleRate: m.format.SampleRate,
				Channels:   m.format.Channels,
				Timestamp:  offset,
			}
			offset += f.Duration()
			m.meter.Write(f)
			m.forward(f)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				m.ended.Store(true)
				m.meter.Detach()
				slog.Info("app: audio input ended", "read", offset)
				return nil
			}
			return fmt.Errorf("app: read audio input: %w", err)
		}
		if pace != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-pace.C:
			}
		}
	}
}

func (m *Mic) forward(f audio.AudioFrame) {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c != nil {
		c.send(f)
	}
}

// Open starts a recognition session and routes frames to it until the
// returned capture is closed. A capture still open from an earlier call is
// closed first.
func (m *Mic) Open(ctx context.Context) (turn.Capture, error) {
	if m.src == nil {
		return nil, errNoInput
	}
	if m.ended.Load() {
		return nil, errInputEnded
	}
	if m.stt == nil {
		return nil, errors.New("app: no speech recognizer configured")
	}

	rate := m.rate
	if rate == 0 {
		rate = m.format.SampleRate
	}
	sess, err := m.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: rate,
		Channels:   1,
		Language:   m.language,
	})
	if err != nil {
		return nil, fmt.Errorf("app: start recognition: %w", err)
	}

	c := &capture{
		mic:      m,
		sess:     sess,
		rate:     rate,
		partials: make(chan string, captureBuffer),
		finals:   make(chan string, captureBuffer),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.current
	m.current = c
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	go c.pump()
	return c, nil
}

func (m *Mic) detach(c *capture) {
	m.mu.Lock()
	if m.current == c {
		m.current = nil
	}
	m.mu.Unlock()
}

// capture is one open recognition session fed by the Mic.
type capture struct {
	mic  *Mic
	sess stt.SessionHandle
	rate int

	partials chan string
	finals   chan string
	errs     chan error

	closeOnce sync.Once
	closed    chan struct{}
}

var _ turn.Capture = (*capture)(nil)

func (c *capture) Sample() float64         { return c.mic.meter.Sample() }
func (c *capture) Partials() <-chan string { return c.partials }
func (c *capture) Finals() <-chan string   { return c.finals }
func (c *capture) Errors() <-chan error    { return c.errs }

func (c *capture) send(f audio.AudioFrame) {
	mono := audio.ToMono(f, c.rate)
	if err := c.sess.SendAudio(mono.Data); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		slog.Debug("app: dropping audio frame", "err", err)
	}
}

// pump relays transcripts until the session ends, then reports a session
// failure on errs.
func (c *capture) pump() {
	partials, finals := c.sess.Partials(), c.sess.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			deliver(c.partials, t.Text, c.closed)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if t.Text != "" {
				deliver(c.finals, t.Text, c.closed)
			}
		}
	}
	if err := c.sess.Err(); err != nil {
		deliver(c.errs, err, c.closed)
	}
}

func deliver[T any](ch chan<- T, v T, closed <-chan struct{}) {
	select {
	case ch <- v:
	case <-closed:
	}
}

// Close stops forwarding audio and ends the recognition session.
func (c *capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mic.detach(c)
		close(c.closed)
		err = c.sess.Close()
	})
	return err
}
