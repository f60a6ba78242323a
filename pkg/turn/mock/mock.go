// Package mock provides test doubles for the collaborators of turn.Controller.
//
// All types record their calls behind a mutex and are safe for concurrent
// use, so tests can inspect them while the controller goroutine runs.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/turn"
)

var (
	_ turn.Microphone = (*Microphone)(nil)
	_ turn.Capture    = (*Capture)(nil)
	_ turn.Speaker    = (*Speaker)(nil)
	_ turn.Utterance  = (*Utterance)(nil)
	_ turn.Relay      = (*Relay)(nil)
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock turn.Microphone. Every successful Open returns a fresh
// Capture.
type Microphone struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// Captures lists every capture handed out, in order.
	Captures []*Capture
}

// Open records the call and returns a new Capture.
func (m *Microphone) Open(_ context.Context) (turn.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	c := NewCapture()
	m.Captures = append(m.Captures, c)
	return c, nil
}

// SetOpenErr sets OpenErr under the lock.
func (m *Microphone) SetOpenErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenErr = err
}

// OpenCount returns the number of successful Open calls.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Captures)
}

// Last returns the most recent capture, or nil.
func (m *Microphone) Last() *Capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Captures) == 0 {
		return nil
	}
	return m.Captures[len(m.Captures)-1]
}

// Capture is a mock turn.Capture. Tests push fragments into the exported
// channels and set the level with SetLevel.
type Capture struct {
	PartialsCh chan string
	FinalsCh   chan string
	ErrorsCh   chan error

	mu     sync.Mutex
	level  float64
	closes int
}

// NewCapture returns a Capture with buffered channels.
func NewCapture() *Capture {
	return &Capture{
		PartialsCh: make(chan string, 16),
		FinalsCh:   make(chan string, 16),
		ErrorsCh:   make(chan error, 4),
	}
}

// SetLevel sets the value returned by Sample.
func (c *Capture) SetLevel(level float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = level
}

// Sample returns the level set by SetLevel.
func (c *Capture) Sample() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *Capture) Partials() <-chan string { return c.PartialsCh }
func (c *Capture) Finals() <-chan string   { return c.FinalsCh }
func (c *Capture) Errors() <-chan error    { return c.ErrorsCh }

// Close records the call. The channels stay open.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// Closed reports whether Close was called at least once.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker is a mock turn.Speaker. Utterances stay active until the test
// calls Finish or the controller calls Stop.
type Speaker struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned by Speak.
	SpeakErr error

	// Texts records the text of every Speak call.
	Texts []string

	// Utterances lists every utterance handed out, in order.
	Utterances []*Utterance
}

// Speak records the call and returns a new Utterance.
func (s *Speaker) Speak(_ context.Context, text string) (turn.Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
	if s.SpeakErr != nil {
		return nil, s.SpeakErr
	}
	u := &Utterance{done: make(chan struct{})}
	s.Utterances = append(s.Utterances, u)
	return u, nil
}

// SpokenTexts returns a copy of Texts.
func (s *Speaker) SpokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Texts...)
}

// Last returns the most recent utterance, or nil.
func (s *Speaker) Last() *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Utterances) == 0 {
		return nil
	}
	return s.Utterances[len(s.Utterances)-1]
}

// Utterance is a mock turn.Utterance.
type Utterance struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	stopped bool
}

func (u *Utterance) Done() <-chan struct{} { return u.done }

// Finish completes the utterance naturally.
func (u *Utterance) Finish() { u.once.Do(func() { close(u.done) }) }

// Stop records the interruption and completes the utterance.
func (u *Utterance) Stop() {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()
	u.Finish()
}

// Stopped reports whether Stop was called.
func (u *Utterance) Stopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

// ─── Relay ───────────────────────────────────────────────────────────────────

// Relay is a mock turn.Relay.
type Relay struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// Sent records the text of every successful Send call.
	Sent []string
}

// Send records text.
func (r *Relay) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return r.SendErr
	}
	r.Sent = append(r.Sent, text)
	return nil
}

// SentTexts returns a copy of Sent.
func (r *Relay) SentTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Sent...)
}
