// Package turn implements the turn-taking controller of a voice conversation.
//
// A [Controller] ties together user-initiated recording, voice activity
// detection, barge-in on synthesised speech, and the submission of the
// accumulated transcript to a response relay. It owns at most one in-flight
// request and at most one active utterance at a time.
//
// All inputs (gestures, detector ticks, recognition fragments, relay events,
// the response deadline and utterance completion) are processed in arrival
// order by a single goroutine started with [Controller.Run]. Public methods
// only enqueue events and are safe for concurrent use.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/relay"
	"github.com/MrWong99/voxrelay/pkg/transcript"
	"github.com/MrWong99/voxrelay/pkg/vad"
)

const (
	// DefaultResponseTimeout bounds the wait for a relay reply.
	DefaultResponseTimeout = 12 * time.Second

	// DefaultTickInterval is the detector polling cadence, roughly one
	// sample per 60 Hz frame.
	DefaultTickInterval = 16 * time.Millisecond

	defaultEventBuffer = 64
)

// Microphone acquires audio input and starts speech recognition.
type Microphone interface {
	// Open starts a capture. Errors are reported to the user as device
	// errors and the controller returns to [Idle].
	Open(ctx context.Context) (Capture, error)
}

// Capture is one open microphone session with streaming recognition.
// Sample returns the current input level.
type Capture interface {
	audio.Sampler

	// Partials delivers interim recognition results. Display only.
	Partials() <-chan string

	// Finals delivers finalised recognition fragments.
	Finals() <-chan string

	// Errors delivers a recognition failure. The recognizer has stopped by
	// then and the capture delivers no further fragments.
	Errors() <-chan error

	// Close releases the microphone and ends recognition.
	Close() error
}

// Speaker synthesises reply text.
type Speaker interface {
	Speak(ctx context.Context, text string) (Utterance, error)
}

// Utterance is one reply being spoken.
type Utterance interface {
	// Done is closed when playback completes or is stopped.
	Done() <-chan struct{}

	// Stop silences the utterance. No audio of it is produced after Stop
	// returns.
	Stop()
}

// Relay submits committed text for a reply. Replies arrive through the
// controller's [relay.Handler] methods.
type Relay interface {
	Send(ctx context.Context, text string) error
}

// Turn is one completed user utterance and its reply.
type Turn struct {
	User  string
	Reply string
	At    time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithVAD sets the voice activity detector parameters. Zero fields take
// the package defaults of [vad].
func WithVAD(cfg vad.Config) Option {
	return func(c *Controller) { c.vadCfg = cfg }
}

// WithResponseTimeout overrides [DefaultResponseTimeout].
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.responseTimeout = d
		}
	}
}

// WithTickInterval overrides [DefaultTickInterval].
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tick = d
		}
	}
}

// WithBargeInMonitor samples s on every tick while [Speaking]; a level
// above threshold interrupts the reply. A threshold <= 0 uses the detector's
// volume threshold.
func WithBargeInMonitor(s audio.Sampler, threshold float64) Option {
	return func(c *Controller) {
		c.monitor = s
		c.bargeInThreshold = threshold
	}
}

// WithHandsFree makes the controller resume recording after every reply.
func WithHandsFree(on bool) Option {
	return func(c *Controller) { c.handsFree = on }
}

// WithCommandMatcher installs a matcher for final fragments. A matching
// fragment cancels the turn instead of being appended to the transcript.
func WithCommandMatcher(match func(text string) bool) Option {
	return func(c *Controller) { c.isCommand = match }
}

// OnStateChange registers fn to run on every state transition. Hooks run on
// the controller goroutine and must not block.
func OnStateChange(fn func(from, to State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// OnNotice registers fn to receive user-visible notices.
func OnNotice(fn func(Notice)) Option {
	return func(c *Controller) { c.onNotice = fn }
}

// OnInterim registers fn to receive interim recognition text.
func OnInterim(fn func(text string)) Option {
	return func(c *Controller) { c.onInterim = fn }
}

// OnTurn registers fn to receive every completed turn.
func OnTurn(fn func(Turn)) Option {
	return func(c *Controller) { c.onTurn = fn }
}

// OnBargeIn registers fn to run whenever a reply is interrupted.
func OnBargeIn(fn func()) Option {
	return func(c *Controller) { c.onBargeIn = fn }
}

type eventKind int

const (
	evPressTalk eventKind = iota
	evReleaseTalk
	evCancel
	evSubmitText
	evChannelOpened
	evChannelClosed
	evReply
	evRelayError
	evProtocolError
)

type event struct {
	kind eventKind
	text string
	err  error
}

// Controller is the turn-taking state machine for one conversation.
type Controller struct {
	mic     Microphone
	speaker Speaker
	relay   Relay

	vadCfg           vad.Config
	responseTimeout  time.Duration
	tick             time.Duration
	monitor          audio.Sampler
	bargeInThreshold float64
	handsFree        bool
	isCommand        func(string) bool

	onState   func(from, to State)
	onNotice  func(Notice)
	onInterim func(string)
	onTurn    func(Turn)
	onBargeIn func()

	events  chan event
	stopped chan struct{}
	running atomic.Bool
	state   atomic.Int32

	histMu  sync.Mutex
	history []Turn

	// Owned by the Run goroutine.
	buf       transcript.Buffer
	detector  *vad.Detector
	capture   Capture
	partials  <-chan string
	finals    <-chan string
	capErrs   <-chan error
	utterance Utterance
	pending   string
	connected bool
	held      bool
	ticker    *time.Ticker
	deadline  *time.Timer
}

var _ relay.Handler = (*Controller)(nil)

// New returns a Controller in [Idle]. The relay channel is considered closed
// until [Controller.ChannelOpened] is called.
func New(mic Microphone, speaker Speaker, r Relay, opts ...Option) *Controller {
	c := &Controller{
		mic:             mic,
		speaker:         speaker,
		relay:           r,
		responseTimeout: DefaultResponseTimeout,
		tick:            DefaultTickInterval,
		events:          make(chan event, defaultEventBuffer),
		stopped:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.vadCfg = c.vadCfg.WithDefaults()
	if c.bargeInThreshold <= 0 {
		c.bargeInThreshold = c.vadCfg.VolumeThreshold
	}
	c.detector = vad.New(c.vadCfg, vad.WithGate(func() bool { return !c.buf.Empty() }))
	return c
}

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// History returns a copy of the completed turns, oldest first.
func (c *Controller) History() []Turn {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	out := make([]Turn, len(c.history))
	copy(out, c.history)
	return out
}

// ─── Inputs ──────────────────────────────────────────────────────────────────

// PressTalk starts the talk gesture. From [Idle] it starts recording; from
// [Speaking] it interrupts the reply.
func (c *Controller) PressTalk() { c.enqueue(event{kind: evPressTalk}) }

// ReleaseTalk ends the talk gesture and commits the buffered transcript, if
// any.
func (c *Controller) ReleaseTalk() { c.enqueue(event{kind: evReleaseTalk}) }

// Cancel returns to [Idle] from any state, stopping capture, output and any
// pending wait.
func (c *Controller) Cancel() { c.enqueue(event{kind: evCancel}) }

// SubmitText sends typed text from [Idle] as if it had been spoken.
func (c *Controller) SubmitText(text string) { c.enqueue(event{kind: evSubmitText, text: text}) }

// ChannelOpened marks the relay channel available.
func (c *Controller) ChannelOpened() { c.enqueue(event{kind: evChannelOpened}) }

// ChannelClosed marks the relay channel unavailable. A pending wait ends.
func (c *Controller) ChannelClosed(err error) { c.enqueue(event{kind: evChannelClosed, err: err}) }

// OnOpen implements [relay.Handler].
func (c *Controller) OnOpen() { c.ChannelOpened() }

// OnClose implements [relay.Handler].
func (c *Controller) OnClose(err error) { c.ChannelClosed(err) }

// OnReply implements [relay.Handler].
func (c *Controller) OnReply(text string) { c.enqueue(event{kind: evReply, text: text}) }

// OnError implements [relay.Handler].
func (c *Controller) OnError(message string) { c.enqueue(event{kind: evRelayError, text: message}) }

// OnProtocolError implements [relay.Handler].
func (c *Controller) OnProtocolError(err error) { c.enqueue(event{kind: evProtocolError, err: err}) }

func (c *Controller) enqueue(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// ─── Event loop ──────────────────────────────────────────────────────────────

// Run processes events until ctx is cancelled. On return all audio is
// released and the controller is [Idle]. Run may be called only once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("turn: controller already running")
	}
	defer close(c.stopped)

	c.ticker = time.NewTicker(c.tick)
	c.ticker.Stop()
	c.deadline = time.NewTimer(c.responseTimeout)
	c.deadline.Stop()
	defer c.shutdown()

	for {
		var uttDone <-chan struct{}
		if c.utterance != nil {
			uttDone = c.utterance.Done()
		}

		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
		case text, ok := <-c.partials:
			if !ok {
				c.partials = nil
				continue
			}
			c.interim(text)
		case text, ok := <-c.finals:
			if !ok {
				c.finals = nil
				continue
			}
			c.final(text)
		case err, ok := <-c.capErrs:
			if !ok {
				c.capErrs = nil
				continue
			}
			c.recognitionFailed(err)
		case now := <-c.ticker.C:
			c.sample(ctx, now)
		case <-c.deadline.C:
			if c.State() == AwaitingResponse {
				c.endWait(ErrRelayTimeout, "")
			}
		case <-uttDone:
			c.utteranceDone(ctx)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evPressTalk:
		c.held = true
		switch c.State() {
		case Idle:
			c.startRecording(ctx)
		case Speaking:
			c.bargeIn(ctx, "gesture")
		}
	case evReleaseTalk:
		c.held = false
		if c.State() != Recording {
			return
		}
		if c.buf.Empty() {
			c.stopRecording()
			c.setState(Idle)
			return
		}
		c.commit(ctx)
	case evCancel:
		c.cancel()
	case evSubmitText:
		text := strings.TrimSpace(ev.text)
		if text == "" {
			return
		}
		if s := c.State(); s != Idle {
			slog.Debug("turn: ignoring typed text", "state", s)
			return
		}
		c.send(ctx, text)
	case evChannelOpened:
		c.connected = true
	case evChannelClosed:
		c.connected = false
		if c.State() == AwaitingResponse {
			err := fmt.Errorf("%w: channel closed", ErrRelay)
			if ev.err != nil {
				err = fmt.Errorf("%w: channel closed: %w", ErrRelay, ev.err)
			}
			c.endWait(err, "Disconnected")
		}
	case evReply:
		c.reply(ctx, ev.text)
	case evRelayError:
		if s := c.State(); s != AwaitingResponse {
			slog.Warn("turn: dropping relay error", "state", s, "message", ev.text)
			return
		}
		c.endWait(fmt.Errorf("%w: %s", ErrRelay, ev.text), "Error: "+ev.text)
	case evProtocolError:
		if s := c.State(); s != AwaitingResponse {
			slog.Warn("turn: ignoring malformed relay message", "state", s, "err", ev.err)
			return
		}
		c.endWait(fmt.Errorf("%w: %w", ErrRelayProtocol, ev.err), "")
	}
}

// ─── Recording ───────────────────────────────────────────────────────────────

func (c *Controller) startRecording(ctx context.Context) {
	if !c.connected {
		c.notify(ErrNotConnected, "")
		c.setState(Idle)
		return
	}
	capture, err := c.mic.Open(ctx)
	if err != nil {
		c.notify(fmt.Errorf("%w: %w", ErrDevice, err), "")
		c.setState(Idle)
		return
	}
	c.capture = capture
	c.partials = capture.Partials()
	c.finals = capture.Finals()
	c.capErrs = capture.Errors()
	c.detector.Reset()
	c.setState(Recording)
}

func (c *Controller) stopRecording() {
	if c.capture == nil {
		return
	}
	if err := c.capture.Close(); err != nil {
		slog.Warn("turn: failed to close capture", "err", err)
	}
	c.capture = nil
	c.partials, c.finals, c.capErrs = nil, nil, nil
	c.detector.Reset()
	c.buf.SetInterim("")
}

func (c *Controller) interim(text string) {
	if c.State() != Recording {
		return
	}
	c.buf.SetInterim(text)
	if c.onInterim != nil {
		c.onInterim(text)
	}
}

func (c *Controller) final(text string) {
	if c.State() != Recording {
		return
	}
	if c.isCommand != nil && c.isCommand(text) {
		slog.Info("turn: voice command", "text", text)
		c.cancel()
		return
	}
	c.buf.AppendFinal(text)
}

// recognitionFailed drops the dead capture and the unsent transcript. The
// next talk gesture opens a fresh recognizer.
func (c *Controller) recognitionFailed(err error) {
	if c.State() != Recording {
		return
	}
	c.stopRecording()
	c.buf.TakeAndClear()
	c.notify(fmt.Errorf("%w: %w", ErrRecognition, err), "")
	c.setState(Idle)
}

func (c *Controller) sample(ctx context.Context, now time.Time) {
	switch c.State() {
	case Recording:
		switch ev := c.detector.Process(c.capture.Sample(), now); ev {
		case vad.CommitReady:
			c.commit(ctx)
		case vad.SpeechStarted, vad.Discarded:
			slog.Debug("turn: vad", "event", ev)
		}
	case Speaking:
		if c.monitor != nil && c.monitor.Sample() > c.bargeInThreshold {
			c.bargeIn(ctx, "voice")
		}
	}
}

// commit ends recording and submits the buffered transcript.
func (c *Controller) commit(ctx context.Context) {
	text := c.buf.TakeAndClear()
	c.stopRecording()
	if text == "" {
		c.setState(Idle)
		return
	}
	c.send(ctx, text)
}

// ─── Awaiting a reply ────────────────────────────────────────────────────────

func (c *Controller) send(ctx context.Context, text string) {
	if !c.connected {
		c.notify(ErrNotConnected, "")
		c.setState(Idle)
		return
	}
	if err := c.relay.Send(ctx, text); err != nil {
		if errors.Is(err, relay.ErrNotConnected) {
			c.notify(fmt.Errorf("%w: %w", ErrNotConnected, err), "")
		} else {
			c.notify(fmt.Errorf("%w: %w", ErrRelay, err), "")
		}
		c.setState(Idle)
		return
	}
	c.pending = text
	c.deadline.Reset(c.responseTimeout)
	c.setState(AwaitingResponse)
}

func (c *Controller) endWait(err error, text string) {
	c.deadline.Stop()
	c.pending = ""
	c.notify(err, text)
	c.setState(Idle)
}

func (c *Controller) reply(ctx context.Context, text string) {
	if s := c.State(); s != AwaitingResponse {
		slog.Warn("turn: dropping reply", "state", s)
		return
	}
	c.deadline.Stop()
	t := Turn{User: c.pending, Reply: text, At: time.Now()}
	c.pending = ""
	c.histMu.Lock()
	c.history = append(c.history, t)
	c.histMu.Unlock()
	if c.onTurn != nil {
		c.onTurn(t)
	}

	u, err := c.speaker.Speak(ctx, text)
	if err != nil {
		c.notify(fmt.Errorf("%w: %w", ErrDevice, err), "Speech output failed")
		c.setState(Idle)
		return
	}
	c.utterance = u
	c.setState(Speaking)
}

// ─── Speaking ────────────────────────────────────────────────────────────────

func (c *Controller) utteranceDone(ctx context.Context) {
	c.utterance = nil
	if c.held || c.handsFree {
		c.startRecording(ctx)
		return
	}
	c.setState(Idle)
}

// bargeIn stops the current utterance before the microphone is reopened.
func (c *Controller) bargeIn(ctx context.Context, source string) {
	c.stopUtterance()
	slog.Info("turn: barge-in", "source", source)
	if c.onBargeIn != nil {
		c.onBargeIn()
	}
	c.startRecording(ctx)
}

func (c *Controller) stopUtterance() {
	if c.utterance == nil {
		return
	}
	c.utterance.Stop()
	c.utterance = nil
}

// ─── Shared ──────────────────────────────────────────────────────────────────

func (c *Controller) cancel() {
	c.held = false
	c.stopRecording()
	c.buf.TakeAndClear()
	c.stopUtterance()
	c.deadline.Stop()
	c.pending = ""
	c.setState(Idle)
}

func (c *Controller) shutdown() {
	c.cancel()
	c.ticker.Stop()
}

func (c *Controller) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	if to == Recording || (to == Speaking && c.monitor != nil) {
		c.ticker.Reset(c.tick)
	} else {
		c.ticker.Stop()
	}
	slog.Debug("turn: state change", "from", from, "to", to)
	if c.onState != nil {
		c.onState(from, to)
	}
}

func (c *Controller) notify(err error, text string) {
	if text == "" {
		text = noticeText(err)
	}
	slog.Warn("turn: notice", "err", err)
	if c.onNotice != nil {
		c.onNotice(Notice{Err: err, Text: text})
	}
}
