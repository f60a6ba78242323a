// Package app wires the voice client subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the microphone, the
// speaker, the turn-taking controller and the relay connection from the
// config, Run drives them until the context ends, and Close releases what
// New acquired.
//
// For testing, inject mock implementations via functional options
// (WithMicrophone, WithSpeaker, etc.). When an option is not provided, New
// creates real implementations from the config and [Providers].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/voicecmd"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/playback"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/MrWong99/voxrelay/pkg/relay"
	"github.com/MrWong99/voxrelay/pkg/turn"
)

// recognizerRate is the sample rate sent to speech recognition.
const recognizerRate = 16000

// errSayDone ends Run once a one-shot typed turn has finished.
var errSayDone = errors.New("app: typed turn finished")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
}

// Gesture is a user control arriving outside the audio stream, such as a
// signal.
type Gesture int

const (
	// GestureCancel abandons the current turn.
	GestureCancel Gesture = iota + 1

	// GestureToggleTalk starts recording, or commits when recording.
	GestureToggleTalk
)

// App owns all subsystem lifetimes of the voice client.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Injected or built in New.
	in         io.Reader
	realtime   bool
	sink       io.Writer
	out        io.Writer
	mic        turn.Microphone
	level      audio.Sampler
	speaker    turn.Speaker
	metrics    *observe.Metrics
	gestures   <-chan Gesture
	dialOpts   []relay.ClientOption
	controller *turn.Controller
	client     *relay.Client
	console    *console
	runners    []func(context.Context) error

	say      string
	sayOnce  sync.Once
	sayDone  chan struct{}
	saySent  atomic.Bool
	open     atomic.Bool
	oneShot  bool
	awaiting time.Time // controller goroutine only

	// closers are called in reverse order during Close.
	closers   []func() error
	closeOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithInput reads microphone PCM from r. realtime paces reads to the frame
// duration, for regular files.
func WithInput(r io.Reader, realtime bool) Option {
	return func(a *App) {
		a.in = r
		a.realtime = realtime
	}
}

// WithAudioSink writes synthesized reply PCM to w. Without a sink, or
// without a TTS provider, replies are printed.
func WithAudioSink(w io.Writer) Option {
	return func(a *App) { a.sink = w }
}

// WithConsole sets where conversation and status lines are printed.
// Default os.Stdout.
func WithConsole(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithMicrophone injects a microphone instead of building one over the
// audio input. level, if non-nil, is used for barge-in detection.
func WithMicrophone(m turn.Microphone, level audio.Sampler) Option {
	return func(a *App) {
		a.mic = m
		a.level = level
	}
}

// WithSpeaker injects a speaker instead of building one from the TTS
// provider.
func WithSpeaker(s turn.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithMetrics records turns, barge-ins and response latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGestures delivers user controls, typically translated from signals.
func WithGestures(ch <-chan Gesture) Option {
	return func(a *App) { a.gestures = ch }
}

// WithSay submits text as a typed turn as soon as the relay connects. When
// no audio input is configured, Run returns after that turn is over.
func WithSay(text string) Option {
	return func(a *App) { a.say = strings.TrimSpace(text) }
}

// WithRelayOptions passes extra options to the relay client.
func WithRelayOptions(opts ...relay.ClientOption) Option {
	return func(a *App) { a.dialOpts = append(a.dialOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if cfg.Relay.URL == "" {
		return nil, errors.New("app: relay url is empty")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		out:       os.Stdout,
		sayDone:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.oneShot = a.say != "" && a.in == nil && a.mic == nil

	a.initMicrophone()
	a.initSpeaker()
	a.initController()

	slog.Info("app: voice client ready",
		"relay", cfg.Relay.URL,
		"voice_input", a.in != nil,
		"voice_output", a.sink != nil && a.providers.TTS != nil,
		"hands_free", cfg.Turn.HandsFree,
		"barge_in", cfg.Turn.BargeIn && a.level != nil,
	)
	return a, nil
}

func (a *App) initMicrophone() {
	if a.mic != nil {
		return
	}
	if a.in == nil {
		a.mic = NewMic(nil, nil, audio.Format{}, 0)
		return
	}
	ac := a.cfg.Audio
	opts := []MicOption{WithRecognizerRate(recognizerRate)}
	if a.realtime {
		opts = append(opts, WithRealtime())
	}
	if lang := a.cfg.Providers.STT.Option("language"); lang != "" {
		opts = append(opts, WithLanguage(lang))
	}
	m := NewMic(a.in, a.providers.STT,
		audio.Format{SampleRate: ac.SampleRate, Channels: ac.Channels},
		ac.FrameDuration, opts...)
	a.mic = m
	a.level = m.Level()
	a.runners = append(a.runners, m.Run)
}

func (a *App) initSpeaker() {
	a.console = &console{w: a.out}
	if a.speaker != nil {
		a.console.replies = true
		return
	}
	if a.providers.TTS == nil || a.sink == nil {
		a.speaker = NewTextSpeaker(a.out)
		return
	}

	entry := a.cfg.Providers.TTS
	format := audio.Format{SampleRate: outputRate(entry.Option("output_format")), Channels: 1}
	var failed atomic.Bool
	player := playback.New(func(pcm []byte) {
		if _, err := a.sink.Write(pcm); err != nil && failed.CompareAndSwap(false, true) {
			slog.Error("app: audio output failed", "err", err)
		}
	}, playback.WithRealtime(format))
	a.closers = append(a.closers, player.Close)

	a.speaker = NewVoiceSpeaker(a.providers.TTS, tts.Voice{ID: entry.Option("voice_id")}, player)
	a.console.replies = true
}

func (a *App) initController() {
	tc := a.cfg.Turn
	opts := []turn.Option{
		turn.WithVAD(a.cfg.VAD.Detector()),
		turn.WithResponseTimeout(tc.ResponseTimeout),
		turn.WithTickInterval(tc.TickInterval),
		turn.WithHandsFree(tc.HandsFree),
		turn.OnStateChange(a.onState),
		turn.OnNotice(a.onNotice),
		turn.OnInterim(a.console.interim),
		turn.OnTurn(a.onTurn),
		turn.OnBargeIn(a.onBargeIn),
	}
	if tc.BargeIn && a.level != nil {
		opts = append(opts, turn.WithBargeInMonitor(a.level, tc.BargeInThreshold))
	}
	if tc.VoiceCommands {
		filter := voicecmd.New()
		opts = append(opts, turn.WithCommandMatcher(func(text string) bool {
			cmd, ok := filter.Match(text)
			if ok {
				slog.Info("app: voice command", "command", cmd)
				a.metrics.RecordTurn(context.Background(), "cancelled")
			}
			return ok
		}))
	}

	rc := a.cfg.Relay
	clientOpts := append([]relay.ClientOption{
		relay.WithBackoff(rc.ReconnectInitial, rc.ReconnectMax),
		relay.WithMaxRetries(rc.MaxRetries),
	}, a.dialOpts...)
	a.client = relay.NewClient(rc.URL, &handler{app: a}, clientOpts...)
	a.controller = turn.New(a.mic, a.speaker, a.client, opts...)
}

// outputRate reads the sample rate from an ElevenLabs-style format name
// such as "pcm_22050". Anything else is assumed to be 16 kHz.
func outputRate(format string) int {
	if rest, ok := strings.CutPrefix(format, "pcm_"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n > 0 {
			return n
		}
	}
	return recognizerRate
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the controller, the relay connection and the audio input, and
// blocks until ctx is cancelled, the relay gives up, or a one-shot typed
// turn is over. It returns nil on cancellation.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.controller.Run(ctx) })
	g.Go(func() error {
		if err := a.client.Run(ctx); err != nil {
			if errors.Is(err, relay.ErrRejected) {
				a.console.printf("!! Server refused the session\n")
			}
			return fmt.Errorf("app: relay: %w", err)
		}
		return nil
	})
	for _, run := range a.runners {
		g.Go(func() error { return run(ctx) })
	}
	if a.gestures != nil {
		g.Go(func() error { return a.handleGestures(ctx) })
	}
	if a.oneShot {
		g.Go(func() error {
			select {
			case <-a.sayDone:
				return errSayDone
			case <-ctx.Done():
				return nil
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, errSayDone) {
		return nil
	}
	return err
}

func (a *App) handleGestures(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case g, ok := <-a.gestures:
			if !ok {
				return nil
			}
			switch g {
			case GestureCancel:
				a.Cancel()
			case GestureToggleTalk:
				a.ToggleTalk()
			}
		}
	}
}

// Cancel abandons the current turn, like pressing Escape.
func (a *App) Cancel() {
	if a.controller.State() != turn.Idle {
		a.metrics.RecordTurn(context.Background(), "cancelled")
	}
	a.controller.Cancel()
}

// ToggleTalk presses the talk gesture, or releases it while recording.
func (a *App) ToggleTalk() {
	if a.controller.State() == turn.Recording {
		a.controller.ReleaseTalk()
		return
	}
	a.controller.PressTalk()
}

// Connected reports whether the relay channel is open and the controller
// has been told so.
func (a *App) Connected() bool { return a.open.Load() }

// State returns the controller state.
func (a *App) State() turn.State { return a.controller.State() }

// History returns the completed turns, oldest first.
func (a *App) History() []turn.Turn { return a.controller.History() }

// Close releases resources acquired by New. It is safe to call more than
// once.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// ─── Hooks (controller goroutine) ────────────────────────────────────────────

func (a *App) onState(from, to turn.State) {
	a.console.status(to)
	switch {
	case to == turn.AwaitingResponse:
		a.awaiting = time.Now()
	case from == turn.AwaitingResponse && to == turn.Speaking:
		a.metrics.ResponseLatency.Record(context.Background(), time.Since(a.awaiting).Seconds())
	}
	if to == turn.Idle && (from == turn.AwaitingResponse || from == turn.Speaking) {
		a.finishSay()
	}
}

func (a *App) onNotice(n turn.Notice) {
	a.console.notice(n)
	if outcome := noticeOutcome(n.Err); outcome != "" {
		a.metrics.RecordTurn(context.Background(), outcome)
		a.finishSay()
	}
}

func (a *App) onTurn(t turn.Turn) {
	a.console.turn(t)
	a.metrics.RecordTurn(context.Background(), "reply")
}

func (a *App) onBargeIn() {
	a.metrics.BargeIns.Add(context.Background(), 1)
}

// finishSay ends a one-shot run once the submitted text got its answer or
// failed.
func (a *App) finishSay() {
	if a.saySent.Load() {
		a.sayOnce.Do(func() { close(a.sayDone) })
	}
}

// noticeOutcome maps a notice to a turn outcome. Recognition errors do not
// end the turn and map to "".
func noticeOutcome(err error) string {
	switch {
	case errors.Is(err, turn.ErrRelayTimeout):
		return "timeout"
	case errors.Is(err, turn.ErrRelay), errors.Is(err, turn.ErrRelayProtocol):
		return "relay_error"
	case errors.Is(err, turn.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, turn.ErrDevice):
		return "device_error"
	default:
		return ""
	}
}

// handler forwards relay events to the controller and submits the one-shot
// text once the first channel is open. Its methods run on the relay
// client's goroutine, after New has returned.
type handler struct {
	app  *App
	once sync.Once
}

var _ relay.Handler = (*handler)(nil)

func (h *handler) OnOpen() {
	a := h.app
	a.controller.OnOpen()
	a.open.Store(true)
	slog.Info("app: connected to relay", "url", a.cfg.Relay.URL)
	if a.say == "" {
		return
	}
	h.once.Do(func() {
		a.saySent.Store(true)
		a.controller.SubmitText(a.say)
	})
}

func (h *handler) OnClose(err error) {
	slog.Info("app: relay channel closed", "err", err)
	h.app.open.Store(false)
	h.app.controller.OnClose(err)
}

func (h *handler) OnReply(text string)       { h.app.controller.OnReply(text) }
func (h *handler) OnError(message string)    { h.app.controller.OnError(message) }
func (h *handler) OnProtocolError(err error) { h.app.controller.OnProtocolError(err) }
