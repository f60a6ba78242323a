package app

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	relayserver "github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxrelay/pkg/provider/llm/mock"
	"github.com/MrWong99/voxrelay/pkg/relay"
	"github.com/MrWong99/voxrelay/pkg/turn"
	turnmock "github.com/MrWong99/voxrelay/pkg/turn/mock"
)

// startRelay serves a relay answering every request with reply.
func startRelay(t *testing.T, reply string, opts ...relayserver.ServerOption) (string, *llmmock.Provider) {
	t.Helper()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}}
	srv := httptest.NewServer(relayserver.NewServer(relayserver.NewResponder(p), opts...))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), p
}

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.Relay.URL = url
	cfg.Relay.ReconnectInitial = 10 * time.Millisecond
	cfg.Relay.ReconnectMax = 50 * time.Millisecond
	cfg.Turn.TickInterval = 5 * time.Millisecond
	return cfg
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func turnCount(t *testing.T, reader *sdkmetric.ManualReader, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || m.Name != "voxrelay.turns" {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("outcome"); ok && v.AsString() == outcome {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// runApp starts a.Run and returns a func that cancels it and returns its
// error.
func runApp(t *testing.T, a *App) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		a.Close()
	})
	return func() error {
		cancel()
		select {
		case err := <-ch:
			return err
		case <-time.After(2 * time.Second):
			return errors.New("Run did not return")
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil); err == nil {
		t.Error("nil config: want error")
	}
	cfg := config.Default()
	cfg.Relay.URL = ""
	if _, err := New(cfg, nil); err == nil {
		t.Error("empty relay url: want error")
	}
}

func TestApp_SayOneShot(t *testing.T) {
	t.Parallel()

	url, p := startRelay(t, "It is noon.")
	out := &sink{}
	metrics, reader := testMetrics(t)
	a, err := New(testConfig(url), nil,
		WithSay("  what time is it  "),
		WithConsole(out),
		WithMetrics(metrics),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run returned only after the deadline")
	}

	hist := a.History()
	if len(hist) != 1 || hist[0].User != "what time is it" || hist[0].Reply != "It is noon." {
		t.Fatalf("History = %+v", hist)
	}
	if got := p.LastRequest().Messages; got[len(got)-1].Content != "what time is it" {
		t.Errorf("model saw %+v", got)
	}
	text := out.String()
	for _, want := range []string{"You: what time is it", "AI: It is noon.", "-- Processing..."} {
		if !strings.Contains(text, want) {
			t.Errorf("console missing %q:\n%s", want, text)
		}
	}
	if got := turnCount(t, reader, "reply"); got != 1 {
		t.Errorf("reply turns = %d, want 1", got)
	}
}

func TestApp_RejectedSession(t *testing.T) {
	t.Parallel()

	url, _ := startRelay(t, "unused", relayserver.WithConfigured(func() bool { return false }))
	out := &sink{}
	a, err := New(testConfig(url), nil, WithConsole(out))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = a.Run(ctx)
	if !errors.Is(err, relay.ErrRejected) {
		t.Fatalf("Run = %v, want ErrRejected", err)
	}
	if !strings.Contains(out.String(), "Server refused the session") {
		t.Errorf("console:\n%s", out.String())
	}
}

// voiceApp builds an App with mock audio against a live relay and waits
// until the relay channel is open.
func voiceApp(t *testing.T, reply string, tweak func(*config.Config)) (*App, *turnmock.Microphone, *turnmock.Speaker, *llmmock.Provider, chan<- Gesture, func() error) {
	t.Helper()
	url, p := startRelay(t, reply)
	cfg := testConfig(url)
	if tweak != nil {
		tweak(cfg)
	}
	mic := &turnmock.Microphone{}
	speaker := &turnmock.Speaker{}
	gestures := make(chan Gesture)
	a, err := New(cfg, nil,
		WithMicrophone(mic, nil),
		WithSpeaker(speaker),
		WithGestures(gestures),
		WithConsole(&sink{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runApp(t, a)
	waitFor(t, "relay connection", a.Connected)
	return a, mic, speaker, p, gestures, stop
}

func TestApp_ToggleTalkTurn(t *testing.T) {
	t.Parallel()

	a, mic, speaker, _, gestures, stop := voiceApp(t, "Sunny.", nil)

	gestures <- GestureToggleTalk
	waitFor(t, "recording", func() bool { return a.State() == turn.Recording })
	mic.Last().FinalsCh <- "how is the weather"
	// Give the controller a moment to buffer the final before releasing.
	time.Sleep(20 * time.Millisecond)
	gestures <- GestureToggleTalk

	waitFor(t, "speaking", func() bool { return a.State() == turn.Speaking })
	if got := speaker.SpokenTexts(); len(got) != 1 || got[0] != "Sunny." {
		t.Fatalf("spoken = %v", got)
	}
	speaker.Last().Finish()
	waitFor(t, "idle", func() bool { return a.State() == turn.Idle })

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestApp_CancelGesture(t *testing.T) {
	t.Parallel()

	a, mic, _, p, gestures, stop := voiceApp(t, "unused", nil)

	gestures <- GestureToggleTalk
	waitFor(t, "recording", func() bool { return a.State() == turn.Recording })
	gestures <- GestureCancel
	waitFor(t, "idle", func() bool { return a.State() == turn.Idle })

	if !mic.Last().Closed() {
		t.Error("capture not released on cancel")
	}
	if p.CallCount() != 0 {
		t.Errorf("relay received %d requests, want 0", p.CallCount())
	}
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestApp_VoiceCommandCancels(t *testing.T) {
	t.Parallel()

	a, mic, _, p, gestures, stop := voiceApp(t, "unused", func(cfg *config.Config) {
		cfg.Turn.VoiceCommands = true
	})

	gestures <- GestureToggleTalk
	waitFor(t, "recording", func() bool { return a.State() == turn.Recording })
	mic.Last().FinalsCh <- "never mind"
	waitFor(t, "idle", func() bool { return a.State() == turn.Idle })

	if p.CallCount() != 0 {
		t.Errorf("relay received %d requests, want 0", p.CallCount())
	}
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNoticeOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{turn.ErrRelayTimeout, "timeout"},
		{fmt.Errorf("%w: boom", turn.ErrRelay), "relay_error"},
		{turn.ErrRelayProtocol, "relay_error"},
		{turn.ErrNotConnected, "not_connected"},
		{turn.ErrDevice, "device_error"},
		{turn.ErrRecognition, ""},
	}
	for _, tt := range tests {
		if got := noticeOutcome(tt.err); got != tt.want {
			t.Errorf("noticeOutcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestOutputRate(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"pcm_22050":     22050,
		"pcm_44100":     44100,
		"mp3_44100_128": 16000,
		"pcm_":          16000,
		"":              16000,
	}
	for in, want := range tests {
		if got := outputRate(in); got != want {
			t.Errorf("outputRate(%q) = %d, want %d", in, got, want)
		}
	}
}
