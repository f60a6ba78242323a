package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxrelay/pkg/provider/llm/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxrelay/pkg/provider/stt/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
	"github.com/MrWong99/voxrelay/pkg/vad"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  request_timeout: 5s
  generation:
    system_prompt: You are a helpful voice assistant.
    temperature: 0.4
    max_tokens: 256

providers:
  llm:
    name: gemini
    model: gemini-1.5-flash
  llm_fallbacks:
    - name: openai
      api_key: sk-test
      model: gpt-4o-mini
  stt:
    name: deepgram
    api_key: dg-test
    options:
      language: en-US
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      voice_id: rachel

relay:
  url: ws://relay.example.com/
  reconnect_initial: 500ms
  reconnect_max: 10s

vad:
  volume_threshold: 0.01
  silence_timeout: 900ms

turn:
  response_timeout: 15s
  barge_in: true
  hands_free: true
  voice_commands: true

history:
  backend: redis
  dsn: redis://localhost:6379/0
  context_turns: 4
  ttl: 1h

audio:
  input: "-"
  output: /tmp/voxrelay.pcm
  sample_rate: 24000
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Server.RequestTimeout != 5*time.Second {
		t.Errorf("server.request_timeout: got %v, want 5s", cfg.Server.RequestTimeout)
	}
	if g := cfg.Server.Generation; g.Temperature != 0.4 || g.MaxTokens != 256 || g.SystemPrompt == "" {
		t.Errorf("server.generation: got %+v", g)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "openai" {
		t.Errorf("providers.llm_fallbacks: got %+v", cfg.Providers.LLMFallbacks)
	}
	if got := cfg.Providers.TTS.Option("voice_id"); got != "rachel" {
		t.Errorf("tts voice_id: got %q", got)
	}
	if cfg.Relay.ReconnectInitial != 500*time.Millisecond {
		t.Errorf("relay.reconnect_initial: got %v", cfg.Relay.ReconnectInitial)
	}
	if !cfg.Turn.BargeIn || !cfg.Turn.HandsFree || !cfg.Turn.VoiceCommands {
		t.Errorf("turn flags: got %+v", cfg.Turn)
	}
	if cfg.History.Backend != config.HistoryRedis || cfg.History.ContextTurns != 4 {
		t.Errorf("history: got %+v", cfg.History)
	}
	if cfg.Audio.SampleRate != 24000 || cfg.Audio.Channels != 1 {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(in))
		if err != nil {
			t.Fatalf("LoadFromReader(%q): %v", in, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("default listen_addr: got %q", cfg.Server.ListenAddr)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  port: 3000\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, ":3000"},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"request_timeout", cfg.Server.RequestTimeout, 8 * time.Second},
		{"temperature", cfg.Server.Generation.Temperature, 0.7},
		{"max_tokens", cfg.Server.Generation.MaxTokens, 1000},
		{"llm", cfg.Providers.LLM.Name, "gemini"},
		{"relay.url", cfg.Relay.URL, "ws://localhost:3000/"},
		{"response_timeout", cfg.Turn.ResponseTimeout, 12 * time.Second},
		{"history.backend", cfg.History.Backend, config.HistoryMemory},
		{"sample_rate", cfg.Audio.SampleRate, 16000},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate(Default()) = %v", err)
	}
}

func TestVADConfig_Detector(t *testing.T) {
	t.Parallel()
	got := config.VADConfig{VolumeThreshold: 0.02}.Detector()
	if got.VolumeThreshold != 0.02 {
		t.Errorf("threshold: got %v", got.VolumeThreshold)
	}
	if got.SilenceTimeout != vad.DefaultSilenceTimeout || got.MinSpeechDuration != vad.DefaultMinSpeechDuration {
		t.Errorf("defaults not applied: %+v", got)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nonexistent"}

	_, errLLM := reg.CreateLLM(entry)
	_, errSTT := reg.CreateSTT(entry)
	_, errTTS := reg.CreateTTS(entry)
	for kind, err := range map[string]error{"llm": errLLM, "stt": errSTT, "tts": errTTS} {
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: expected ErrProviderNotRegistered, got: %v", kind, err)
		}
		if err != nil && !strings.Contains(err.Error(), kind+`/"nonexistent"`) {
			t.Errorf("%s: error should name kind and provider, got: %v", kind, err)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	wantLLM := &llmmock.Provider{}
	wantSTT := &sttmock.Provider{}
	wantTTS := &ttsmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return wantLLM, nil
	})
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) { return wantSTT, nil })
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) { return wantTTS, nil })

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil || p != wantLLM {
		t.Errorf("CreateLLM = %v, %v", p, err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory got entry %+v", gotEntry)
	}
	if s, err := reg.CreateSTT(config.ProviderEntry{Name: "stub"}); err != nil || s != wantSTT {
		t.Errorf("CreateSTT = %v, %v", s, err)
	}
	if s, err := reg.CreateTTS(config.ProviderEntry{Name: "stub"}); err != nil || s != wantTTS {
		t.Errorf("CreateTTS = %v, %v", s, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("bad api key")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, boom })

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, n := range []string{"openai", "gemini", "anthropic"} {
		reg.RegisterLLM(n, func(config.ProviderEntry) (llm.Provider, error) { return nil, nil })
	}
	got := reg.Names("llm")
	want := []string{"anthropic", "gemini", "openai"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names(llm) = %v, want %v", got, want)
	}
	if n := reg.Names("tts"); len(n) != 0 {
		t.Errorf("Names(tts) = %v, want empty", n)
	}
}
