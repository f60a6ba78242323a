package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/voxrelay/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantErr: "log_level",
		},
		{
			name:    "temperature out of range",
			yaml:    "server:\n  generation:\n    temperature: 3\n",
			wantErr: "temperature",
		},
		{
			name:    "tls without key",
			yaml:    "server:\n  tls:\n    cert_file: cert.pem\n",
			wantErr: "tls",
		},
		{
			name:    "fallback without name",
			yaml:    "providers:\n  llm_fallbacks:\n    - model: gpt-4o\n",
			wantErr: "llm_fallbacks[0].name",
		},
		{
			name:    "backoff inverted",
			yaml:    "relay:\n  reconnect_initial: 1m\n  reconnect_max: 1s\n",
			wantErr: "reconnect_initial",
		},
		{
			name:    "vad threshold",
			yaml:    "vad:\n  volume_threshold: 1.5\n",
			wantErr: "volume threshold",
		},
		{
			name:    "barge-in threshold",
			yaml:    "turn:\n  barge_in_threshold: 2\n",
			wantErr: "barge_in_threshold",
		},
		{
			name:    "unknown history backend",
			yaml:    "history:\n  backend: mongo\n",
			wantErr: "history.backend",
		},
		{
			name:    "postgres without dsn",
			yaml:    "history:\n  backend: postgres\n",
			wantErr: "history.dsn",
		},
		{
			name:    "audio input without stt",
			yaml:    "audio:\n  input: \"-\"\n",
			wantErr: "providers.stt",
		},
		{
			name:    "audio output without tts",
			yaml:    "audio:\n  output: out.pcm\n",
			wantErr: "providers.tts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
history:
  backend: redis
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "log_level") || !strings.Contains(msg, "history.dsn") {
		t.Errorf("expected both failures to be reported, got: %v", err)
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: my-custom-llm
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("unknown provider name should not fail validation: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"llm", "stt", "tts"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
	if config.ValidProviderNames["llm"][0] != config.DefaultLLM {
		t.Errorf("default LLM %q should be listed first", config.DefaultLLM)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Providers.LLM.Name != "gemini" || cfg.History.Backend != config.HistoryMemory {
		t.Errorf("unexpected example config: llm=%q history=%q", cfg.Providers.LLM.Name, cfg.History.Backend)
	}
	if got := cfg.Providers.TTS.Option("voice_id"); got == "" {
		t.Error("example tts has no voice_id")
	}
}
