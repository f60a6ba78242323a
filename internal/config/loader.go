package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout %v must not be negative", cfg.Server.RequestTimeout))
	}
	if g := cfg.Server.Generation; g.Temperature < 0 || g.Temperature > 2 {
		errs = append(errs, fmt.Errorf("server.generation.temperature %.2f is out of range [0, 2]", g.Temperature))
	}
	if cfg.Server.Generation.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("server.generation.max_tokens %d must not be negative", cfg.Server.Generation.MaxTokens))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Relay.ReconnectMax > 0 && cfg.Relay.ReconnectInitial > cfg.Relay.ReconnectMax {
		errs = append(errs, fmt.Errorf("relay.reconnect_initial %v exceeds relay.reconnect_max %v", cfg.Relay.ReconnectInitial, cfg.Relay.ReconnectMax))
	}
	if cfg.Relay.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("relay.max_retries %d must not be negative", cfg.Relay.MaxRetries))
	}

	if err := cfg.VAD.Detector().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}

	if cfg.Turn.ResponseTimeout < 0 {
		errs = append(errs, fmt.Errorf("turn.response_timeout %v must not be negative", cfg.Turn.ResponseTimeout))
	}
	if cfg.Turn.BargeInThreshold < 0 || cfg.Turn.BargeInThreshold >= 1 {
		errs = append(errs, fmt.Errorf("turn.barge_in_threshold %v must be in [0, 1)", cfg.Turn.BargeInThreshold))
	}

	h := cfg.History
	if h.Backend != "" && !h.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: none, memory, postgres, redis", h.Backend))
	}
	if (h.Backend == HistoryPostgres || h.Backend == HistoryRedis) && h.DSN == "" {
		errs = append(errs, fmt.Errorf("history.dsn is required when backend is %s", h.Backend))
	}
	if h.ContextTurns < 0 {
		errs = append(errs, fmt.Errorf("history.context_turns %d must not be negative", h.ContextTurns))
	}
	if h.ContextTurns > 0 && h.Backend == HistoryNone {
		slog.Warn("history.context_turns is set but history.backend is none; no context will be sent")
	}

	if a := cfg.Audio; a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 or 2", a.Channels))
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Input != "" && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("audio.input requires providers.stt"))
	}
	if cfg.Audio.Output != "" && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("audio.output requires providers.tts"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
