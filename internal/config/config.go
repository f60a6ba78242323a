// Package config provides the configuration schema, loader, and provider
// registry shared by the voxrelay server and the voice client.
package config

import (
	"time"

	"github.com/MrWong99/voxrelay/pkg/vad"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// HistoryBackend selects where completed exchanges are stored.
type HistoryBackend string

const (
	HistoryNone     HistoryBackend = "none"
	HistoryMemory   HistoryBackend = "memory"
	HistoryPostgres HistoryBackend = "postgres"
	HistoryRedis    HistoryBackend = "redis"
)

// IsValid reports whether b is a recognised backend.
func (b HistoryBackend) IsValid() bool {
	switch b {
	case HistoryNone, HistoryMemory, HistoryPostgres, HistoryRedis:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":3000"
	DefaultRequestTimeout   = 8 * time.Second
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 1000
	DefaultLLM              = "gemini"
	DefaultRelayURL         = "ws://localhost:3000/"
	DefaultResponseTimeout  = 12 * time.Second
	DefaultTickInterval     = 16 * time.Millisecond
	DefaultSampleRate       = 16000
	DefaultFrameDuration    = 20 * time.Millisecond
	DefaultHistoryMaxTurns  = 200
	DefaultReconnectInitial = 1 * time.Second
	DefaultReconnectMax     = 30 * time.Second
)

// Config is the root configuration. Load it with [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Relay     RelayConfig     `yaml:"relay"`
	VAD       VADConfig       `yaml:"vad"`
	Turn      TurnConfig      `yaml:"turn"`
	History   HistoryConfig   `yaml:"history"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds the relay server's listener and generation settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// RequestTimeout bounds one upstream completion. On expiry the client
	// receives a fallback reply.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	Generation GenerationConfig `yaml:"generation"`
}

// TLSConfig holds PEM file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// GenerationConfig tunes every completion request.
type GenerationConfig struct {
	// SystemPrompt is sent ahead of the conversation when non-empty.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature in [0, 2]. Zero selects 0.7.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the reply length. Zero selects 1000.
	MaxTokens int `yaml:"max_tokens"`
}

// ProvidersConfig names the backend for each pipeline stage. Names are
// resolved through a [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary LLM fails or its
	// circuit is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block of all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "gemini", "deepgram").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values such as "language" or
	// "voice_id".
	Options map[string]any `yaml:"options"`
}

// Option returns the string value of key in Options, or "".
func (e ProviderEntry) Option(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// RelayConfig is the client side of the relay connection.
type RelayConfig struct {
	URL string `yaml:"url"`

	// ReconnectInitial and ReconnectMax bound the exponential backoff.
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`

	// MaxRetries caps consecutive failed dials. Zero retries forever.
	MaxRetries int `yaml:"max_retries"`
}

// VADConfig holds the voice activity thresholds. Zero fields take the
// detector defaults.
type VADConfig struct {
	VolumeThreshold   float64       `yaml:"volume_threshold"`
	SilenceTimeout    time.Duration `yaml:"silence_timeout"`
	MinSpeechDuration time.Duration `yaml:"min_speech_duration"`
}

// Detector converts c into a [vad.Config] with defaults filled in.
func (c VADConfig) Detector() vad.Config {
	return vad.Config{
		VolumeThreshold:   c.VolumeThreshold,
		SilenceTimeout:    c.SilenceTimeout,
		MinSpeechDuration: c.MinSpeechDuration,
	}.WithDefaults()
}

// TurnConfig tunes the turn-taking controller.
type TurnConfig struct {
	// ResponseTimeout is how long the client waits for a reply.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// TickInterval is the VAD sampling period.
	TickInterval time.Duration `yaml:"tick_interval"`

	// BargeIn lets the user interrupt playback by speaking.
	BargeIn bool `yaml:"barge_in"`

	// BargeInThreshold is the level that counts as speech over playback.
	// Zero reuses the VAD threshold.
	BargeInThreshold float64 `yaml:"barge_in_threshold"`

	// HandsFree resumes recording after every reply.
	HandsFree bool `yaml:"hands_free"`

	// VoiceCommands enables "stop" / "cancel" detection in finals.
	VoiceCommands bool `yaml:"voice_commands"`
}

// HistoryConfig selects the conversation store used by the server.
type HistoryConfig struct {
	Backend HistoryBackend `yaml:"backend"`

	// DSN is the PostgreSQL connection string or the Redis URL.
	DSN string `yaml:"dsn"`

	// ContextTurns is how many earlier exchanges of the same session are
	// sent to the model. Zero sends only the current message.
	ContextTurns int `yaml:"context_turns"`

	// MaxTurns bounds the memory and Redis backends per session.
	MaxTurns int `yaml:"max_turns"`

	// TTL expires idle sessions in Redis. Zero keeps the backend default.
	TTL time.Duration `yaml:"ttl"`
}

// AudioConfig describes the client's raw PCM input and output.
type AudioConfig struct {
	// Input is a file or FIFO delivering 16-bit little-endian PCM, or "-"
	// for stdin. Empty disables voice capture.
	Input string `yaml:"input"`

	// Output receives synthesized PCM. Empty prints replies as text.
	Output string `yaml:"output"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameDuration is the size of one capture read.
	FrameDuration time.Duration `yaml:"frame_duration"`
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	if s.Generation.Temperature == 0 {
		s.Generation.Temperature = DefaultTemperature
	}
	if s.Generation.MaxTokens == 0 {
		s.Generation.MaxTokens = DefaultMaxTokens
	}

	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = DefaultLLM
	}

	r := &cfg.Relay
	if r.URL == "" {
		r.URL = DefaultRelayURL
	}
	if r.ReconnectInitial == 0 {
		r.ReconnectInitial = DefaultReconnectInitial
	}
	if r.ReconnectMax == 0 {
		r.ReconnectMax = DefaultReconnectMax
	}

	t := &cfg.Turn
	if t.ResponseTimeout == 0 {
		t.ResponseTimeout = DefaultResponseTimeout
	}
	if t.TickInterval == 0 {
		t.TickInterval = DefaultTickInterval
	}

	h := &cfg.History
	if h.Backend == "" {
		h.Backend = HistoryMemory
	}
	if h.MaxTurns == 0 {
		h.MaxTurns = DefaultHistoryMaxTurns
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	if a.FrameDuration == 0 {
		a.FrameDuration = DefaultFrameDuration
	}
}
