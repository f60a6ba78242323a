// Package providers wires the built-in provider implementations into a
// [config.Registry] and assembles the LLM failover chain used by the relay
// server.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxrelay/pkg/provider/llm/gemini"
	"github.com/MrWong99/voxrelay/pkg/provider/llm/openai"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/MrWong99/voxrelay/pkg/provider/tts/elevenlabs"
)

// keyless lists LLM backends that run locally and accept no API key.
var keyless = []string{"ollama", "llamacpp", "llamafile"}

// NeedsAPIKey reports whether the LLM backend name requires an API key.
func NeedsAPIKey(name string) bool { return !slices.Contains(keyless, name) }

// NewRegistry returns a registry with every built-in provider registered.
func NewRegistry() *config.Registry {
	reg := config.NewRegistry()
	Register(reg)
	return reg
}

// Register wires all built-in provider factories into reg. Each factory
// receives a config.ProviderEntry and constructs the provider from the
// implementation packages.
func Register(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// gemini speaks generateContent directly; the relay's wire contract and
	// fallback classification depend on its typed API errors.
	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if d, err := optDuration(entry, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, gemini.WithTimeout(d))
		}
		return gemini.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, deepseek, mistral, groq share the same pattern: optional
	// APIKey + optional BaseURL.
	for _, name := range []string{"anthropic", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// Local servers use BaseURL for the address, not an API key.
	for _, name := range keyless {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if d, err := optDuration(entry, "endpointing"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, deepgram.WithEndpointing(d))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.Option("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
}

// BuildLLM creates the primary LLM and its fallbacks from cfg and joins them
// in a circuit-breaking failover chain. Breaker transitions are logged and
// counted on m when m is non-nil.
//
// A fallback that cannot be built is skipped with a warning; only a failing
// primary is an error.
func BuildLLM(cfg config.ProvidersConfig, reg *config.Registry, m *observe.Metrics) (llm.Provider, error) {
	primary, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("providers: create llm %q: %w", cfg.LLM.Name, err)
	}
	if len(cfg.LLMFallbacks) == 0 {
		return primary, nil
	}

	chain := resilience.NewLLMChain(cfg.LLM.Name, primary, resilience.BreakerConfig{
		Name:      "llm",
		IsFailure: resilience.TransientFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("providers: circuit breaker state change",
				"provider", name, "from", from, "to", to)
			if m != nil {
				m.RecordBreakerTransition(context.Background(), name, to.String())
			}
		},
	})
	for i, entry := range cfg.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			slog.Warn("providers: skipping llm fallback", "index", i, "name", entry.Name, "err", err)
			continue
		}
		chain.Add(entry.Name, p)
	}
	slog.Info("providers: llm failover chain", "order", chain.Names())
	return chain, nil
}

// optDuration parses a duration option given either as a string ("1s") or a
// YAML integer of milliseconds.
func optDuration(entry config.ProviderEntry, key string) (time.Duration, error) {
	switch v := entry.Options[key].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("providers: %s option %q: %w", entry.Name, key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("providers: %s option %q: unsupported type %T", entry.Name, key, v)
	}
}
