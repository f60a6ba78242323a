package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables holding provider secrets. A non-empty value replaces
// the api_key of every entry using that provider.
const (
	EnvGeminiKey     = "GEMINI_API_KEY"
	EnvDeepgramKey   = "DEEPGRAM_API_KEY"
	EnvElevenLabsKey = "ELEVENLABS_API_KEY"
)

var envKeys = map[string]string{
	"gemini":     EnvGeminiKey,
	"deepgram":   EnvDeepgramKey,
	"elevenlabs": EnvElevenLabsKey,
}

// ApplyEnv overrides provider API keys from the environment. lookup is
// usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	apply := func(e *ProviderEntry) {
		name, ok := envKeys[e.Name]
		if !ok {
			return
		}
		if v, ok := lookup(name); ok && v != "" {
			e.APIKey = v
		}
	}
	apply(&cfg.Providers.LLM)
	for i := range cfg.Providers.LLMFallbacks {
		apply(&cfg.Providers.LLMFallbacks[i])
	}
	apply(&cfg.Providers.STT)
	apply(&cfg.Providers.TTS)
}

// LoadEnvFile loads a dotenv file into the process environment. Variables
// already set are left alone. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	return nil
}
