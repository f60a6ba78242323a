package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/providers"
)

func TestOpenInput(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		r, _, err := openInput("")
		if err != nil || r != nil {
			t.Errorf("openInput(\"\") = %v, %v", r, err)
		}
	})

	t.Run("stdin", func(t *testing.T) {
		t.Parallel()
		r, realtime, err := openInput("-")
		if err != nil || r != os.Stdin || realtime {
			t.Errorf("openInput(\"-\") = %v, %v, %v", r, realtime, err)
		}
	})

	t.Run("regular file is paced", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "in.pcm")
		if err := os.WriteFile(path, make([]byte, 640), 0o600); err != nil {
			t.Fatal(err)
		}
		r, realtime, err := openInput(path)
		if err != nil {
			t.Fatalf("openInput: %v", err)
		}
		defer r.(*os.File).Close()
		if !realtime {
			t.Error("regular file not paced")
		}
	})

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		if _, _, err := openInput(filepath.Join(t.TempDir(), "nope.pcm")); err == nil {
			t.Error("want error")
		}
	})
}

func TestOpenOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.pcm")
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}
	w, err := openOutput(path)
	if err != nil {
		t.Fatalf("openOutput: %v", err)
	}
	if _, err := w.Write([]byte("ab")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()
	if got, _ := os.ReadFile(path); string(got) != "ab" {
		t.Errorf("file = %q, want truncated then %q", got, "ab")
	}

	if w, err := openOutput(""); err != nil || w != nil {
		t.Errorf("openOutput(\"\") = %v, %v", w, err)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("missing file uses defaults with overrides", func(t *testing.T) {
		t.Parallel()
		cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), overrides{url: "ws://relay:3000/"})
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.Relay.URL != "ws://relay:3000/" {
			t.Errorf("Relay.URL = %q", cfg.Relay.URL)
		}
	})

	t.Run("input override needs a recognizer", func(t *testing.T) {
		t.Parallel()
		if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), overrides{input: "-"}); err == nil {
			t.Error("want validation error")
		}
	})

	t.Run("file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "client.yaml")
		yaml := "providers:\n  stt:\n    name: deepgram\n    api_key: k\naudio:\n  input: mic.pcm\n"
		if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := loadConfig(path, overrides{})
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.Audio.Input != "mic.pcm" || cfg.Providers.STT.Name != "deepgram" {
			t.Errorf("cfg = %+v", cfg.Audio)
		}
	})
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	p, err := buildProviders(cfg, providers.NewRegistry())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if p.STT != nil || p.TTS != nil {
		t.Errorf("providers built without audio: %+v", p)
	}

	cfg.Audio.Input = "-"
	cfg.Providers.STT = config.ProviderEntry{Name: "deepgram", APIKey: "k"}
	cfg.Audio.Output = "-"
	cfg.Providers.TTS = config.ProviderEntry{Name: "elevenlabs", APIKey: "k"}
	p, err = buildProviders(cfg, providers.NewRegistry())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if p.STT == nil || p.TTS == nil {
		t.Errorf("providers = %+v", p)
	}

	cfg.Providers.TTS.Name = "coqui"
	if _, err := buildProviders(cfg, providers.NewRegistry()); err == nil {
		t.Error("unregistered tts: want error")
	}
}
