// Command voxrelay-client is the headless voice client. It reads raw PCM
// from a file, FIFO or stdin, transcribes it, sends each finished turn to a
// voxrelay server and speaks or prints the reply.
//
// Send SIGUSR2 to start or commit a recording and SIGUSR1 to cancel the
// current turn. Use -say to send a typed message instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/providers"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file read before the configuration")
	url := flag.String("url", "", "override relay.url")
	input := flag.String("input", "", `override audio.input ("-" reads stdin)`)
	output := flag.String("output", "", `override audio.output ("-" writes stdout)`)
	say := flag.String("say", "", "send this text as a typed turn once connected")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay-client: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath, overrides{url: *url, input: *input, output: *output})
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay-client: %v\n", err)
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry (optional) ──────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	metrics := observe.DefaultMetrics()
	if *metricsAddr != "" {
		tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    "voxrelay-client",
			ServiceVersion: version,
			Role:           observe.RoleClient,
		})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer tel.Shutdown(context.Background())
		metrics = tel.Metrics

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", tel.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	provs, err := buildProviders(cfg, providers.NewRegistry())
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Audio ─────────────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithSay(*say),
		app.WithMetrics(metrics),
		app.WithGestures(notifyGestures(ctx)),
	}
	in, realtime, err := openInput(cfg.Audio.Input)
	if err != nil {
		slog.Error("failed to open audio input", "err", err)
		return 1
	}
	if in != nil {
		opts = append(opts, app.WithInput(in, realtime))
	}
	out, err := openOutput(cfg.Audio.Output)
	if err != nil {
		slog.Error("failed to open audio output", "err", err)
		return 1
	}
	if out != nil {
		defer out.Close()
		opts = append(opts, app.WithAudioSink(out))
		if out == os.Stdout {
			opts = append(opts, app.WithConsole(os.Stderr))
		}
	}

	application, err := app.New(cfg, provs, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer application.Close()

	g.Go(func() error {
		err := application.Run(gctx)
		// The typed turn is over or the relay gave up: stop the rest.
		stop()
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Error("client stopped", "err", err)
		return 1
	}
	return 0
}

// overrides are command line values replacing config fields when set.
type overrides struct {
	url    string
	input  string
	output string
}

// loadConfig reads path, or uses defaults when it does not exist, then
// applies o and validates the result.
func loadConfig(path string, o overrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
		config.ApplyEnv(cfg, os.LookupEnv)
	}
	if err != nil {
		return nil, err
	}
	if o.url != "" {
		cfg.Relay.URL = o.url
	}
	if o.input != "" {
		cfg.Audio.Input = o.input
	}
	if o.output != "" {
		cfg.Audio.Output = o.output
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildProviders creates the recognizer when audio input is configured and
// the synthesizer when audio output is.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p := &app.Providers{}
	if cfg.Audio.Input != "" {
		s, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("stt %q: %w", cfg.Providers.STT.Name, err)
		}
		p.STT = s
	}
	if cfg.Audio.Output != "" {
		t, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("tts %q: %w", cfg.Providers.TTS.Name, err)
		}
		p.TTS = t
	}
	return p, nil
}

// openInput opens the PCM source. Regular files are paced to real time;
// stdin and FIFOs already deliver audio as it is produced.
func openInput(path string) (r io.Reader, realtime bool, err error) {
	switch path {
	case "":
		return nil, false, nil
	case "-":
		return os.Stdin, false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, err
	}
	return f, info.Mode().IsRegular(), nil
}

// openOutput opens the PCM sink, truncating regular files.
func openOutput(path string) (io.WriteCloser, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return os.Stdout, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
