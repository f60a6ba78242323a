// Command voxrelay is the relay server. It accepts voice clients over
// WebSocket and answers their transcribed turns with a language model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/internal/history/postgres"
	"github.com/MrWong99/voxrelay/internal/history/redis"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/providers"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file read before the configuration")
	listen := flag.String("listen", "", "override server.listen_addr")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	rl := &reloader{level: new(slog.LevelVar)}
	cfg, watcher, err := loadConfig(*configPath, rl.apply)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	rl.level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(rl.level))

	slog.Info("voxrelay starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"hot_reload", watcher != nil,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Role:           observe.RoleServer,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Language model ────────────────────────────────────────────────────────
	configured := llmConfigured(cfg.Providers.LLM)
	var model llm.Provider
	if configured {
		model, err = providers.BuildLLM(cfg.Providers, providers.NewRegistry(), metrics)
		if err != nil {
			slog.Error("failed to build llm provider", "err", err)
			return 1
		}
	} else {
		slog.Warn("no API key configured, every session will be refused",
			"provider", cfg.Providers.LLM.Name,
			"env", config.EnvGeminiKey,
		)
	}

	responder := relay.NewResponder(model,
		relay.WithSettings(settings(cfg)),
		relay.WithMetrics(metrics),
		relay.WithProviderName(cfg.Providers.LLM.Name),
	)
	rl.responder = responder

	// ── Conversation history ──────────────────────────────────────────────────
	store, err := openHistory(ctx, cfg.History)
	if err != nil {
		slog.Error("failed to open history store", "backend", cfg.History.Backend, "err", err)
		return 1
	}
	if store != nil {
		defer store.Close()
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	checks := []health.Checker{health.APIKey(func() string {
		if configured {
			return "set"
		}
		return ""
	})}
	serverOpts := []relay.ServerOption{
		relay.WithConfigured(func() bool { return configured }),
		relay.WithServerMetrics(metrics),
	}
	if store != nil {
		checks = append(checks, health.Ping("history", store))
		serverOpts = append(serverOpts, relay.WithHistory(store, cfg.History.ContextTurns))
	}
	relaySrv := relay.NewServer(responder, serverOpts...)

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", tel.Handler())
	mux.Handle("/", relaySrv)

	// Sessions are hijacked connections that Shutdown does not wait for;
	// cancelling baseCtx ends them.
	baseCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	printStartupSummary(cfg, store != nil, watcher != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping...")

		// ── Graceful shutdown ─────────────────────────────────────────────────
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		cancelSessions()
		err := srv.Shutdown(shutdownCtx)
		relaySrv.Wait()
		return err
	})

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig loads path with a hot-reload watcher. A missing file falls
// back to defaults plus environment overrides, without a watcher.
func loadConfig(path string, onChange func(old, new *config.Config)) (*config.Config, *config.Watcher, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxrelay: config file %q not found, using defaults (see configs/example.yaml)\n", path)
		cfg := config.Default()
		config.ApplyEnv(cfg, os.LookupEnv)
		return cfg, nil, nil
	}
	w, err := config.NewWatcher(path, onChange)
	if err != nil {
		return nil, nil, err
	}
	return w.Current(), w, nil
}

// llmConfigured reports whether the primary model can be reached: local
// backends need no key.
func llmConfigured(e config.ProviderEntry) bool {
	return e.APIKey != "" || !providers.NeedsAPIKey(e.Name)
}

func settings(cfg *config.Config) relay.Settings {
	g := cfg.Server.Generation
	return relay.Settings{
		Timeout:      cfg.Server.RequestTimeout,
		Temperature:  g.Temperature,
		MaxTokens:    g.MaxTokens,
		SystemPrompt: g.SystemPrompt,
	}
}

// openHistory returns the configured store, or nil for the "none" backend.
func openHistory(ctx context.Context, hc config.HistoryConfig) (history.Store, error) {
	switch hc.Backend {
	case config.HistoryNone:
		return nil, nil
	case config.HistoryMemory, "":
		return history.NewMemoryStore(hc.MaxTurns), nil
	case config.HistoryPostgres:
		s, err := postgres.Open(ctx, hc.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.HistoryRedis:
		opts := []redis.Option{redis.WithMaxLen(hc.MaxTurns)}
		if hc.TTL > 0 {
			opts = append(opts, redis.WithTTL(hc.TTL))
		}
		s, err := redis.Open(hc.DSN, opts...)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", hc.Backend)
	}
}

// reloader applies hot-reloadable config changes.
type reloader struct {
	level     *slog.LevelVar
	responder *relay.Responder
}

func (r *reloader) apply(old, new *config.Config) {
	d := config.Diff(old, new)
	for _, section := range d.RestartRequired {
		slog.Warn("config change needs a restart to take effect", "section", section)
	}
	if d.LogLevelChanged {
		r.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if (d.GenerationChanged || d.RequestTimeoutChanged) && r.responder != nil {
		r.responder.Update(settings(new))
		slog.Info("generation settings updated",
			"timeout", new.Server.RequestTimeout,
			"temperature", new.Server.Generation.Temperature,
			"max_tokens", new.Server.Generation.MaxTokens,
		)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, hasHistory, hotReload bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxrelay · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", providerLabel(cfg.Providers.LLM))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.LLMFallbacks)))
	printRow("API key", onOff(llmConfigured(cfg.Providers.LLM), "set", "(missing)"))
	printRow("History", onOff(hasHistory, string(cfg.History.Backend), "(disabled)"))
	printRow("Timeout", cfg.Server.RequestTimeout.String())
	printRow("Hot reload", onOff(hotReload, "on", "off"))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func onOff(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
