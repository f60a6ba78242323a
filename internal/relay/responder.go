// Package relay serves the voice client protocol over WebSocket and answers
// each request with one LLM completion.
package relay

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/llm/gemini"
)

// Replies sent instead of a model answer.
const (
	// FallbackUnavailable answers an upstream error status.
	FallbackUnavailable = `Hello! I'm your AI assistant, but I'm currently having trouble connecting to my AI service. However, I can still help you! Here are some things I can assist with:

• Answer questions about various topics
• Help with coding and programming
• Provide explanations and tutorials
• Creative writing and brainstorming
• General conversation and advice

Please try asking me something, and I'll do my best to help! (Note: I'm currently in fallback mode due to API connectivity issues)`

	// FallbackUnreadable answers a successful call that carried no text.
	FallbackUnreadable = "I received a response but couldn't extract the text. Please try again!"

	// FallbackBackup answers timeouts and transport failures.
	FallbackBackup = `Hello! I'm your AI assistant. I'm currently experiencing some technical difficulties with my main AI service, but I'm still here to help! 

I can assist you with:
🤖 General questions and answers
💡 Creative ideas and brainstorming  
📚 Learning and explanations
💻 Programming help
🗣️ Friendly conversation

What would you like to talk about? (Running in backup mode)`
)

// Defaults for [Settings].
const (
	DefaultTimeout     = 8 * time.Second
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// errNoProvider is reported when no upstream is configured.
var errNoProvider = errors.New("relay: no llm provider configured")

// Settings tune every completion. They can be replaced at runtime with
// [Responder.Update].
type Settings struct {
	Timeout      time.Duration
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Temperature == 0 {
		s.Temperature = DefaultTemperature
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = DefaultMaxTokens
	}
	return s
}

// Reply is the outcome of one request. Text is always non-empty.
type Reply struct {
	Text     string
	Fallback bool

	// Err is the upstream failure behind a fallback reply.
	Err error
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithSettings sets the initial generation settings.
func WithSettings(s Settings) ResponderOption {
	return func(r *Responder) { r.Update(s) }
}

// WithMetrics records LLM latency and provider errors on m.
func WithMetrics(m *observe.Metrics) ResponderOption {
	return func(r *Responder) { r.metrics = m }
}

// WithProviderName labels metrics. Defaults to "llm".
func WithProviderName(name string) ResponderOption {
	return func(r *Responder) { r.name = name }
}

// Responder turns user text into reply text. It never fails: upstream
// problems are answered with one of the fallback texts.
type Responder struct {
	provider llm.Provider
	name     string
	metrics  *observe.Metrics
	settings atomic.Pointer[Settings]
}

// NewResponder returns a Responder backed by p. A nil p answers every
// request with [FallbackUnavailable].
func NewResponder(p llm.Provider, opts ...ResponderOption) *Responder {
	r := &Responder{provider: p, name: "llm"}
	r.Update(Settings{})
	for _, o := range opts {
		o(r)
	}
	return r
}

// Settings returns the settings in effect.
func (r *Responder) Settings() Settings { return *r.settings.Load() }

// Update replaces the generation settings for subsequent requests.
func (r *Responder) Update(s Settings) {
	s = s.withDefaults()
	r.settings.Store(&s)
}

// Respond asks the model for a reply to userText. prior holds earlier
// exchanges of the same session, oldest first.
func (r *Responder) Respond(ctx context.Context, userText string, prior []history.Entry) Reply {
	s := r.Settings()

	ctx, span := observe.StartSpan(ctx, "relay.respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", r.name),
		attribute.Int("relay.prior_turns", len(prior)),
	)

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	start := time.Now()
	text, err := r.complete(ctx, s, userText, prior)
	elapsed := time.Since(start)
	log := observe.Logger(ctx)

	if err == nil {
		r.record(ctx, observe.StatusOK, "", elapsed)
		log.Debug("relay: reply ready", "duration", elapsed, "chars", len(text))
		return Reply{Text: text}
	}

	kind, fallback := classify(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	r.record(ctx, observe.StatusFallback, kind, elapsed)
	log.Warn("relay: upstream failed, sending fallback", "kind", kind, "duration", elapsed, "err", err)
	return Reply{Text: fallback, Fallback: true, Err: err}
}

func (r *Responder) complete(ctx context.Context, s Settings, userText string, prior []history.Entry) (string, error) {
	if r.provider == nil {
		return "", errNoProvider
	}
	resp, err := r.provider.Complete(ctx, buildRequest(s, userText, prior))
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", llm.ErrNoText
	}
	return resp.Content, nil
}

func (r *Responder) record(ctx context.Context, status, kind string, d time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordLLM(ctx, r.name, status, d)
	if kind != "" {
		r.metrics.RecordProviderError(ctx, r.name, kind)
	}
}

// buildRequest replays prior exchanges as alternating turns. Fallback
// replies were never produced by the model and are skipped with their
// question.
func buildRequest(s Settings, userText string, prior []history.Entry) llm.CompletionRequest {
	msgs := make([]llm.Message, 0, 2*len(prior)+1)
	for _, e := range prior {
		if e.Fallback {
			continue
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: e.User},
			llm.Message{Role: llm.RoleAssistant, Content: e.Reply},
		)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userText})
	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: s.SystemPrompt,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
	}
}

// classify maps an upstream failure to a metric kind and the reply text.
func classify(err error) (kind, text string) {
	var apiErr *gemini.APIError
	switch {
	case errors.Is(err, llm.ErrNoText):
		return "no_text", FallbackUnreadable
	case errors.As(err, &apiErr):
		return "api", FallbackUnavailable
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, errNoProvider):
		return "unavailable", FallbackUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", FallbackBackup
	default:
		return "transport", FallbackBackup
	}
}
