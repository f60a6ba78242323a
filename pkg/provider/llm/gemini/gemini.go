// Package gemini implements [llm.Provider] on Google's Generative Language
// generateContent REST endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

const (
	// DefaultBaseURL is the public v1beta endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultModel is used when New is given an empty model name.
	DefaultModel = "gemini-1.5-flash"

	// maxErrorBody bounds how much of a failed response is kept for the error.
	maxErrorBody = 4 << 10
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gemini: api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("gemini: api error: status %d (%s): %s", e.StatusCode, e.Status, e.Message)
}

// Retryable reports whether the request may succeed when repeated.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL, for tests or regional endpoints.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithTimeout bounds every request. Zero means no client-side bound beyond
// the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// Provider calls generateContent for one model.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	timeout time.Duration
}

var _ llm.Provider = (*Provider)(nil)

// New returns a Provider. apiKey must not be empty.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// ── wire types ───────────────────────────────────────────────────────────────

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	CandidateCount  int      `json:"candidateCount,omitempty"`
}

type request struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type response struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ── Complete ─────────────────────────────────────────────────────────────────

// Complete posts req to generateContent and returns the text of the first
// candidate. Non-2xx answers yield an *APIError; an answer without text
// yields [llm.ErrNoText].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("gemini: request has no messages")
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: send request: %w", stripKey(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseError(resp)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	return convertResponse(out)
}

func (p *Provider) endpoint() string {
	q := url.Values{"key": {p.apiKey}}
	return fmt.Sprintf("%s/models/%s:generateContent?%s", p.baseURL, url.PathEscape(p.model), q.Encode())
}

func (p *Provider) buildRequest(req llm.CompletionRequest) request {
	out := request{
		Contents: make([]content, 0, len(req.Messages)),
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			CandidateCount:  1,
		},
	}
	if req.Temperature != 0 {
		t := req.Temperature
		out.GenerationConfig.Temperature = &t
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}

	// A lone user turn is sent without a role, the minimal form the API
	// accepts; multi-turn history needs explicit roles.
	single := len(req.Messages) == 1 && req.Messages[0].Role == llm.RoleUser
	for _, m := range req.Messages {
		c := content{Parts: []part{{Text: m.Content}}}
		if !single {
			c.Role = convertRole(m.Role)
		}
		out.Contents = append(out.Contents, c)
	}
	return out
}

func convertRole(role string) string {
	if role == llm.RoleAssistant {
		return "model"
	}
	return "user"
}

func convertResponse(r response) (*llm.CompletionResponse, error) {
	if len(r.Candidates) == 0 {
		return nil, llm.ErrNoText
	}
	var sb strings.Builder
	for _, pt := range r.Candidates[0].Content.Parts {
		sb.WriteString(pt.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, llm.ErrNoText
	}

	out := &llm.CompletionResponse{Content: text}
	if u := r.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		apiErr.Message = er.Error.Message
		if er.Error.Status != "" {
			apiErr.Status = er.Error.Status
		}
	}
	return apiErr
}

// stripKey removes the request URL, which carries the API key, from
// transport errors.
func stripKey(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}
