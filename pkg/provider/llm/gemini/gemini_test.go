package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/llm/gemini"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete_RequestShape(t *testing.T) {
	t.Parallel()

	var (
		gotPath string
		gotKey  string
		gotBody map[string]any
	)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"Hi "},{"text":"there!"}]}}],
			"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`)
	})

	p, err := gemini.New("secret", "gemini-1.5-flash", gemini.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := llm.Prompt("Hello")
	req.Temperature = 0.7
	req.MaxTokens = 1000

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Hi there!" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hi there!")
	}
	if resp.Usage.TotalTokens != 5 || resp.Usage.PromptTokens != 3 || resp.Usage.CompletionTokens != 2 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	if gotPath != "/models/gemini-1.5-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("key = %q", gotKey)
	}

	contents := gotBody["contents"].([]any)
	if len(contents) != 1 {
		t.Fatalf("contents = %v", contents)
	}
	first := contents[0].(map[string]any)
	if _, ok := first["role"]; ok {
		t.Errorf("single user turn should carry no role: %v", first)
	}
	text := first["parts"].([]any)[0].(map[string]any)["text"]
	if text != "Hello" {
		t.Errorf("text = %v", text)
	}
	gc := gotBody["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.7 || gc["maxOutputTokens"] != float64(1000) || gc["candidateCount"] != float64(1) {
		t.Errorf("generationConfig = %v", gc)
	}
	if _, ok := gotBody["systemInstruction"]; ok {
		t.Error("systemInstruction should be omitted when empty")
	}
}

func TestComplete_HistoryAndSystemPrompt(t *testing.T) {
	t.Parallel()

	var body struct {
		Contents []struct {
			Role string `json:"role"`
		} `json:"contents"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
	}
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	})

	p, _ := gemini.New("k", "", gemini.WithBaseURL(srv.URL))
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
			{Role: llm.RoleUser, Content: "how are you"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	roles := []string{body.Contents[0].Role, body.Contents[1].Role, body.Contents[2].Role}
	if strings.Join(roles, ",") != "user,model,user" {
		t.Errorf("roles = %v", roles)
	}
	if body.SystemInstruction == nil || body.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("systemInstruction = %+v", body.SystemInstruction)
	}
	if p.Model() != gemini.DefaultModel {
		t.Errorf("Model() = %q, want default", p.Model())
	}
}

func TestComplete_APIError(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`)
	})

	p, _ := gemini.New("k", "m", gemini.WithBaseURL(srv.URL))
	_, err := p.Complete(context.Background(), llm.Prompt("x"))

	var apiErr *gemini.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != 429 || apiErr.Message != "quota" || apiErr.Status != "RESOURCE_EXHAUSTED" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !apiErr.Retryable() {
		t.Error("429 should be retryable")
	}
	if strings.Contains(err.Error(), "k=") {
		t.Errorf("error leaks key: %v", err)
	}
}

func TestComplete_NoText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "no candidates", body: `{"candidates":[]}`},
		{name: "empty parts", body: `{"candidates":[{"content":{"parts":[]}}]}`},
		{name: "blank text", body: `{"candidates":[{"content":{"parts":[{"text":"  "}]}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})
			p, _ := gemini.New("k", "m", gemini.WithBaseURL(srv.URL))
			_, err := p.Complete(context.Background(), llm.Prompt("x"))
			if !errors.Is(err, llm.ErrNoText) {
				t.Fatalf("error = %v, want ErrNoText", err)
			}
		})
	}
}

func TestComplete_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	p, _ := gemini.New("secret-key", "m", gemini.WithBaseURL(srv.URL), gemini.WithTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := p.Complete(context.Background(), llm.Prompt("x"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not applied")
	}
	if strings.Contains(err.Error(), "secret-key") {
		t.Errorf("error leaks key: %v", err)
	}
}

func TestNew_RequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := gemini.New("", "m"); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestComplete_RejectsEmptyRequest(t *testing.T) {
	t.Parallel()

	p, _ := gemini.New("k", "m")
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for request without messages")
	}
}
