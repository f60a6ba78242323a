package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	user, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Hello!"})
	if err != nil || user.OfUser == nil {
		t.Fatalf("user message: %+v, %v", user, err)
	}

	asst, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "Hi"})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("assistant message: %+v, %v", asst, err)
	}
	if got := asst.OfAssistant.Content.OfString.Value; got != "Hi" {
		t.Errorf("assistant content = %q", got)
	}

	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := llm.Prompt("hi")
	req.SystemPrompt = "be brief"
	req.Temperature = 0.7
	req.MaxTokens = 1000

	params, err := p.buildParams(req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 || params.Messages[0].OfSystem == nil {
		t.Fatalf("messages = %+v", params.Messages)
	}
	if params.Temperature.Value != 0.7 {
		t.Errorf("temperature = %v", params.Temperature.Value)
	}
	if params.MaxCompletionTokens.Value != 1000 {
		t.Errorf("max tokens = %v", params.MaxCompletionTokens.Value)
	}
}

func TestComplete_AgainstServer(t *testing.T) {
	t.Parallel()

	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		gotModel = body.Model
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Sure thing."}}],
			"usage":{"prompt_tokens":4,"completion_tokens":3,"total_tokens":7}}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.Prompt("hi"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Sure thing." || resp.Usage.TotalTokens != 7 {
		t.Errorf("response = %+v", resp)
	}
	if gotModel != "gpt-4o-mini" {
		t.Errorf("model = %q", gotModel)
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[]}`)
	}))
	defer srv.Close()

	p, _ := New("sk-test", "m", WithBaseURL(srv.URL+"/"))
	_, err := p.Complete(context.Background(), llm.Prompt("hi"))
	if !errors.Is(err, llm.ErrNoText) {
		t.Fatalf("error = %v, want ErrNoText", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("https://custom.example.com"), WithOrganization("org-123")); err != nil {
		t.Errorf("unexpected error with valid options: %v", err)
	}
}
