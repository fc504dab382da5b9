package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-jobqueue/internal/job"
	"github.com/vnmchuo/llm-jobqueue/internal/provider"
)

func TestInvoke_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("x-api-key"); key != "test-key" {
			t.Errorf("Expected x-api-key test-key, got %s", key)
		}
		if v := r.Header.Get("anthropic-version"); v == "" {
			t.Error("Expected anthropic-version header")
		}

		resp := claudeResponse{
			ID: "msg_123",
			Content: []claudeContent{
				{Type: "text", Text: "Hello from Claude mock!"},
			},
			Usage: claudeUsage{InputTokens: 10, OutputTokens: 20},
			Model: "claude-3-5-sonnet-20241022",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := &ClaudeClient{apiKey: "test-key", baseURL: server.URL}

	resp, err := c.Invoke(context.Background(), &provider.Request{
		Kind:  job.KindChat,
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if resp.Content != "Hello from Claude mock!" {
		t.Errorf("Expected 'Hello from Claude mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
}

func TestMapRequest_SystemPromptExtracted(t *testing.T) {
	c := &ClaudeClient{}

	req := c.mapRequest(&provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: "you are terse"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})

	if req.System != "you are terse" {
		t.Errorf("Expected system prompt extracted, got %q", req.System)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(req.Messages))
	}
	if req.Messages[1].Role != "assistant" {
		t.Errorf("Expected assistant role preserved, got %s", req.Messages[1].Role)
	}
}

func TestInvoke_UnsupportedKind(t *testing.T) {
	c := &ClaudeClient{}

	if c.Supports(job.KindImage) {
		t.Error("claude should not support image jobs")
	}
	_, err := c.Invoke(context.Background(), &provider.Request{Kind: job.KindImage})
	if err == nil {
		t.Fatal("Expected error for unsupported kind")
	}
}
