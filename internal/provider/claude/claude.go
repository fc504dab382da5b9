package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/llm-jobqueue/internal/job"
	"github.com/vnmchuo/llm-jobqueue/internal/provider"
)

type ClaudeClient struct {
	apiKey  string
	baseURL string
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey string) provider.Client {
	return &ClaudeClient{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func (c *ClaudeClient) Name() string { return "claude" }

func (c *ClaudeClient) Supports(kind job.Kind) bool {
	return kind == job.KindChat
}

func (c *ClaudeClient) Invoke(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Kind != job.KindChat {
		return nil, fmt.Errorf("claude: unsupported job kind %q", req.Kind)
	}

	claudeReq := c.mapRequest(req)
	body, err := json.Marshal(claudeReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("claude api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, err
	}

	if len(claudeResp.Content) == 0 {
		return nil, fmt.Errorf("claude api returned no content")
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Content:      claudeResp.Content[0].Text,
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
		Model:        claudeResp.Model,
		Provider:     c.Name(),
	}, nil
}

func (c *ClaudeClient) mapRequest(req *provider.Request) claudeRequest {
	var system string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	model := req.Model
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}

	return claudeRequest{
		Model:     model,
		MaxTokens: 4096,
		System:    system,
		Messages:  messages,
	}
}
