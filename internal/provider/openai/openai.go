package openai

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

type OpenAIClient struct {
	apiKey  string
	baseURL string
}

type openAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	User     string          `json:"user,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	User   string `json:"user,omitempty"`
}

type openAIImageResponse struct {
	Data []openAIImage `json:"data"`
}

type openAIImage struct {
	URL string `json:"url"`
}

func New(apiKey string) provider.Client {
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) Supports(kind job.Kind) bool {
	return kind == job.KindChat || kind == job.KindImage
}

func (c *OpenAIClient) Invoke(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	switch req.Kind {
	case job.KindChat:
		return c.chat(ctx, req)
	case job.KindImage:
		return c.image(ctx, req)
	default:
		return nil, fmt.Errorf("openai: unsupported job kind %q", req.Kind)
	}
}

func (c *OpenAIClient) chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	model := req.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{Role: m.Role, Content: m.Content}
	}

	var chatResp openAIChatResponse
	err := c.post(ctx, "/chat/completions", openAIChatRequest{
		Model:    model,
		Messages: messages,
		User:     req.TenantID,
	}, &chatResp)
	if err != nil {
		return nil, err
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	return &provider.Response{
		ID:           chatResp.ID,
		Content:      chatResp.Choices[0].Message.Content,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		Model:        chatResp.Model,
		Provider:     c.Name(),
	}, nil
}

func (c *OpenAIClient) image(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	model := req.Model
	if model == "" {
		model = "dall-e-3"
	}

	var imageResp openAIImageResponse
	err := c.post(ctx, "/images/generations", openAIImageRequest{
		Model:  model,
		Prompt: req.Prompt,
		N:      1,
		User:   req.TenantID,
	}, &imageResp)
	if err != nil {
		return nil, err
	}

	if len(imageResp.Data) == 0 {
		return nil, fmt.Errorf("openai api returned no images")
	}

	return &provider.Response{
		MediaURL: imageResp.Data[0].URL,
		Model:    model,
		Provider: c.Name(),
	}, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s%s", c.baseURL, path)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
