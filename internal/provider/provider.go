package provider

import (
	"context"

	"github.com/vnmchuo/llm-jobqueue/internal/job"
)

// Request is the normalized form a job payload is decoded into before it
// reaches a provider client.
type Request struct {
	Kind     job.Kind
	Model    string
	Messages []Message // chat
	Prompt   string    // image, video
	// Metadata for logging and provider-side attribution
	TenantID string
	JobID    string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Response struct {
	ID           string `json:"id,omitempty"`
	Content      string `json:"content,omitempty"`   // chat
	MediaURL     string `json:"media_url,omitempty"` // image, video
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Client is the capability the dispatcher invokes to perform a job. One
// invocation may take seconds to minutes; implementations must honor
// ctx cancellation.
type Client interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
	Name() string
	Supports(kind job.Kind) bool
}
