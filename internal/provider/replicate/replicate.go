// Package replicate runs video generation through the Replicate
// predictions API: create a prediction, then poll until it reaches a
// terminal status. A single invocation can take minutes; the dispatcher
// bounds it with the per-provider handler timeout.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vnmchuo/llm-jobqueue/internal/job"
	"github.com/vnmchuo/llm-jobqueue/internal/provider"
)

const defaultPollInterval = 3 * time.Second

type ReplicateClient struct {
	apiToken     string
	baseURL      string
	pollInterval time.Duration
}

type predictionRequest struct {
	Version string          `json:"version,omitempty"`
	Input   predictionInput `json:"input"`
}

type predictionInput struct {
	Prompt string `json:"prompt"`
}

type predictionResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

func New(apiToken string) provider.Client {
	return &ReplicateClient{
		apiToken:     apiToken,
		baseURL:      "https://api.replicate.com/v1",
		pollInterval: defaultPollInterval,
	}
}

func (c *ReplicateClient) Name() string { return "replicate" }

func (c *ReplicateClient) Supports(kind job.Kind) bool {
	return kind == job.KindVideo
}

func (c *ReplicateClient) Invoke(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Kind != job.KindVideo {
		return nil, fmt.Errorf("replicate: unsupported job kind %q", req.Kind)
	}

	pred, err := c.createPrediction(ctx, req)
	if err != nil {
		return nil, err
	}

	for {
		switch pred.Status {
		case "succeeded":
			url, err := outputURL(pred.Output)
			if err != nil {
				return nil, err
			}
			return &provider.Response{
				ID:       pred.ID,
				MediaURL: url,
				Model:    req.Model,
				Provider: c.Name(),
			}, nil
		case "failed", "canceled":
			reason := pred.Error
			if reason == "" {
				reason = pred.Status
			}
			return nil, fmt.Errorf("replicate prediction %s: %s", pred.ID, reason)
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		pred, err = c.getPrediction(ctx, pred.ID)
		if err != nil {
			return nil, err
		}
	}
}

func (c *ReplicateClient) createPrediction(ctx context.Context, req *provider.Request) (*predictionResponse, error) {
	body, err := json.Marshal(predictionRequest{
		Version: req.Model,
		Input:   predictionInput{Prompt: req.Prompt},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/predictions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Token %s", c.apiToken))

	return c.do(httpReq, http.StatusCreated)
}

func (c *ReplicateClient) getPrediction(ctx context.Context, id string) (*predictionResponse, error) {
	url := fmt.Sprintf("%s/predictions/%s", c.baseURL, id)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Token %s", c.apiToken))

	return c.do(httpReq, http.StatusOK)
}

func (c *ReplicateClient) do(httpReq *http.Request, wantStatus int) (*predictionResponse, error) {
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("replicate api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var pred predictionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, err
	}
	return &pred, nil
}

// outputURL extracts the artifact URL from a prediction output, which
// the API returns as either a string or an array of strings depending
// on the model.
func outputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("replicate prediction succeeded with empty output")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[len(many)-1], nil
	}

	return "", fmt.Errorf("replicate prediction output has unexpected shape: %s", string(raw))
}
