package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"StreamChat/internal/session"
)

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model     string              `json:"model"`
	Messages  []map[string]string `json:"messages"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
	Stream    bool                `json:"stream"`
}

// OpenAIStreamChunk represents one "data:" event of a streamed completion
type OpenAIStreamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
// Grok (x.ai) speaks the same protocol under a different base URL.
type OpenAI struct {
	name      string
	baseURL   string
	apiKey    string
	maxTokens int
	client    HTTPClient
}

// NewOpenAI creates a client for api.openai.com style endpoints
func NewOpenAI(baseURL, apiKey string, maxTokens int, client HTTPClient) *OpenAI {
	return newOpenAICompatible("OpenAI", baseURL, apiKey, maxTokens, client)
}

// NewGrok creates a client for the x.ai API
func NewGrok(baseURL, apiKey string, maxTokens int, client HTTPClient) *OpenAI {
	return newOpenAICompatible("Grok", baseURL, apiKey, maxTokens, client)
}

func newOpenAICompatible(name, baseURL, apiKey string, maxTokens int, client HTTPClient) *OpenAI {
	return &OpenAI{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		maxTokens: maxTokens,
		client:    client,
	}
}

func (o *OpenAI) StreamCompletion(ctx context.Context, history []session.Turn, modelID string) (<-chan Chunk, error) {
	if o.apiKey == "" {
		return nil, fmt.Errorf("%s API key is not configured", o.name)
	}

	reqBody := OpenAIRequest{
		Model:     modelID,
		Messages:  toMessages(history),
		MaxTokens: o.maxTokens,
		Stream:    true,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if err := checkStatus(resp, o.name); err != nil {
		return nil, err
	}

	out := make(chan Chunk, chunkBuffer)
	go o.stream(ctx, resp.Body, out)
	return out, nil
}

func (o *OpenAI) stream(ctx context.Context, body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	err := readSSE(ctx, body, func(data string) (bool, error) {
		if data == "[DONE]" {
			return true, nil
		}

		var chunk OpenAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, fmt.Errorf("failed to decode stream event: %w", err)
		}
		if chunk.Error != nil {
			return false, fmt.Errorf("%s stream error: %s", o.name, chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if !emit(ctx, out, Chunk{Text: choice.Delta.Content}) {
				return false, ctx.Err()
			}
		}
		return false, nil
	})
	if err != nil {
		fail(ctx, out, err)
	}
}
