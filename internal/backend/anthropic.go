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

const anthropicVersion = "2023-06-01"

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicEvent is one server-sent event of a streamed message. Only the
// fields needed to assemble text are decoded.
type AnthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Anthropic streams messages from the Anthropic API
type Anthropic struct {
	baseURL   string
	apiKey    string
	maxTokens int
	client    HTTPClient
}

// NewAnthropic creates an Anthropic client
func NewAnthropic(baseURL, apiKey string, maxTokens int, client HTTPClient) *Anthropic {
	return &Anthropic{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		maxTokens: maxTokens,
		client:    client,
	}
}

func (a *Anthropic) StreamCompletion(ctx context.Context, history []session.Turn, modelID string) (<-chan Chunk, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is not configured")
	}

	reqBody := AnthropicRequest{
		Model:     modelID,
		MaxTokens: a.maxTokens,
		Stream:    true,
	}
	// system prompts travel outside the message list
	for _, turn := range history {
		if turn.Role == session.RoleSystem {
			if reqBody.System != "" {
				reqBody.System += "\n\n"
			}
			reqBody.System += turn.Content
			continue
		}
		reqBody.Messages = append(reqBody.Messages, AnthropicMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if err := checkStatus(resp, "Anthropic"); err != nil {
		return nil, err
	}

	out := make(chan Chunk, chunkBuffer)
	go a.stream(ctx, resp.Body, out)
	return out, nil
}

func (a *Anthropic) stream(ctx context.Context, body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	err := readSSE(ctx, body, func(data string) (bool, error) {
		var event AnthropicEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return false, fmt.Errorf("failed to decode stream event: %w", err)
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text == "" {
				return false, nil
			}
			if !emit(ctx, out, Chunk{Text: event.Delta.Text}) {
				return false, ctx.Err()
			}
		case "message_stop":
			return true, nil
		case "error":
			msg := "unknown error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return false, fmt.Errorf("Anthropic stream error: %s", msg)
		}
		return false, nil
	})
	if err != nil {
		fail(ctx, out, err)
	}
}
