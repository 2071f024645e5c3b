package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"StreamChat/internal/session"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *OllamaOptions      `json:"options,omitempty"`
}

// OllamaOptions carries generation limits
type OllamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

// OllamaResponse represents one NDJSON line of a streamed Ollama response
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single model in the Ollama tags response
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Ollama streams completions from a local Ollama daemon
type Ollama struct {
	baseURL   string
	maxTokens int
	client    HTTPClient
}

// NewOllama creates an Ollama client for baseURL (e.g. http://localhost:11434)
func NewOllama(baseURL string, maxTokens int, client HTTPClient) *Ollama {
	return &Ollama{
		baseURL:   strings.TrimRight(baseURL, "/"),
		maxTokens: maxTokens,
		client:    client,
	}
}

func (o *Ollama) StreamCompletion(ctx context.Context, history []session.Turn, modelID string) (<-chan Chunk, error) {
	reqBody := OllamaRequest{
		Model:    modelID,
		Messages: toMessages(history),
		Stream:   true,
	}
	if o.maxTokens > 0 {
		reqBody.Options = &OllamaOptions{NumPredict: o.maxTokens}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	if err := checkStatus(resp, "Ollama"); err != nil {
		return nil, err
	}

	out := make(chan Chunk, chunkBuffer)
	go o.stream(ctx, resp.Body, out)
	return out, nil
}

func (o *Ollama) stream(ctx context.Context, body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk OllamaResponse
			if jsonErr := json.Unmarshal(line, &chunk); jsonErr != nil {
				fail(ctx, out, fmt.Errorf("failed to decode stream line: %w", jsonErr))
				return
			}
			if chunk.Error != "" {
				fail(ctx, out, fmt.Errorf("Ollama stream error: %s", chunk.Error))
				return
			}
			if chunk.Message.Content != "" {
				if !emit(ctx, out, Chunk{Text: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err == io.EOF {
			fail(ctx, out, fmt.Errorf("Ollama: %w", ErrStreamTruncated))
			return
		}
		if err != nil {
			fail(ctx, out, fmt.Errorf("failed to read stream: %w", err))
			return
		}
	}
}

// ListModels fetches the models installed in the Ollama daemon
func (o *Ollama) ListModels(ctx context.Context) ([]OllamaModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	if err := checkStatus(resp, "Ollama"); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tagsResp OllamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return tagsResp.Models, nil
}
