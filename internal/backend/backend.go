// Package backend streams completions from the supported LLM providers.
package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"StreamChat/internal/session"
)

// Chunk is one fragment of generated text. A chunk with Err set is the last
// one delivered; a closed channel means the stream ended normally.
type Chunk struct {
	Text string
	Err  error
}

// Client streams a completion for history using modelID.
// Cancelling ctx aborts the stream; the channel is closed either way.
type Client interface {
	StreamCompletion(ctx context.Context, history []session.Turn, modelID string) (<-chan Chunk, error)
}

// HTTPClient interface for HTTP requests (enables testing)
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// ErrStreamTruncated is reported when a stream ends without its end marker
var ErrStreamTruncated = errors.New("stream ended before completion")

// NewStreamingHTTPClient returns a client that bounds connecting and waiting
// for response headers by timeout but never the body read, so a long reply
// is limited only by the request context.
func NewStreamingHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
		transport.TLSHandshakeTimeout = timeout
		transport.ResponseHeaderTimeout = timeout
	}
	return &http.Client{Transport: transport}
}

// chunkBuffer is small so a slow consumer applies backpressure to the reader
const chunkBuffer = 16

// emit delivers a chunk unless ctx is done
func emit(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail delivers a terminal error, reporting the ctx error if ctx ended first
func fail(ctx context.Context, out chan<- Chunk, err error) {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	select {
	case out <- Chunk{Err: err}:
	case <-ctx.Done():
	}
}

// toMessages converts history into the role/content maps the chat APIs take
func toMessages(history []session.Turn) []map[string]string {
	reqMessages := make([]map[string]string, len(history))
	for i, turn := range history {
		reqMessages[i] = map[string]string{
			"role":    string(turn.Role),
			"content": turn.Content,
		}
	}
	return reqMessages
}

// checkStatus turns a non-200 response into an error carrying the body
func checkStatus(resp *http.Response, provider string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return fmt.Errorf("%s API error: %s - %s", provider, resp.Status, strings.TrimSpace(string(body)))
}

// readSSE calls onData for every "data:" line of a server-sent event stream
// until onData reports done or ctx is cancelled. A body that ends before
// onData reports done yields ErrStreamTruncated.
func readSSE(ctx context.Context, body io.Reader, onData func(data string) (done bool, err error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		done, err := onData(data)
		if err != nil || done {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return ErrStreamTruncated
}
