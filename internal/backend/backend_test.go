package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"StreamChat/internal/session"
)

var testHistory = []session.Turn{
	{Role: session.RoleSystem, Content: "be brief"},
	{Role: session.RoleUser, Content: "Hello"},
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collect drains ch and returns the assembled text and the terminal error
func collect(t *testing.T, ch <-chan Chunk) (string, error) {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return sb.String(), nil
			}
			if c.Err != nil {
				// the channel must close right after an error
				_, open := <-ch
				assert.False(t, open, "chunk after error")
				return sb.String(), c.Err
			}
			sb.WriteString(c.Text)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestOllama_StreamsNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req OllamaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "llama3:latest", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0]["role"])
		}
		if assert.NotNil(t, req.Options) {
			assert.Equal(t, 1000, req.Options.NumPredict)
		}

		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hi"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer server.Close()

	client := NewOllama(server.URL+"/", 1000, server.Client())
	ch, err := client.StreamCompletion(context.Background(), testHistory, "llama3:latest")
	require.NoError(t, err)

	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
}

func TestOllama_StreamErrorLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"par"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	}))
	defer server.Close()

	ch, err := NewOllama(server.URL, 0, server.Client()).StreamCompletion(context.Background(), testHistory, "m:1")
	require.NoError(t, err)

	text, err := collect(t, ch)
	assert.Equal(t, "par", text)
	assert.ErrorContains(t, err, "model crashed")
}

func TestOllama_ListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[{"name":"llama3:latest","size":4700000000},{"name":"mistral:7b"}]}`)
	}))
	defer server.Close()

	models, err := NewOllama(server.URL, 0, server.Client()).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3:latest", models[0].Name)
}

func TestOpenAI_StreamsSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req OpenAIRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "gpt-4", req.Model)
		assert.Equal(t, 1000, req.MaxTokens)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n")
	}))
	defer server.Close()

	ch, err := NewOpenAI(server.URL, "sk-test", 1000, server.Client()).StreamCompletion(context.Background(), testHistory, "gpt-4")
	require.NoError(t, err)

	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
}

func TestOpenAI_RequiresKey(t *testing.T) {
	_, err := NewGrok("http://unused", "", 10, http.DefaultClient).StreamCompletion(context.Background(), testHistory, "grok-2")
	assert.ErrorContains(t, err, "Grok API key")
}

func TestOpenAI_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewOpenAI(server.URL, "k", 10, server.Client()).StreamCompletion(context.Background(), testHistory, "gpt-4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestOpenAI_CancelStopsStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewOpenAI(server.URL, "k", 10, server.Client()).StreamCompletion(ctx, testHistory, "gpt-4")
	require.NoError(t, err)

	first := <-ch
	require.NoError(t, first.Err)
	assert.Equal(t, "Hi", first.Text)

	cancel()
	_, err = collect(t, ch)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestAnthropic_StreamsEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req AnthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be brief", req.System)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "user", req.Messages[0].Role)
		}
		assert.Equal(t, 1000, req.MaxTokens)

		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Bon\"}}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"jour\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	ch, err := NewAnthropic(server.URL, "ak", 1000, server.Client()).StreamCompletion(context.Background(), testHistory, "claude-3-5-sonnet-latest")
	require.NoError(t, err)

	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", text)
}

func TestAnthropic_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	ch, err := NewAnthropic(server.URL, "ak", 10, server.Client()).StreamCompletion(context.Background(), testHistory, "claude-x")
	require.NoError(t, err)
	_, err = collect(t, ch)
	assert.ErrorContains(t, err, "Overloaded")
}

func newGatewayServer(t *testing.T, frames []GatewayFrame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req GatewayRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		assert.Equal(t, "local-model", req.Model)
		assert.Len(t, req.Messages, 2)

		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		// wait for the client to hang up
		conn.ReadMessage()
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestGateway_StreamsFrames(t *testing.T) {
	server := newGatewayServer(t, []GatewayFrame{{Delta: "one "}, {Delta: "two"}, {Done: true}})
	defer server.Close()

	gw, err := NewGateway(wsURL(server), 100, testLogger())
	require.NoError(t, err)

	ch, err := gw.StreamCompletion(context.Background(), testHistory, GatewayPrefix+"local-model")
	require.NoError(t, err)
	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "one two", text)
}

func TestGateway_ErrorFrame(t *testing.T) {
	server := newGatewayServer(t, []GatewayFrame{{Delta: "x"}, {Error: "upstream gone"}})
	defer server.Close()

	gw, err := NewGateway(wsURL(server), 100, testLogger())
	require.NoError(t, err)

	ch, err := gw.StreamCompletion(context.Background(), testHistory, GatewayPrefix+"local-model")
	require.NoError(t, err)
	text, err := collect(t, ch)
	assert.Equal(t, "x", text)
	assert.ErrorContains(t, err, "upstream gone")
}

func TestNewGateway_RejectsHTTPURL(t *testing.T) {
	_, err := NewGateway("http://example.com", 1, testLogger())
	assert.Error(t, err)
}

type fakeLister struct {
	models []OllamaModel
	err    error
	calls  int
}

func (f *fakeLister) ListModels(context.Context) ([]OllamaModel, error) {
	f.calls++
	return f.models, f.err
}

type fakeClient struct {
	name  string
	calls []string
}

func (f *fakeClient) StreamCompletion(ctx context.Context, history []session.Turn, modelID string) (<-chan Chunk, error) {
	f.calls = append(f.calls, modelID)
	ch := make(chan Chunk, 1)
	ch <- Chunk{Text: f.name}
	close(ch)
	return ch, nil
}

func TestRouter_BackendFor(t *testing.T) {
	lister := &fakeLister{models: []OllamaModel{{Name: "phi3"}}}
	r := NewRouter(NameOpenAI, lister, time.Hour, testLogger())

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4", NameOpenAI},
		{"gpt-4o-mini", NameOpenAI},
		{"o1-preview", NameOpenAI},
		{"claude-3-haiku", NameAnthropic},
		{"grok-beta", NameGrok},
		{"llama3:latest", NameOllama},
		{"gateway/anything", NameGateway},
		{"phi3", NameOllama},
		{"mystery", NameOpenAI},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, r.BackendFor(context.Background(), tt.model))
		})
	}
	assert.Equal(t, 1, lister.calls, "local models are cached")
}

func TestRouter_DispatchesToRegisteredClient(t *testing.T) {
	r := NewRouter(NameOllama, nil, time.Hour, testLogger())
	openai := &fakeClient{name: "openai"}
	r.Register(NameOpenAI, openai)

	ch, err := r.StreamCompletion(context.Background(), testHistory, "gpt-4")
	require.NoError(t, err)
	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "openai", text)
	assert.Equal(t, []string{"gpt-4"}, openai.calls)

	_, err = r.StreamCompletion(context.Background(), testHistory, "llama3:8b")
	assert.ErrorContains(t, err, "no ollama backend")
}

func TestRouter_ModelsToleratesListerFailure(t *testing.T) {
	r := NewRouter(NameOpenAI, &fakeLister{err: errors.New("connection refused")}, time.Hour, testLogger())
	models := r.Models(context.Background())
	assert.Len(t, models, len(BuiltinModels))
	assert.Equal(t, "gpt-4", models[0].ID)

	r = NewRouter(NameOpenAI, &fakeLister{models: []OllamaModel{{Name: "llama3:latest"}}}, time.Hour, testLogger())
	models = r.Models(context.Background())
	require.Len(t, models, len(BuiltinModels)+1)
	assert.Equal(t, NameOllama, models[len(models)-1].Backend)
}

type failingClient struct{ err error }

func (f failingClient) StreamCompletion(context.Context, []session.Turn, string) (<-chan Chunk, error) {
	ch := make(chan Chunk, 2)
	ch <- Chunk{Text: "a"}
	ch <- Chunk{Err: f.err}
	close(ch)
	return ch, nil
}

func TestInstrumented_PassesChunksThrough(t *testing.T) {
	boom := errors.New("boom")
	inst, err := NewInstrumented("test", failingClient{err: boom}, tracenoop.NewTracerProvider().Tracer("t"), metricnoop.NewMeterProvider().Meter("m"))
	require.NoError(t, err)

	ch, err := inst.StreamCompletion(context.Background(), testHistory, "m")
	require.NoError(t, err)
	text, err := collect(t, ch)
	assert.Equal(t, "a", text)
	assert.ErrorIs(t, err, boom)
}

func TestStreamingHTTPClient_StreamOutlivesTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 4; i++ {
			fmt.Fprintf(w, `{"message":{"content":"t%d "},"done":false}`+"\n", i)
			w.(http.Flusher).Flush()
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Fprintln(w, `{"message":{"content":""},"done":true}`)
	}))
	defer server.Close()

	client := NewOllama(server.URL, 0, NewStreamingHTTPClient(150*time.Millisecond))
	ch, err := client.StreamCompletion(context.Background(), testHistory, "m:1")
	require.NoError(t, err)

	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "t0 t1 t2 t3 ", text)
}

func TestStreamingHTTPClient_HeaderTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewOllama(server.URL, 0, NewStreamingHTTPClient(100*time.Millisecond))
	_, err := client.StreamCompletion(context.Background(), testHistory, "m:1")
	assert.Error(t, err)
}

func TestOllama_TruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"half an"},"done":false}`)
	}))
	defer server.Close()

	ch, err := NewOllama(server.URL, 0, server.Client()).StreamCompletion(context.Background(), testHistory, "m:1")
	require.NoError(t, err)

	text, err := collect(t, ch)
	assert.Equal(t, "half an", text)
	assert.ErrorIs(t, err, ErrStreamTruncated)
}

func TestOpenAI_TruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
	}))
	defer server.Close()

	ch, err := NewOpenAI(server.URL, "k", 10, server.Client()).StreamCompletion(context.Background(), testHistory, "gpt-4")
	require.NoError(t, err)

	text, err := collect(t, ch)
	assert.Equal(t, "Hi", text)
	assert.ErrorIs(t, err, ErrStreamTruncated)
}

func TestAnthropic_TruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
	}))
	defer server.Close()

	ch, err := NewAnthropic(server.URL, "ak", 10, server.Client()).StreamCompletion(context.Background(), testHistory, "claude-x")
	require.NoError(t, err)

	text, err := collect(t, ch)
	assert.Equal(t, "Hel", text)
	assert.ErrorIs(t, err, ErrStreamTruncated)
}

func TestGateway_ClosedWithoutDone(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req GatewayRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if err := conn.WriteJSON(GatewayFrame{Delta: "cut"}); err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.ReadMessage()
	}))
	defer server.Close()

	gw, err := NewGateway(wsURL(server), 100, testLogger())
	require.NoError(t, err)

	ch, err := gw.StreamCompletion(context.Background(), testHistory, GatewayPrefix+"local-model")
	require.NoError(t, err)
	text, err := collect(t, ch)
	assert.Equal(t, "cut", text)
	assert.ErrorIs(t, err, ErrStreamTruncated)
}
