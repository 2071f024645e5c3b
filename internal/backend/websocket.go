package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gorilla/websocket"

	"StreamChat/internal/session"
)

// GatewayPrefix marks model IDs served by the WebSocket gateway
const GatewayPrefix = "gateway/"

// GatewayRequest is the first frame sent on a gateway connection
type GatewayRequest struct {
	Model     string              `json:"model"`
	Messages  []map[string]string `json:"messages"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// GatewayFrame is one frame received from the gateway. Exactly one of the
// fields is expected to be set.
type GatewayFrame struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

// Gateway streams completions from a remote gateway over WebSocket.
// Each completion uses its own connection.
type Gateway struct {
	url       string
	maxTokens int
	dialer    *websocket.Dialer
	logger    *slog.Logger
}

// NewGateway creates a gateway client for a ws:// or wss:// URL
func NewGateway(url string, maxTokens int, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("gateway url must use ws:// or wss://, got %q", url)
	}
	return &Gateway{
		url:       url,
		maxTokens: maxTokens,
		dialer:    websocket.DefaultDialer,
		logger:    logger,
	}, nil
}

func (g *Gateway) StreamCompletion(ctx context.Context, history []session.Turn, modelID string) (<-chan Chunk, error) {
	conn, _, err := g.dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	request := GatewayRequest{
		Model:     strings.TrimPrefix(modelID, GatewayPrefix),
		Messages:  toMessages(history),
		MaxTokens: g.maxTokens,
	}
	if err := conn.WriteJSON(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	out := make(chan Chunk, chunkBuffer)
	go g.stream(ctx, conn, out)
	return out, nil
}

func (g *Gateway) stream(ctx context.Context, conn *websocket.Conn, out chan<- Chunk) {
	defer close(out)

	// closing the connection unblocks ReadJSON on cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		if stop() {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}
	}()

	for {
		var frame GatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				fail(ctx, out, fmt.Errorf("gateway: %w", ErrStreamTruncated))
				return
			}
			fail(ctx, out, fmt.Errorf("failed to read frame: %w", err))
			return
		}

		if frame.Error != "" {
			fail(ctx, out, fmt.Errorf("gateway error: %s", frame.Error))
			return
		}
		if frame.Delta != "" {
			if !emit(ctx, out, Chunk{Text: frame.Delta}) {
				return
			}
		}
		if frame.Done {
			g.logger.Debug("gateway stream finished", "url", g.url)
			return
		}
	}
}
