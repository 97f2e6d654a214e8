package stream

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsTransport opens the stream over a WebSocket. The payload is written as
// the first message; each subsequent text message from the server carries
// one or more NDJSON event lines, identical to the HTTP body format.
type wsTransport struct {
	endpoint string
	dialer   *websocket.Dialer
	log      zerolog.Logger
}

func newWSTransport(endpoint string, log zerolog.Logger) *wsTransport {
	return &wsTransport{
		endpoint: endpoint,
		dialer:   websocket.DefaultDialer,
		log:      log,
	}
}

func (t *wsTransport) Open(ctx context.Context, payload any) (io.ReadCloser, error) {
	wsURL, err := toWebSocketURL(t.endpoint)
	if err != nil {
		return nil, err
	}

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCanceled
		}
		if resp != nil {
			return nil, &NetworkError{Err: fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)}
		}
		return nil, &NetworkError{Err: err}
	}

	if err := conn.WriteJSON(payload); err != nil {
		_ = conn.Close()
		return nil, &NetworkError{Err: fmt.Errorf("failed to send stream request: %w", err)}
	}

	return &wsStream{conn: conn}, nil
}

// toWebSocketURL rewrites the configured HTTP endpoint to its ws equivalent.
func toWebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid stream endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + streamPath
	return u.String(), nil
}

// wsStream adapts a websocket connection to the io.ReadCloser the consumer
// expects, appending a newline after each message so line splitting works
// the same as over HTTP.
type wsStream struct {
	conn     *websocket.Conn
	leftover []byte
}

func (w *wsStream) Read(p []byte) (int, error) {
	if len(w.leftover) == 0 {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		w.leftover = data
	}

	n := copy(p, w.leftover)
	w.leftover = w.leftover[n:]
	return n, nil
}

func (w *wsStream) Close() error {
	// Best effort: tell the peer we are going away before tearing down.
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}
