package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// streamPath is the backend endpoint serving both send and resume requests.
const streamPath = "/v1/assistant/stream"

// SendRequest starts a new turn.
type SendRequest struct {
	Message        string         `json:"message"`
	Context        map[string]any `json:"context,omitempty"`
	ConversationID string         `json:"conversationId"`
}

// ResumeValue carries the human's decision for a paused turn. It holds
// enough to reconstruct intent from a cold start: the backend needs no
// client-side coroutine state to continue.
type ResumeValue struct {
	Approved            bool                       `json:"approved"`
	ModifiedParams      map[string]json.RawMessage `json:"modifiedParams,omitempty"`
	Feedback            string                     `json:"feedback,omitempty"`
	DisabledToolCallIDs []string                   `json:"disabledToolCallIds,omitempty"`
}

// ResumeRequest continues a paused turn.
type ResumeRequest struct {
	ResumeConversationID string      `json:"resumeConversationId"`
	ResumeValue          ResumeValue `json:"resumeValue"`
}

// Transport opens a raw event stream for a request payload.
type Transport interface {
	Open(ctx context.Context, payload any) (io.ReadCloser, error)
}

// Client issues send and resume calls and returns their event streams.
type Client struct {
	transport Transport
	log       zerolog.Logger
}

// NewClient builds a Client for the given endpoint. transport selects
// between "http" (default) and "websocket".
func NewClient(endpoint, transport string, log zerolog.Logger) *Client {
	clog := log.With().Str("component", "stream-client").Logger()
	var t Transport
	switch transport {
	case "websocket":
		t = newWSTransport(endpoint, clog)
	default:
		t = newHTTPTransport(endpoint)
	}
	return &Client{transport: t, log: clog}
}

// NewClientWithTransport builds a Client over a caller-supplied transport.
func NewClientWithTransport(t Transport, log zerolog.Logger) *Client {
	return &Client{transport: t, log: log.With().Str("component", "stream-client").Logger()}
}

// Send starts a new turn and returns its event stream.
func (c *Client) Send(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	c.log.Debug().Str("conversation_id", req.ConversationID).Msg("sending message")
	return c.transport.Open(ctx, req)
}

// Resume continues a paused turn and returns its event stream.
func (c *Client) Resume(ctx context.Context, req ResumeRequest) (io.ReadCloser, error) {
	c.log.Debug().
		Str("conversation_id", req.ResumeConversationID).
		Bool("approved", req.ResumeValue.Approved).
		Int("disabled", len(req.ResumeValue.DisabledToolCallIDs)).
		Msg("resuming conversation")
	return c.transport.Open(ctx, req)
}

// httpTransport POSTs the payload and streams the response body.
type httpTransport struct {
	endpoint string
	client   *http.Client
}

func newHTTPTransport(endpoint string) *httpTransport {
	return &httpTransport{
		endpoint: endpoint,
		// No overall client timeout: the body is a long-lived stream and
		// the consumer's watchdog bounds it instead.
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

func (t *httpTransport) Open(ctx context.Context, payload any) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCanceled
		}
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, &NetworkError{Err: fmt.Errorf("stream endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))}
	}

	return resp.Body, nil
}
