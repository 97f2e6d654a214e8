// Package convosvc is the conversation persistence service client. The
// engine uses it to mint durable conversation ids, keep titles in sync and
// publish the derived conversation status.
package convosvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/retry"
)

const conversationsPath = "/v1/conversations"

// Status is the conversation-level view derived from the transcript's pause
// state.
type Status string

const (
	StatusActive           Status = "active"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
)

// Conversation is a persisted conversation record.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Status         Status    `json:"status"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Client talks to the conversation persistence service.
type Client struct {
	endpoint string
	http     *http.Client
	retryCfg retry.Config
	log      zerolog.Logger
}

// NewClient creates a conversation service client for the backend base URL.
func NewClient(endpoint string, log zerolog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
		retryCfg: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Jitter:         0.2,
		},
		log: log.With().Str("component", "convosvc").Logger(),
	}
}

// Create mints a new conversation record. Conversations are created lazily
// on first send, not when the user merely opens an empty chat.
func (c *Client) Create(ctx context.Context, title string) (Conversation, error) {
	var conv Conversation
	err := c.do(ctx, http.MethodPost, conversationsPath, map[string]any{"title": title}, &conv)
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	c.log.Debug().Str("conversation_id", conv.ID).Msg("conversation created")
	return conv, nil
}

// Get reads a conversation record.
func (c *Client) Get(ctx context.Context, id string) (Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, conversationsPath+"/"+id, nil, &conv); err != nil {
		return Conversation{}, fmt.Errorf("failed to read conversation %s: %w", id, err)
	}
	return conv, nil
}

// Update patches the mutable fields of a conversation record. Zero values
// are left untouched by the service.
func (c *Client) Update(ctx context.Context, id string, title string, status Status) error {
	body := map[string]any{}
	if title != "" {
		body["title"] = title
	}
	if status != "" {
		body["status"] = status
	}
	if len(body) == 0 {
		return nil
	}
	if err := c.do(ctx, http.MethodPatch, conversationsPath+"/"+id, body, nil); err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	return nil
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	return retry.Do(ctx, c.retryCfg, func() error {
		return c.doOnce(ctx, method, path, payload, out)
	}, func(err error) bool {
		_, transient := err.(*transientError)
		return transient
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &transientError{err: fmt.Errorf("conversation service returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("conversation service returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("malformed conversation response: %w", err)
		}
	}
	return nil
}
