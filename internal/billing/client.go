// Package billing talks to the cost estimation / balance service. The engine
// only ever asks one question: what would these proposed tool calls cost,
// and does the user's balance cover it.
package billing

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

const estimatePath = "/v1/credits/estimate"

// ProposedCall identifies one tool call to be priced.
type ProposedCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Estimate is the service's answer for a set of proposed calls.
type Estimate struct {
	// EstimatedCost is in credits; zero means the calls are free.
	EstimatedCost float64 `json:"estimatedCost"`

	// Balance is the user's current credit balance.
	Balance float64 `json:"balance"`

	// SufficientBalance reports whether Balance covers EstimatedCost.
	SufficientBalance bool `json:"sufficientBalance"`
}

// Client is the cost estimation service client.
type Client struct {
	endpoint string
	http     *http.Client
	retryCfg retry.Config
	log      zerolog.Logger
}

// NewClient creates a billing client for the backend base URL.
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
		log: log.With().Str("component", "billing").Logger(),
	}
}

// transientError marks a retryable service failure.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Estimate prices the proposed calls. Transient failures are retried with
// backoff; the caller decides what an unaffordable estimate means.
func (c *Client) Estimate(ctx context.Context, calls []ProposedCall) (Estimate, error) {
	payload, err := json.Marshal(map[string]any{"toolCalls": calls})
	if err != nil {
		return Estimate{}, fmt.Errorf("failed to encode estimate request: %w", err)
	}

	var est Estimate
	err = retry.Do(ctx, c.retryCfg, func() error {
		res, rerr := c.estimateOnce(ctx, payload)
		if rerr != nil {
			return rerr
		}
		est = res
		return nil
	}, func(err error) bool {
		_, transient := err.(*transientError)
		return transient
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("cost estimate failed: %w", err)
	}

	c.log.Debug().
		Float64("estimated_cost", est.EstimatedCost).
		Bool("sufficient", est.SufficientBalance).
		Int("calls", len(calls)).
		Msg("cost estimate resolved")
	return est, nil
}

func (c *Client) estimateOnce(ctx context.Context, payload []byte) (Estimate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+estimatePath, bytes.NewReader(payload))
	if err != nil {
		return Estimate{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Estimate{}, ctx.Err()
		}
		return Estimate{}, &transientError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Estimate{}, &transientError{err: fmt.Errorf("estimate service returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Estimate{}, fmt.Errorf("estimate service returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var est Estimate
	if err := json.NewDecoder(resp.Body).Decode(&est); err != nil {
		return Estimate{}, fmt.Errorf("malformed estimate response: %w", err)
	}
	return est, nil
}
