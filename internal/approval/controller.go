// Package approval implements the interrupt/resume controller: it captures
// the confirmable tool calls of a paused turn, lets the caller disable or
// edit individual calls, and drives the approve/reject resume paths. Local
// rejection messages are synthesized into the transcript so the decision is
// visible immediately, independent of the network.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/storyloom/storyloom/internal/billing"
	"github.com/storyloom/storyloom/internal/stream"
	"github.com/storyloom/storyloom/internal/tools"
	"github.com/storyloom/storyloom/internal/transcript"
)

// ResumeFunc continues the paused turn on the backend with the caller's
// decision and consumes the resulting stream. The controller never talks to
// the network itself; the session layer supplies this.
type ResumeFunc func(ctx context.Context, value stream.ResumeValue) error

// PendingCall is one confirmable tool call captured from a paused turn.
type PendingCall struct {
	ID          string
	Name        string
	DisplayName string
	Category    string

	// Arguments holds the current argument payload, including any user
	// edits. Original preserves the model's proposal for diffing.
	Arguments json.RawMessage
	Original  json.RawMessage

	// Disabled excludes the call from execution when the rest of the
	// batch is approved.
	Disabled bool

	// Edited reports whether Arguments differs from Original.
	Edited bool
}

// Pending is a read-only view of the captured approval batch.
type Pending struct {
	AssistantMessageID string
	Calls              []PendingCall
}

// Enabled returns the calls that are still in the batch.
func (p Pending) Enabled() []PendingCall {
	var out []PendingCall
	for _, c := range p.Calls {
		if !c.Disabled {
			out = append(out, c)
		}
	}
	return out
}

// Controller is the per-conversation interrupt/resume state machine. It is
// either Active (no pending batch) or AwaitingApproval (pending != nil).
type Controller struct {
	store *transcript.Store
	reg   tools.Registry
	log   zerolog.Logger

	mu      sync.Mutex
	pending *pendingState
}

type pendingState struct {
	assistantMessageID string
	calls              []*PendingCall

	// feedbackAppended guards against duplicating the feedback user
	// message when a failed resume is retried.
	feedbackAppended bool
}

// NewController builds an approval controller over the transcript store.
func NewController(store *transcript.Store, reg tools.Registry, log zerolog.Logger) *Controller {
	return &Controller{
		store: store,
		reg:   reg,
		log:   log.With().Str("component", "approval").Logger(),
	}
}

// Capture transitions to AwaitingApproval by collecting the confirmable
// tool calls of the interrupted assistant message. A batch already pending
// from an earlier interrupt is first resolved as rejected so it cannot be
// silently lost.
func (c *Controller) Capture(assistantMessageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil && c.pending.assistantMessageID != assistantMessageID {
		c.log.Warn().
			Str("superseded", c.pending.assistantMessageID).
			Msg("new interrupt supersedes pending approval; rejecting stale batch")
		c.rejectAllLocked("Superseded by a newer request")
		c.pending = nil
	}

	snap := c.store.Snapshot()
	msg, ok := snap.Message(assistantMessageID)
	if !ok {
		return fmt.Errorf("interrupted message %s not in transcript", assistantMessageID)
	}

	state := &pendingState{assistantMessageID: assistantMessageID}
	for _, tc := range msg.ToolCalls {
		info, known := c.reg.Lookup(tc.Name)
		if !known || !info.NeedsConfirmation {
			continue
		}
		if _, responded := snap.ToolResponse(tc.ID); responded {
			continue
		}
		args := json.RawMessage(tc.Arguments)
		state.calls = append(state.calls, &PendingCall{
			ID:          tc.ID,
			Name:        tc.Name,
			DisplayName: info.DisplayName,
			Category:    info.Category,
			Arguments:   args,
			Original:    args,
		})
	}
	if len(state.calls) == 0 {
		return fmt.Errorf("interrupted message %s has no confirmable tool calls", assistantMessageID)
	}

	c.pending = state
	c.log.Info().
		Str("assistant_message_id", assistantMessageID).
		Int("calls", len(state.calls)).
		Msg("approval pending")
	return nil
}

// Pending returns the current batch, if any.
func (c *Controller) Pending() (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return Pending{}, false
	}
	return c.pendingViewLocked(), true
}

func (c *Controller) pendingViewLocked() Pending {
	view := Pending{AssistantMessageID: c.pending.assistantMessageID}
	for _, call := range c.pending.calls {
		view.Calls = append(view.Calls, *call)
	}
	return view
}

// Disable excludes a call from the batch before approval.
func (c *Controller) Disable(toolCallID string) error {
	return c.setDisabled(toolCallID, true)
}

// Enable returns a previously disabled call to the batch.
func (c *Controller) Enable(toolCallID string) error {
	return c.setDisabled(toolCallID, false)
}

func (c *Controller) setDisabled(toolCallID string, disabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, err := c.findLocked(toolCallID)
	if err != nil {
		return err
	}
	call.Disabled = disabled
	return nil
}

// EditParams replaces a pending call's argument payload with a user-edited
// one. The payload must be a JSON object and must satisfy the tool's
// argument schema; edits invalidate any cost estimate computed for the
// batch.
func (c *Controller) EditParams(toolCallID string, params json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return fmt.Errorf("edited parameters must be a JSON object: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	call, err := c.findLocked(toolCallID)
	if err != nil {
		return err
	}
	if info, known := c.reg.Lookup(call.Name); known {
		if err := tools.ValidateArguments(info, params); err != nil {
			return fmt.Errorf("edited parameters rejected by the %s schema: %w", call.Name, err)
		}
	}
	call.Arguments = append(json.RawMessage(nil), params...)
	call.Edited = !bytes.Equal(canonicalJSON(call.Arguments), canonicalJSON(call.Original))
	return nil
}

func (c *Controller) findLocked(toolCallID string) (*PendingCall, error) {
	if c.pending == nil {
		return nil, fmt.Errorf("no approval pending")
	}
	for _, call := range c.pending.calls {
		if call.ID == toolCallID {
			return call, nil
		}
	}
	return nil, fmt.Errorf("tool call %s is not part of the pending approval", toolCallID)
}

// EstimateKey fingerprints the enabled calls and their current arguments.
// Any edit, disable or re-enable changes the key, which callers use to
// detect that a resolved cost estimate has gone stale.
func (c *Controller) EstimateKey() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return 0
	}
	h := xxh3.New()
	for _, call := range c.pending.calls {
		if call.Disabled {
			continue
		}
		_, _ = h.WriteString(call.ID)
		_, _ = h.Write(canonicalJSON(call.Arguments))
	}
	return h.Sum64()
}

// ProposedCalls returns the enabled calls in billing form, for estimation.
func (c *Controller) ProposedCalls() []billing.ProposedCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return nil
	}
	var calls []billing.ProposedCall
	for _, call := range c.pending.calls {
		if call.Disabled {
			continue
		}
		calls = append(calls, billing.ProposedCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
	}
	return calls
}

// Approve resumes the turn with the enabled calls approved. Disabled calls
// travel in the payload as disabled ids and are synthesized locally as
// rejections so they resolve deterministically. If the resume call fails
// the batch stays pending and Approve can be retried.
func (c *Controller) Approve(ctx context.Context, resume ResumeFunc) error {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return fmt.Errorf("no approval pending")
	}
	if len(c.enabledLocked()) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("every call in the batch is disabled; use reject instead")
	}

	state := c.pending
	value := stream.ResumeValue{Approved: true}
	for _, call := range c.pending.calls {
		switch {
		case call.Disabled:
			value.DisabledToolCallIDs = append(value.DisabledToolCallIDs, call.ID)
			c.synthesizeRejectionLocked(call.ID, call.Name, "Disabled by user")
		case call.Edited:
			if value.ModifiedParams == nil {
				value.ModifiedParams = make(map[string]json.RawMessage)
			}
			value.ModifiedParams[call.ID] = call.Arguments
		}
	}
	c.mu.Unlock()

	if err := resume(ctx, value); err != nil {
		return fmt.Errorf("failed to resume after approval: %w", err)
	}

	c.clearIfCurrent(state)
	return nil
}

// Reject declines the whole batch. Each call gets a locally synthesized
// rejection message, then the turn resumes with approved=false. A non-empty
// feedback string is appended as a user message first, so it becomes
// context for the next assistant turn.
func (c *Controller) Reject(ctx context.Context, feedback string, resume ResumeFunc) error {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return fmt.Errorf("no approval pending")
	}
	state := c.pending
	c.rejectAllLocked("")
	appendFeedback := feedback != "" && !c.pending.feedbackAppended
	if appendFeedback {
		c.pending.feedbackAppended = true
	}
	c.mu.Unlock()

	if appendFeedback {
		c.store.Append(transcript.Message{
			ID:        uuid.NewString(),
			Role:      transcript.RoleUser,
			Content:   feedback,
			CreatedAt: time.Now().UTC(),
		})
	}

	value := stream.ResumeValue{Approved: false, Feedback: feedback}
	if err := resume(ctx, value); err != nil {
		return fmt.Errorf("failed to resume after rejection: %w", err)
	}

	c.clearIfCurrent(state)
	return nil
}

// ResolveDangling implicitly rejects the pending batch without resuming.
// Called when the user sends a fresh message while an approval is pending;
// the new turn supersedes the paused one, but the rejection must still be
// recorded rather than silently dropped.
func (c *Controller) ResolveDangling() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return
	}
	c.rejectAllLocked("Superseded by a new message")
	c.pending = nil
}

// Clear drops the pending batch. Called when a resumed turn completes.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

func (c *Controller) enabledLocked() []*PendingCall {
	var out []*PendingCall
	for _, call := range c.pending.calls {
		if !call.Disabled {
			out = append(out, call)
		}
	}
	return out
}

func (c *Controller) rejectAllLocked(reason string) {
	for _, call := range c.pending.calls {
		c.synthesizeRejectionLocked(call.ID, call.Name, reason)
	}
}

// synthesizeRejectionLocked appends a tool-role rejection message for the
// call unless one already exists. The existence check makes rejection
// idempotent: retries and repeated invocations never produce a second tool
// message for the same id.
func (c *Controller) synthesizeRejectionLocked(toolCallID, toolName, reason string) {
	if _, exists := c.store.Snapshot().ToolResponse(toolCallID); exists {
		return
	}
	c.store.Append(transcript.Message{
		ID:         uuid.NewString(),
		Role:       transcript.RoleTool,
		ToolCallID: toolCallID,
		Content:    transcript.RejectionPayload(reason).Encode(),
		CreatedAt:  time.Now().UTC(),
	})
	c.log.Debug().Str("tool_call_id", toolCallID).Str("tool", toolName).Msg("rejection synthesized")
}

// clearIfCurrent drops the batch that was just resumed. The resumed stream
// may itself interrupt and capture a fresh batch before the resume call
// returns; the identity check keeps that batch armed.
func (c *Controller) clearIfCurrent(state *pendingState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == state {
		c.pending = nil
	}
}

// canonicalJSON re-marshals a payload so that formatting differences do not
// register as edits or estimate-key changes. Invalid payloads are returned
// as-is.
func canonicalJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
