// Package stream consumes the assistant event stream and turns it into
// transcript mutations. The wire protocol is newline-delimited JSON, one
// event per line, produced by the backend for both send and resume calls.
package stream

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventUserMessageID echoes the id assigned to the just-submitted
	// user message.
	EventUserMessageID EventType = "user_message_id"

	// EventAssistantMessageID begins a new (or resumed) assistant message.
	EventAssistantMessageID EventType = "assistant_message_id"

	// EventContentDelta appends a text fragment to the current assistant
	// message content.
	EventContentDelta EventType = "content_delta"

	// EventReasoningDelta appends to the reasoning side-channel.
	EventReasoningDelta EventType = "reasoning_delta"

	// EventToolCallStart proposes a new tool call.
	EventToolCallStart EventType = "tool_call_start"

	// EventToolCallEnd reports a finished tool call, matched by id.
	EventToolCallEnd EventType = "tool_call_end"

	// EventInterrupt pauses the stream; the current message awaits
	// approval.
	EventInterrupt EventType = "interrupt"

	// EventComplete ends the turn normally.
	EventComplete EventType = "complete"

	// EventError reports an unrecoverable stream error.
	EventError EventType = "error"
)

// ToolCallStart carries a proposed tool call.
type ToolCallStart struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallEnd carries a finished tool call result.
type ToolCallEnd struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event is one decoded line of the stream.
type Event struct {
	Type       EventType      `json:"type"`
	ID         string         `json:"id,omitempty"`
	Delta      string         `json:"delta,omitempty"`
	ToolCall   *ToolCallStart `json:"tool_call,omitempty"`
	ToolResult *ToolCallEnd   `json:"tool_result,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// parseEvent decodes a single line. Each line is parsed independently; a
// failure here is logged and skipped by the consumer, never fatal.
func parseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("malformed event line: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("event line missing type")
	}
	switch ev.Type {
	case EventToolCallStart:
		if ev.ToolCall == nil || ev.ToolCall.ID == "" {
			return Event{}, fmt.Errorf("tool_call_start missing tool call id")
		}
	case EventToolCallEnd:
		if ev.ToolResult == nil || ev.ToolResult.ID == "" {
			return Event{}, fmt.Errorf("tool_call_end missing tool call id")
		}
	case EventUserMessageID, EventAssistantMessageID:
		if ev.ID == "" {
			return Event{}, fmt.Errorf("%s missing id", ev.Type)
		}
	}
	return ev, nil
}
