// Package transcript holds the in-memory conversation log. The Store is the
// single source of truth for a conversation's state; everything else in the
// engine derives from its snapshots.
package transcript

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured request from the assistant to invoke a named
// side-effecting function.
type ToolCall struct {
	// ID uniquely identifies the call. Tool results are matched back to
	// calls by this id, never by position.
	ID string

	// Name is the function name as known to the tool registry.
	Name string

	// Arguments is the JSON-encoded argument payload.
	Arguments string
}

// Message is one entry in the transcript.
type Message struct {
	// ID is unique and stable across reconnects.
	ID string

	Role Role

	// Content is the accumulated text. May be empty while streaming.
	Content string

	// Reasoning is the optional thinking side-channel, independent of
	// Content.
	Reasoning string

	// ToolCalls are the calls attached to an assistant message, in
	// proposal order.
	ToolCalls []ToolCall

	// ToolCallID links a tool-role message back to the originating call.
	ToolCallID string

	// Streaming is true while content or tool calls may still grow.
	Streaming bool

	// Interrupted marks a turn that was paused and later abandoned or
	// overridden rather than resumed.
	Interrupted bool

	CreatedAt time.Time
}

// HasToolCall reports whether the message carries a tool call with the
// given id.
func (m *Message) HasToolCall(id string) bool {
	for _, tc := range m.ToolCalls {
		if tc.ID == id {
			return true
		}
	}
	return false
}
