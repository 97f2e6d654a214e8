package transcript

// Snapshot is an immutable copy of the transcript at a point in time.
// Derivations (lifecycle resolution, display reconstruction, pending-approval
// capture) all read snapshots rather than the live Store.
type Snapshot struct {
	Version  uint64
	Messages []Message
}

// Message returns the message with the given id.
func (s Snapshot) Message(id string) (Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// LastAssistant returns the most recent assistant message.
func (s Snapshot) LastAssistant() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// FindToolCall locates a tool call by id along with its containing assistant
// message.
func (s Snapshot) FindToolCall(id string) (Message, ToolCall, bool) {
	for _, m := range s.Messages {
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == id {
				return m, tc, true
			}
		}
	}
	return Message{}, ToolCall{}, false
}

// ToolResponse returns the tool-role message answering the given call id.
func (s Snapshot) ToolResponse(toolCallID string) (Message, bool) {
	for _, m := range s.Messages {
		if m.Role == RoleTool && m.ToolCallID == toolCallID {
			return m, true
		}
	}
	return Message{}, false
}

// StreamingMessage returns the currently streaming message, if any.
func (s Snapshot) StreamingMessage() (Message, bool) {
	for _, m := range s.Messages {
		if m.Streaming {
			return m, true
		}
	}
	return Message{}, false
}
