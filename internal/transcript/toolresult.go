package transcript

import (
	"encoding/json"
	"fmt"
)

// ToolResultPayload is the canonical content format of tool-role messages.
// Both the stream consumer (server results) and the approval controller
// (locally synthesized rejections) write it; lifecycle resolution reads it.
type ToolResultPayload struct {
	Success  bool            `json:"success"`
	Rejected bool            `json:"rejected,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Encode renders the payload as the JSON content of a tool message.
func (p ToolResultPayload) Encode() string {
	data, err := json.Marshal(p)
	if err != nil {
		// Marshaling a struct of scalars and raw JSON cannot fail unless
		// Result holds invalid raw bytes; fall back to a bare failure.
		return `{"success":false,"error":"unencodable tool result"}`
	}
	return string(data)
}

// ParseToolResult decodes a tool message's content.
func ParseToolResult(content string) (ToolResultPayload, error) {
	var p ToolResultPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return ToolResultPayload{}, fmt.Errorf("malformed tool result payload: %w", err)
	}
	return p, nil
}

// RejectionPayload builds the payload synthesized for a declined tool call.
func RejectionPayload(reason string) ToolResultPayload {
	if reason == "" {
		reason = "Rejected by user"
	}
	return ToolResultPayload{Success: false, Rejected: true, Message: reason}
}
