// Package lifecycle derives tool-call status from the transcript. Status is
// intentionally never stored: it is recomputed from an immutable snapshot on
// every transcript change, so there is exactly one source of truth.
package lifecycle

import (
	"github.com/storyloom/storyloom/internal/tools"
	"github.com/storyloom/storyloom/internal/transcript"
)

// Status is the derived lifecycle state of one tool call.
type Status string

const (
	// StatusNone means the call id does not appear in the transcript.
	StatusNone Status = "none"

	// StatusExecuting means the call was dispatched and no result has
	// arrived yet.
	StatusExecuting Status = "executing"

	// StatusAwaitingConfirmation means the call is paused for human
	// approval.
	StatusAwaitingConfirmation Status = "awaiting_confirmation"

	// StatusCompleted means the call finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed means the call finished with an error.
	StatusFailed Status = "failed"

	// StatusRejected means the user declined the call.
	StatusRejected Status = "rejected"
)

// CodeUnparseableResult marks a FAILED resolution caused by a malformed tool
// result payload rather than a reported tool error.
const CodeUnparseableResult = "unparseable_result"

// Resolution is the outcome of resolving one tool call.
type Resolution struct {
	Status Status

	// Code carries a distinguished error code for some failures.
	Code string
}

// Resolve computes the status of the tool call with the given id. It is
// referentially pure: the same snapshot and id always yield the same
// resolution.
//
// A call with a matching tool-role response resolves from the response
// payload. A call without a response resolves to AWAITING_CONFIRMATION only
// when the registry requires confirmation and the call belongs to the most
// recent assistant message; a confirmable call stranded in an older message
// was abandoned by an overriding turn and resolves to REJECTED.
func Resolve(snap transcript.Snapshot, reg tools.Registry, toolCallID string) Resolution {
	owner, call, ok := snap.FindToolCall(toolCallID)
	if !ok {
		return Resolution{Status: StatusNone}
	}

	if resp, ok := snap.ToolResponse(toolCallID); ok {
		return resolveFromResponse(resp)
	}

	info, known := reg.Lookup(call.Name)
	if !known || !info.NeedsConfirmation {
		return Resolution{Status: StatusExecuting}
	}

	if last, ok := snap.LastAssistant(); ok && last.ID == owner.ID {
		return Resolution{Status: StatusAwaitingConfirmation}
	}
	return Resolution{Status: StatusRejected}
}

// resolveFromResponse maps a tool message payload to a terminal status. A
// malformed payload is never silently treated as success.
func resolveFromResponse(resp transcript.Message) Resolution {
	payload, err := transcript.ParseToolResult(resp.Content)
	if err != nil {
		return Resolution{Status: StatusFailed, Code: CodeUnparseableResult}
	}
	switch {
	case payload.Rejected:
		return Resolution{Status: StatusRejected}
	case payload.Success:
		return Resolution{Status: StatusCompleted}
	default:
		return Resolution{Status: StatusFailed}
	}
}

// Aggregate folds the statuses of a batch into one card-level status:
// awaiting confirmation dominates, then failure; a batch resolves COMPLETED
// once every item is terminal (completed or rejected) with at least one
// completion, REJECTED when everything was declined, and EXECUTING
// otherwise.
func Aggregate(rs []Resolution) Status {
	if len(rs) == 0 {
		return StatusNone
	}

	completed, rejected := 0, 0
	for _, r := range rs {
		switch r.Status {
		case StatusAwaitingConfirmation:
			return StatusAwaitingConfirmation
		case StatusFailed:
			return StatusFailed
		case StatusCompleted:
			completed++
		case StatusRejected:
			rejected++
		}
	}

	switch {
	case rejected == len(rs):
		return StatusRejected
	case completed+rejected == len(rs):
		return StatusCompleted
	default:
		return StatusExecuting
	}
}
