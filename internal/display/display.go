// Package display reconstructs a render-ready step timeline from the
// transcript. Build is pure and side-effect free; it is safe to call on
// every transcript mutation.
package display

import (
	"github.com/storyloom/storyloom/internal/lifecycle"
	"github.com/storyloom/storyloom/internal/tools"
	"github.com/storyloom/storyloom/internal/transcript"
)

// StepKind discriminates timeline steps.
type StepKind string

const (
	// StepUser is a user message.
	StepUser StepKind = "user"

	// StepReasoning is the thinking side-channel of an assistant message.
	StepReasoning StepKind = "reasoning"

	// StepContent is the assistant message text.
	StepContent StepKind = "content"

	// StepToolCalls is a single or batched tool-call card.
	StepToolCalls StepKind = "tool_calls"
)

// ToolCallView is one tool call prepared for rendering.
type ToolCallView struct {
	ID          string
	Name        string
	DisplayName string
	Category    string
	Arguments   string
	Status      lifecycle.Status
	ErrorCode   string
}

// Step is one entry of the render timeline.
type Step struct {
	Kind      StepKind
	MessageID string

	// Text carries user content, reasoning text or assistant content
	// depending on Kind.
	Text string

	// Streaming mirrors the owning message while it may still grow.
	Streaming bool

	// Interrupted marks steps of an abandoned turn.
	Interrupted bool

	// ToolCalls is populated for StepToolCalls.
	ToolCalls []ToolCallView

	// Batch is true when the card aggregates more than one call.
	Batch bool

	// Status is the call status for single cards, or the aggregated
	// batch status.
	Status lifecycle.Status
}

// Build maps the transcript into ordered steps. For each assistant message
// it emits, in this fixed order: a reasoning step, a content step, then one
// tool-call step; each only when present. Tool-role messages contribute to
// card statuses rather than appearing directly.
func Build(snap transcript.Snapshot, reg tools.Registry) []Step {
	var steps []Step

	for _, msg := range snap.Messages {
		switch msg.Role {
		case transcript.RoleUser:
			steps = append(steps, Step{
				Kind:      StepUser,
				MessageID: msg.ID,
				Text:      msg.Content,
			})

		case transcript.RoleAssistant:
			steps = append(steps, assistantSteps(snap, reg, msg)...)
		}
	}

	return steps
}

func assistantSteps(snap transcript.Snapshot, reg tools.Registry, msg transcript.Message) []Step {
	var steps []Step

	if msg.Reasoning != "" {
		steps = append(steps, Step{
			Kind:        StepReasoning,
			MessageID:   msg.ID,
			Text:        msg.Reasoning,
			Streaming:   msg.Streaming,
			Interrupted: msg.Interrupted,
		})
	}

	if msg.Content != "" {
		steps = append(steps, Step{
			Kind:        StepContent,
			MessageID:   msg.ID,
			Text:        msg.Content,
			Streaming:   msg.Streaming,
			Interrupted: msg.Interrupted,
		})
	}

	if len(msg.ToolCalls) == 0 {
		return steps
	}

	views := make([]ToolCallView, 0, len(msg.ToolCalls))
	resolutions := make([]lifecycle.Resolution, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		res := lifecycle.Resolve(snap, reg, tc.ID)
		resolutions = append(resolutions, res)

		view := ToolCallView{
			ID:          tc.ID,
			Name:        tc.Name,
			DisplayName: tc.Name,
			Arguments:   tc.Arguments,
			Status:      res.Status,
			ErrorCode:   res.Code,
		}
		if info, ok := reg.Lookup(tc.Name); ok {
			view.DisplayName = info.DisplayName
			view.Category = info.Category
		}
		views = append(views, view)
	}

	card := Step{
		Kind:        StepToolCalls,
		MessageID:   msg.ID,
		Interrupted: msg.Interrupted,
		ToolCalls:   views,
	}
	if len(views) == 1 {
		card.Status = views[0].Status
	} else {
		card.Batch = true
		card.Status = lifecycle.Aggregate(resolutions)
	}

	return append(steps, card)
}
