package chat

import (
	"fmt"
	"strings"

	"github.com/storyloom/storyloom/internal/display"
	"github.com/storyloom/storyloom/internal/lifecycle"
)

// render prints the reconstructed step timeline. The whole timeline is
// rebuilt from the transcript on every call, so the output always reflects
// the latest state of every tool call.
func (e *engine) render(steps []display.Step) {
	fmt.Println()
	for _, step := range steps {
		switch step.Kind {
		case display.StepUser:
			fmt.Printf("you> %s\n", step.Text)

		case display.StepReasoning:
			for _, line := range strings.Split(strings.TrimRight(step.Text, "\n"), "\n") {
				fmt.Printf("  · %s\n", line)
			}

		case display.StepContent:
			suffix := ""
			if step.Interrupted {
				suffix = " ⏸"
			}
			fmt.Printf("assistant> %s%s\n", step.Text, suffix)

		case display.StepToolCalls:
			e.renderToolCard(step)
		}
	}
	fmt.Println()
}

func (e *engine) renderToolCard(step display.Step) {
	if step.Batch {
		fmt.Printf("  tools [%s]\n", statusLabel(step.Status))
	}
	for _, call := range step.ToolCalls {
		indent := "  "
		if step.Batch {
			indent = "    "
		}
		fmt.Printf("%s%s %s (%s) [%s]\n", indent, call.ID, call.DisplayName, call.Category, statusLabel(call.Status))
		if call.ErrorCode != "" {
			fmt.Printf("%s  error: %s\n", indent, call.ErrorCode)
		}
	}
}

func statusLabel(status lifecycle.Status) string {
	switch status {
	case lifecycle.StatusAwaitingConfirmation:
		return "awaiting approval"
	case lifecycle.StatusExecuting:
		return "running"
	case lifecycle.StatusCompleted:
		return "done"
	case lifecycle.StatusFailed:
		return "failed"
	case lifecycle.StatusRejected:
		return "rejected"
	default:
		return string(status)
	}
}
