package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/storyloom/storyloom/internal/stream"
)

// repl runs the interactive loop until the user exits.
func (e *engine) repl(ctx context.Context, dataDir string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(dataDir, "chat_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "/exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer func() { _ = rl.Close() }()

	fmt.Println("Storyloom assistant. Type a message, or /help for commands.")
	if id := e.session.ConversationID(); id != "" {
		fmt.Printf("Continuing %q (%s)\n", e.session.Title(), id)
		e.render(e.session.Steps())
	}
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				e.session.Cancel()
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("readline error: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			exit, err := e.handleCommand(ctx, line)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
			}
			if exit {
				return nil
			}
			continue
		}

		e.runTurn(func() (stream.Outcome, error) {
			return e.session.Send(ctx, line)
		})
	}
}

// runTurn executes one send or resume and renders the resulting timeline.
func (e *engine) runTurn(turn func() (stream.Outcome, error)) {
	outcome, err := turn()
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrCanceled):
			fmt.Println("(canceled)")
		case errors.Is(err, stream.ErrTimeout):
			fmt.Println("The assistant timed out. The partial response is kept; try again.")
		default:
			fmt.Printf("Error: %v\n", err)
		}
	}

	e.render(e.session.Steps())
	if outcome.Interrupted {
		e.printPending()
	}
}

func (e *engine) handleCommand(ctx context.Context, line string) (exit bool, err error) {
	parts := strings.Fields(line)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/exit", "/quit":
		return true, nil

	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /approve               Approve the pending tool calls")
		fmt.Println("  /reject [feedback]     Reject them, optionally with feedback")
		fmt.Println("  /disable <call-id>     Exclude a call from the pending batch")
		fmt.Println("  /enable <call-id>      Put a disabled call back")
		fmt.Println("  /edit <call-id> <json> Replace a pending call's parameters")
		fmt.Println("  /diff <call-id>        Show what an edit changed")
		fmt.Println("  /auto on|off           Toggle auto-accept")
		fmt.Println("  /status                Show conversation status")
		fmt.Println("  /exit                  Leave the session")
		return false, nil

	case "/approve":
		e.runTurn(func() (stream.Outcome, error) {
			return e.session.Approve(ctx)
		})
		return false, nil

	case "/reject":
		feedback := strings.Join(args, " ")
		e.runTurn(func() (stream.Outcome, error) {
			return e.session.Reject(ctx, feedback)
		})
		return false, nil

	case "/disable":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /disable <call-id>")
		}
		e.session.AutoAccept().CancelPending()
		if err := e.session.Controller().Disable(args[0]); err != nil {
			return false, err
		}
		e.printPending()
		return false, nil

	case "/enable":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /enable <call-id>")
		}
		e.session.AutoAccept().CancelPending()
		if err := e.session.Controller().Enable(args[0]); err != nil {
			return false, err
		}
		e.printPending()
		return false, nil

	case "/edit":
		if len(args) < 2 {
			return false, fmt.Errorf("usage: /edit <call-id> <json>")
		}
		params := strings.Join(args[1:], " ")
		e.session.AutoAccept().CancelPending()
		if err := e.session.Controller().EditParams(args[0], json.RawMessage(params)); err != nil {
			return false, err
		}
		preview, err := e.session.Controller().DiffPreview(args[0])
		if err == nil && preview != "" {
			fmt.Print(preview)
		}
		return false, nil

	case "/diff":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /diff <call-id>")
		}
		preview, err := e.session.Controller().DiffPreview(args[0])
		if err != nil {
			return false, err
		}
		if preview == "" {
			fmt.Println("(no edits)")
		} else {
			fmt.Print(preview)
		}
		return false, nil

	case "/auto":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return false, fmt.Errorf("usage: /auto on|off")
		}
		if args[0] == "on" {
			e.session.AutoAccept().Enable()
			fmt.Println("Auto-accept on for this conversation.")
		} else {
			e.session.AutoAccept().Disable()
			fmt.Println("Auto-accept off.")
		}
		return false, nil

	case "/status":
		fmt.Printf("Conversation: %s\n", orUnset(e.session.ConversationID()))
		fmt.Printf("Title:        %s\n", orUnset(e.session.Title()))
		fmt.Printf("Status:       %s\n", e.session.Status())
		fmt.Printf("Auto-accept:  %v\n", e.session.AutoAccept().Enabled())
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

func orUnset(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// printPending lists the calls awaiting a decision.
func (e *engine) printPending() {
	pending, ok := e.session.Controller().Pending()
	if !ok {
		return
	}

	fmt.Fprintln(os.Stdout)
	fmt.Println("Waiting for your approval:")
	for _, call := range pending.Calls {
		marker := " "
		if call.Disabled {
			marker = "✗"
		}
		fmt.Printf("  [%s] %s  %s (%s)\n", marker, call.ID, call.DisplayName, call.Category)
		fmt.Printf("        %s\n", compactJSON(call.Arguments))
	}
	fmt.Println("Use /approve, /reject [feedback], /disable <id>, /edit <id> <json>.")
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
