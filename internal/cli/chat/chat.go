// Package chat implements the interactive assistant REPL: it streams
// turns, renders the reconstructed step timeline, and drives the approval
// commands for paused tool calls.
package chat

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storyloom/storyloom/internal/approval"
	"github.com/storyloom/storyloom/internal/billing"
	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/convosvc"
	"github.com/storyloom/storyloom/internal/history"
	"github.com/storyloom/storyloom/internal/logging"
	"github.com/storyloom/storyloom/internal/session"
	"github.com/storyloom/storyloom/internal/stream"
	"github.com/storyloom/storyloom/internal/tools"
	"github.com/storyloom/storyloom/internal/transcript"
)

// NewChatCmd creates the chat subcommand.
func NewChatCmd() *cobra.Command {
	var (
		resumeID   string
		autoAccept bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive assistant session",
		Long: `Opens an interactive session with the Storyloom assistant.

The assistant can propose tool calls that mutate your project or generate
media. Calls that cost money or are irreversible pause the turn for your
approval; approve, edit, disable or reject them with the /-commands below.

Commands inside the session:
  /approve              Approve the pending tool calls
  /reject [feedback]    Reject them, optionally telling the assistant why
  /disable <call-id>    Exclude one call from a pending batch
  /enable <call-id>     Put a disabled call back
  /edit <call-id> <json>  Replace a pending call's parameters
  /diff <call-id>       Show what an edit changed
  /auto on|off          Toggle auto-accept for this conversation
  /status               Show conversation status
  /exit                 Leave the session (or Ctrl+D)

Examples:
  # Start a fresh conversation
  storyloom chat

  # Continue a cached conversation
  storyloom chat --resume 1f0c2a

  # Let affordable tool calls run without prompting
  storyloom chat --auto`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, resumeID, autoAccept, debug)
		},
	}

	cmd.Flags().StringVar(&resumeID, "resume", "", "Conversation id (or unique prefix) to continue")
	cmd.Flags().BoolVar(&autoAccept, "auto", false, "Enable auto-accept for this conversation")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

// engine bundles what the REPL needs.
type engine struct {
	session *session.Session
}

func runChat(cmd *cobra.Command, resumeID string, autoAccept, debug bool) error {
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logCfg := logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty}
	if debug {
		logCfg.Level = "debug"
	}
	log := logging.New(logCfg)

	hist, err := history.Open(loader.HistoryDatabasePath(cfg), log)
	if err != nil {
		return fmt.Errorf("failed to open history cache: %w", err)
	}
	defer func() { _ = hist.Close() }()

	var policy *approval.Policy
	if cfg.AutoAccept.Policy != "" {
		policy, err = approval.CompilePolicy(cfg.AutoAccept.Policy)
		if err != nil {
			return err
		}
	}

	store := transcript.NewStore(log)
	reg := tools.Builtin()
	ctrl := approval.NewController(store, reg, log)
	auto := approval.NewAutoAccept(ctrl, billing.NewClient(cfg.API.Endpoint, log), policy, cfg.AutoAccept.Delay, log)

	sess := session.New(session.Options{
		Store:         store,
		Client:        stream.NewClient(cfg.API.Endpoint, cfg.Stream.Transport, log),
		Consumer:      stream.NewConsumer(store, cfg.Stream.WatchdogTimeout, log),
		Controller:    ctrl,
		AutoAccept:    auto,
		Registry:      reg,
		Conversations: convosvc.NewClient(cfg.API.Endpoint, log),
		History:       hist,
		PreemptGrace:  cfg.Stream.PreemptGrace,
		Logger:        log,
	})

	ctx := cmd.Context()
	if resumeID != "" {
		conv, err := hist.FindConversation(ctx, resumeID)
		if err != nil {
			return err
		}
		if err := sess.Resume(ctx, conv); err != nil {
			return fmt.Errorf("failed to restore conversation: %w", err)
		}
	}
	if autoAccept {
		auto.Enable()
	}

	eng := &engine{session: sess}
	return eng.repl(ctx, loader.DataDir())
}

