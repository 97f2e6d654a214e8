// Package conversations implements the conversation cache subcommands:
// listing cached conversations, showing a transcript and clearing entries.
package conversations

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/history"
	"github.com/storyloom/storyloom/internal/logging"
	"github.com/storyloom/storyloom/internal/transcript"
)

// NewConversationsCmd creates the conversations command group.
func NewConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage locally cached conversations",
	}

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newClearCmd())
	return cmd
}

func openHistory(cmd *cobra.Command) (*history.Store, error) {
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	return history.Open(loader.HistoryDatabasePath(cfg), log)
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = hist.Close() }()

			convs, err := hist.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No cached conversations.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tLAST ACTIVITY")
			for _, conv := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					conv.ID, conv.Title, conv.Status,
					conv.LastActivityAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a cached conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = hist.Close() }()

			conv, err := hist.FindConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			msgs, err := hist.LoadTranscript(cmd.Context(), conv.ID)
			if err != nil {
				return err
			}

			fmt.Printf("%s (%s, %s)\n\n", conv.Title, conv.ID, conv.Status)
			for _, msg := range msgs {
				printMessage(msg)
			}
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear [conversation-id]",
		Short: "Remove cached conversations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = hist.Close() }()

			ctx := cmd.Context()
			if all {
				if err := hist.Clear(ctx); err != nil {
					return err
				}
				fmt.Println("Cleared all cached conversations.")
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("specify a conversation id or --all")
			}

			conv, err := hist.FindConversation(ctx, args[0])
			if err != nil {
				return err
			}
			if err := hist.DeleteConversation(ctx, conv.ID); err != nil {
				return err
			}
			fmt.Printf("Removed %q (%s).\n", conv.Title, conv.ID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove every cached conversation")
	return cmd
}

func printMessage(msg transcript.Message) {
	switch msg.Role {
	case transcript.RoleUser:
		fmt.Printf("you> %s\n", msg.Content)
	case transcript.RoleAssistant:
		if msg.Content != "" {
			fmt.Printf("assistant> %s\n", msg.Content)
		}
		for _, call := range msg.ToolCalls {
			fmt.Printf("  tool %s %s %s\n", call.ID, call.Name, call.Arguments)
		}
	case transcript.RoleTool:
		payload, err := transcript.ParseToolResult(msg.Content)
		switch {
		case err != nil:
			fmt.Printf("  result %s (unreadable)\n", msg.ToolCallID)
		case payload.Rejected:
			fmt.Printf("  result %s rejected: %s\n", msg.ToolCallID, payload.Message)
		case payload.Success:
			fmt.Printf("  result %s ok\n", msg.ToolCallID)
		default:
			fmt.Printf("  result %s failed: %s\n", msg.ToolCallID, payload.Error)
		}
	}
}
