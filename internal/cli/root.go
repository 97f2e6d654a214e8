package cli

import (
	"github.com/spf13/cobra"

	"github.com/storyloom/storyloom/internal/cli/chat"
	"github.com/storyloom/storyloom/internal/cli/conversations"
	"github.com/storyloom/storyloom/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "storyloom",
	Short: "Storyloom - AI assistant for content production",
	Long: `Talk to the Storyloom assistant from your terminal.

The assistant drafts outlines, edits scenes and generates media for your
productions. Tool calls that cost money or change your project pause for
your approval before they run; approve, edit or reject them inline, or
enable auto-accept for affordable calls.

Start with:
  storyloom chat                 Open an interactive session
  storyloom conversations list   Browse cached conversations`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(chat.NewChatCmd())
	rootCmd.AddCommand(conversations.NewConversationsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.String())
		},
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
