package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "Discord relay for LLM chat completions with per-chat memory",
		Long: strings.TrimSpace(`chatrelay relays Discord messages to an OpenAI-compatible completion API.

Each chat keeps its own history in a pluggable store. Group chats are observed
quietly so members can ask for a digest with /summarize or /ask.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newOnboardCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default ~/.chatrelay/config.json",
		Example: "  chatrelay onboard",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config without asking")
	return cmd
}

func newChatCommand() *cobra.Command {
	var (
		message string
		debug   bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the relay from the terminal",
		Long:  "Run the relay against a local CLI chat. Commands like /reset and /summarize work the same as on Discord.",
		Example: strings.Join([]string{
			"  chatrelay chat",
			"  chatrelay chat -m \"Hello!\"",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatCmd(message, debug)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send a single message and exit")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newGatewayCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord gateway",
		Long:    "Connect to Discord, relay messages to the completion API and serve /health and /ready.",
		Example: "  chatrelay gateway --debug",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return gatewayCmd(debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and credential status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd(cmd.OutOrStdout())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}
