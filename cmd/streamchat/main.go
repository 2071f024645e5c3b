// Package main provides the StreamChat CLI entrypoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"StreamChat/internal/config"
)

var version = "0.1.0"

// flags overrides the loaded configuration when set on the command line
type flags struct {
	configPath string
	backend    string
	model      string
	storeKind  string
	storePath  string
	identityID string
	debug      bool
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "streamchat",
		Short: "Streaming chat client for hosted and local LLMs",
		Long: `StreamChat keeps your conversations in a local or shared store and streams
replies from OpenAI, Anthropic, Grok, Ollama or a WebSocket gateway.

Run without a subcommand to start the interactive chat.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), f)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", config.DefaultPath(), "Path to the TOML config file")
	pf.StringVar(&f.backend, "backend", "", "Fallback LLM backend (ollama|anthropic|grok|openai|gateway)")
	pf.StringVar(&f.model, "model", "", "Model for new sessions")
	pf.StringVar(&f.storeKind, "store", "", "Record store (sqlite|postgres|memory)")
	pf.StringVar(&f.storePath, "db", "", "SQLite file, or connection URL with --store postgres")
	pf.StringVar(&f.identityID, "user", "", "Sign in as this user id")
	pf.BoolVar(&f.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		chatCmd(&f),
		sessionsCmd(&f),
		deleteCmd(&f),
		modelsCmd(&f),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func chatCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start the interactive chat (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), *f)
		},
	}
}

func sessionsCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List your sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *f)
			if err != nil {
				return err
			}
			defer a.close()
			a.bot.PrintSessions(cmd.OutOrStdout())
			return nil
		},
	}
}

func deleteCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and all of its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *f)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.controller.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Deleted session:", args[0])
			return nil
		},
	}
}

func modelsCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List available models, including local Ollama models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *f)
			if err != nil {
				return err
			}
			defer a.close()
			a.bot.PrintModels(cmd.Context(), cmd.OutOrStdout())
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "streamchat", version)
		},
	}
}

func runChat(ctx context.Context, f flags) error {
	a, err := newApp(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to initialize chat: %w", err)
	}
	defer a.close()
	return a.bot.Run(ctx)
}
