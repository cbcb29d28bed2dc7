package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodecross/nodex-agent/internal/version"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
}

// UpdateFlags holds flags for the update command
type UpdateFlags struct {
	URL        string
	Local      bool
	APIUrl     string
	APITimeout time.Duration
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	Local      bool
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createAgentCommand(globalFlags),
		createControllerCommand(globalFlags),
		createUpdateCommand(globalFlags, &UpdateFlags{}),
		createStatusCommand(globalFlags, &StatusFlags{}),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "nodex-agent",
		Short: "NodeX edge agent with self-supervision and self-update",
		Long: `nodex-agent runs as two cooperating processes: a controller that keeps
exactly one agent alive, and the agent that serves the admin API and applies
self-updates.

Examples:
  nodex-agent controller                     # supervise the agent
  nodex-agent status                         # ask the running agent
  nodex-agent update --url=https://github.com/nodecross/nodex/releases/download/v3.0.0/nodex-agent-x86_64.zip`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createAgentCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the agent role",
		Long: `Run the agent role. The agent registers itself in the runtime state and
serves the admin API. It is normally started by the controller.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), globalFlags.ConfigPath)
		},
	}
}

func createControllerCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the controller role",
		Long: `Run the controller role. The controller evaluates the lifecycle state on
every tick and keeps exactly one agent alive. SIGHUP forces an evaluation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cmd.Context(), globalFlags.ConfigPath)
		},
	}
}

func createUpdateCommand(globalFlags *GlobalFlags, flags *UpdateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Apply a self-update from a release archive",
		Long: `Ask the running agent to download and apply a release archive. With
--local the update runs in this process instead.

Examples:
  nodex-agent update --url=https://github.com/nodecross/nodex/releases/download/v3.0.0/nodex-agent-x86_64.zip
  nodex-agent update --url=... --api-url=http://127.0.0.1:3000/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd.Context(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.URL, "url", "", "release archive URL (required)")
	cmd.Flags().BoolVar(&flags.Local, "local", false, "run the update in this process")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "agent admin API URL (defaults to agent.listen and agent.base_path)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Minute, "request timeout")
	if err := cmd.MarkFlagRequired("url"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the lifecycle state and supervised processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Local, "local", false, "read the runtime state file instead of asking the agent")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "agent admin API URL (defaults to agent.listen and agent.base_path)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
}
