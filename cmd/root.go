package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the mailmcp application
var rootCmd = &cobra.Command{
	Use:   "mailmcp",
	Short: "Multi-tenant MCP server with Gmail integration",
	Long: `mailmcp is a Model Context Protocol (MCP) server that authenticates
callers with Auth0-issued bearer tokens and lets each authenticated user
link their own Gmail account for read-only inbox access.

It can run as:
  - A stdio MCP server for local AI assistants (default transport)
  - A streamable HTTP MCP server protected by bearer authentication`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mailmcp version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
