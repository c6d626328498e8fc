// Package cmd implements the command-line interface for mailmcp.
//
// This package provides the following commands:
//   - serve: Start the MCP server that exposes the prompt and Gmail tools
//   - version: Display version information
//
// The serve command is the default command when no subcommand is specified.
package cmd
