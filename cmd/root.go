// Package cmd contains the quill command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Quill is a streaming chat server backed by a local model",
	Long: `Quill serves a browser chat client over websockets, streams model
replies token by token, and keeps per-user conversation transcripts on
disk. Replies can optionally be grounded with live web search results.

Running quill without a subcommand starts the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
