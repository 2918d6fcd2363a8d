// Package main provides the CLI entry point for the orchestration kernel.
//
// The kernel dispatches and tracks agent runs (SPEC_FULL.md §4.5), drives
// the agent runtime's think/act/observe/reflect loop (§4.4), and routes
// inter-agent messages through the mailbox subsystem (§4.6).
//
// # Basic Usage
//
// Start the kernel:
//
//	kernel serve --config kernel.yaml
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY: LLM provider credentials
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Multi-agent orchestration kernel",
	}
	cmd.AddCommand(buildServeCmd())
	return cmd
}
