package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// For testing
var osExit = os.Exit

var rootCmd = &cobra.Command{
	Use:   "swapgate",
	Short: "Local hot-swappable proxy for LLM backends",
	Long: `swapgate is a local reverse proxy that sits between a coding agent
and its upstream LLM APIs. Backends can be switched at runtime without
restarting the agent; thinking blocks from interrupted sessions are
filtered so the new backend never sees another model's reasoning.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}
