package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "studiobridge",
	Short: "MCP bridge between coding agents and Roblox Studio.",
	Long: `studiobridge connects MCP clients to a running Roblox Studio instance.

Tool calls are queued and handed to the Studio companion plugin over a
localhost long-poll endpoint; the plugin executes them on Studio's main
thread and posts results back. Studio log output is captured in a ring
buffer and exposed through the get_logs tool.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
