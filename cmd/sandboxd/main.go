// sandboxd is a policy-gated command execution gateway.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd is a policy-gated execution gateway for untrusted callers.",
	Long: `sandboxd exposes shell execution, file access, outbound HTTP, and
read-only database queries behind explicit allow/deny policies, OS-level
sandboxing, per-user rate limits, and an append-only audit trail.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
