// Package main is the AgentPod entry point: one binary that runs the
// management API, the container orchestrator, and everything between.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentpod",
	Short: "AgentPod - per-tenant agent sandbox orchestrator",
	Long: `AgentPod provisions isolated Docker sandboxes for coding agents:
one container per sandbox with its own git repository, terminal
sessions, chat history, and routed hostname.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentpod %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"directory containing config.yaml")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

// exitError carries a specific process exit status out of a command:
// 2 for unusable configuration, 130/143 for a signalled shutdown.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		// A signalled shutdown carries no error to report.
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", exit.err)
		}
		return exit.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}
