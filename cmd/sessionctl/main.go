// sessionctl is an operator CLI for the Session Agent's HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "Operate a running Session Agent",
	Long: `sessionctl drives a Session Agent's HTTP API from the command line.

  sessionctl get <session-id>               Fetch session state
  sessionctl prompt <session-id> "text"     Send a prompt
  sessionctl pause <session-id>             Pause and snapshot
  sessionctl resume <session-id>            Resume from snapshot
  sessionctl stop <session-id>              Terminate the sandbox`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("SESSIONCTL_SERVER", "http://localhost:8080"), "Session Agent base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("SESSIONCTL_TOKEN"), "bearer token authorizing the session")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
