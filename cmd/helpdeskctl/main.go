package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiURL  string
	apiKey  string
	version = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "helpdeskctl",
	Short: "Drive a helpdeskd daemon from the command line",
	Long: `helpdeskctl talks to the helpdeskd REST API.

Quick Start:
  helpdeskctl session open agent-1        # open a session, prints its id
  helpdeskctl desk <session> d-1          # select a desk
  helpdeskctl tickets <session> --list unread
  helpdeskctl open <session> t-1          # open a ticket
  helpdeskctl conversation <session>

Environment:
  HELPDESK_API_URL   Daemon URL (default: http://localhost:8080)
  HELPDESK_API_KEY   API key for authentication`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", envOr("HELPDESK_API_URL", "http://localhost:8080"), "Daemon URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "key", os.Getenv("HELPDESK_API_KEY"), "API key")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
