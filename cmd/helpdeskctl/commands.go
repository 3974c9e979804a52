package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/config"
)

var (
	ticketsList  string
	ticketsQuery string
	ticketsPage  int

	replyHTML string
	replyFile string
	replyCC   []string

	logsSession string
	logsLevel   string
	logsLimit   int
)

// printJSON sends a request and prints the indented response.
func printJSON(cmd *cobra.Command, method, path string, body any) error {
	data, err := call(method, path, body)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(data))
	return nil
}

func sessionPath(id, rest string) string {
	return "/api/sessions/" + url.PathEscape(id) + rest
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd, http.MethodGet, "/api/health", nil)
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Open, list and close sessions",
}

var sessionOpenCmd = &cobra.Command{
	Use:   "open <agent-id>",
	Short: "Open a session for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, http.MethodPost, "/api/sessions", map[string]string{"agent_id": args[0]})
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd, http.MethodGet, "/api/sessions", nil)
	},
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session and release everything it holds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, http.MethodDelete, sessionPath(args[0], ""), nil)
	},
}

var deskCmd = &cobra.Command{
	Use:   "desk <session-id> <desk-id>",
	Short: "Select the desk whose tickets the session follows",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, http.MethodPost, sessionPath(args[0], "/desk"), map[string]string{"desk_id": args[1]})
	},
}

var ticketsCmd = &cobra.Command{
	Use:   "tickets <session-id>",
	Short: "Show a page of one ticket list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("list", ticketsList)
		if ticketsQuery != "" {
			q.Set("q", ticketsQuery)
		}
		if ticketsPage > 0 {
			q.Set("page", strconv.Itoa(ticketsPage))
		}
		return printJSON(cmd, http.MethodGet, sessionPath(args[0], "/tickets?"+q.Encode()), nil)
	},
}

var openCmd = &cobra.Command{
	Use:   "open <session-id> <ticket-id>",
	Short: "Open a ticket's conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, http.MethodPost, sessionPath(args[0], "/ticket"), map[string]string{"ticket_id": args[1]})
	},
}

var conversationCmd = &cobra.Command{
	Use:   "conversation <session-id>",
	Short: "Show the open conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, http.MethodGet, sessionPath(args[0], "/conversation"), nil)
	},
}

var replyCmd = &cobra.Command{
	Use:   "reply <session-id> <ticket-id>",
	Short: "Reply to the latest customer message of a ticket",
	Long: `Reply sends an HTML body given with --html, or read from --file.
Use --file - to read the body from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := replyHTML
		if replyFile != "" {
			var (
				data []byte
				err  error
			)
			if replyFile == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(replyFile)
			}
			if err != nil {
				return err
			}
			body = string(data)
		}
		if body == "" {
			return fmt.Errorf("reply body is empty: use --html or --file")
		}
		return printJSON(cmd, http.MethodPost, sessionPath(args[0], "/reply"), map[string]any{
			"ticket_id": args[1],
			"html":      body,
			"cc":        replyCC,
		})
	},
}

var setStatusCmd = &cobra.Command{
	Use:   "set-status <session-id> <ticket-id> <open|pending|closed>",
	Short: "Change a ticket's status",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, http.MethodPost, sessionPath(args[0], "/tickets/"+url.PathEscape(args[1])+"/status"),
			map[string]string{"status": args[2]})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show what a session has selected and how its live updates are doing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, http.MethodGet, sessionPath(args[0], "/status"), nil)
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <session-id>",
	Short: "Reload lists and conversation and reconnect live updates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, http.MethodPost, sessionPath(args[0], "/refresh"), nil)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent daemon logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := url.Values{}
		if logsSession != "" {
			q.Set("session", logsSession)
		}
		if logsLevel != "" {
			q.Set("level", logsLevel)
		}
		if logsLimit > 0 {
			q.Set("limit", strconv.Itoa(logsLimit))
		}
		return printJSON(cmd, http.MethodGet, "/api/logs?"+q.Encode(), nil)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect daemon configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(args[0]); err != nil {
			return fmt.Errorf("invalid: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionOpenCmd, sessionListCmd, sessionCloseCmd)
	configCmd.AddCommand(configValidateCmd)

	ticketsCmd.Flags().StringVar(&ticketsList, "list", "unread", "List to show: unread, open or closed")
	ticketsCmd.Flags().StringVarP(&ticketsQuery, "query", "q", "", "Filter by text")
	ticketsCmd.Flags().IntVar(&ticketsPage, "page", 0, "Page number, from 1")

	replyCmd.Flags().StringVar(&replyHTML, "html", "", "Reply body")
	replyCmd.Flags().StringVarP(&replyFile, "file", "f", "", "Read the reply body from a file, - for stdin")
	replyCmd.Flags().StringSliceVar(&replyCC, "cc", nil, "Carbon copy addresses")

	logsCmd.Flags().StringVar(&logsSession, "session", "", "Only entries of this session")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Minimum level")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 0, "Newest entries to show")

	rootCmd.AddCommand(healthCmd, sessionCmd, deskCmd, ticketsCmd, openCmd, conversationCmd,
		replyCmd, setStatusCmd, statusCmd, refreshCmd, logsCmd, configCmd)
}
