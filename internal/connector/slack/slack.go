// Package slackconn posts agent notifications to Slack channels.
package slackconn

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/slack-go/slack"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/connector"
)

// Config holds Slack connector configuration.
type Config struct {
	BotToken string // xoxb-... Bot User OAuth Token
	// APIURL overrides the Slack Web API base, with a trailing slash.
	APIURL string
}

// Connector implements connector.Connector over chat.postMessage.
type Connector struct {
	api    *slack.Client
	logger *slog.Logger
}

// New creates a Slack connector. The token is checked on first send.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("slack: bot_token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Connector{
		api:    slack.New(cfg.BotToken, opts...),
		logger: logger.With("component", "connector.slack"),
	}, nil
}

func (c *Connector) Name() string { return "slack" }

// Send posts msg to a channel id.
func (c *Connector) Send(ctx context.Context, msg connector.OutboundMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		c.logger.Warn("skipping empty message", "channel", msg.ChatID)
		return nil
	}
	_, ts, err := c.api.PostMessageContext(ctx, msg.ChatID,
		slack.MsgOptionText(MarkdownToMrkdwn(msg.Content), false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return errors.Wrap(err, "slack: send message")
	}
	c.logger.Debug("message posted", "channel", msg.ChatID, "ts", ts)
	return nil
}

// MarkdownToMrkdwn converts the Markdown of a notification to Slack
// mrkdwn: **bold** becomes *bold*, [text](url) becomes <url|text>, and the
// control characters &, < and > are escaped everywhere else. Code spans
// pass through unchanged.
func MarkdownToMrkdwn(md string) string {
	var b strings.Builder
	inCode := false
	for i := 0; i < len(md); {
		ch := md[i]
		switch {
		case ch == '`':
			inCode = !inCode
			b.WriteByte(ch)
			i++
		case inCode:
			b.WriteByte(ch)
			i++
		case ch == '*' && strings.HasPrefix(md[i:], "**"):
			b.WriteByte('*')
			i += 2
		case ch == '~' && strings.HasPrefix(md[i:], "~~"):
			b.WriteByte('~')
			i += 2
		case ch == '[':
			text, url, n := parseLink(md[i:])
			if n == 0 {
				b.WriteByte(ch)
				i++
				continue
			}
			b.WriteString("<" + url + "|" + escape(text) + ">")
			i += n
		default:
			b.WriteString(escape(string(ch)))
			i++
		}
	}
	return b.String()
}

// parseLink reads "[text](url)" at the start of s and returns its length,
// or 0 when s does not start with a link.
func parseLink(s string) (text, url string, n int) {
	mid := strings.Index(s, "](")
	if mid < 0 || strings.ContainsAny(s[1:mid], "\n[") {
		return "", "", 0
	}
	end := strings.IndexByte(s[mid:], ')')
	if end < 0 {
		return "", "", 0
	}
	end += mid
	url = s[mid+2 : end]
	if url == "" || strings.ContainsAny(url, " \n") {
		return "", "", 0
	}
	return s[1:mid], url, end + 1
}

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return mrkdwnEscaper.Replace(s) }
