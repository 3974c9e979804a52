// Package telegram sends agent notifications through a Telegram bot.
package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/connector"
)

// Config holds Telegram connector configuration.
type Config struct {
	Token string // Bot token from @BotFather
	// Endpoint overrides the Bot API endpoint, a format string taking
	// the token and the method.
	Endpoint string
	Client   *http.Client
}

// Connector implements connector.Connector for Telegram.
type Connector struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// New authorizes the bot and creates the connector.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, errors.Wrap(err, "telegram: init bot")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connector.telegram")
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Connector{bot: bot, logger: logger}, nil
}

func (c *Connector) Name() string { return "telegram" }

// Send delivers msg to a numeric chat id or an @channel username. When
// Telegram rejects the HTML the message is resent as plain text.
func (c *Connector) Send(_ context.Context, msg connector.OutboundMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		c.logger.Warn("skipping empty message", "chat_id", msg.ChatID)
		return nil
	}

	var tgMsg tgbotapi.MessageConfig
	if strings.HasPrefix(msg.ChatID, "@") {
		tgMsg = tgbotapi.NewMessageToChannel(msg.ChatID, "")
	} else {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "telegram: invalid chat_id %q", msg.ChatID)
		}
		tgMsg = tgbotapi.NewMessage(chatID, "")
	}
	tgMsg.Text = MarkdownToTelegramHTML(msg.Content)
	tgMsg.ParseMode = tgbotapi.ModeHTML
	tgMsg.DisableWebPagePreview = true

	if _, err := c.bot.Send(tgMsg); err != nil {
		c.logger.Warn("HTML send failed, falling back to plain text",
			"chat_id", msg.ChatID,
			"error", err,
		)
		tgMsg.Text = StripMarkdown(msg.Content)
		tgMsg.ParseMode = ""
		if _, err := c.bot.Send(tgMsg); err != nil {
			return errors.Wrap(err, "telegram: send message")
		}
	}
	return nil
}
