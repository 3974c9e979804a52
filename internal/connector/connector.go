// Package connector delivers agent notifications to chat platforms and
// accepts change events pushed by the ticket backend.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/preview"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// Connector is an outbound chat platform (Slack, Telegram).
type Connector interface {
	// Name returns the connector type, e.g. "slack".
	Name() string
	// Send delivers one message to a chat.
	Send(ctx context.Context, msg OutboundMessage) error
}

// OutboundMessage is a notification rendered for one chat.
type OutboundMessage struct {
	ChatID  string // platform chat identifier
	Content string // Markdown
}

// Notification tells an agent that a customer wrote on a ticket they do
// not have open.
type Notification struct {
	SessionID string
	AgentID   string
	DeskID    string
	Ticket    protocol.Ticket
	Message   protocol.Message
}

// Route sends the notifications of one desk to one chat. An empty DeskID
// matches every desk.
type Route struct {
	Connector string `json:"connector" yaml:"connector"`
	ChatID    string `json:"chat_id" yaml:"chat_id"`
	DeskID    string `json:"desk_id,omitempty" yaml:"desk_id,omitempty"`
}

// Dispatcher fans notifications out to the routed connectors.
type Dispatcher struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	routes     []Route
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher with no connectors.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		connectors: make(map[string]Connector),
		logger:     logger.With("component", "connector"),
	}
}

// Register adds c under its name, replacing any previous one.
func (d *Dispatcher) Register(c Connector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectors[c.Name()] = c
	d.logger.Info("connector registered", "name", c.Name())
}

// AddRoute adds r. Routes naming an unregistered connector are skipped
// at send time.
func (d *Dispatcher) AddRoute(r Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, r)
}

// Routes returns a copy of the configured routes.
func (d *Dispatcher) Routes() []Route {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Route(nil), d.routes...)
}

// Notify sends n to every matching route. Every route is tried; the
// failures are combined.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	d.mu.RLock()
	type target struct {
		conn Connector
		chat string
	}
	var targets []target
	for _, r := range d.routes {
		if r.DeskID != "" && r.DeskID != n.DeskID {
			continue
		}
		c, ok := d.connectors[r.Connector]
		if !ok {
			d.logger.Warn("route names unknown connector", "connector", r.Connector)
			continue
		}
		targets = append(targets, target{c, r.ChatID})
	}
	d.mu.RUnlock()

	content := Format(n)
	var combined error
	for _, t := range targets {
		if err := t.conn.Send(ctx, OutboundMessage{ChatID: t.chat, Content: content}); err != nil {
			d.logger.Error("notification failed",
				"connector", t.conn.Name(),
				"chat", t.chat,
				"ticket", n.Ticket.ID,
				"error", err,
			)
			combined = errors.CombineErrors(combined, errors.Wrapf(err, "%s %s", t.conn.Name(), t.chat))
			continue
		}
		d.logger.Debug("notification sent", "connector", t.conn.Name(), "chat", t.chat, "ticket", n.Ticket.ID)
	}
	return combined
}

// Format renders n as Markdown.
func Format(n Notification) string {
	var b strings.Builder
	subject := n.Ticket.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	if n.Ticket.Number > 0 {
		fmt.Fprintf(&b, "**#%d %s**\n", n.Ticket.Number, subject)
	} else {
		fmt.Fprintf(&b, "**%s**\n", subject)
	}
	from := n.Message.FromName
	if from == "" {
		from = n.Message.FromAddress
	}
	if from == "" {
		from = n.Ticket.CustomerEmail
	}
	if from != "" {
		fmt.Fprintf(&b, "From: %s\n", from)
	}
	if text := preview.FromMessage(n.Message); text != "" {
		b.WriteString(text)
	}
	return strings.TrimRight(b.String(), "\n")
}
