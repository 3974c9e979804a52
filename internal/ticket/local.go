package ticket

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/backend"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/clock"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/preview"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// LocalOptions configures a Local backend.
type LocalOptions struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Local implements backend.TicketAPI, backend.MailAPI and
// backend.AttachmentFetcher on a Store. Every write is published as a
// change so connected sessions see it live.
type Local struct {
	store  Store
	pub    bus.Publisher
	clock  clock.Clock
	logger *slog.Logger

	// mu serializes read-modify-write of ticket rows.
	mu sync.Mutex
}

// NewLocal creates a local backend. pub may be nil, in which case
// nothing is published.
func NewLocal(store Store, pub bus.Publisher, opts LocalOptions) *Local {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		store:  store,
		pub:    pub,
		clock:  clk,
		logger: logger.With("component", "backend.local"),
	}
}

// Backend returns l as all three collaborators.
func (l *Local) Backend() backend.Backend {
	return backend.Backend{Tickets: l, Mail: l, Attachments: l}
}

// Store returns the underlying store.
func (l *Local) Store() Store { return l.store }

// TicketsByStatus implements backend.TicketAPI.
func (l *Local) TicketsByStatus(ctx context.Context, deskID string, status protocol.TicketStatus) ([]protocol.Ticket, error) {
	return l.store.List(ctx, Filter{DeskID: deskID, Status: &status})
}

// Ticket implements backend.TicketAPI.
func (l *Local) Ticket(ctx context.Context, id string) (protocol.Ticket, error) {
	return l.store.Get(ctx, id)
}

// TicketMessages implements backend.TicketAPI.
func (l *Local) TicketMessages(ctx context.Context, ref protocol.TicketRef) ([]protocol.Message, error) {
	return l.store.Messages(ctx, ref)
}

// UpdateTicket implements backend.TicketAPI.
func (l *Local) UpdateTicket(ctx context.Context, id string, patch backend.TicketPatch) (protocol.Ticket, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return protocol.Ticket{}, errors.Mark(errors.Newf("unknown status %q", *patch.Status), errs.ErrBadParameter)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	old, err := l.store.Get(ctx, id)
	if err != nil {
		return protocol.Ticket{}, err
	}
	if patch.IsEmpty() {
		return old, nil
	}
	next := old
	if patch.Status != nil {
		next.Status = *patch.Status
	}
	if patch.Subject != nil {
		next.Subject = *patch.Subject
	}
	if patch.Unread != nil {
		next.Unread = *patch.Unread
	}
	saved, err := l.store.Save(ctx, next)
	if err != nil {
		return protocol.Ticket{}, err
	}
	l.publish(ctx, protocol.TicketUpdated(old, saved))
	return saved, nil
}

// RequestFeedback implements backend.TicketAPI.
func (l *Local) RequestFeedback(ctx context.Context, ticketID string) error {
	t, err := l.store.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	return l.store.RecordMailEvent(ctx, EventFeedbackRequest, t.ID, t.DeskID)
}

// Reply implements backend.MailAPI. The reply is stored as an outgoing
// message; a new ticket moves to open.
func (l *Local) Reply(ctx context.Context, req backend.ReplyRequest) (protocol.SentMessage, error) {
	if req.TicketID == "" || req.HTML == "" {
		return protocol.SentMessage{}, errors.Mark(errors.New("reply needs a ticket and a body"), errs.ErrBadParameter)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.store.Get(ctx, req.TicketID)
	if err != nil {
		return protocol.SentMessage{}, err
	}
	now := l.clock.Now().UTC()
	msg := protocol.Message{
		ID:             uuid.NewString(),
		TicketID:       t.ID,
		ConversationID: t.ConversationID,
		DeskID:         t.DeskID,
		Direction:      protocol.DirectionOutgoing,
		HTML:           req.HTML,
		Text:           preview.PlainText(req.HTML),
		CC:             req.CC,
		Attachments:    req.Attachments,
		CreatedAt:      now,
		SentAt:         now,
	}
	if t.CustomerEmail != "" {
		msg.To = []string{t.CustomerEmail}
	}
	if err := l.store.SaveMessage(ctx, msg); err != nil {
		return protocol.SentMessage{}, err
	}
	saved, err := l.touch(ctx, t, msg)
	if err != nil {
		return protocol.SentMessage{}, err
	}
	l.publish(ctx, protocol.MessageInserted(msg))
	l.publish(ctx, protocol.TicketUpdated(t, saved))
	return protocol.SentMessage{Message: msg, Provider: "local"}, nil
}

// MarkAsRead implements backend.MailAPI. It clears the unread flag of the
// message's ticket.
func (l *Local) MarkAsRead(ctx context.Context, messageID, deskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.store.Message(ctx, messageID)
	if err != nil {
		return err
	}
	t, err := l.owner(ctx, m)
	if err != nil {
		return err
	}
	if t.Unread {
		next := t
		next.Unread = false
		saved, err := l.store.Save(ctx, next)
		if err != nil {
			return err
		}
		l.publish(ctx, protocol.TicketUpdated(t, saved))
	}
	return l.store.RecordMailEvent(ctx, EventMarkRead, messageID, deskID)
}

// SendResolutionNotice implements backend.MailAPI.
func (l *Local) SendResolutionNotice(ctx context.Context, messageID, deskID string) error {
	if _, err := l.store.Message(ctx, messageID); err != nil {
		return err
	}
	return l.store.RecordMailEvent(ctx, EventResolutionNotice, messageID, deskID)
}

// DownloadByStorageKey implements backend.AttachmentFetcher.
func (l *Local) DownloadByStorageKey(ctx context.Context, key, deskID string) ([]byte, error) {
	return l.store.Attachment(ctx, key, deskID)
}

// CreateTicket stores a new ticket and publishes it.
func (l *Local) CreateTicket(ctx context.Context, t protocol.Ticket) (protocol.Ticket, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.clock.Now().UTC()
	}
	if t.LastActivityAt.IsZero() {
		t.LastActivityAt = t.CreatedAt
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.store.Get(ctx, t.ID); err == nil {
		return protocol.Ticket{}, errors.Mark(errors.Newf("ticket %q already exists", t.ID), errs.ErrBadParameter)
	}
	saved, err := l.store.Save(ctx, t)
	if err != nil {
		return protocol.Ticket{}, err
	}
	l.publish(ctx, protocol.TicketInserted(saved))
	return saved, nil
}

// ReceiveMessage stores a message for an existing ticket, found by ticket
// id or legacy conversation id, and publishes it with the ticket update.
func (l *Local) ReceiveMessage(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Direction == "" {
		m.Direction = protocol.DirectionIncoming
	}
	if _, ok := m.Timestamp(); !ok {
		m.ReceivedAt = l.clock.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.owner(ctx, m)
	if err != nil {
		return protocol.Message{}, err
	}
	if m.TicketID == "" {
		m.TicketID = t.ID
	}
	m.DeskID = t.DeskID
	if err := l.store.SaveMessage(ctx, m); err != nil {
		return protocol.Message{}, err
	}
	saved, err := l.touch(ctx, t, m)
	if err != nil {
		return protocol.Message{}, err
	}
	l.publish(ctx, protocol.MessageInserted(m))
	l.publish(ctx, protocol.TicketUpdated(t, saved))
	return m, nil
}

// PutAttachment stores attachment bytes for later download.
func (l *Local) PutAttachment(ctx context.Context, deskID string, a protocol.Attachment, data []byte) error {
	return l.store.PutAttachment(ctx, deskID, a, data)
}

// Ingest applies an upstream change to the store and republishes it.
func (l *Local) Ingest(ctx context.Context, c protocol.Change) error {
	switch c.Table {
	case protocol.TableTickets:
		t, ok := protocol.AsTicket(c.Record)
		if !ok {
			return errors.Mark(errors.New("ingest: ticket change without ticket"), errs.ErrBadParameter)
		}
		if c.Kind == protocol.ChangeInsert {
			_, err := l.CreateTicket(ctx, t)
			return err
		}
		return l.replaceTicket(ctx, t)
	case protocol.TableMessages:
		m, ok := protocol.AsMessage(c.Record)
		if !ok {
			return errors.Mark(errors.New("ingest: message change without message"), errs.ErrBadParameter)
		}
		if c.Kind == protocol.ChangeInsert {
			_, err := l.ReceiveMessage(ctx, m)
			return err
		}
		return l.replaceMessage(ctx, m)
	}
	return errors.Mark(errors.Newf("ingest: unknown table %q", c.Table), errs.ErrBadParameter)
}

func (l *Local) replaceTicket(ctx context.Context, t protocol.Ticket) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	old, err := l.store.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	saved, err := l.store.Save(ctx, t)
	if err != nil {
		return err
	}
	l.publish(ctx, protocol.TicketUpdated(old, saved))
	return nil
}

func (l *Local) replaceMessage(ctx context.Context, m protocol.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	old, err := l.store.Message(ctx, m.ID)
	if err != nil {
		return err
	}
	if m.TicketID == "" {
		m.TicketID = old.TicketID
	}
	if m.DeskID == "" {
		m.DeskID = old.DeskID
	}
	if err := l.store.SaveMessage(ctx, m); err != nil {
		return err
	}
	l.publish(ctx, protocol.MessageUpdated(old, m))
	return nil
}

// owner finds the ticket m belongs to.
func (l *Local) owner(ctx context.Context, m protocol.Message) (protocol.Ticket, error) {
	if m.TicketID != "" {
		return l.store.Get(ctx, m.TicketID)
	}
	return l.store.GetByConversation(ctx, m.ConversationID)
}

// touch updates the ticket's denormalized fields for a new message.
// Callers hold l.mu and publish the message before the ticket update, so
// list views count the message once.
func (l *Local) touch(ctx context.Context, t protocol.Ticket, m protocol.Message) (protocol.Ticket, error) {
	next := t
	next.MessageCount++
	if ts, ok := m.Timestamp(); ok && ts.After(next.LastActivityAt) {
		next.LastActivityAt = ts
	}
	if m.IsCustomerVisible() {
		if p := preview.FromMessage(m); p != "" {
			next.Preview = p
		}
		switch m.Direction {
		case protocol.DirectionIncoming:
			next.Unread = true
			if next.Status.IsClosed() {
				next.Status = protocol.TicketOpen
			}
		case protocol.DirectionOutgoing:
			if next.Status == protocol.TicketNew {
				next.Status = protocol.TicketOpen
			}
		}
	}
	return l.store.Save(ctx, next)
}

// publish emits c. The write already happened, so a failure is only
// logged; sessions catch up on their next refresh.
func (l *Local) publish(ctx context.Context, c protocol.Change) {
	if l.pub == nil {
		return
	}
	if err := l.pub.Publish(ctx, c); err != nil {
		l.logger.Warn("publish change failed", "table", c.Table, "kind", c.Kind, "id", c.Record.RecordID(), "error", err)
	}
}
