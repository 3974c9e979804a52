// Package session runs one agent's sync engine: the desk's ticket lists,
// the open conversation, the subscriptions feeding both and the inline
// content view, all owned by a single event loop.
//
// Exported methods are safe to call from any goroutine. They hop onto the
// loop for state and do request/response I/O on the caller's goroutine.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/backend"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/clock"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/connector"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/conversation"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/coordinator"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/eventloop"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/inline"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/metrics"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/orderer"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/ticketlist"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// ErrClosed is returned by every operation on a closed session.
var ErrClosed = errors.Mark(errors.New("session closed"), errs.ErrNotFound)

// Notifier is told about customer messages on tickets the agent does not
// have open.
type Notifier interface {
	Notify(ctx context.Context, n connector.Notification) error
}

// Options configures a Session.
type Options struct {
	// ID names the session. Empty mints a uuid.
	ID      string
	AgentID string

	Backend  backend.Backend
	Bus      bus.Bus
	Resolver *inline.Resolver
	Notifier Notifier

	// Loop runs the session's tasks. Nil starts an eventloop.Runner that
	// Close stops.
	Loop    eventloop.Loop
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Debounce     time.Duration
	Backoff      coordinator.BackoffConfig
	PageSize     int
	FetchTimeout time.Duration

	// OnDegraded runs on the loop when live updates degrade or recover.
	// It must not call back into the session synchronously.
	OnDegraded func(s *Session, degraded bool)
}

// Session is one agent's engine.
type Session struct {
	id        string
	agentID   string
	createdAt time.Time

	api        backend.Backend
	resolver   *inline.Resolver
	notifier   Notifier
	loop       eventloop.Loop
	cancel     context.CancelFunc
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
	onDegraded func(*Session, bool)

	lists *ticketlist.Store
	conv  *conversation.Store
	coord *coordinator.Coordinator

	// loop-owned
	owner  string
	closed bool
}

// New creates a session with nothing selected.
func New(opts Options) (*Session, error) {
	if opts.Bus == nil {
		return nil, errors.Mark(errors.New("session: bus is required"), errs.ErrBadParameter)
	}
	if opts.Backend.Tickets == nil || opts.Backend.Mail == nil {
		return nil, errors.Mark(errors.New("session: ticket and mail APIs are required"), errs.ErrBadParameter)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", id)
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = inline.New(inline.Options{Fetcher: opts.Backend.Attachments, Logger: logger})
	}

	s := &Session{
		id:         id,
		agentID:    opts.AgentID,
		createdAt:  clk.Now(),
		api:        opts.Backend,
		resolver:   resolver,
		notifier:   opts.Notifier,
		clock:      clk,
		logger:     logger.With("component", "session"),
		metrics:    opts.Metrics,
		timeout:    timeout,
		onDegraded: opts.OnDegraded,
	}

	loop := opts.Loop
	if loop == nil {
		runner := eventloop.NewRunner("session-"+id, logger)
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go runner.Run(ctx)
		loop = runner
	}
	s.loop = loop

	ord := orderer.New(clk.Now)
	s.lists = ticketlist.New(ticketlist.Options{
		Loop:         loop,
		API:          opts.Backend.Tickets,
		Orderer:      ord,
		Logger:       logger,
		Metrics:      opts.Metrics,
		PageSize:     opts.PageSize,
		FetchTimeout: timeout,
	})
	s.conv = conversation.New(conversation.Options{
		Loop:         loop,
		API:          opts.Backend.Tickets,
		Orderer:      ord,
		Logger:       logger,
		Metrics:      opts.Metrics,
		FetchTimeout: timeout,
		OnLoaded:     s.conversationLoaded,
	})
	s.coord = coordinator.New(coordinator.Options{
		Loop:     loop,
		Bus:      opts.Bus,
		Router:   coordinator.RouterFunc(s.route),
		Clock:    clk,
		Logger:   logger,
		Metrics:  opts.Metrics,
		Debounce: opts.Debounce,
		Backoff:  opts.Backoff,
		OnStatus: s.statusChanged,
	})
	s.metrics.SessionOpened()
	s.logger.Info("session opened", "agent", s.agentID)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// AgentID returns the agent the session belongs to.
func (s *Session) AgentID() string { return s.agentID }

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

type result[T any] struct {
	v   T
	err error
}

// onLoop runs fn as a task and waits for it.
func onLoop[T any](ctx context.Context, s *Session, fn func() (T, error)) (T, error) {
	r, err := eventloop.Call(ctx, s.loop, func() result[T] {
		if s.closed {
			return result[T]{err: ErrClosed}
		}
		v, err := fn()
		return result[T]{v: v, err: err}
	})
	if err != nil {
		var zero T
		if errors.Is(err, eventloop.ErrStopped) {
			return zero, ErrClosed
		}
		return zero, errors.Wrap(err, "session")
	}
	return r.v, r.err
}

// SetDesk switches the agent to deskID: the lists reload, the open
// conversation is dropped and the subscriptions move to the new desk.
// Selecting the current desk again only re-asserts its subscription.
func (s *Session) SetDesk(ctx context.Context, deskID string) error {
	_, err := onLoop(ctx, s, func() (struct{}, error) {
		if deskID == s.lists.DeskID() && deskID != "" {
			s.coord.SetDesk(deskID)
			return struct{}{}, nil
		}
		s.logger.Info("desk selected", "desk", deskID, "previous", s.lists.DeskID())
		s.clearTicket()
		s.lists.Load(deskID)
		s.coord.SetDesk(deskID)
		return struct{}{}, nil
	})
	return err
}

// OpenTicket makes ticketID the open conversation. A ticket the lists do
// not hold is read from the API first and must belong to the current
// desk. An empty id closes the conversation.
func (s *Session) OpenTicket(ctx context.Context, ticketID string) (protocol.Ticket, error) {
	type lookup struct {
		ticket protocol.Ticket
		found  bool
		deskID string
	}
	l, err := onLoop(ctx, s, func() (lookup, error) {
		if ticketID == "" {
			s.clearTicket()
			return lookup{}, nil
		}
		if s.lists.DeskID() == "" {
			return lookup{}, errors.Mark(errors.New("no desk selected"), errs.ErrBadParameter)
		}
		t, ok := s.lists.Ticket(ticketID)
		return lookup{ticket: t, found: ok, deskID: s.lists.DeskID()}, nil
	})
	if err != nil || ticketID == "" {
		return protocol.Ticket{}, err
	}

	t := l.ticket
	if !l.found {
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		t, err = s.api.Tickets.Ticket(rctx, ticketID)
		cancel()
		if err != nil {
			return protocol.Ticket{}, errs.Fetch(errors.Wrapf(err, "read ticket %s", ticketID))
		}
		if t.DeskID != "" && t.DeskID != l.deskID {
			return protocol.Ticket{}, errors.Mark(
				errors.Newf("ticket %s belongs to desk %s", ticketID, t.DeskID), errs.ErrBadParameter)
		}
	}
	t.Messages = nil

	_, err = onLoop(ctx, s, func() (struct{}, error) {
		if s.lists.DeskID() != l.deskID {
			return struct{}{}, errs.Stale(errors.New("desk changed while opening ticket"))
		}
		s.selectTicket(t)
		return struct{}{}, nil
	})
	if err != nil {
		return protocol.Ticket{}, err
	}
	return t, nil
}

// selectTicket runs on the loop.
func (s *Session) selectTicket(t protocol.Ticket) {
	ref := t.Ref()
	if s.conv.Ref().Same(ref) && s.conv.State() != conversation.StateError {
		s.coord.SetTicket(ref)
		return
	}
	s.releaseView()
	s.owner = s.id + "/" + t.ID
	s.lists.SetActive(t.ID)
	s.conv.Select(ref)
	s.coord.SetTicket(ref)
	s.logger.Debug("ticket opened", "ticket", t.ID, "conversation", t.ConversationID)
}

// clearTicket runs on the loop.
func (s *Session) clearTicket() {
	s.releaseView()
	s.lists.SetActive("")
	s.conv.Clear()
	s.coord.SetTicket(protocol.TicketRef{})
}

func (s *Session) releaseView() {
	if s.owner == "" {
		return
	}
	if n := s.resolver.Release(s.owner); n > 0 {
		s.logger.Debug("released inline handles", "owner", s.owner, "count", n)
	}
	s.owner = ""
}

// conversationLoaded marks the ticket read once its thread is in: the
// latest incoming message is reported to the mail provider and the
// unread flag is cleared when that succeeds.
func (s *Session) conversationLoaded(ref protocol.TicketRef, err error) {
	if err != nil {
		return
	}
	t, ok := s.lists.Ticket(ref.ID)
	if !ok || !t.Unread {
		return
	}
	latest, ok := latestIncoming(s.conv.Messages())
	if !ok {
		s.lists.MarkRead(t.ID)
		return
	}
	deskID := t.DeskID
	if deskID == "" {
		deskID = s.lists.DeskID()
	}
	s.loop.Spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		err := s.api.Mail.MarkAsRead(ctx, latest.ID, deskID)
		s.loop.Post(func() {
			if err != nil {
				s.logger.Warn("mark as read failed", "ticket", t.ID, "message", latest.ID, "error", err)
				return
			}
			s.lists.MarkRead(t.ID)
		})
	})
}

func latestIncoming(msgs []protocol.Message) (protocol.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Direction == protocol.DirectionIncoming && msgs[i].IsCustomerVisible() {
			return msgs[i], true
		}
	}
	return protocol.Message{}, false
}

// Tickets renders one page of a list. An empty list name keeps the
// current one; page 0 keeps the current page.
func (s *Session) Tickets(ctx context.Context, list ticketlist.List, query string, page int) (ticketlist.Page, error) {
	if list != "" && !list.Valid() {
		return ticketlist.Page{}, errors.Mark(errors.Newf("unknown list %q", list), errs.ErrBadParameter)
	}
	return onLoop(ctx, s, func() (ticketlist.Page, error) {
		v := s.lists.View()
		if list != "" {
			v.SetList(list)
		}
		v.SetQuery(query)
		if page > 0 {
			v.SetPage(page)
		}
		return s.lists.Page(), nil
	})
}

// Conversation returns the open thread with inline references rewritten
// to blob handles. Handles belong to the open ticket and are released
// when the agent moves on.
func (s *Session) Conversation(ctx context.Context) (conversation.Snapshot, error) {
	type view struct {
		snap   conversation.Snapshot
		owner  string
		deskID string
	}
	v, err := onLoop(ctx, s, func() (view, error) {
		return view{snap: s.conv.Snapshot(), owner: s.owner, deskID: s.lists.DeskID()}, nil
	})
	if err != nil {
		return conversation.Snapshot{}, err
	}
	if v.owner == "" || v.snap.State != conversation.StateReady || len(v.snap.Messages) == 0 {
		return v.snap, nil
	}

	msgs, err := s.resolver.ResolveMessages(ctx, v.owner, v.deskID, v.snap.Messages)
	if err != nil {
		return conversation.Snapshot{}, err
	}
	current, err := onLoop(ctx, s, func() (bool, error) { return s.owner == v.owner, nil })
	if err != nil {
		s.resolver.Release(v.owner)
		return conversation.Snapshot{}, err
	}
	if !current {
		// the agent moved on while downloads ran
		s.resolver.Release(v.owner)
		s.metrics.StaleResponse("inline")
		return v.snap, nil
	}
	v.snap.Messages = msgs
	return v.snap, nil
}

// ReplyInput is an agent reply.
type ReplyInput struct {
	TicketID    string                `json:"ticket_id"`
	HTML        string                `json:"html"`
	CC          []string              `json:"cc,omitempty"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
}

// Reply sends in through the mail API, answering the latest incoming
// message of the ticket, and merges the sent message into the lists and
// the conversation.
func (s *Session) Reply(ctx context.Context, in ReplyInput) (protocol.Message, error) {
	if in.TicketID == "" {
		return protocol.Message{}, errors.Mark(errors.New("ticket_id is required"), errs.ErrBadParameter)
	}
	if in.HTML == "" {
		return protocol.Message{}, errors.Mark(errors.New("html is required"), errs.ErrBadParameter)
	}

	type target struct {
		ticket  protocol.Ticket
		found   bool
		replyTo string
		deskID  string
	}
	tg, err := onLoop(ctx, s, func() (target, error) {
		t, ok := s.lists.Ticket(in.TicketID)
		msgs := t.Messages
		if s.conv.Ref().ID == in.TicketID && s.conv.State() == conversation.StateReady {
			msgs = s.conv.Messages()
		}
		var replyTo string
		if m, ok := latestIncoming(msgs); ok {
			replyTo = m.ID
		}
		return target{ticket: t, found: ok, replyTo: replyTo, deskID: s.lists.DeskID()}, nil
	})
	if err != nil {
		return protocol.Message{}, err
	}

	t := tg.ticket
	if !tg.found {
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		t, err = s.api.Tickets.Ticket(rctx, in.TicketID)
		cancel()
		if err != nil {
			return protocol.Message{}, errs.Fetch(errors.Wrapf(err, "read ticket %s", in.TicketID))
		}
	}
	if tg.replyTo == "" {
		if m, ok := s.latestFromAPI(ctx, t.Ref()); ok {
			tg.replyTo = m.ID
		}
	}
	deskID := t.DeskID
	if deskID == "" {
		deskID = tg.deskID
	}

	sent, err := s.api.Mail.Reply(ctx, backend.ReplyRequest{
		TicketID:    t.ID,
		MessageID:   tg.replyTo,
		DeskID:      deskID,
		HTML:        in.HTML,
		CC:          in.CC,
		Attachments: in.Attachments,
	})
	if err != nil {
		return protocol.Message{}, errs.Fetch(errors.Wrapf(err, "reply on ticket %s", t.ID))
	}

	m := sent.Message
	if m.TicketID == "" && m.ConversationID == "" {
		m.TicketID = t.ID
		m.ConversationID = t.ConversationID
	}
	if m.DeskID == "" {
		m.DeskID = deskID
	}
	if m.Direction == "" {
		m.Direction = protocol.DirectionOutgoing
	}
	if m.HTML == "" {
		m.HTML = in.HTML
	}
	s.logger.Info("reply sent", "ticket", t.ID, "message", m.ID, "provider", sent.Provider)

	_, err = onLoop(ctx, s, func() (struct{}, error) {
		s.conv.ApplyInsert(m)
		s.lists.ApplyMessageInsert(m)
		return struct{}{}, nil
	})
	if err != nil {
		// sent anyway; the stream or a refresh brings it in
		s.logger.Warn("reply merge skipped", "ticket", t.ID, "error", err)
	}
	return m, nil
}

func (s *Session) latestFromAPI(ctx context.Context, ref protocol.TicketRef) (protocol.Message, bool) {
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	msgs, err := s.api.Tickets.TicketMessages(rctx, ref)
	if err != nil {
		s.logger.Warn("thread read failed", "ticket", ref.ID, "error", err)
		return protocol.Message{}, false
	}
	return latestIncoming(orderer.New(s.clock.Now).MergeAll(nil, msgs))
}

// UpdateStatus changes a ticket's status. Closing a ticket also sends the
// customer the resolution notice and asks for feedback; those two are
// best effort and only logged when they fail.
func (s *Session) UpdateStatus(ctx context.Context, ticketID string, status protocol.TicketStatus) (protocol.Ticket, error) {
	if ticketID == "" {
		return protocol.Ticket{}, errors.Mark(errors.New("ticket id is required"), errs.ErrBadParameter)
	}
	if !status.Valid() {
		return protocol.Ticket{}, errors.Mark(errors.Newf("unknown status %q", status), errs.ErrBadParameter)
	}
	type current struct {
		ticket protocol.Ticket
		msgs   []protocol.Message
	}
	cur, err := onLoop(ctx, s, func() (current, error) {
		t, _ := s.lists.Ticket(ticketID)
		msgs := t.Messages
		if s.conv.Ref().ID == ticketID && s.conv.State() == conversation.StateReady {
			msgs = s.conv.Messages()
		}
		t.Messages = nil
		return current{ticket: t, msgs: msgs}, nil
	})
	if err != nil {
		return protocol.Ticket{}, err
	}

	updated, err := s.api.Tickets.UpdateTicket(ctx, ticketID, backend.TicketPatch{Status: &status})
	if err != nil {
		return protocol.Ticket{}, errs.Fetch(errors.Wrapf(err, "update ticket %s", ticketID))
	}
	s.logger.Info("ticket status changed", "ticket", ticketID, "from", cur.ticket.Status, "to", updated.Status)

	if _, err := onLoop(ctx, s, func() (struct{}, error) {
		s.lists.ApplyTicketUpdate(cur.ticket, updated)
		return struct{}{}, nil
	}); err != nil {
		s.logger.Warn("status merge skipped", "ticket", ticketID, "error", err)
	}

	if status.IsClosed() && !cur.ticket.Status.IsClosed() {
		s.resolve(ctx, updated, cur.msgs)
	}
	return updated, nil
}

func (s *Session) resolve(ctx context.Context, t protocol.Ticket, msgs []protocol.Message) {
	latest, ok := latestIncoming(msgs)
	if !ok {
		latest, ok = s.latestFromAPI(ctx, t.Ref())
	}
	if ok {
		if err := s.api.Mail.SendResolutionNotice(ctx, latest.ID, t.DeskID); err != nil {
			s.logger.Warn("resolution notice failed", "ticket", t.ID, "message", latest.ID, "error", err)
		}
	} else {
		s.logger.Debug("no incoming message to send resolution notice on", "ticket", t.ID)
	}
	if err := s.api.Tickets.RequestFeedback(ctx, t.ID); err != nil {
		s.logger.Warn("feedback request failed", "ticket", t.ID, "error", err)
	}
}

// Refresh reloads the lists and the open conversation and reopens failed
// subscriptions. It is the manual way out of degraded mode.
func (s *Session) Refresh(ctx context.Context) error {
	_, err := onLoop(ctx, s, func() (struct{}, error) {
		if desk := s.lists.DeskID(); desk != "" {
			s.lists.Load(desk)
		}
		s.conv.Reload()
		s.coord.Reconnect()
		s.logger.Debug("session refreshed", "desk", s.lists.DeskID(), "ticket", s.conv.Ref().ID)
		return struct{}{}, nil
	})
	return err
}

// Status is the session's view of its own health.
type Status struct {
	SessionID    string                    `json:"session_id"`
	AgentID      string                    `json:"agent_id,omitempty"`
	DeskID       string                    `json:"desk_id,omitempty"`
	TicketID     string                    `json:"ticket_id,omitempty"`
	Degraded     bool                      `json:"degraded"`
	Loading      bool                      `json:"loading"`
	ListError    string                    `json:"list_error,omitempty"`
	Counts       map[ticketlist.List]int   `json:"counts"`
	Conversation conversation.State        `json:"conversation"`
	Scopes       []coordinator.ScopeStatus `json:"scopes"`
}

// Status reports subscriptions, list sizes and the degraded flag.
func (s *Session) Status(ctx context.Context) (Status, error) {
	return onLoop(ctx, s, func() (Status, error) {
		cs := s.coord.Status()
		st := Status{
			SessionID:    s.id,
			AgentID:      s.agentID,
			DeskID:       s.lists.DeskID(),
			TicketID:     s.conv.Ref().ID,
			Degraded:     cs.Degraded,
			Loading:      s.lists.Loading(),
			Counts:       s.lists.Counts(),
			Conversation: s.conv.State(),
			Scopes:       cs.Scopes,
		}
		if err := s.lists.Err(); err != nil {
			st.ListError = err.Error()
		}
		return st, nil
	})
}

// Close tears the session down: subscriptions are closed, inline handles
// released and the loop stopped. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	_, err := onLoop(ctx, s, func() (struct{}, error) {
		s.closed = true
		s.coord.Close()
		s.releaseView()
		s.conv.Clear()
		return struct{}{}, nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	s.metrics.SessionClosed()
	s.logger.Info("session closed", "agent", s.agentID)
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// route applies a delivered change to the stores. Message changes go to
// both: the conversation ignores what it does not own.
func (s *Session) route(kind coordinator.Kind, c protocol.Change) {
	switch c.Table {
	case protocol.TableTickets:
		t, ok := protocol.AsTicket(c.Record)
		if !ok {
			return
		}
		if c.Kind == protocol.ChangeInsert {
			s.lists.ApplyTicketInsert(t)
			return
		}
		old, _ := protocol.AsTicket(c.OldRecord)
		s.lists.ApplyTicketUpdate(old, t)

	case protocol.TableMessages:
		m, ok := protocol.AsMessage(c.Record)
		if !ok {
			return
		}
		if c.Kind == protocol.ChangeUpdate {
			old, _ := protocol.AsMessage(c.OldRecord)
			s.conv.ApplyUpdate(old, m)
			s.lists.ApplyMessageUpdate(old, m)
			return
		}
		open := s.conv.ApplyInsert(m)
		if s.lists.ApplyMessageInsert(m) && kind == coordinator.KindDesk && !open {
			s.notify(m)
		}
	}
}

// notify runs on the loop.
func (s *Session) notify(m protocol.Message) {
	if s.notifier == nil || m.Direction != protocol.DirectionIncoming || !m.IsCustomerVisible() {
		return
	}
	t, ok := s.lists.Find(m)
	if !ok {
		return
	}
	t.Messages = nil
	n := connector.Notification{
		SessionID: s.id,
		AgentID:   s.agentID,
		DeskID:    s.lists.DeskID(),
		Ticket:    t,
		Message:   m,
	}
	s.loop.Spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("agent notification failed", "ticket", t.ID, "error", err)
		}
	})
}

func (s *Session) statusChanged(st coordinator.Status) {
	if st.Degraded {
		s.logger.Warn("live updates degraded", "desk", st.DeskID, "ticket", st.TicketID)
	} else {
		s.logger.Info("live updates restored", "desk", st.DeskID)
	}
	if s.onDegraded != nil {
		s.onDegraded(s, st.Degraded)
	}
}
