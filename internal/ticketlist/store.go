// Package ticketlist keeps the desk's open, closed and unread ticket
// lists current as change events arrive.
//
// A Store is owned by one event loop. Every exported method must be
// called from a task running on that loop.
package ticketlist

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/eventloop"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/metrics"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/orderer"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/preview"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// List names one of the three collections.
type List string

const (
	ListOpen   List = "open"
	ListClosed List = "closed"
	ListUnread List = "unread"
)

// Valid reports whether l names a known list.
func (l List) Valid() bool {
	switch l {
	case ListOpen, ListClosed, ListUnread:
		return true
	}
	return false
}

// API is the part of the ticket API the lists read from.
type API interface {
	TicketsByStatus(ctx context.Context, deskID string, status protocol.TicketStatus) ([]protocol.Ticket, error)
	Ticket(ctx context.Context, id string) (protocol.Ticket, error)
}

// Options configures a Store.
type Options struct {
	Loop    eventloop.Loop
	API     API
	Orderer *orderer.Orderer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// PageSize for the search view. Zero means DefaultPageSize.
	PageSize int
	// FetchTimeout bounds list and ticket reads. Zero means 30s.
	FetchTimeout time.Duration
	// OnLoaded runs on the loop when a desk load resolves.
	OnLoaded func(deskID string, err error)
}

type event struct {
	apply func()
}

// Store is the TicketListStore.
type Store struct {
	loop     eventloop.Loop
	api      API
	orderer  *orderer.Orderer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	onLoaded func(string, error)

	deskID  string
	gen     uint64
	loading bool
	loaded  bool
	err     error
	pending []event

	// open and closed are most-recent-first. The unread view is derived
	// from open so a ticket can never sit in two lists.
	open   []protocol.Ticket
	closed []protocol.Ticket

	// closing holds a token per ticket whose closed-list read is in
	// flight. A reopen or a newer close replaces or deletes the token,
	// which makes the older read stale.
	closing  map[string]uint64
	closeSeq uint64
	activeID string
	view     View
}

// New creates an empty Store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := opts.Orderer
	if o == nil {
		o = orderer.New(nil)
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{
		loop:     opts.Loop,
		api:      opts.API,
		orderer:  o,
		logger:   logger.With("component", "ticketlist"),
		metrics:  opts.Metrics,
		timeout:  timeout,
		onLoaded: opts.OnLoaded,
		closing:  make(map[string]uint64),
		view:     NewView(opts.PageSize),
	}
}

// Load fetches every list for deskID. Switching to another desk drops the
// current lists at once; reloading the same desk keeps them until the
// fetch resolves. A failed reload leaves the lists untouched.
func (s *Store) Load(deskID string) {
	if deskID != s.deskID {
		s.open, s.closed = nil, nil
		s.closing = make(map[string]uint64)
		s.loaded = false
		s.view.Reset()
	}
	s.gen++
	s.deskID = deskID
	s.loading = true
	s.err = nil
	s.pending = nil
	if deskID == "" {
		s.loading = false
		return
	}

	gen := s.gen
	s.loop.Spawn(func() {
		open, closed, err := s.fetchAll(deskID)
		s.loop.Post(func() { s.resolveLoad(deskID, gen, open, closed, err) })
	})
}

func (s *Store) fetchAll(deskID string) (open, closed []protocol.Ticket, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	statuses := append(append([]protocol.TicketStatus(nil), protocol.ActiveStatuses...), protocol.TicketClosed)
	results := make([][]protocol.Ticket, len(statuses))
	g, gctx := errgroup.WithContext(ctx)
	for i, status := range statuses {
		g.Go(func() error {
			tickets, err := s.api.TicketsByStatus(gctx, deskID, status)
			if err != nil {
				return err
			}
			results[i] = tickets
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// A ticket that changed status mid-load can show up twice; the newer
	// row wins.
	byID := make(map[string]protocol.Ticket)
	for _, batch := range results {
		for _, t := range batch {
			if prev, ok := byID[t.ID]; ok && prev.LastActivityAt.After(t.LastActivityAt) {
				continue
			}
			byID[t.ID] = t
		}
	}
	for _, t := range byID {
		if t.Status.IsClosed() {
			closed = append(closed, t)
		} else {
			open = append(open, t)
		}
	}
	sortByActivity(open)
	sortByActivity(closed)
	return open, closed, nil
}

func (s *Store) resolveLoad(deskID string, gen uint64, open, closed []protocol.Ticket, err error) {
	if gen != s.gen || deskID != s.deskID {
		s.metrics.StaleResponse("ticketlist")
		s.logger.Debug("discarding stale ticket list load", "desk", deskID, "current", s.deskID)
		return
	}
	s.loading = false
	pending := s.pending
	s.pending = nil
	if err != nil {
		s.err = errs.Fetch(err)
		s.logger.Warn("ticket list load failed", "desk", deskID, "error", err)
	} else {
		s.open, s.closed = open, closed
		s.loaded = true
		s.closing = make(map[string]uint64)
		s.logger.Debug("ticket lists loaded", "desk", deskID, "open", len(open), "closed", len(closed))
	}
	for _, ev := range pending {
		ev.apply()
	}
	if s.onLoaded != nil {
		s.onLoaded(deskID, s.err)
	}
}

// deferred queues fn while a load is in flight so the fetched lists do not
// overwrite it. It reports whether fn was queued.
func (s *Store) deferred(fn func()) bool {
	if !s.loading {
		return false
	}
	s.pending = append(s.pending, event{apply: fn})
	return true
}

func (s *Store) belongs(deskID string) bool {
	return deskID == "" || deskID == s.deskID
}

// ApplyTicketInsert adds t to the front of its list. A ticket that is
// already present anywhere is left alone.
func (s *Store) ApplyTicketInsert(t protocol.Ticket) {
	if !s.belongs(t.DeskID) {
		return
	}
	if s.deferred(func() { s.ApplyTicketInsert(t) }) {
		return
	}
	if _, _, ok := s.find(t.ID); ok {
		return
	}
	if _, closing := s.closing[t.ID]; closing {
		return
	}
	if t.Status.IsClosed() {
		s.closed = prepend(s.closed, t)
	} else {
		s.open = prepend(s.open, t)
	}
	s.metrics.EventApplied("ticketlist", string(protocol.TableTickets), string(protocol.ChangeInsert))
}

// ApplyTicketUpdate applies a ticket row change. old may be the zero
// Ticket when the source did not ship the previous row.
//
// A transition into closed removes the ticket from open at once and
// re-reads it before it enters the closed list, since the closed list
// shows fields only a fresh read carries. A reopen moves it back to open.
// Anything else patches the entry in place; it only moves when its last
// activity changed. An update for an unknown ticket is an insert.
func (s *Store) ApplyTicketUpdate(old, t protocol.Ticket) {
	if !s.belongs(t.DeskID) {
		return
	}
	if s.deferred(func() { s.ApplyTicketUpdate(old, t) }) {
		return
	}
	defer s.metrics.EventApplied("ticketlist", string(protocol.TableTickets), string(protocol.ChangeUpdate))

	list, i, found := s.find(t.ID)
	wasClosed := list == ListClosed
	if !found {
		if _, closing := s.closing[t.ID]; closing {
			wasClosed = true
		} else if old.ID != "" {
			wasClosed = old.Status.IsClosed()
		}
	}

	switch {
	case t.Status.IsClosed() && !wasClosed:
		if found {
			s.open = remove(s.open, i)
		}
		s.fetchClosed(t)

	case t.Status.IsClosed():
		if _, closing := s.closing[t.ID]; closing {
			// the pending read will carry the newer fields
			return
		}
		if found {
			s.closed[i] = patch(s.closed[i], t)
			s.closed = reposition(s.closed, i)
		} else {
			s.closed = insertByActivity(s.closed, t)
		}

	case list == ListClosed || wasClosed:
		delete(s.closing, t.ID)
		if found {
			t = patch(s.closed[i], t)
			s.closed = remove(s.closed, i)
		}
		s.open = insertByActivity(s.open, t)

	case found:
		s.open[i] = patch(s.open[i], t)
		s.open = reposition(s.open, i)

	default:
		s.open = insertByActivity(s.open, t)
	}
}

func (s *Store) fetchClosed(t protocol.Ticket) {
	s.closeSeq++
	token := s.closeSeq
	s.closing[t.ID] = token
	gen := s.gen

	s.loop.Spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		fresh, err := s.api.Ticket(ctx, t.ID)
		s.loop.Post(func() { s.resolveClosed(t, gen, token, fresh, err) })
	})
}

func (s *Store) resolveClosed(event protocol.Ticket, gen, token uint64, fresh protocol.Ticket, err error) {
	if gen != s.gen || s.closing[event.ID] != token {
		s.metrics.StaleResponse("ticketlist")
		return
	}
	delete(s.closing, event.ID)

	entry := fresh
	if err != nil {
		// Fall back to the event row. The next refresh corrects it.
		s.logger.Warn("closed ticket read failed", "ticket", event.ID, "error", err)
		entry = event
	} else if !fresh.Status.IsClosed() {
		// reopened between the event and the read
		s.open = insertByActivity(s.open, fresh)
		return
	}
	entry.Status = protocol.TicketClosed
	if list, i, ok := s.find(entry.ID); ok {
		// an insert raced the read
		s.setEntries(list, remove(s.entries(list), i))
	}
	s.closed = insertByActivity(s.closed, entry)
}

// ApplyMessageInsert folds a new message into its ticket's entry: the
// message cache, preview, last activity and count, and moves the entry to
// the front. Incoming customer messages mark the ticket unread unless it
// is the one the agent has open. It reports false when no loaded ticket
// owns the message; the event is dropped and a refresh picks it up.
func (s *Store) ApplyMessageInsert(m protocol.Message) bool {
	if !s.belongs(m.DeskID) {
		return false
	}
	if s.deferred(func() { s.ApplyMessageInsert(m) }) {
		return true
	}
	list, i, ok := s.findOwner(m)
	if !ok {
		s.metrics.EventDropped("ticketlist", string(protocol.TableMessages))
		s.logger.Debug("dropping message for unloaded ticket", "message", m.ID, "ticket", m.TicketID)
		return false
	}
	entries := s.entries(list)
	t := entries[i]
	before := len(t.Messages)
	t.Messages = s.orderer.Merge(t.Messages, m)
	if len(t.Messages) == before {
		return true
	}

	ts, _ := t.Messages[orderer.Index(t.Messages, m.ID)].Timestamp()
	if ts.After(t.LastActivityAt) {
		t.LastActivityAt = ts
	}
	if m.IsCustomerVisible() {
		t.Preview = preview.FromMessage(m)
	}
	t.MessageCount++
	if m.Direction == protocol.DirectionIncoming && m.IsCustomerVisible() && t.ID != s.activeID {
		t.Unread = true
	}
	entries[i] = t
	s.setEntries(list, moveToFront(entries, i))
	s.metrics.EventApplied("ticketlist", string(protocol.TableMessages), string(protocol.ChangeInsert))
	return true
}

// ApplyMessageUpdate keeps the entry's message cache in sync with an
// edit. An edit to the latest message refreshes the preview. An unknown
// message is treated as an insert.
func (s *Store) ApplyMessageUpdate(_, m protocol.Message) bool {
	if !s.belongs(m.DeskID) {
		return false
	}
	if s.deferred(func() { s.ApplyMessageUpdate(protocol.Message{}, m) }) {
		return true
	}
	list, i, ok := s.findOwner(m)
	if !ok {
		s.metrics.EventDropped("ticketlist", string(protocol.TableMessages))
		return false
	}
	entries := s.entries(list)
	t := entries[i]
	if orderer.Index(t.Messages, m.ID) < 0 {
		return s.ApplyMessageInsert(m)
	}
	t.Messages = s.orderer.Upsert(t.Messages, m)
	if last := t.Messages[len(t.Messages)-1]; last.ID == m.ID && m.IsCustomerVisible() {
		t.Preview = preview.FromMessage(m)
	}
	entries[i] = t
	s.metrics.EventApplied("ticketlist", string(protocol.TableMessages), string(protocol.ChangeUpdate))
	return true
}

// MarkRead clears the unread flag of ticket id.
func (s *Store) MarkRead(id string) {
	if list, i, ok := s.find(id); ok {
		s.entries(list)[i].Unread = false
	}
}

// SetActive records the ticket the agent has open. Incoming messages on
// it do not raise the unread flag.
func (s *Store) SetActive(id string) { s.activeID = id }

// Ticket returns the entry for id from whichever list holds it.
func (s *Store) Ticket(id string) (protocol.Ticket, bool) {
	list, i, ok := s.find(id)
	if !ok {
		return protocol.Ticket{}, false
	}
	return s.entries(list)[i], true
}

// Find locates the ticket owning m.
func (s *Store) Find(m protocol.Message) (protocol.Ticket, bool) {
	list, i, ok := s.findOwner(m)
	if !ok {
		return protocol.Ticket{}, false
	}
	return s.entries(list)[i], true
}

// List returns the entries of l in display order. The unread list is the
// open list filtered to unread tickets.
func (s *Store) List(l List) []protocol.Ticket {
	switch l {
	case ListOpen:
		return s.open
	case ListClosed:
		return s.closed
	case ListUnread:
		var out []protocol.Ticket
		for _, t := range s.open {
			if t.Unread {
				out = append(out, t)
			}
		}
		return out
	}
	return nil
}

// DeskID returns the desk the lists belong to.
func (s *Store) DeskID() string { return s.deskID }

// Loading reports whether a desk load is in flight.
func (s *Store) Loading() bool { return s.loading }

// Err returns the error of the last failed load.
func (s *Store) Err() error { return s.err }

// Counts returns the size of each list.
func (s *Store) Counts() map[List]int {
	return map[List]int{
		ListOpen:   len(s.open),
		ListClosed: len(s.closed),
		ListUnread: len(s.List(ListUnread)),
	}
}

// View returns the search and pagination state.
func (s *Store) View() *View { return &s.view }

// Page renders the current view page.
func (s *Store) Page() Page { return s.view.Render(s.List(s.view.List())) }

func (s *Store) find(id string) (List, int, bool) {
	for i := range s.open {
		if s.open[i].ID == id {
			return ListOpen, i, true
		}
	}
	for i := range s.closed {
		if s.closed[i].ID == id {
			return ListClosed, i, true
		}
	}
	return "", -1, false
}

func (s *Store) findOwner(m protocol.Message) (List, int, bool) {
	for i := range s.open {
		if s.open[i].Ref().Owns(m) {
			return ListOpen, i, true
		}
	}
	for i := range s.closed {
		if s.closed[i].Ref().Owns(m) {
			return ListClosed, i, true
		}
	}
	return "", -1, false
}

func (s *Store) entries(l List) []protocol.Ticket {
	if l == ListClosed {
		return s.closed
	}
	return s.open
}

func (s *Store) setEntries(l List, entries []protocol.Ticket) {
	if l == ListClosed {
		s.closed = entries
	} else {
		s.open = entries
	}
}

// patch copies the row fields of t onto cur, keeping the message cache
// and any denormalized field the row left empty.
func patch(cur, t protocol.Ticket) protocol.Ticket {
	out := t
	out.Messages = cur.Messages
	if out.Preview == "" {
		out.Preview = cur.Preview
	}
	if out.MessageCount < cur.MessageCount {
		out.MessageCount = cur.MessageCount
	}
	if out.LastActivityAt.Before(cur.LastActivityAt) {
		out.LastActivityAt = cur.LastActivityAt
	}
	return out
}

func prepend(list []protocol.Ticket, t protocol.Ticket) []protocol.Ticket {
	out := make([]protocol.Ticket, 0, len(list)+1)
	out = append(out, t)
	return append(out, list...)
}

func remove(list []protocol.Ticket, i int) []protocol.Ticket {
	out := make([]protocol.Ticket, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}

func moveToFront(list []protocol.Ticket, i int) []protocol.Ticket {
	if i == 0 {
		return list
	}
	t := list[i]
	copy(list[1:i+1], list[:i])
	list[0] = t
	return list
}

// insertByActivity places t before the first entry with older activity,
// so equal timestamps keep earlier entries ahead.
func insertByActivity(list []protocol.Ticket, t protocol.Ticket) []protocol.Ticket {
	pos := len(list)
	for i := range list {
		if list[i].LastActivityAt.Before(t.LastActivityAt) {
			pos = i
			break
		}
	}
	out := make([]protocol.Ticket, 0, len(list)+1)
	out = append(out, list[:pos]...)
	out = append(out, t)
	return append(out, list[pos:]...)
}

// reposition moves entry i only if its activity no longer fits where it
// sits.
func reposition(list []protocol.Ticket, i int) []protocol.Ticket {
	t := list[i]
	inPlace := (i == 0 || !list[i-1].LastActivityAt.Before(t.LastActivityAt)) &&
		(i == len(list)-1 || !t.LastActivityAt.Before(list[i+1].LastActivityAt))
	if inPlace {
		return list
	}
	return insertByActivity(remove(list, i), t)
}

func sortByActivity(list []protocol.Ticket) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].LastActivityAt.Equal(list[j].LastActivityAt) {
			return list[i].LastActivityAt.After(list[j].LastActivityAt)
		}
		return list[i].ID < list[j].ID
	})
}
