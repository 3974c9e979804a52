// Package conversation holds the message list of the ticket an agent has
// open.
//
// A Store is owned by one event loop. Every exported method must be
// called from a task running on that loop.
package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/eventloop"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/metrics"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/orderer"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// State is the lifecycle of the open conversation.
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateEmpty; st <= StateError; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return errors.Newf("unknown conversation state %q", b)
}

// Fetcher loads a full thread.
type Fetcher interface {
	TicketMessages(ctx context.Context, ref protocol.TicketRef) ([]protocol.Message, error)
}

// Snapshot is a copy of the store for readers outside the loop.
type Snapshot struct {
	Ref      protocol.TicketRef `json:"ticket"`
	State    State              `json:"state"`
	Messages []protocol.Message `json:"messages"`
	Error    string             `json:"error,omitempty"`
}

// Options configures a Store.
type Options struct {
	Loop    eventloop.Loop
	API     Fetcher
	Orderer *orderer.Orderer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// FetchTimeout bounds a thread load. Zero means 30s.
	FetchTimeout time.Duration
	// OnLoaded runs on the loop after a fetch for the current selection
	// resolves, successfully or not.
	OnLoaded func(ref protocol.TicketRef, err error)
}

type bufferedEvent struct {
	update bool
	msg    protocol.Message
}

// Store is the ConversationStore.
type Store struct {
	loop     eventloop.Loop
	api      Fetcher
	orderer  *orderer.Orderer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	onLoaded func(protocol.TicketRef, error)

	ref      protocol.TicketRef
	state    State
	seq      uint64
	messages []protocol.Message
	err      error
	pending  []bufferedEvent
	// reloading is set while a ready thread is refetched in place.
	reloading bool
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
		logger:   logger.With("component", "conversation"),
		metrics:  opts.Metrics,
		timeout:  timeout,
		onLoaded: opts.OnLoaded,
	}
}

// Select makes ref the open conversation and starts loading it. The
// transition to loading happens before the fetch is even spawned; nothing
// here waits on the previous ticket. A zero ref clears the store.
func (s *Store) Select(ref protocol.TicketRef) {
	if ref.IsZero() {
		s.Clear()
		return
	}
	s.seq++
	s.ref = ref
	s.state = StateLoading
	s.messages = nil
	s.err = nil
	s.pending = nil
	s.reloading = false
	s.fetch(ref)
}

func (s *Store) fetch(ref protocol.TicketRef) {
	seq := s.seq
	s.loop.Spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		msgs, err := s.api.TicketMessages(ctx, ref)
		s.loop.Post(func() { s.resolve(ref, seq, msgs, err) })
	})
}

// Retry reloads the current conversation after a failed fetch.
func (s *Store) Retry() {
	if s.state != StateError {
		return
	}
	s.Select(s.ref)
}

// Reload refetches the current conversation regardless of state. A ready
// thread stays displayed and live while the fetch runs; a failed reload
// keeps it and only reports the error.
func (s *Store) Reload() {
	if s.ref.IsZero() {
		return
	}
	if s.state != StateReady {
		s.Select(s.ref)
		return
	}
	s.seq++
	s.reloading = true
	s.pending = nil
	s.fetch(s.ref)
}

// Clear drops the selection. In-flight fetches become stale.
func (s *Store) Clear() {
	s.seq++
	s.ref = protocol.TicketRef{}
	s.state = StateEmpty
	s.messages = nil
	s.err = nil
	s.pending = nil
	s.reloading = false
}

func (s *Store) resolve(ref protocol.TicketRef, seq uint64, msgs []protocol.Message, err error) {
	if seq != s.seq || !ref.Same(s.ref) {
		s.metrics.StaleResponse("conversation")
		s.logger.Debug("discarding stale conversation fetch",
			"ticket", ref.ID,
			"current", s.ref.ID,
			"error", errs.Stale(err),
		)
		return
	}
	reloading := s.reloading
	s.reloading = false
	if err != nil && reloading {
		s.pending = nil
		s.logger.Warn("conversation reload failed, keeping displayed thread", "ticket", ref.ID, "error", err)
		if s.onLoaded != nil {
			s.onLoaded(ref, errs.Fetch(err))
		}
		return
	}
	if err != nil {
		s.state = StateError
		s.err = errs.Fetch(err)
		s.pending = nil
		s.logger.Warn("conversation fetch failed", "ticket", ref.ID, "error", err)
		if s.onLoaded != nil {
			s.onLoaded(ref, s.err)
		}
		return
	}

	// Rows the API returns for the legacy id may still lack the canonical
	// ticket id; keep only what this ticket owns.
	out := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		if ref.Owns(m) || (m.TicketID == "" && m.ConversationID == "") {
			out = append(out, m)
		}
	}
	s.messages = s.orderer.MergeAll(nil, out)
	for _, ev := range s.pending {
		if ev.update {
			s.messages = s.orderer.Upsert(s.messages, ev.msg)
		} else {
			s.messages = s.orderer.Merge(s.messages, ev.msg)
		}
	}
	if n := len(s.pending); n > 0 {
		s.logger.Debug("folded buffered events", "ticket", ref.ID, "count", n)
	}
	s.pending = nil
	s.state = StateReady
	if s.onLoaded != nil {
		s.onLoaded(ref, nil)
	}
}

// ApplyInsert folds a message insert into the open conversation. It
// reports whether the message belongs to it.
func (s *Store) ApplyInsert(msg protocol.Message) bool {
	return s.apply(msg, false)
}

// ApplyUpdate replaces a message by id, inserting it when unknown. It
// reports whether the message belongs to the open conversation.
func (s *Store) ApplyUpdate(_, msg protocol.Message) bool {
	return s.apply(msg, true)
}

func (s *Store) apply(msg protocol.Message, update bool) bool {
	if s.ref.IsZero() || !s.ref.Owns(msg) {
		return false
	}
	kind := string(protocol.ChangeInsert)
	if update {
		kind = string(protocol.ChangeUpdate)
	}
	switch s.state {
	case StateLoading:
		s.pending = append(s.pending, bufferedEvent{update: update, msg: msg})
	case StateReady:
		if update {
			s.messages = s.orderer.Upsert(s.messages, msg)
		} else {
			s.messages = s.orderer.Merge(s.messages, msg)
		}
		if s.reloading {
			// folded again into the refetched thread
			s.pending = append(s.pending, bufferedEvent{update: update, msg: msg})
		}
	default:
		// error: the next successful load includes it
		s.metrics.EventDropped("conversation", string(protocol.TableMessages))
		return true
	}
	s.metrics.EventApplied("conversation", string(protocol.TableMessages), kind)
	return true
}

// Ref returns the open ticket.
func (s *Store) Ref() protocol.TicketRef { return s.ref }

// State returns the current lifecycle state.
func (s *Store) State() State { return s.state }

// Err returns the last fetch error while in StateError.
func (s *Store) Err() error { return s.err }

// Messages returns the ordered thread. The slice must not be modified.
func (s *Store) Messages() []protocol.Message { return s.messages }

// Snapshot copies the store.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		Ref:      s.ref,
		State:    s.state,
		Messages: append([]protocol.Message(nil), s.messages...),
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}
