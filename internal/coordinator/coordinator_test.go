package coordinator

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/clock"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/eventloop"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/metrics"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type routed struct {
	kind Kind
	c    protocol.Change
}

type harness struct {
	loop     *eventloop.Manual
	clock    *clock.FakeClock
	bus      *bus.Memory
	metrics  *metrics.Metrics
	coord    *Coordinator
	routed   []routed
	statuses []Status
}

func newHarness(t *testing.T, b BackoffConfig) *harness {
	t.Helper()
	h := &harness{
		loop:    eventloop.NewManual(),
		clock:   clock.Fake(t0),
		bus:     bus.NewMemory(nil),
		metrics: metrics.New(),
	}
	h.coord = New(Options{
		Loop:    h.loop,
		Bus:     h.bus,
		Clock:   h.clock,
		Metrics: h.metrics,
		Backoff: b,
		Router: RouterFunc(func(kind Kind, c protocol.Change) {
			h.routed = append(h.routed, routed{kind, c})
		}),
		OnStatus: func(s Status) { h.statuses = append(h.statuses, s) },
	})
	return h
}

// settle runs all spawned work, including closes spawned by it.
func (h *harness) settle() { h.loop.RunBackground() }

// selectTicket selects ref and lets the debounce elapse.
func (h *harness) selectTicket(ref protocol.TicketRef) {
	h.coord.SetTicket(ref)
	h.clock.Advance(DefaultDebounce)
	h.settle()
}

func (h *harness) handles(t *testing.T, key string) int {
	t.Helper()
	return len(h.bus.HandlesFor(key))
}

func (h *harness) state(key string) State {
	for _, s := range h.coord.Status().Scopes {
		if s.Key == key {
			return s.State
		}
	}
	return ""
}

func TestDeskScopeDeliversMatchingChanges(t *testing.T) {
	h := newHarness(t, BackoffConfig{})
	h.coord.SetDesk("d-1")
	h.settle()

	if got := h.state(DeskKey("d-1")); got != StateActive {
		t.Fatalf("desk scope state = %q, want active", got)
	}
	h.bus.Publish(t.Context(), protocol.TicketInserted(protocol.Ticket{ID: "t-1", DeskID: "d-1"}))
	h.bus.Publish(t.Context(), protocol.TicketInserted(protocol.Ticket{ID: "t-2", DeskID: "d-2"}))
	h.bus.Publish(t.Context(), protocol.MessageInserted(protocol.Message{ID: "m-1", DeskID: "d-1", TicketID: "t-1"}))

	if len(h.routed) != 2 {
		t.Fatalf("routed %d changes, want 2", len(h.routed))
	}
	if h.routed[0].kind != KindDesk || h.routed[0].c.Record.RecordID() != "t-1" {
		t.Errorf("first routed = %+v", h.routed[0])
	}
	if h.routed[1].c.Table != protocol.TableMessages {
		t.Errorf("second routed table = %q", h.routed[1].c.Table)
	}
	if got := testutil.ToFloat64(h.metrics.ActiveSubscriptions.WithLabelValues("desk")); got != 1 {
		t.Errorf("active desk subscriptions = %v", got)
	}
}

func TestScopesAreSingular(t *testing.T) {
	h := newHarness(t, BackoffConfig{})
	h.coord.SetDesk("d-1")
	h.coord.SetDesk("d-1")
	h.settle()
	h.coord.SetDesk("d-1")
	h.settle()

	ref := protocol.TicketRef{ID: "t-1"}
	h.coord.SetTicket(ref)
	h.coord.SetTicket(ref)
	h.clock.Advance(DefaultDebounce)
	h.settle()
	h.coord.SetTicket(ref)
	h.settle()

	if n := h.handles(t, DeskKey("d-1")); n != 1 {
		t.Errorf("desk handles = %d, want 1", n)
	}
	if n := h.handles(t, TicketKey(ref)); n != 1 {
		t.Errorf("ticket handles = %d, want 1", n)
	}
	if n := len(h.bus.Handles()); n != 2 {
		t.Errorf("total handles = %d, want 2", n)
	}
}

func TestTicketSelectionIsDebounced(t *testing.T) {
	h := newHarness(t, BackoffConfig{})
	h.coord.SetDesk("d-1")
	h.settle()

	h.coord.SetTicket(protocol.TicketRef{ID: "t-1"})
	h.clock.Advance(100 * time.Millisecond)
	h.coord.SetTicket(protocol.TicketRef{ID: "t-2"})
	h.clock.Advance(100 * time.Millisecond)
	h.coord.SetTicket(protocol.TicketRef{ID: "t-3"})
	h.clock.Advance(DefaultDebounce - time.Millisecond)
	h.settle()

	if n := len(h.bus.Handles()); n != 1 {
		t.Fatalf("handles before debounce elapsed = %d, want only the desk", n)
	}

	h.clock.Advance(time.Millisecond)
	h.settle()

	for _, id := range []string{"t-1", "t-2"} {
		if n := h.handles(t, TicketKey(protocol.TicketRef{ID: id})); n != 0 {
			t.Errorf("%s has %d handles, want 0", id, n)
		}
	}
	if n := h.handles(t, TicketKey(protocol.TicketRef{ID: "t-3"})); n != 1 {
		t.Errorf("t-3 handles = %d, want 1", n)
	}
}

func TestDeskSwitchTearsDownTicketAndDesk(t *testing.T) {
	h := newHarness(t, BackoffConfig{})
	h.coord.SetDesk("d-1")
	h.settle()
	h.selectTicket(protocol.TicketRef{ID: "t-1"})

	h.coord.SetDesk("d-2")
	h.settle()

	if got := h.coord.Keys(); len(got) != 1 || got[0] != DeskKey("d-2") {
		t.Fatalf("keys = %v", got)
	}
	handles := h.bus.Handles()
	if len(handles) != 1 || handles[0].Scope.Key != DeskKey("d-2") {
		t.Fatalf("bus handles = %+v", handles)
	}

	h.bus.Publish(t.Context(), protocol.MessageInserted(protocol.Message{ID: "m-1", DeskID: "d-1", TicketID: "t-1"}))
	if len(h.routed) != 0 {
		t.Errorf("old desk change routed: %+v", h.routed)
	}
}

func TestTicketScopeMatchesLegacyConversation(t *testing.T) {
	h := newHarness(t, BackoffConfig{})
	h.selectTicket(protocol.TicketRef{ID: "t-1", ConversationID: "c-7"})

	h.bus.Publish(t.Context(), protocol.MessageInserted(protocol.Message{ID: "m-1", ConversationID: "c-7"}))
	old := protocol.Message{ID: "m-2", TicketID: "t-1"}
	h.bus.Publish(t.Context(), protocol.MessageUpdated(old, protocol.Message{ID: "m-2", TicketID: "t-1", Text: "edited"}))

	if len(h.routed) != 2 {
		t.Fatalf("routed = %d, want 2", len(h.routed))
	}
	if h.routed[1].kind != KindTicket || h.routed[1].c.Kind != protocol.ChangeUpdate || h.routed[1].c.OldRecord == nil {
		t.Errorf("update routed as %+v", h.routed[1])
	}
}

func TestLateOpenOfDeselectedTicketIsClosed(t *testing.T) {
	h := newHarness(t, BackoffConfig{})
	h.coord.SetTicket(protocol.TicketRef{ID: "t-1"})
	h.clock.Advance(DefaultDebounce)
	// the open for t-1 is spawned but has not run yet
	h.coord.SetTicket(protocol.TicketRef{ID: "t-2"})
	h.clock.Advance(DefaultDebounce)
	h.settle()

	if n := h.handles(t, TicketKey(protocol.TicketRef{ID: "t-1"})); n != 0 {
		t.Errorf("t-1 handles = %d, want 0", n)
	}
	if n := h.handles(t, TicketKey(protocol.TicketRef{ID: "t-2"})); n != 1 {
		t.Errorf("t-2 handles = %d, want 1", n)
	}
	if got := h.coord.Keys(); len(got) != 1 {
		t.Errorf("keys = %v", got)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	h := newHarness(t, BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second})
	h.coord.SetDesk("d-1")
	h.settle()

	key := DeskKey("d-1")
	first := h.coord.Handle(key)
	if !h.bus.InjectError(first.ID, errs.Transient(errors.New("connection reset"))) {
		t.Fatal("inject failed")
	}
	h.settle()

	st := h.coord.Status()
	if len(st.Scopes) != 1 || st.Scopes[0].State != StateError || !st.Scopes[0].Retrying {
		t.Fatalf("status after failure = %+v", st)
	}
	if st.Degraded {
		t.Fatal("transient failure must not degrade")
	}

	h.clock.Advance(time.Second)
	h.settle()

	if got := h.state(key); got != StateActive {
		t.Fatalf("state after retry = %q", got)
	}
	if next := h.coord.Handle(key); next == nil || next.ID == first.ID {
		t.Fatalf("expected a fresh handle, got %+v", next)
	}
	if n := h.handles(t, key); n != 1 {
		t.Errorf("handles = %d, want 1", n)
	}
	if got := testutil.ToFloat64(h.metrics.SubscriptionRetries.WithLabelValues("desk")); got != 1 {
		t.Errorf("retries = %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.SubscriptionFailures.WithLabelValues("desk", "transient")); got != 1 {
		t.Errorf("failures = %v", got)
	}
	if len(h.statuses) != 0 {
		t.Errorf("status callbacks = %+v", h.statuses)
	}
}

func TestRetryOfDeselectedTicketIsAbandoned(t *testing.T) {
	h := newHarness(t, BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second})
	h.selectTicket(protocol.TicketRef{ID: "t-1"})

	key := TicketKey(protocol.TicketRef{ID: "t-1"})
	h.bus.InjectError(h.coord.Handle(key).ID, errs.Transient(errors.New("timeout")))
	h.settle()

	h.coord.SetTicket(protocol.TicketRef{ID: "t-2"})
	h.clock.Advance(time.Second)
	h.settle()

	if n := h.handles(t, key); n != 0 {
		t.Errorf("abandoned scope reopened with %d handles", n)
	}
	if got := testutil.ToFloat64(h.metrics.SubscriptionRetries.WithLabelValues("ticket")); got != 0 {
		t.Errorf("retries = %v, want 0", got)
	}
	if got := h.coord.Keys(); len(got) != 1 || got[0] != TicketKey(protocol.TicketRef{ID: "t-2"}) {
		t.Errorf("keys = %v", got)
	}
}

func TestHardFailureDegradesUntilReconnect(t *testing.T) {
	h := newHarness(t, BackoffConfig{Initial: 100 * time.Millisecond})
	h.bus.FailNextOpen(errs.Hard(errors.New("401 unauthorized")))
	h.coord.SetDesk("d-1")
	h.settle()

	if !h.coord.Degraded() {
		t.Fatal("expected degraded after hard failure")
	}
	if len(h.statuses) != 1 || !h.statuses[0].Degraded {
		t.Fatalf("status callbacks = %+v", h.statuses)
	}

	h.clock.Advance(time.Minute)
	h.settle()
	if n := len(h.bus.Handles()); n != 0 {
		t.Fatalf("hard failure was retried: %d handles", n)
	}

	h.coord.Reconnect()
	h.settle()
	if h.coord.Degraded() {
		t.Fatal("still degraded after reconnect")
	}
	if got := h.state(DeskKey("d-1")); got != StateActive {
		t.Errorf("state = %q", got)
	}
	if last := h.statuses[len(h.statuses)-1]; last.Degraded {
		t.Errorf("last status = %+v", last)
	}
}

func TestInvalidScopeIsHard(t *testing.T) {
	h := newHarness(t, BackoffConfig{})
	h.coord.ensure(KindDesk, bus.Scope{Key: "desk:", Bindings: nil})
	h.settle()

	if !h.coord.Degraded() {
		t.Fatal("malformed filter should degrade")
	}
	if got := testutil.ToFloat64(h.metrics.SubscriptionFailures.WithLabelValues("desk", "hard")); got != 1 {
		t.Errorf("hard failures = %v", got)
	}
}

func TestRetriesExhaustedDegrade(t *testing.T) {
	h := newHarness(t, BackoffConfig{Initial: 100 * time.Millisecond, MaxElapsed: 200 * time.Millisecond})
	h.coord.SetDesk("d-1")
	h.settle()

	h.clock.Advance(time.Second)
	h.bus.InjectError(h.coord.Handle(DeskKey("d-1")).ID, errs.Transient(errors.New("eof")))
	h.settle()

	if !h.coord.Degraded() {
		t.Fatal("expected degraded once the retry budget is spent")
	}
	if st := h.coord.Status(); st.Scopes[0].Retrying {
		t.Errorf("no retry should be scheduled: %+v", st)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, BackoffConfig{})
	h.coord.SetDesk("d-1")
	h.settle()
	h.selectTicket(protocol.TicketRef{ID: "t-1"})
	h.coord.SetTicket(protocol.TicketRef{ID: "t-2"})

	h.coord.Close()
	h.clock.Advance(time.Second)
	h.settle()

	if n := len(h.bus.Handles()); n != 0 {
		t.Errorf("handles after close = %d", n)
	}
	h.coord.SetDesk("d-3")
	h.settle()
	if n := len(h.bus.Handles()); n != 0 {
		t.Errorf("closed coordinator opened %d handles", n)
	}
	if got := testutil.ToFloat64(h.metrics.ActiveSubscriptions.WithLabelValues("desk")); got != 0 {
		t.Errorf("active desk gauge = %v", got)
	}
}
