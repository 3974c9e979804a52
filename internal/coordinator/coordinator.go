// Package coordinator keeps exactly the subscriptions the agent's current
// desk and ticket need, and nothing else.
//
// A Coordinator is owned by one event loop. Every exported method must be
// called from a task running on that loop; bus callbacks are posted back
// onto it.
package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/clock"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/eventloop"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/metrics"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// DefaultDebounce delays a ticket subscription after a selection change.
const DefaultDebounce = 300 * time.Millisecond

// Router receives the changes delivered on live subscriptions.
type Router interface {
	Route(kind Kind, c protocol.Change)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(kind Kind, c protocol.Change)

func (f RouterFunc) Route(kind Kind, c protocol.Change) { f(kind, c) }

// BackoffConfig shapes transient-failure retries.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the randomization factor, 0 to 1.
	Jitter     float64
	Multiplier float64
	// MaxElapsed gives up and degrades after this long. Zero retries
	// forever.
	MaxElapsed time.Duration
}

// DefaultBackoff is used for zero fields of Options.Backoff.
var DefaultBackoff = BackoffConfig{
	Initial:    500 * time.Millisecond,
	Max:        30 * time.Second,
	Jitter:     0.5,
	Multiplier: 2,
}

// Options configures a Coordinator.
type Options struct {
	Loop    eventloop.Loop
	Bus     bus.Bus
	Router  Router
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Debounce time.Duration
	Backoff  BackoffConfig
	// OpenTimeout bounds a single OpenScoped call. Zero means 15s.
	OpenTimeout time.Duration
	// OnStatus runs on the loop whenever the degraded flag flips.
	OnStatus func(Status)
}

// State is the lifecycle of one subscription.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateError   State = "error"
	StateClosed  State = "closed"
)

type subscription struct {
	key       string
	kind      Kind
	scope     bus.Scope
	handle    *bus.Handle
	state     State
	createdAt time.Time
	gen       uint64
	backoff   *backoff.ExponentialBackOff
	retry     clock.Timer
	retries   int
	lastErr   error
	hard      bool
}

// Coordinator is the SubscriptionCoordinator.
type Coordinator struct {
	loop     eventloop.Loop
	bus      bus.Bus
	router   Router
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	debounce time.Duration
	backoff  BackoffConfig
	timeout  time.Duration
	onStatus func(Status)

	subs map[string]*subscription
	gen  uint64

	deskID    string
	ticket    protocol.TicketRef
	ticketKey string
	pending   clock.Timer
	pendSeq   uint64
	degraded  bool
	closed    bool
}

// New creates a Coordinator with no subscriptions.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b := opts.Backoff
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Jitter <= 0 {
		b.Jitter = DefaultBackoff.Jitter
	}
	if b.Multiplier <= 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	return &Coordinator{
		loop:     opts.Loop,
		bus:      opts.Bus,
		router:   opts.Router,
		clock:    clk,
		logger:   logger.With("component", "coordinator"),
		metrics:  opts.Metrics,
		debounce: debounce,
		backoff:  b,
		timeout:  timeout,
		onStatus: opts.OnStatus,
		subs:     make(map[string]*subscription),
	}
}

// SetDesk makes deskID the canonical desk. Changing desk tears down the
// ticket scope and the old desk scope. An empty id leaves no desk scope.
func (c *Coordinator) SetDesk(deskID string) {
	if c.closed {
		return
	}
	if deskID == c.deskID {
		if deskID != "" {
			c.ensure(KindDesk, DeskScope(deskID))
		}
		return
	}
	c.SetTicket(protocol.TicketRef{})
	if c.deskID != "" {
		c.teardown(DeskKey(c.deskID))
	}
	c.deskID = deskID
	c.refreshDegraded()
	if deskID != "" {
		c.ensure(KindDesk, DeskScope(deskID))
	}
}

// SetTicket makes ref the canonical ticket. The previous ticket scope is
// torn down at once; the new one is opened after the debounce delay, and
// only if no other selection replaced it meanwhile.
func (c *Coordinator) SetTicket(ref protocol.TicketRef) {
	if c.closed {
		return
	}
	key := ""
	if !ref.IsZero() {
		key = TicketKey(ref)
	}
	if key != "" && key == c.ticketKey {
		c.ensure(KindTicket, TicketScope(ref))
		return
	}
	if key != "" && c.pending != nil && TicketKey(c.ticket) == key {
		// same selection still inside the debounce window
		return
	}

	if c.ticketKey != "" {
		c.teardown(c.ticketKey)
		c.ticketKey = ""
	}
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.ticket = ref
	c.pendSeq++
	c.refreshDegraded()
	if key == "" {
		return
	}

	seq := c.pendSeq
	c.pending = c.clock.AfterFunc(c.debounce, func() {
		c.loop.Post(func() {
			if seq != c.pendSeq || c.closed {
				return
			}
			c.pending = nil
			c.ticketKey = key
			c.ensure(KindTicket, TicketScope(ref))
		})
	})
}

// Reconnect retries every failed subscription right away, including hard
// failures. It is the manual way out of the degraded state.
func (c *Coordinator) Reconnect() {
	for _, sub := range c.sorted() {
		if sub.state != StateError {
			continue
		}
		if sub.retry != nil {
			sub.retry.Stop()
			sub.retry = nil
		}
		sub.hard = false
		sub.backoff.Reset()
		c.open(sub)
	}
	c.refreshDegraded()
}

// Close tears everything down. The coordinator ignores further calls.
func (c *Coordinator) Close() {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	for key := range c.subs {
		c.teardown(key)
	}
	c.closed = true
}

// ensure opens scope unless its key already has a pending, live or
// retrying subscription.
func (c *Coordinator) ensure(kind Kind, scope bus.Scope) {
	if sub, ok := c.subs[scope.Key]; ok {
		if sub.state == StatePending || sub.state == StateActive || sub.retry != nil || sub.hard {
			return
		}
		c.open(sub)
		return
	}
	sub := &subscription{
		key:   scope.Key,
		kind:  kind,
		scope: scope,
		backoff: backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(c.backoff.Initial),
			backoff.WithMaxInterval(c.backoff.Max),
			backoff.WithRandomizationFactor(c.backoff.Jitter),
			backoff.WithMultiplier(c.backoff.Multiplier),
			backoff.WithMaxElapsedTime(c.backoff.MaxElapsed),
			backoff.WithClockProvider(c.clock),
		),
	}
	c.subs[scope.Key] = sub
	c.open(sub)
}

func (c *Coordinator) open(sub *subscription) {
	c.gen++
	sub.gen = c.gen
	sub.state = StatePending
	sub.handle = nil
	sub.createdAt = c.clock.Now()

	key, gen, scope := sub.key, sub.gen, sub.scope
	handler := &adapter{c: c, key: key, gen: gen}
	c.logger.Debug("opening subscription", "scope", key, "generation", gen)

	c.loop.Spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		h, err := c.bus.OpenScoped(ctx, scope, handler)
		c.loop.Post(func() { c.opened(key, gen, h, err) })
	})
}

func (c *Coordinator) opened(key string, gen uint64, h *bus.Handle, err error) {
	sub := c.current(key, gen)
	if sub == nil {
		if h != nil {
			c.closeHandle(key, h)
		}
		return
	}
	if err != nil {
		// A rejected request is a malformed filter.
		if errors.Is(err, errs.ErrBadParameter) && !errs.IsTransient(err) {
			err = errs.Hard(err)
		}
		c.failed(sub, err)
		return
	}
	if sub.handle == nil && sub.state != StateError {
		sub.handle = h
	}
}

// current returns the subscription for key if gen is still its canonical
// generation.
func (c *Coordinator) current(key string, gen uint64) *subscription {
	sub, ok := c.subs[key]
	if !ok || sub.gen != gen || c.closed {
		return nil
	}
	return sub
}

func (c *Coordinator) ready(key string, gen uint64, h *bus.Handle) {
	sub := c.current(key, gen)
	if sub == nil || sub.state != StatePending {
		return
	}
	sub.handle = h
	sub.state = StateActive
	sub.retries = 0
	sub.lastErr = nil
	sub.hard = false
	sub.backoff.Reset()
	c.metrics.SubscriptionOpened(string(sub.kind))
	c.logger.Info("subscription active", "scope", key, "generation", gen)
	c.refreshDegraded()
}

func (c *Coordinator) event(key string, gen uint64, ch protocol.Change) {
	sub := c.current(key, gen)
	if sub == nil {
		return
	}
	if c.router != nil {
		c.router.Route(sub.kind, ch)
	}
}

func (c *Coordinator) errored(key string, gen uint64, err error) {
	sub := c.current(key, gen)
	if sub == nil {
		c.logger.Debug("ignoring error from superseded subscription", "scope", key, "generation", gen, "error", err)
		return
	}
	c.failed(sub, err)
}

func (c *Coordinator) failed(sub *subscription, err error) {
	if sub.state == StateActive {
		c.metrics.SubscriptionClosed(string(sub.kind))
	}
	if sub.handle != nil {
		c.closeHandle(sub.key, sub.handle)
		sub.handle = nil
	}
	sub.state = StateError
	sub.lastErr = err
	c.metrics.SubscriptionFailed(string(sub.kind), errs.Class(err))

	if errs.IsHard(err) {
		sub.hard = true
		c.logger.Warn("subscription failed, live updates degraded", "scope", sub.key, "error", err)
		c.refreshDegraded()
		return
	}

	delay := sub.backoff.NextBackOff()
	if delay == backoff.Stop {
		sub.hard = true
		c.logger.Warn("subscription retries exhausted, live updates degraded", "scope", sub.key, "retries", sub.retries, "error", err)
		c.refreshDegraded()
		return
	}
	sub.retries++
	key, gen := sub.key, sub.gen
	c.logger.Info("subscription failed, retrying", "scope", key, "attempt", sub.retries, "delay", delay, "error", err)
	sub.retry = c.clock.AfterFunc(delay, func() {
		c.loop.Post(func() { c.retryNow(key, gen) })
	})
}

// retryNow reopens key if gen is still canonical. A retry for a scope the
// agent navigated away from is dropped.
func (c *Coordinator) retryNow(key string, gen uint64) {
	sub := c.current(key, gen)
	if sub == nil {
		c.logger.Debug("abandoning retry of superseded subscription", "scope", key, "generation", gen)
		return
	}
	sub.retry = nil
	c.metrics.SubscriptionRetried(string(sub.kind))
	c.open(sub)
}

// teardown drops key. The handle is closed in the background and a close
// failure is only logged.
func (c *Coordinator) teardown(key string) {
	sub, ok := c.subs[key]
	if !ok {
		return
	}
	delete(c.subs, key)
	if sub.retry != nil {
		sub.retry.Stop()
	}
	if sub.state == StateActive {
		c.metrics.SubscriptionClosed(string(sub.kind))
	}
	sub.state = StateClosed
	if sub.handle != nil {
		c.closeHandle(key, sub.handle)
	}
	c.logger.Debug("subscription torn down", "scope", key, "generation", sub.gen)
}

func (c *Coordinator) closeHandle(key string, h *bus.Handle) {
	c.loop.Spawn(func() {
		if err := c.bus.Close(h); err != nil {
			c.logger.Warn("closing subscription failed", "scope", key, "handle", h.ID, "error", err)
		}
	})
}

func (c *Coordinator) refreshDegraded() {
	degraded := false
	for _, sub := range c.subs {
		if sub.hard {
			degraded = true
			break
		}
	}
	if degraded == c.degraded {
		return
	}
	c.degraded = degraded
	if c.onStatus != nil {
		c.onStatus(c.Status())
	}
}

// Degraded reports whether a hard failure left live updates off.
func (c *Coordinator) Degraded() bool { return c.degraded }

// Keys returns the scope keys currently held, in order.
func (c *Coordinator) Keys() []string {
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Handle returns the live handle of key, if any.
func (c *Coordinator) Handle(key string) *bus.Handle {
	if sub, ok := c.subs[key]; ok {
		return sub.handle
	}
	return nil
}

func (c *Coordinator) sorted() []*subscription {
	out := make([]*subscription, 0, len(c.subs))
	for _, k := range c.Keys() {
		out = append(out, c.subs[k])
	}
	return out
}

// adapter turns bus callbacks into loop tasks tagged with the generation
// they were opened under.
type adapter struct {
	c   *Coordinator
	key string
	gen uint64
}

func (a *adapter) OnReady(h *bus.Handle) {
	a.c.loop.Post(func() { a.c.ready(a.key, a.gen, h) })
}

func (a *adapter) OnInsert(_ *bus.Handle, rec protocol.Record) {
	ch := protocol.Change{Table: rec.RecordTable(), Kind: protocol.ChangeInsert, Record: rec}
	a.c.loop.Post(func() { a.c.event(a.key, a.gen, ch) })
}

func (a *adapter) OnUpdate(_ *bus.Handle, old, rec protocol.Record) {
	ch := protocol.Change{Table: rec.RecordTable(), Kind: protocol.ChangeUpdate, Record: rec, OldRecord: old}
	a.c.loop.Post(func() { a.c.event(a.key, a.gen, ch) })
}

func (a *adapter) OnError(_ *bus.Handle, err error) {
	a.c.loop.Post(func() { a.c.errored(a.key, a.gen, err) })
}
