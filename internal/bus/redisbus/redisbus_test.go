package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

type chanHandler struct {
	ready   chan struct{}
	inserts chan protocol.Record
	updates chan protocol.Record
	errs    chan error
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		ready:   make(chan struct{}, 1),
		inserts: make(chan protocol.Record, 10),
		updates: make(chan protocol.Record, 10),
		errs:    make(chan error, 1),
	}
}

func (h *chanHandler) OnReady(*bus.Handle) { h.ready <- struct{}{} }
func (h *chanHandler) OnInsert(_ *bus.Handle, r protocol.Record) { h.inserts <- r }
func (h *chanHandler) OnUpdate(_ *bus.Handle, _, r protocol.Record) { h.updates <- r }
func (h *chanHandler) OnError(_ *bus.Handle, err error) { h.errs <- err }

func ticketScope(id string) bus.Scope {
	return bus.Scope{
		Key: "ticket:" + id,
		Bindings: []bus.Binding{
			{Table: protocol.TableMessages, Event: protocol.ChangeInsert, Match: []bus.Predicate{bus.Eq(protocol.FieldTicketID, id)}},
			{Table: protocol.TableMessages, Event: protocol.ChangeUpdate, Match: []bus.Predicate{bus.Eq(protocol.FieldTicketID, id)}},
		},
	}
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestSubscribeAndPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	b := New(client, Options{Prefix: "test"})
	ctx := context.Background()

	h := newChanHandler()
	handle, err := b.OpenScoped(ctx, ticketScope("t-1"), h)
	if err != nil {
		t.Fatalf("OpenScoped: %v", err)
	}
	wait(t, h.ready, "ready")

	if err := b.Publish(ctx, protocol.MessageInserted(protocol.Message{ID: "other", TicketID: "t-2"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, protocol.MessageInserted(protocol.Message{ID: "m1", TicketID: "t-1"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	rec := wait(t, h.inserts, "insert")
	if rec.RecordID() != "m1" {
		t.Fatalf("got record %s, want m1 (filtered)", rec.RecordID())
	}

	b.Publish(ctx, protocol.MessageUpdated(protocol.Message{ID: "m1"}, protocol.Message{ID: "m1", TicketID: "t-1", Text: "edited"}))
	upd := wait(t, h.updates, "update")
	if m, _ := protocol.AsMessage(upd); m.Text != "edited" {
		t.Fatalf("update = %+v", m)
	}

	if err := b.Close(handle); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(handle); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSubscriptionOutlivesOpenContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	b := New(client, Options{Prefix: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	h := newChanHandler()
	handle, err := b.OpenScoped(ctx, ticketScope("t-1"), h)
	cancel()
	if err != nil {
		t.Fatalf("OpenScoped: %v", err)
	}
	select {
	case <-h.ready:
	case err := <-h.errs:
		t.Fatalf("subscription failed after the open context ended: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ready")
	}

	if err := b.Publish(context.Background(), protocol.MessageInserted(protocol.Message{ID: "m1", TicketID: "t-1"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if rec := wait(t, h.inserts, "insert"); rec.RecordID() != "m1" {
		t.Fatalf("got record %s", rec.RecordID())
	}
	b.Close(handle)
}

func TestWrongPasswordIsHard(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Password: "wrong", MaxRetries: -1})
	defer client.Close()
	b := New(client, Options{ConfirmTimeout: 2 * time.Second})

	h := newChanHandler()
	if _, err := b.OpenScoped(context.Background(), ticketScope("t-1"), h); err != nil {
		t.Fatalf("OpenScoped: %v", err)
	}
	err := wait(t, h.errs, "error")
	if !errs.IsHard(err) {
		t.Fatalf("err = %v, want hard", err)
	}
}

func TestUnreachableIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer client.Close()
	b := New(client, Options{ConfirmTimeout: time.Second})

	h := newChanHandler()
	b.OpenScoped(context.Background(), ticketScope("t-1"), h)
	err := wait(t, h.errs, "error")
	if !errs.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestClassify(t *testing.T) {
	if !errs.IsHard(classify(errors.New("NOAUTH Authentication required."))) {
		t.Error("NOAUTH should be hard")
	}
	if !errs.IsHard(classify(errors.New("NOPERM this user has no permissions to access one of the channels"))) {
		t.Error("NOPERM should be hard")
	}
	if !errs.IsTransient(classify(errors.New("i/o timeout"))) {
		t.Error("timeout should be transient")
	}
}
