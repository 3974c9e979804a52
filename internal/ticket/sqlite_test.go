package ticket

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved, err := s.Save(ctx, protocol.Ticket{
		ID:             "t-001",
		DeskID:         "d-1",
		ConversationID: "AAMk-1",
		Subject:        "Refund request",
		Status:         protocol.TicketOpen,
		CustomerEmail:  "ana@example.com",
		Unread:         true,
		LastActivityAt: t0.Add(time.Minute),
		CreatedAt:      t0,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Number != 1 {
		t.Errorf("expected number 1, got %d", saved.Number)
	}

	got, err := s.Get(ctx, "t-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Subject != "Refund request" || got.Status != protocol.TicketOpen || !got.Unread {
		t.Errorf("unexpected ticket %+v", got)
	}
	if !got.CreatedAt.Equal(t0) || !got.LastActivityAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("times = %v / %v", got.CreatedAt, got.LastActivityAt)
	}

	byConv, err := s.GetByConversation(ctx, "AAMk-1")
	if err != nil || byConv.ID != "t-001" {
		t.Errorf("GetByConversation = %+v, %v", byConv, err)
	}
}

func TestSave_UpsertKeepsNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Save(ctx, protocol.Ticket{ID: "t-a", DeskID: "d-1", Subject: "first", CreatedAt: t0})
	b, _ := s.Save(ctx, protocol.Ticket{ID: "t-b", DeskID: "d-1", Subject: "second", CreatedAt: t0})
	if b.Number != 2 {
		t.Fatalf("expected number 2, got %d", b.Number)
	}

	b.Subject = "Updated"
	b.Status = protocol.TicketPending
	got, err := s.Save(ctx, b)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if got.Subject != "Updated" || got.Number != 2 || got.Status != protocol.TicketPending {
		t.Errorf("unexpected ticket %+v", got)
	}
}

func TestSaveRejectsBadInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, protocol.Ticket{ID: "t-1"}); !errors.Is(err, errs.ErrBadParameter) {
		t.Errorf("missing desk: err = %v", err)
	}
	if _, err := s.Save(ctx, protocol.Ticket{ID: "t-1", DeskID: "d", Status: "archived"}); !errors.Is(err, errs.ErrBadParameter) {
		t.Errorf("bad status: err = %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nonexistent")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMessagesByTicketOrConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs := []protocol.Message{
		{ID: "m-2", TicketID: "t-1", Direction: protocol.DirectionOutgoing, HTML: "<p>b</p>", CreatedAt: t0.Add(time.Second)},
		{ID: "m-1", TicketID: "t-1", Direction: protocol.DirectionIncoming, HTML: "<p>a</p>", CC: []string{"x@example.com"}, CreatedAt: t0},
		{ID: "m-3", ConversationID: "AAMk-1", Direction: protocol.DirectionIncoming, ReceivedAt: t0},
		{ID: "m-4", TicketID: "t-2", Direction: protocol.DirectionIncoming, CreatedAt: t0},
	}
	for _, m := range msgs {
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatalf("save message %s: %v", m.ID, err)
		}
	}

	got, err := s.Messages(ctx, protocol.TicketRef{ID: "t-1", ConversationID: "AAMk-1"})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	ids := map[string]protocol.Message{}
	for _, m := range got {
		ids[m.ID] = m
	}
	if _, ok := ids["m-4"]; ok {
		t.Error("message of another ticket returned")
	}
	if m := ids["m-1"]; len(m.CC) != 1 || m.Direction != protocol.DirectionIncoming || !m.CreatedAt.Equal(t0) {
		t.Errorf("m-1 = %+v", m)
	}

	none, err := s.Messages(ctx, protocol.TicketRef{ID: "t-9"})
	if err != nil || len(none) != 0 {
		t.Errorf("unknown ticket: %v, %v", none, err)
	}
}

func TestSaveMessageReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveMessage(ctx, protocol.Message{ID: "m-1", TicketID: "t-1", Direction: protocol.DirectionIncoming, Text: "draft"})
	s.SaveMessage(ctx, protocol.Message{ID: "m-1", TicketID: "t-1", Direction: protocol.DirectionIncoming, Text: "final"})

	m, err := s.Message(ctx, "m-1")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if m.Text != "final" {
		t.Errorf("expected replaced text, got %q", m.Text)
	}
}

func TestList_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		s.Save(ctx, protocol.Ticket{
			ID: fmt.Sprintf("t-%d", i), DeskID: "d-1", Subject: fmt.Sprintf("T%d", i),
			Status: protocol.TicketOpen, CreatedAt: t0,
			LastActivityAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	s.Save(ctx, protocol.Ticket{ID: "t-closed", DeskID: "d-1", Status: protocol.TicketClosed, CreatedAt: t0})
	s.Save(ctx, protocol.Ticket{ID: "t-other", DeskID: "d-2", Status: protocol.TicketOpen, CreatedAt: t0})

	open := protocol.TicketOpen
	tickets, err := s.List(ctx, Filter{DeskID: "d-1", Status: &open})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tickets) != 3 || tickets[0].ID != "t-2" || tickets[2].ID != "t-0" {
		t.Errorf("expected t-2..t-0 newest first, got %v", tickets)
	}

	n, _ := s.Count(ctx, Filter{DeskID: "d-1"})
	if n != 4 {
		t.Errorf("expected 4 tickets on d-1, got %d", n)
	}

	limited, _ := s.List(ctx, Filter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("expected 2 tickets, got %d", len(limited))
	}

	found, _ := s.List(ctx, Filter{Query: "T1"})
	if len(found) != 1 || found[0].ID != "t-1" {
		t.Errorf("query T1 = %v", found)
	}
}

func TestAttachmentsAndMailEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := protocol.Attachment{StorageKey: "inbox/logo.png", ContentType: "image/png"}
	if err := s.PutAttachment(ctx, "d-1", a, []byte("PNG")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := s.Attachment(ctx, "inbox/logo.png", "d-1")
	if err != nil || string(data) != "PNG" {
		t.Errorf("attachment = %q, %v", data, err)
	}
	if _, err := s.Attachment(ctx, "inbox/logo.png", "d-2"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("other desk: err = %v", err)
	}

	s.RecordMailEvent(ctx, EventMarkRead, "m-1", "d-1")
	s.RecordMailEvent(ctx, EventResolutionNotice, "m-2", "d-1")
	s.RecordMailEvent(ctx, EventMarkRead, "m-3", "d-1")
	events, err := s.MailEvents(ctx, EventMarkRead)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].RefID != "m-1" || events[1].RefID != "m-3" {
		t.Errorf("events = %+v", events)
	}
}
