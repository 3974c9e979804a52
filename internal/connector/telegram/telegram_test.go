package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/connector"
)

var _ connector.Connector = (*Connector)(nil)

type sent struct {
	chatID, text, parseMode string
}

// newBotServer fakes the Bot API. rejectHTML fails every HTML send the way
// Telegram does for malformed entities.
func newBotServer(t *testing.T, rejectHTML bool) (*httptest.Server, func() []sent) {
	t.Helper()
	var mu sync.Mutex
	var got []sent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Helpdesk","username":"helpdesk_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			r.ParseForm()
			mu.Lock()
			got = append(got, sent{r.FormValue("chat_id"), r.FormValue("text"), r.FormValue("parse_mode")})
			mu.Unlock()
			if rejectHTML && r.FormValue("parse_mode") == "HTML" {
				w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
				return
			}
			w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []sent {
		mu.Lock()
		defer mu.Unlock()
		return append([]sent(nil), got...)
	}
}

func newTestConnector(t *testing.T, srv *httptest.Server) *Connector {
	t.Helper()
	c, err := New(Config{Token: "123:ABC", Endpoint: srv.URL + "/bot%s/%s", Client: srv.Client()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSendHTML(t *testing.T) {
	srv, got := newBotServer(t, false)
	c := newTestConnector(t, srv)

	if err := c.Send(context.Background(), connector.OutboundMessage{ChatID: "42", Content: "**#1 Hello**"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := got()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages", len(msgs))
	}
	if msgs[0].chatID != "42" || msgs[0].text != "<b>#1 Hello</b>" || msgs[0].parseMode != "HTML" {
		t.Errorf("sent = %+v", msgs[0])
	}
}

func TestSendFallsBackToPlainText(t *testing.T) {
	srv, got := newBotServer(t, true)
	c := newTestConnector(t, srv)

	if err := c.Send(context.Background(), connector.OutboundMessage{ChatID: "42", Content: "**#1 Hello**"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := got()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want HTML then plain", len(msgs))
	}
	if msgs[1].text != "#1 Hello" || msgs[1].parseMode != "" {
		t.Errorf("fallback = %+v", msgs[1])
	}
}

func TestSendChannelUsername(t *testing.T) {
	srv, got := newBotServer(t, false)
	c := newTestConnector(t, srv)
	if err := c.Send(context.Background(), connector.OutboundMessage{ChatID: "@support", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msgs := got(); len(msgs) != 1 || msgs[0].chatID != "@support" {
		t.Errorf("sent = %+v", msgs)
	}
}

func TestSendInvalidChatID(t *testing.T) {
	srv, got := newBotServer(t, false)
	c := newTestConnector(t, srv)
	if err := c.Send(context.Background(), connector.OutboundMessage{ChatID: "abc", Content: "hi"}); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
	if len(got()) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error without token")
	}
}
