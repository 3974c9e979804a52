package slackconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/connector"
)

var _ connector.Connector = (*Connector)(nil)

func TestMarkdownToMrkdwn(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bold", "This is **bold** text", "This is *bold* text"},
		{"strikethrough", "~~deleted~~ text", "~deleted~ text"},
		{"link", "Click [here](https://example.com) now", "Click <https://example.com|here> now"},
		{"escapes", "a < b && c > d", "a &lt; b &amp;&amp; c &gt; d"},
		{"code preserved", "Use `**x** <y>` in code", "Use `**x** <y>` in code"},
		{"unterminated link", "[not a link", "[not a link"},
		{"bracket text", "see [1] and (2)", "see [1] and (2)"},
		{"ticket header", "**#42 Printer jammed**\nFrom: Ana <ana@example.com>", "*#42 Printer jammed*\nFrom: Ana &lt;ana@example.com&gt;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MarkdownToMrkdwn(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error without bot token")
	}
}

type posted struct {
	channel, text string
}

func newSlackServer(t *testing.T, ok bool) (*httptest.Server, *[]posted) {
	t.Helper()
	var mu sync.Mutex
	var got []posted
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		mu.Lock()
		got = append(got, posted{r.FormValue("channel"), r.FormValue("text")})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestSend(t *testing.T) {
	srv, got := newSlackServer(t, true)
	c, err := New(Config{BotToken: "xoxb-test", APIURL: srv.URL + "/"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.Send(context.Background(), connector.OutboundMessage{ChatID: "C123", Content: "**#7 Refund**\nhello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*got) != 1 {
		t.Fatalf("posts = %d", len(*got))
	}
	if p := (*got)[0]; p.channel != "C123" || p.text != "*#7 Refund*\nhello" {
		t.Errorf("posted = %+v", p)
	}
}

func TestSendSkipsEmpty(t *testing.T) {
	srv, got := newSlackServer(t, true)
	c, _ := New(Config{BotToken: "xoxb-test", APIURL: srv.URL + "/"}, nil)
	if err := c.Send(context.Background(), connector.OutboundMessage{ChatID: "C1", Content: "  "}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*got) != 0 {
		t.Errorf("empty message was posted")
	}
}

func TestSendAPIError(t *testing.T) {
	srv, _ := newSlackServer(t, false)
	c, _ := New(Config{BotToken: "xoxb-test", APIURL: srv.URL + "/"}, nil)
	if err := c.Send(context.Background(), connector.OutboundMessage{ChatID: "C404", Content: "hi"}); err == nil {
		t.Fatal("expected error from channel_not_found")
	}
}
