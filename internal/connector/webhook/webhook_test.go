package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

const ticketChange = `{"table":"tickets","kind":"insert","record":{"id":"t-1","number":1,"status":"new","desk_id":"d-1","subject":"Printer"}}`

type captured struct {
	mu      sync.Mutex
	changes []protocol.Change
	err     error
}

func (c *captured) publish(_ context.Context, ch protocol.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.changes = append(c.changes, ch)
	return nil
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func newTestHandler(endpoints map[string]EndpointConfig) (*Handler, *captured) {
	cap := &captured{}
	return New(Config{Endpoints: endpoints}, cap.publish, nil), cap
}

func post(h http.Handler, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebhookBearer(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{"backend": {Token: "secret123"}})

	if w := post(h, "/api/webhook/backend", ticketChange, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without auth, got %d", w.Code)
	}
	if w := post(h, "/api/webhook/backend", ticketChange, map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}

	w := post(h, "/api/webhook/backend", ticketChange, map[string]string{"Authorization": "Bearer secret123"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if cap.count() != 1 {
		t.Fatalf("published %d changes", cap.count())
	}
	got, ok := protocol.AsTicket(cap.changes[0].Record)
	if !ok || got.ID != "t-1" || got.DeskID != "d-1" {
		t.Errorf("record = %+v", cap.changes[0].Record)
	}
}

func TestWebhookHMAC(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{"backend": {Secret: "whsec"}})

	bad := post(h, "/api/webhook/backend", ticketChange, map[string]string{"X-Signature-256": "sha256=00"})
	if bad.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad signature, got %d", bad.Code)
	}

	sig := ComputeSignature([]byte(ticketChange), "whsec")
	w := post(h, "/api/webhook/backend", ticketChange, map[string]string{"X-Signature-256": sig})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if cap.count() != 1 {
		t.Errorf("published %d changes", cap.count())
	}
}

func TestWebhookBatch(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{"backend": {Token: "t"}})
	body := `[` + ticketChange + `,{"table":"messages","kind":"insert","record":{"id":"m-1","ticket_id":"t-1","desk_id":"d-1","direction":"incoming"}}]`

	w := post(h, "/api/webhook/backend", body, map[string]string{"Authorization": "Bearer t"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["accepted"] != float64(2) {
		t.Errorf("response = %v", resp)
	}
	if cap.count() != 2 || cap.changes[1].Table != protocol.TableMessages {
		t.Errorf("changes = %+v", cap.changes)
	}
}

func TestWebhookRejects(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{
		"backend": {Token: "t"},
		"open":    {},
	})
	auth := map[string]string{"Authorization": "Bearer t"}

	tests := []struct {
		name   string
		path   string
		body   string
		header map[string]string
		want   int
	}{
		{"unknown endpoint", "/api/webhook/nope", ticketChange, auth, http.StatusNotFound},
		{"no credentials configured", "/api/webhook/open", ticketChange, nil, http.StatusUnauthorized},
		{"invalid json", "/api/webhook/backend", "{bad", auth, http.StatusBadRequest},
		{"unknown kind", "/api/webhook/backend", `{"table":"tickets","kind":"delete","record":{"id":"t-1"}}`, auth, http.StatusBadRequest},
		{"unknown table", "/api/webhook/backend", `{"table":"users","kind":"insert","record":{"id":"u"}}`, auth, http.StatusBadRequest},
		{"missing record", "/api/webhook/backend", `{"table":"tickets","kind":"insert"}`, auth, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := post(h, tt.path, tt.body, tt.header); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"backend": {Token: "t"}})
	req := httptest.NewRequest(http.MethodGet, "/api/webhook/backend", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", w.Code)
	}
}

func TestWebhookPublishFailure(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{"backend": {Token: "t"}})
	cap.err = errors.New("redis down")
	w := post(h, "/api/webhook/backend", ticketChange, map[string]string{"Authorization": "Bearer t"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d", w.Code)
	}
}

func TestWebhookBodyTooLarge(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"backend": {Token: "t"}})
	big := strings.Repeat(" ", MaxBody+1)
	if w := post(h, "/api/webhook/backend", big, map[string]string{"Authorization": "Bearer t"}); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", w.Code)
	}
}
