package wsbus

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// HubOptions configures a Hub.
type HubOptions struct {
	// Token, when set, must be presented as a bearer token or a token
	// query parameter.
	Token string
	// SubscribeTimeout is how long a new connection may take to send its
	// scope. Zero means 10s.
	SubscribeTimeout time.Duration
	// PingInterval is the keepalive period. Zero means 30s.
	PingInterval time.Duration
	// SendBuffer is the per-connection frame queue. A client that falls
	// this far behind is disconnected. Zero means 256.
	SendBuffer int
	Logger     *slog.Logger
}

// Hub serves a bus.Bus over WebSocket.
type Hub struct {
	source   bus.Bus
	opts     HubOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns int
}

// NewHub serves source.
func NewHub(source bus.Bus, opts HubOptions) *Hub {
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		source: source,
		opts:   opts,
		logger: logger.With("component", "bus.hub"),
		upgrader: websocket.Upgrader{
			// The API key gates access; browser origins are not a
			// concern for agent engines.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.opts.Token == "" {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.Token)) == 1
}

// ServeHTTP upgrades the request and serves one subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.conns++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.conns--
		h.mu.Unlock()
	}()

	s := &hubSession{
		hub:  h,
		conn: conn,
		send: make(chan frame, h.opts.SendBuffer),
		done: make(chan struct{}),
	}
	s.serve(r.Context())
}

type hubSession struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan frame
	done   chan struct{}
	once   sync.Once
	handle *bus.Handle
	logger *slog.Logger
}

func (s *hubSession) serve(ctx context.Context) {
	defer s.conn.Close()
	s.logger = s.hub.logger

	s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.SubscribeTimeout))
	var first frame
	if err := s.conn.ReadJSON(&first); err != nil {
		s.writeNow(frame{Type: frameError, Code: CodeTimeout, Message: "no subscribe frame"})
		return
	}
	if first.Type != frameSubscribe || first.Scope == nil {
		s.writeNow(frame{Type: frameError, Code: CodeBadFilter, Message: "first frame must be subscribe"})
		return
	}
	if err := first.Scope.Validate(); err != nil {
		s.writeNow(frame{Type: frameError, Code: CodeBadFilter, Message: err.Error()})
		return
	}
	s.logger = s.hub.logger.With("scope", first.Scope.Key)

	go s.writePump()

	handle, err := s.hub.source.OpenScoped(ctx, *first.Scope, s)
	if err != nil {
		s.enqueue(frame{Type: frameError, Code: CodeBadFilter, Message: err.Error()})
		<-s.done
		return
	}
	s.handle = handle
	defer func() {
		if err := s.hub.source.Close(handle); err != nil {
			s.logger.Warn("closing hub source handle", "error", err)
		}
	}()

	s.conn.SetReadDeadline(time.Time{})
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.stop()
			return
		}
		if f.Type == frameUnsubscribe {
			s.stop()
			return
		}
	}
}

func (s *hubSession) writePump() {
	ticker := time.NewTicker(s.hub.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case f := <-s.send:
			if err := s.writeNow(f); err != nil {
				s.stop()
				s.conn.Close()
				return
			}
			if f.Type == frameError {
				s.stop()
				s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.stop()
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *hubSession) writeNow(f frame) error {
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(f)
}

func (s *hubSession) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *hubSession) enqueue(f frame) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- f:
	default:
		s.logger.Warn("hub client too slow, disconnecting")
		s.stop()
		s.conn.Close()
	}
}

// OnReady implements bus.Handler.
func (s *hubSession) OnReady(h *bus.Handle) {
	s.enqueue(frame{Type: frameSubscribed, Handle: h.ID})
}

// OnInsert implements bus.Handler.
func (s *hubSession) OnInsert(h *bus.Handle, rec protocol.Record) {
	c := protocol.Change{Table: rec.RecordTable(), Kind: protocol.ChangeInsert, Record: rec}
	s.enqueue(frame{Type: frameChange, Change: &c})
}

// OnUpdate implements bus.Handler.
func (s *hubSession) OnUpdate(h *bus.Handle, old, rec protocol.Record) {
	c := protocol.Change{Table: rec.RecordTable(), Kind: protocol.ChangeUpdate, Record: rec, OldRecord: old}
	s.enqueue(frame{Type: frameChange, Change: &c})
}

// OnError implements bus.Handler.
func (s *hubSession) OnError(h *bus.Handle, err error) {
	code := CodeTimeout
	switch {
	case errors.Is(err, errs.ErrBadParameter):
		code = CodeBadFilter
	case errs.IsHard(err):
		code = CodeUnauthorized
	}
	s.enqueue(frame{Type: frameError, Code: code, Message: err.Error()})
}
