package wsbus

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// URL is the hub endpoint, ws:// or wss://.
	URL string
	// Token is sent as a bearer token on the handshake.
	Token string
	// ConfirmTimeout bounds dial plus subscription confirmation. Zero
	// means 10s.
	ConfirmTimeout time.Duration
	// PongWait is how long the connection may stay silent. Zero means 60s.
	PongWait time.Duration
	Logger   *slog.Logger
	Dialer   *websocket.Dialer
}

// Client implements bus.Bus against a remote Hub.
type Client struct {
	opts   ClientOptions
	dialer *websocket.Dialer
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*clientConn
}

type clientConn struct {
	handle  *bus.Handle
	handler bus.Handler

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) *Client {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:   opts,
		dialer: dialer,
		logger: logger.With("component", "bus.ws"),
		conns:  make(map[string]*clientConn),
	}
}

// OpenScoped implements bus.Bus. Dialing and confirmation run in the
// background and end in OnReady or OnError.
func (c *Client) OpenScoped(ctx context.Context, scope bus.Scope, h bus.Handler) (*bus.Handle, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	cc := &clientConn{handle: bus.NewHandle(scope), handler: h}
	c.mu.Lock()
	c.conns[cc.handle.ID] = cc
	c.mu.Unlock()

	go c.run(context.WithoutCancel(ctx), cc)
	return cc.handle, nil
}

func (c *Client) run(ctx context.Context, cc *clientConn) {
	logger := c.logger.With("scope", cc.handle.Scope.Key, "handle", cc.handle.ID)

	conn, err := c.subscribe(ctx, cc)
	if err != nil {
		c.fail(cc, err, logger)
		return
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.fail(cc, errs.Transient(errors.Wrap(err, "read hub frame")), logger)
			return
		}
		switch f.Type {
		case frameChange:
			if f.Change != nil {
				bus.Dispatch(cc.handler, cc.handle, *f.Change)
			}
		case frameError:
			c.fail(cc, codeError(f.Code, f.Message), logger)
			return
		}
	}
}

// subscribe dials, sends the scope and waits for the confirmation.
func (c *Client) subscribe(ctx context.Context, cc *clientConn) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.dialer.DialContext(dialCtx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.Hard(errors.Newf("hub rejected handshake: HTTP %d", resp.StatusCode))
		}
		return nil, errs.Transient(errors.Wrap(err, "dial hub"))
	}

	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		conn.Close()
		return nil, errs.ErrStaleResponse
	}
	cc.conn = conn
	cc.mu.Unlock()

	scope := cc.handle.Scope
	if err := cc.write(frame{Type: frameSubscribe, Scope: &scope}); err != nil {
		return nil, errs.Transient(errors.Wrap(err, "send subscribe"))
	}

	deadline, _ := dialCtx.Deadline()
	conn.SetReadDeadline(deadline)
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, errs.Transient(errors.Wrap(err, "await subscription confirmation"))
	}
	switch f.Type {
	case frameSubscribed:
	case frameError:
		return nil, codeError(f.Code, f.Message)
	default:
		return nil, errs.Transient(errors.Newf("unexpected frame %q before confirmation", f.Type))
	}

	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		cc.mu.Lock()
		defer cc.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	cc.handler.OnReady(cc.handle)
	return conn, nil
}

func (cc *clientConn) write(f frame) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.conn == nil {
		return errors.New("not connected")
	}
	cc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return cc.conn.WriteJSON(f)
}

// fail reports err unless the handle was closed locally, which ends the
// read loop with an error nobody needs to hear about.
func (c *Client) fail(cc *clientConn, err error, logger *slog.Logger) {
	cc.mu.Lock()
	closed := cc.closed
	cc.closed = true
	conn := cc.conn
	cc.mu.Unlock()

	c.mu.Lock()
	delete(c.conns, cc.handle.ID)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if closed {
		return
	}
	logger.Warn("hub subscription failed", "error", err, "class", errs.Class(err))
	cc.handler.OnError(cc.handle, err)
}

// Close implements bus.Bus.
func (c *Client) Close(h *bus.Handle) error {
	if h == nil {
		return nil
	}
	c.mu.Lock()
	cc, ok := c.conns[h.ID]
	delete(c.conns, h.ID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	cc.mu.Lock()
	cc.closed = true
	conn := cc.conn
	cc.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = cc.write(frame{Type: frameUnsubscribe})
	if err := conn.Close(); err != nil {
		return errors.Wrapf(err, "close hub connection %s", h.Scope.Key)
	}
	return nil
}

func codeError(code, message string) error {
	err := errors.Newf("hub error %s: %s", code, message)
	switch code {
	case CodeUnauthorized, CodeBadFilter:
		return errs.Hard(err)
	}
	return errs.Transient(err)
}
