// Package rest implements the backend APIs over the helpdesk's JSON HTTP
// API. Reads are retried on transport errors, 429 and 5xx; writes are sent
// once.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/backend"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// Client implements backend.TicketAPI, backend.MailAPI and
// backend.AttachmentFetcher.
type Client struct {
	client   *http.Client
	baseURL  string
	token    string
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithRetry sets how many times a read is attempted and the base delay
// between attempts.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(cl *Client) {
		cl.attempts = attempts
		cl.delay = delay
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client for the API rooted at baseURL, e.g.
// https://helpdesk.example.com/api/v1.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  baseURL,
		token:    token,
		attempts: 3,
		delay:    200 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "backend.rest")
	return c
}

// Backend returns c as all three collaborators.
func (c *Client) Backend() backend.Backend {
	return backend.Backend{Tickets: c, Mail: c, Attachments: c}
}

// TicketsByStatus implements backend.TicketAPI.
func (c *Client) TicketsByStatus(ctx context.Context, deskID string, status protocol.TicketStatus) ([]protocol.Ticket, error) {
	var out []protocol.Ticket
	path := "/desks/" + url.PathEscape(deskID) + "/tickets?status=" + url.QueryEscape(string(status))
	if err := c.read(ctx, path, &out); err != nil {
		return nil, errors.Wrapf(err, "list %s tickets of desk %s", status, deskID)
	}
	return out, nil
}

// Ticket implements backend.TicketAPI.
func (c *Client) Ticket(ctx context.Context, id string) (protocol.Ticket, error) {
	var out protocol.Ticket
	if err := c.read(ctx, "/tickets/"+url.PathEscape(id), &out); err != nil {
		return protocol.Ticket{}, errors.Wrapf(err, "get ticket %s", id)
	}
	return out, nil
}

// TicketMessages implements backend.TicketAPI.
func (c *Client) TicketMessages(ctx context.Context, ref protocol.TicketRef) ([]protocol.Message, error) {
	path := "/tickets/" + url.PathEscape(ref.ID) + "/messages"
	if ref.ID == "" {
		path = "/conversations/" + url.PathEscape(ref.ConversationID) + "/messages"
	}
	var out []protocol.Message
	if err := c.read(ctx, path, &out); err != nil {
		return nil, errors.Wrapf(err, "get messages of %s", path)
	}
	return out, nil
}

// UpdateTicket implements backend.TicketAPI.
func (c *Client) UpdateTicket(ctx context.Context, id string, patch backend.TicketPatch) (protocol.Ticket, error) {
	var out protocol.Ticket
	if err := c.write(ctx, http.MethodPatch, "/tickets/"+url.PathEscape(id), patch, &out); err != nil {
		return protocol.Ticket{}, errors.Wrapf(err, "update ticket %s", id)
	}
	return out, nil
}

// RequestFeedback implements backend.TicketAPI.
func (c *Client) RequestFeedback(ctx context.Context, ticketID string) error {
	err := c.write(ctx, http.MethodPost, "/tickets/"+url.PathEscape(ticketID)+"/feedback-request", struct{}{}, nil)
	return errors.Wrapf(err, "request feedback for %s", ticketID)
}

// Reply implements backend.MailAPI.
func (c *Client) Reply(ctx context.Context, req backend.ReplyRequest) (protocol.SentMessage, error) {
	var out protocol.SentMessage
	if err := c.write(ctx, http.MethodPost, "/mail/reply", req, &out); err != nil {
		return protocol.SentMessage{}, errors.Wrapf(err, "reply on ticket %s", req.TicketID)
	}
	return out, nil
}

type deskBody struct {
	DeskID string `json:"desk_id"`
}

// MarkAsRead implements backend.MailAPI.
func (c *Client) MarkAsRead(ctx context.Context, messageID, deskID string) error {
	err := c.write(ctx, http.MethodPost, "/mail/messages/"+url.PathEscape(messageID)+"/read", deskBody{deskID}, nil)
	return errors.Wrapf(err, "mark %s read", messageID)
}

// SendResolutionNotice implements backend.MailAPI.
func (c *Client) SendResolutionNotice(ctx context.Context, messageID, deskID string) error {
	err := c.write(ctx, http.MethodPost, "/mail/messages/"+url.PathEscape(messageID)+"/resolution-notice", deskBody{deskID}, nil)
	return errors.Wrapf(err, "send resolution notice for %s", messageID)
}

// DownloadByStorageKey implements backend.AttachmentFetcher.
func (c *Client) DownloadByStorageKey(ctx context.Context, key, deskID string) ([]byte, error) {
	path := "/attachments/" + url.PathEscape(key) + "?desk_id=" + url.QueryEscape(deskID)
	var data []byte
	err := c.retry(ctx, func() error {
		var err error
		data, err = c.do(ctx, http.MethodGet, path, nil)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "download attachment %s", key)
	}
	return data, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return "api error (status " + strconv.Itoa(e.Code) + "): " + e.Body
}

func (c *Client) read(ctx context.Context, path string, out any) error {
	return c.retry(ctx, func() error {
		data, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Unrecoverable(errs.Fetch(errors.Wrap(err, "unmarshal response")))
		}
		return nil
	})
}

func (c *Client) write(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	data, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Fetch(errors.Wrap(err, "unmarshal response"))
	}
	return nil
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	attempts := c.attempts
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.delay),
		retry.MaxJitter(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying request", "attempt", n+1, "error", err)
		}),
	)
}

// retryable reports whether a failed read may succeed if repeated.
func retryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.Fetch(errors.Wrap(err, "http request"))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Fetch(errors.Wrap(err, "read response"))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classify(&StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))})
	}
	return data, nil
}

func classify(se *StatusError) error {
	var err error = se
	switch se.Code {
	case http.StatusNotFound:
		err = errors.Mark(err, errs.ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		err = errors.Mark(err, errs.ErrUnauthorized)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		err = errors.Mark(err, errs.ErrBadParameter)
	}
	return errs.Fetch(err)
}
