// Package redisbus carries change events over Redis pub/sub. Each table
// has its own channel, <prefix>:<table>; filtering happens on the
// subscriber side.
package redisbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// DefaultPrefix namespaces the channels.
const DefaultPrefix = "helpdesk:changes"

// Options configures a Bus.
type Options struct {
	Prefix string
	// ConfirmTimeout bounds the wait for the subscription confirmation.
	// Zero means 10s.
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
}

// Bus implements bus.Bus and bus.Publisher on a Redis client. One pub/sub
// connection is opened per handle.
type Bus struct {
	client  redis.UniversalClient
	prefix  string
	confirm time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	handle  *bus.Handle
	pubsub  *redis.PubSub
	handler bus.Handler
	done    chan struct{}
}

// New wraps client.
func New(client redis.UniversalClient, opts Options) *Bus {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	confirm := opts.ConfirmTimeout
	if confirm <= 0 {
		confirm = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:  client,
		prefix:  prefix,
		confirm: confirm,
		logger:  logger.With("component", "bus.redis"),
		subs:    make(map[string]*subscription),
	}
}

// Channel returns the channel name of table.
func (b *Bus) Channel(table protocol.Table) string {
	return b.prefix + ":" + string(table)
}

// OpenScoped implements bus.Bus. The subscription is confirmed on a
// background goroutine, which then reports OnReady or OnError.
func (b *Bus) OpenScoped(ctx context.Context, scope bus.Scope, h bus.Handler) (*bus.Handle, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	handle := bus.NewHandle(scope)

	var channels []string
	seen := map[protocol.Table]bool{}
	for _, binding := range scope.Bindings {
		if !seen[binding.Table] {
			seen[binding.Table] = true
			channels = append(channels, b.Channel(binding.Table))
		}
	}

	// the subscription outlives the call that opened it
	ctx = context.WithoutCancel(ctx)
	ps := b.client.Subscribe(ctx, channels...)
	sub := &subscription{handle: handle, pubsub: ps, handler: h, done: make(chan struct{})}

	b.mu.Lock()
	b.subs[handle.ID] = sub
	b.mu.Unlock()

	go b.run(ctx, sub)
	return handle, nil
}

func (b *Bus) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	logger := b.logger.With("scope", sub.handle.Scope.Key, "handle", sub.handle.ID)

	confirmCtx, cancel := context.WithTimeout(ctx, b.confirm)
	_, err := sub.pubsub.Receive(confirmCtx)
	cancel()
	if err != nil {
		if !b.forget(sub.handle.ID) {
			return
		}
		_ = sub.pubsub.Close()
		err = classify(err)
		logger.Warn("redis subscribe failed", "error", err, "class", errs.Class(err))
		sub.handler.OnError(sub.handle, err)
		return
	}
	sub.handler.OnReady(sub.handle)
	logger.Debug("redis subscription ready")

	for msg := range sub.pubsub.Channel() {
		var change protocol.Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			logger.Warn("dropping malformed change", "channel", msg.Channel, "error", err)
			continue
		}
		bus.Dispatch(sub.handler, sub.handle, change)
	}
}

// Close implements bus.Bus.
func (b *Bus) Close(h *bus.Handle) error {
	if h == nil {
		return nil
	}
	b.mu.Lock()
	sub, ok := b.subs[h.ID]
	delete(b.subs, h.ID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.pubsub.Close(); err != nil {
		return errors.Wrapf(err, "close redis subscription %s", h.Scope.Key)
	}
	return nil
}

// forget drops the subscription. It reports false when Close got there
// first.
func (b *Bus) forget(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Publish implements bus.Publisher.
func (b *Bus) Publish(ctx context.Context, c protocol.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode change")
	}
	if err := b.client.Publish(ctx, b.Channel(c.Table), data).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", b.Channel(c.Table))
	}
	return nil
}

// classify marks auth and permission rejections as hard, everything else
// as transient.
func classify(err error) error {
	msg := strings.ToUpper(err.Error())
	for _, code := range []string{"NOAUTH", "WRONGPASS", "NOPERM", "ERR INVALID PASSWORD"} {
		if strings.Contains(msg, code) {
			return errs.Hard(errors.Wrap(err, "redis rejected subscription"))
		}
	}
	return errs.Transient(errors.Wrap(err, "redis subscription"))
}
