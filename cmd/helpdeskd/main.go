package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/api"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/backend"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/backend/minio"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/backend/rest"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus/redisbus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus/wsbus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/config"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/connector"
	slackconn "github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/connector/slack"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/connector/telegram"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/connector/webhook"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/coordinator"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/inline"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/logbuf"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/metrics"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/registry"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/scheduler"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/session"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/ticket"
)

func main() {
	configPath := flag.StringP("config", "c", os.Getenv("HELPDESK_CONFIG"), "Path to config file (.json, .yaml)")
	verbose := flag.BoolP("verbose", "v", false, "Verbose logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := logbuf.ParseLevel(cfg.Log.Level)
	if *verbose {
		level = slog.LevelDebug
	}
	logBuf := logbuf.New(cfg.Log.BufferSize)
	logger := slog.New(logbuf.NewHandler(newHandler(os.Stdout, cfg.Log.Format, level), logBuf))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, logBuf); err != nil {
		logger.Error("helpdeskd stopped", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadFromEnv()
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, logBuf *logbuf.Buffer) error {
	logger.Info("helpdeskd starting",
		"backend", cfg.Backend.Mode,
		"transport", cfg.Stream.Transport,
		"addr", cfg.Server.Addr())

	m := metrics.New()

	// 1. Change stream
	stream, closeStream, err := openStream(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStream()

	// 2. Backend
	var (
		be     backend.Backend
		ingest webhook.PublishFunc
	)
	switch cfg.Backend.Mode {
	case config.BackendLocal:
		store, err := ticket.NewSQLiteStore(cfg.Backend.LocalPath)
		if err != nil {
			return errors.Wrap(err, "open local store")
		}
		defer store.Close()
		local := ticket.NewLocal(store, stream.publisher, ticket.LocalOptions{Logger: logger})
		be = local.Backend()
		ingest = local.Ingest
		logger.Info("local backend ready", "path", cfg.Backend.LocalPath)
	default:
		opts := []rest.Option{rest.WithLogger(logger)}
		if cfg.Backend.Retries > 0 {
			opts = append(opts, rest.WithRetry(uint(cfg.Backend.Retries), cfg.Backend.RetryDelay.D()))
		}
		be = rest.New(cfg.Backend.BaseURL, cfg.Backend.Token, opts...).Backend()
		if stream.publisher != nil {
			ingest = stream.publisher.Publish
		}
	}

	// 3. Attachments
	if cfg.Attachments.Endpoint != "" {
		objects, err := minio.New(minio.Options{
			Endpoint:  cfg.Attachments.Endpoint,
			AccessKey: cfg.Attachments.AccessKey,
			SecretKey: cfg.Attachments.SecretKey,
			Bucket:    cfg.Attachments.Bucket,
			Region:    cfg.Attachments.Region,
			Secure:    cfg.Attachments.Secure,
			MaxSize:   cfg.Attachments.MaxSize,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return err
		}
		be.Attachments = objects
		logger.Info("attachments served from object storage", "bucket", cfg.Attachments.Bucket)
	}
	blobs := inline.NewBlobStore(inline.BlobOptions{
		MaxEntries: cfg.Attachments.BlobMaxEntries,
		TTL:        cfg.Attachments.BlobTTL.D(),
		Metrics:    m,
	})
	resolver := inline.New(inline.Options{Fetcher: be.Attachments, Blobs: blobs, Logger: logger})

	// 4. Notifications
	notifier, err := newNotifier(cfg.Connectors, logger)
	if err != nil {
		return err
	}

	// 5. Sessions
	var (
		reg   *registry.Registry
		sched *scheduler.Scheduler
	)
	sched, err = scheduler.New(cfg.Sync.DegradedRefresh, func(ctx context.Context, id string) error {
		return reg.Refresh(ctx, id)
	}, logger)
	if err != nil {
		return err
	}
	backoffCfg := coordinator.BackoffConfig{
		Initial:    cfg.Stream.BackoffInitial.D(),
		Max:        cfg.Stream.BackoffMax.D(),
		Jitter:     cfg.Stream.BackoffJitter,
		MaxElapsed: cfg.Stream.BackoffMaxElapsed.D(),
	}
	reg = registry.New(registry.Options{
		Logger:      logger,
		MaxPerAgent: cfg.Server.MaxSessionsPerAgent,
		Factory: func(agentID string) (*session.Session, error) {
			opts := session.Options{
				AgentID:      agentID,
				Backend:      be,
				Bus:          stream.bus,
				Resolver:     resolver,
				Logger:       logger,
				Metrics:      m,
				Debounce:     cfg.Stream.Debounce.D(),
				Backoff:      backoffCfg,
				PageSize:     cfg.Sync.PageSize,
				FetchTimeout: cfg.Sync.FetchTimeout.D(),
				OnDegraded: func(s *session.Session, degraded bool) {
					sched.SetDegraded(s.ID(), degraded)
				},
			}
			if notifier != nil {
				opts.Notifier = notifier
			}
			return session.New(opts)
		},
		OnClose: sched.Unwatch,
	})

	// 6. API
	deps := api.Deps{
		Logger:  logger,
		Logs:    logBuf,
		Blobs:   blobs,
		Metrics: m.Handler(),
		Stream:  wsbus.NewHub(stream.bus, wsbus.HubOptions{Token: cfg.Server.APIKey, Logger: logger}),
	}
	if len(cfg.Connectors.Webhooks) > 0 && ingest != nil {
		deps.Webhook = webhook.New(webhookConfig(cfg.Connectors.Webhooks), ingest, logger)
	}
	srv := api.NewServer(reg, api.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		Key:  cfg.Server.APIKey,
	}, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		if err := sched.Start(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	logger.Info("helpdeskd ready")
	err = g.Wait()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg.CloseAll(shutCtx)
	logger.Info("helpdeskd stopped")
	return err
}

// changeStream is the bus sessions subscribe to and, when this process
// may write to it, the publisher for it.
type changeStream struct {
	bus       bus.Bus
	publisher bus.Publisher
}

func openStream(ctx context.Context, cfg *config.Config, logger *slog.Logger) (changeStream, func(), error) {
	switch cfg.Stream.Transport {
	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Stream.Redis.Addr,
			Password: cfg.Stream.Redis.Password,
			DB:       cfg.Stream.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return changeStream{}, nil, errors.Wrapf(err, "redis %s", cfg.Stream.Redis.Addr)
		}
		rb := redisbus.New(client, redisbus.Options{Prefix: cfg.Stream.Redis.Prefix, Logger: logger})
		return changeStream{bus: rb, publisher: rb}, func() { client.Close() }, nil
	case config.TransportWebSocket:
		c := wsbus.NewClient(wsbus.ClientOptions{
			URL:    cfg.Stream.WebSocket.URL,
			Token:  cfg.Stream.WebSocket.Token,
			Logger: logger,
		})
		return changeStream{bus: c}, func() {}, nil
	default:
		mem := bus.NewMemory(logger)
		return changeStream{bus: mem, publisher: mem}, func() {}, nil
	}
}

// newNotifier returns nil when no route is configured, so sessions skip
// notification entirely.
func newNotifier(cfg config.ConnectorConfig, logger *slog.Logger) (*connector.Dispatcher, error) {
	if len(cfg.Routes) == 0 {
		return nil, nil
	}
	d := connector.NewDispatcher(logger)
	if cfg.Slack != nil {
		c, err := slackconn.New(slackconn.Config{BotToken: cfg.Slack.BotToken}, logger)
		if err != nil {
			return nil, err
		}
		d.Register(c)
	}
	if cfg.Telegram != nil {
		c, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Client: &http.Client{Timeout: 30 * time.Second}}, logger)
		if err != nil {
			return nil, err
		}
		d.Register(c)
	}
	for _, r := range cfg.Routes {
		d.AddRoute(r)
	}
	logger.Info("notifications enabled", "routes", len(cfg.Routes))
	return d, nil
}

func webhookConfig(in map[string]config.WebhookConfig) webhook.Config {
	out := webhook.Config{Endpoints: make(map[string]webhook.EndpointConfig, len(in))}
	for name, w := range in {
		out.Endpoints[name] = webhook.EndpointConfig{Secret: w.Secret, Token: w.Token}
	}
	return out
}
