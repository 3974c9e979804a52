// Package config loads helpdeskd settings from a JSON or YAML file, or from
// HELPDESK_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/connector"
)

// Config is the top-level helpdeskd configuration.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Backend     BackendConfig     `json:"backend" yaml:"backend"`
	Stream      StreamConfig      `json:"stream" yaml:"stream"`
	Attachments AttachmentsConfig `json:"attachments" yaml:"attachments"`
	Sync        SyncConfig        `json:"sync" yaml:"sync"`
	Connectors  ConnectorConfig   `json:"connectors" yaml:"connectors"`
	Log         LogConfig         `json:"log" yaml:"log"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host                string `json:"host" yaml:"host"`
	Port                int    `json:"port" yaml:"port"`
	APIKey              string `json:"api_key" yaml:"api_key"`
	MaxSessionsPerAgent int    `json:"max_sessions_per_agent,omitempty" yaml:"max_sessions_per_agent,omitempty"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Backend modes.
const (
	BackendREST  = "rest"
	BackendLocal = "local"
)

// BackendConfig selects the helpdesk backend.
type BackendConfig struct {
	Mode       string   `json:"mode" yaml:"mode"` // "rest" (default) or "local"
	BaseURL    string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Token      string   `json:"token,omitempty" yaml:"token,omitempty"`
	Retries    int      `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryDelay Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	// LocalPath is the SQLite file of local mode.
	LocalPath string `json:"local_path,omitempty" yaml:"local_path,omitempty"`
}

// Stream transports.
const (
	TransportMemory    = "memory"
	TransportRedis     = "redis"
	TransportWebSocket = "websocket"
)

// StreamConfig selects the change stream transport and its retry policy.
type StreamConfig struct {
	Transport string          `json:"transport" yaml:"transport"`
	Redis     RedisConfig     `json:"redis,omitempty" yaml:"redis,omitempty"`
	WebSocket WebSocketConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`

	Debounce          Duration `json:"debounce,omitempty" yaml:"debounce,omitempty"`
	BackoffInitial    Duration `json:"backoff_initial,omitempty" yaml:"backoff_initial,omitempty"`
	BackoffMax        Duration `json:"backoff_max,omitempty" yaml:"backoff_max,omitempty"`
	BackoffJitter     float64  `json:"backoff_jitter,omitempty" yaml:"backoff_jitter,omitempty"`
	BackoffMaxElapsed Duration `json:"backoff_max_elapsed,omitempty" yaml:"backoff_max_elapsed,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

type WebSocketConfig struct {
	URL   string `json:"url" yaml:"url"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// AttachmentsConfig holds object storage and inline handle settings.
// Without a MinIO endpoint attachments come from the backend.
type AttachmentsConfig struct {
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	Bucket    string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	Secure    bool   `json:"secure,omitempty" yaml:"secure,omitempty"`
	MaxSize   int64  `json:"max_size,omitempty" yaml:"max_size,omitempty"`

	BlobTTL        Duration `json:"blob_ttl,omitempty" yaml:"blob_ttl,omitempty"`
	BlobMaxEntries int      `json:"blob_max_entries,omitempty" yaml:"blob_max_entries,omitempty"`
}

// SyncConfig tunes list loading and degraded refresh.
type SyncConfig struct {
	PageSize     int      `json:"page_size,omitempty" yaml:"page_size,omitempty"`
	FetchTimeout Duration `json:"fetch_timeout,omitempty" yaml:"fetch_timeout,omitempty"`
	// DegradedRefresh is a cron spec, e.g. "@every 30s".
	DegradedRefresh string `json:"degraded_refresh,omitempty" yaml:"degraded_refresh,omitempty"`
}

// ConnectorConfig holds notification and webhook settings.
type ConnectorConfig struct {
	Slack    *SlackConfig             `json:"slack,omitempty" yaml:"slack,omitempty"`
	Telegram *TelegramConfig          `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Routes   []connector.Route        `json:"routes,omitempty" yaml:"routes,omitempty"`
	Webhooks map[string]WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
}

type SlackConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
}

type TelegramConfig struct {
	Token string `json:"token" yaml:"token"`
}

// WebhookConfig authenticates one ingress endpoint, by HMAC secret or by
// bearer token.
type WebhookConfig struct {
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
}

// LogConfig configures the slog handler and the in-memory buffer.
type LogConfig struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"` // "json" (default) or "text"
	BufferSize int    `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
}

// Duration is a time.Duration read from strings like "300ms".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Backend.Mode == "" {
		c.Backend.Mode = BackendREST
	}
	if c.Backend.Mode == BackendLocal && c.Backend.LocalPath == "" {
		c.Backend.LocalPath = "helpdesk.db"
	}
	if c.Stream.Transport == "" {
		c.Stream.Transport = TransportMemory
	}
	if c.Sync.DegradedRefresh == "" {
		c.Sync.DegradedRefresh = "@every 30s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Load reads configuration from a JSON or YAML file, by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from HELPDESK_* variables. A .env file in
// the working directory is loaded first when present.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:                getenv("HELPDESK_HOST", "0.0.0.0"),
			Port:                getenvInt("HELPDESK_PORT", 8080),
			APIKey:              os.Getenv("HELPDESK_API_KEY"),
			MaxSessionsPerAgent: getenvInt("HELPDESK_MAX_SESSIONS_PER_AGENT", 0),
		},
		Backend: BackendConfig{
			Mode:       getenv("HELPDESK_BACKEND", BackendREST),
			BaseURL:    os.Getenv("HELPDESK_BACKEND_URL"),
			Token:      os.Getenv("HELPDESK_BACKEND_TOKEN"),
			Retries:    getenvInt("HELPDESK_BACKEND_RETRIES", 0),
			RetryDelay: getenvDuration("HELPDESK_BACKEND_RETRY_DELAY", 0),
			LocalPath:  os.Getenv("HELPDESK_LOCAL_PATH"),
		},
		Stream: StreamConfig{
			Transport: getenv("HELPDESK_STREAM", TransportMemory),
			Redis: RedisConfig{
				Addr:     os.Getenv("HELPDESK_REDIS_ADDR"),
				Password: os.Getenv("HELPDESK_REDIS_PASSWORD"),
				DB:       getenvInt("HELPDESK_REDIS_DB", 0),
				Prefix:   os.Getenv("HELPDESK_REDIS_PREFIX"),
			},
			WebSocket: WebSocketConfig{
				URL:   os.Getenv("HELPDESK_STREAM_URL"),
				Token: os.Getenv("HELPDESK_STREAM_TOKEN"),
			},
			Debounce:          getenvDuration("HELPDESK_DEBOUNCE", 0),
			BackoffInitial:    getenvDuration("HELPDESK_BACKOFF_INITIAL", 0),
			BackoffMax:        getenvDuration("HELPDESK_BACKOFF_MAX", 0),
			BackoffMaxElapsed: getenvDuration("HELPDESK_BACKOFF_MAX_ELAPSED", 0),
		},
		Attachments: AttachmentsConfig{
			Endpoint:       os.Getenv("HELPDESK_MINIO_ENDPOINT"),
			AccessKey:      os.Getenv("HELPDESK_MINIO_ACCESS_KEY"),
			SecretKey:      os.Getenv("HELPDESK_MINIO_SECRET_KEY"),
			Bucket:         os.Getenv("HELPDESK_MINIO_BUCKET"),
			Region:         os.Getenv("HELPDESK_MINIO_REGION"),
			Secure:         getenvBool("HELPDESK_MINIO_SECURE", false),
			BlobTTL:        getenvDuration("HELPDESK_BLOB_TTL", 0),
			BlobMaxEntries: getenvInt("HELPDESK_BLOB_MAX_ENTRIES", 0),
		},
		Sync: SyncConfig{
			PageSize:        getenvInt("HELPDESK_PAGE_SIZE", 0),
			FetchTimeout:    getenvDuration("HELPDESK_FETCH_TIMEOUT", 0),
			DegradedRefresh: os.Getenv("HELPDESK_DEGRADED_REFRESH"),
		},
		Log: LogConfig{
			Level:      os.Getenv("HELPDESK_LOG_LEVEL"),
			Format:     os.Getenv("HELPDESK_LOG_FORMAT"),
			BufferSize: getenvInt("HELPDESK_LOG_BUFFER", 0),
		},
	}

	if token := os.Getenv("HELPDESK_SLACK_TOKEN"); token != "" {
		cfg.Connectors.Slack = &SlackConfig{BotToken: token}
	}
	if token := os.Getenv("HELPDESK_TELEGRAM_TOKEN"); token != "" {
		cfg.Connectors.Telegram = &TelegramConfig{Token: token}
	}
	// HELPDESK_NOTIFY_ROUTES="slack:C123:d-1,telegram:42"
	if v := os.Getenv("HELPDESK_NOTIFY_ROUTES"); v != "" {
		routes, err := parseRoutes(v)
		if err != nil {
			return nil, errors.Wrap(err, "config: HELPDESK_NOTIFY_ROUTES")
		}
		cfg.Connectors.Routes = routes
	}
	if secret := os.Getenv("HELPDESK_WEBHOOK_SECRET"); secret != "" {
		cfg.Connectors.Webhooks = map[string]WebhookConfig{"backend": {Secret: secret}}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for required and consistent fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}

	switch c.Backend.Mode {
	case BackendREST:
		if c.Backend.BaseURL == "" {
			errs = append(errs, "backend.base_url is required in rest mode")
		}
	case BackendLocal:
	default:
		errs = append(errs, fmt.Sprintf("backend.mode %q is not rest or local", c.Backend.Mode))
	}

	switch c.Stream.Transport {
	case TransportMemory:
		if c.Backend.Mode == BackendREST && len(c.Connectors.Webhooks) == 0 {
			errs = append(errs, "stream.transport memory with a rest backend needs at least one connectors.webhooks entry")
		}
	case TransportRedis:
		if c.Stream.Redis.Addr == "" {
			errs = append(errs, "stream.redis.addr is required")
		}
	case TransportWebSocket:
		if c.Stream.WebSocket.URL == "" {
			errs = append(errs, "stream.websocket.url is required")
		}
		// a websocket client only subscribes
		if c.Backend.Mode == BackendLocal {
			errs = append(errs, "backend.mode local needs stream.transport memory or redis")
		}
		if len(c.Connectors.Webhooks) > 0 {
			errs = append(errs, "connectors.webhooks need stream.transport memory or redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("stream.transport %q is not memory, redis or websocket", c.Stream.Transport))
	}
	if j := c.Stream.BackoffJitter; j < 0 || j > 1 {
		errs = append(errs, "stream.backoff_jitter must be between 0 and 1")
	}

	if c.Attachments.Endpoint != "" && c.Attachments.Bucket == "" {
		errs = append(errs, "attachments.bucket is required with an endpoint")
	}

	if c.Connectors.Slack != nil && c.Connectors.Slack.BotToken == "" {
		errs = append(errs, "connectors.slack.bot_token is required")
	}
	if c.Connectors.Telegram != nil && c.Connectors.Telegram.Token == "" {
		errs = append(errs, "connectors.telegram.token is required")
	}
	for i, r := range c.Connectors.Routes {
		switch r.Connector {
		case "slack":
			if c.Connectors.Slack == nil {
				errs = append(errs, fmt.Sprintf("connectors.routes[%d] references unconfigured connector %q", i, r.Connector))
			}
		case "telegram":
			if c.Connectors.Telegram == nil {
				errs = append(errs, fmt.Sprintf("connectors.routes[%d] references unconfigured connector %q", i, r.Connector))
			}
		default:
			errs = append(errs, fmt.Sprintf("connectors.routes[%d].connector %q is unknown", i, r.Connector))
		}
		if r.ChatID == "" {
			errs = append(errs, fmt.Sprintf("connectors.routes[%d].chat_id is required", i))
		}
	}
	for name, w := range c.Connectors.Webhooks {
		if w.Secret == "" && w.Token == "" {
			errs = append(errs, fmt.Sprintf("connectors.webhooks.%s needs a secret or a token", name))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not json or text", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.Newf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return Duration(fallback)
}

// parseRoutes reads "connector:chat[:desk]" items separated by commas.
func parseRoutes(s string) ([]connector.Route, error) {
	parts := strings.Split(s, ",")
	result := make([]connector.Route, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.Split(p, ":")
		if len(fields) < 2 || len(fields) > 3 || fields[0] == "" || fields[1] == "" {
			return nil, errors.Newf("invalid route %q", p)
		}
		r := connector.Route{Connector: fields[0], ChatID: fields[1]}
		if len(fields) == 3 {
			r.DeskID = fields[2]
		}
		result = append(result, r)
	}
	return result, nil
}
