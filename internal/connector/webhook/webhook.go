// Package webhook accepts change events pushed by the ticket backend and
// hands them to the change stream.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// MaxBody bounds a webhook request body.
const MaxBody = 1 << 20

// Config maps endpoint names to their credentials.
type Config struct {
	Endpoints map[string]EndpointConfig `json:"endpoints"`
}

// EndpointConfig authenticates one endpoint. Secret enables HMAC-SHA256
// signatures in X-Signature-256; otherwise Token is checked as a bearer
// token.
type EndpointConfig struct {
	Secret string `json:"secret,omitempty"`
	Token  string `json:"token,omitempty"`
}

// PublishFunc receives every accepted change.
type PublishFunc func(ctx context.Context, c protocol.Change) error

// Handler serves POST /api/webhook/{name}.
type Handler struct {
	config  Config
	publish PublishFunc
	logger  *slog.Logger
}

// New creates a webhook handler.
func New(cfg Config, publish PublishFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:  cfg,
		publish: publish,
		logger:  logger.With("component", "webhook"),
	}
}

// ServeHTTP accepts one change or a JSON array of changes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.PathValue("name")
	if name == "" {
		name = extractName(r.URL.Path)
	}
	endpoint, ok := h.config.Endpoints[name]
	if !ok {
		http.Error(w, "unknown webhook endpoint: "+name, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBody+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > MaxBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !authenticate(r, endpoint, body) {
		h.logger.Warn("webhook rejected", "endpoint", name, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	changes, err := decode(body)
	if err != nil {
		http.Error(w, "invalid change payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	for i, c := range changes {
		if err := h.publish(r.Context(), c); err != nil {
			h.logger.Error("webhook publish failed",
				"endpoint", name,
				"table", c.Table,
				"kind", c.Kind,
				"id", c.Record.RecordID(),
				"error", err,
			)
			writeJSON(w, http.StatusBadGateway, map[string]any{"status": "error", "accepted": i})
			return
		}
	}
	h.logger.Debug("webhook accepted", "endpoint", name, "changes", len(changes))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "accepted": len(changes)})
}

func decode(body []byte) ([]protocol.Change, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var changes []protocol.Change
		if err := json.Unmarshal(trimmed, &changes); err != nil {
			return nil, err
		}
		return changes, nil
	}
	var c protocol.Change
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return nil, err
	}
	return []protocol.Change{c}, nil
}

func authenticate(r *http.Request, endpoint EndpointConfig, body []byte) bool {
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Hub-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}
	if endpoint.Token != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		return subtle.ConstantTimeCompare([]byte(got), []byte(endpoint.Token)) == 1
	}
	// endpoints without credentials never accept
	return false
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	return path[strings.LastIndex(path, "/")+1:]
}

// ComputeSignature returns the X-Signature-256 value for body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
