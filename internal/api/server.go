// Package api exposes agent sessions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/inline"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/logbuf"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/registry"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/session"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/ticketlist"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// LogQuerier abstracts log entry querying.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// Sessions is what the server needs from the session registry.
type Sessions interface {
	Open(agentID string) (*session.Session, error)
	Lookup(id string) (*session.Session, error)
	Close(ctx context.Context, id string) error
	List() []registry.Info
}

// BlobSource serves minted inline content.
type BlobSource interface {
	Get(token string) (*inline.Blob, bool)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Deps are the optional collaborators. Nil handlers leave their route
// unmounted.
type Deps struct {
	Logger *slog.Logger
	Logs   LogQuerier
	Blobs  BlobSource
	// Metrics serves /metrics behind the API key.
	Metrics http.Handler
	// Webhook and Stream authenticate on their own.
	Webhook http.Handler
	Stream  http.Handler
}

// Server is the helpdesk REST API server.
type Server struct {
	sessions Sessions
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer creates a new API server.
func NewServer(sessions Sessions, cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions: sessions,
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With("component", "api"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleOpenSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleCloseSession))
	mux.HandleFunc("POST /api/sessions/{id}/desk", s.requireAuth(s.withSession(s.handleSetDesk)))
	mux.HandleFunc("POST /api/sessions/{id}/ticket", s.requireAuth(s.withSession(s.handleOpenTicket)))
	mux.HandleFunc("GET /api/sessions/{id}/tickets", s.requireAuth(s.withSession(s.handleTickets)))
	mux.HandleFunc("GET /api/sessions/{id}/conversation", s.requireAuth(s.withSession(s.handleConversation)))
	mux.HandleFunc("POST /api/sessions/{id}/reply", s.requireAuth(s.withSession(s.handleReply)))
	mux.HandleFunc("POST /api/sessions/{id}/tickets/{tid}/status", s.requireAuth(s.withSession(s.handleUpdateStatus)))
	mux.HandleFunc("POST /api/sessions/{id}/refresh", s.requireAuth(s.withSession(s.handleRefresh)))
	mux.HandleFunc("GET /api/sessions/{id}/status", s.requireAuth(s.withSession(s.handleStatus)))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	// blob tokens are unguessable and end up in <img src>, which cannot
	// carry a bearer header
	mux.HandleFunc("GET "+inline.DefaultURLPrefix+"{token}", s.handleBlob)
	if deps.Metrics != nil {
		mux.HandleFunc("GET /metrics", s.requireAuth(deps.Metrics.ServeHTTP))
	}
	if deps.Webhook != nil {
		mux.Handle("POST /api/webhook/{name}", deps.Webhook)
	}
	if deps.Stream != nil {
		mux.Handle("GET /api/stream", deps.Stream)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "api server")
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Lookup(r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r, sess)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(s.sessions.List())})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

type openSessionRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.sessions.Open(req.AgentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registry.Info{
		ID:        sess.ID(),
		AgentID:   sess.AgentID(),
		CreatedAt: sess.CreatedAt(),
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type setDeskRequest struct {
	DeskID string `json:"desk_id"`
}

func (s *Server) handleSetDesk(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req setDeskRequest
	if !decode(w, r, &req) {
		return
	}
	if err := sess.SetDesk(r.Context(), req.DeskID); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondStatus(w, r, sess)
}

type openTicketRequest struct {
	TicketID string `json:"ticket_id"`
}

func (s *Server) handleOpenTicket(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req openTicketRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := sess.OpenTicket(r.Context(), req.TicketID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	q := r.URL.Query()
	page := 0
	if p := q.Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "page must be a positive integer"})
			return
		}
		page = n
	}
	result, err := sess.Tickets(r.Context(), ticketlist.List(q.Get("list")), q.Get("q"), page)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	snap, err := sess.Conversation(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if snap.Messages == nil {
		snap.Messages = []protocol.Message{}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req session.ReplyInput
	if !decode(w, r, &req) {
		return
	}
	m, err := sess.Reply(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type updateStatusRequest struct {
	Status protocol.TicketStatus `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req updateStatusRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := sess.UpdateStatus(r.Context(), r.PathValue("tid"), req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := sess.Refresh(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondStatus(w, r, sess)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	s.respondStatus(w, r, sess)
}

func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	st, err := sess.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blobs == nil {
		http.NotFound(w, r)
		return
	}
	b, ok := s.deps.Blobs.Get(r.PathValue("token"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "blob not found"})
		return
	}
	ct := b.ContentType
	if ct == "" {
		ct = http.DetectContentType(b.Data)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(b.Data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if b.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", b.Filename))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(b.Data)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}
	q := r.URL.Query()

	f := logbuf.Filter{Limit: 200, MinLevel: slog.LevelDebug, Session: q.Get("session")}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		} else if ts, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = ts
		}
	}

	entries := s.deps.Logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

// statusFor maps the error taxonomy to HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrBadParameter):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrStaleResponse):
		return http.StatusConflict
	case errors.Is(err, errs.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error("request failed", "status", code, "class", errs.Class(err), "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "class": errs.Class(err)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
