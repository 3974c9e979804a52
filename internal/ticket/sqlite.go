package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "ticket store: open")
	}
	// one writer; also keeps ":memory:" on a single database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ticket store: pragma")
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			id               TEXT PRIMARY KEY,
			number           INTEGER NOT NULL,
			desk_id          TEXT NOT NULL,
			conversation_id  TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'new',
			subject          TEXT NOT NULL DEFAULT '',
			customer_name    TEXT NOT NULL DEFAULT '',
			customer_email   TEXT NOT NULL DEFAULT '',
			preview          TEXT NOT NULL DEFAULT '',
			unread           INTEGER NOT NULL DEFAULT 0,
			message_count    INTEGER NOT NULL DEFAULT 0,
			last_activity_at TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ticket_messages (
			id              TEXT PRIMARY KEY,
			ticket_id       TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			desk_id         TEXT NOT NULL DEFAULT '',
			direction       TEXT NOT NULL,
			internal        INTEGER NOT NULL DEFAULT 0,
			from_name       TEXT NOT NULL DEFAULT '',
			from_address    TEXT NOT NULL DEFAULT '',
			recipients      TEXT NOT NULL DEFAULT '[]',
			cc              TEXT NOT NULL DEFAULT '[]',
			html            TEXT NOT NULL DEFAULT '',
			text            TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL DEFAULT '',
			sent_at         TEXT NOT NULL DEFAULT '',
			received_at     TEXT NOT NULL DEFAULT '',
			attachments     TEXT NOT NULL DEFAULT '[]'
		);

		CREATE TABLE IF NOT EXISTS attachments (
			desk_id      TEXT NOT NULL,
			storage_key  TEXT NOT NULL,
			filename     TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			data         BLOB NOT NULL,
			PRIMARY KEY (desk_id, storage_key)
		);

		CREATE TABLE IF NOT EXISTS mail_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT NOT NULL,
			ref_id     TEXT NOT NULL,
			desk_id    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_ticket ON ticket_messages(ticket_id);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON ticket_messages(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_tickets_desk_status ON tickets(desk_id, status);
		CREATE INDEX IF NOT EXISTS idx_tickets_conversation ON tickets(conversation_id);
	`)
	if err != nil {
		return errors.Wrap(err, "ticket store: migrate")
	}
	return nil
}

const ticketColumns = `id, number, desk_id, conversation_id, status, subject, customer_name, customer_email,
	preview, unread, message_count, last_activity_at, created_at`

func (s *SQLiteStore) Save(ctx context.Context, t protocol.Ticket) (protocol.Ticket, error) {
	if t.ID == "" || t.DeskID == "" {
		return protocol.Ticket{}, errors.Mark(errors.New("ticket store: id and desk id are required"), errs.ErrBadParameter)
	}
	if t.Status == "" {
		t.Status = protocol.TicketNew
	}
	if !t.Status.Valid() {
		return protocol.Ticket{}, errors.Mark(errors.Newf("ticket store: unknown status %q", t.Status), errs.ErrBadParameter)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, COALESCE(NULLIF(?, 0), (SELECT COALESCE(MAX(number), 0) + 1 FROM tickets)),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			desk_id=excluded.desk_id, conversation_id=excluded.conversation_id, status=excluded.status,
			subject=excluded.subject, customer_name=excluded.customer_name, customer_email=excluded.customer_email,
			preview=excluded.preview, unread=excluded.unread, message_count=excluded.message_count,
			last_activity_at=excluded.last_activity_at
	`, t.ID, t.Number, t.DeskID, t.ConversationID, string(t.Status), t.Subject, t.CustomerName,
		t.CustomerEmail, t.Preview, boolInt(t.Unread), t.MessageCount, formatTime(t.LastActivityAt),
		formatTime(t.CreatedAt))
	if err != nil {
		return protocol.Ticket{}, errors.Wrap(err, "ticket store: save")
	}
	return s.Get(ctx, t.ID)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (protocol.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.Ticket{}, errors.Mark(errors.Newf("ticket %q not found", id), errs.ErrNotFound)
		}
		return protocol.Ticket{}, errors.Wrap(err, "ticket store: get")
	}
	return t, nil
}

func (s *SQLiteStore) GetByConversation(ctx context.Context, conversationID string) (protocol.Ticket, error) {
	if conversationID == "" {
		return protocol.Ticket{}, errors.Mark(errors.New("ticket store: empty conversation id"), errs.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE conversation_id = ? LIMIT 1`, conversationID)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.Ticket{}, errors.Mark(errors.Newf("conversation %q not found", conversationID), errs.ErrNotFound)
		}
		return protocol.Ticket{}, errors.Wrap(err, "ticket store: get by conversation")
	}
	return t, nil
}

func filterClause(filter Filter) (string, []any) {
	where := " WHERE 1=1"
	var args []any
	if filter.DeskID != "" {
		where += " AND desk_id = ?"
		args = append(args, filter.DeskID)
	}
	if filter.Status != nil {
		where += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Query != "" {
		where += " AND (subject LIKE ? OR customer_name LIKE ? OR customer_email LIKE ? OR preview LIKE ?)"
		pattern := fmt.Sprintf("%%%s%%", filter.Query)
		args = append(args, pattern, pattern, pattern, pattern)
	}
	return where, args
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]protocol.Ticket, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + ticketColumns + ` FROM tickets` + where +
		` ORDER BY COALESCE(NULLIF(last_activity_at, ''), created_at) DESC, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "ticket store: list")
	}
	defer rows.Close()

	tickets := []protocol.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, errors.Wrap(err, "ticket store: list scan")
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filterClause(filter)
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tickets"+where, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "ticket store: count")
	}
	return count, nil
}

const messageColumns = `id, ticket_id, conversation_id, desk_id, direction, internal, from_name, from_address,
	recipients, cc, html, text, created_at, sent_at, received_at, attachments`

func (s *SQLiteStore) SaveMessage(ctx context.Context, m protocol.Message) error {
	if m.ID == "" {
		return errors.Mark(errors.New("ticket store: message id is required"), errs.ErrBadParameter)
	}
	recipients, _ := json.Marshal(nonNil(m.To))
	cc, _ := json.Marshal(nonNil(m.CC))
	atts, _ := json.Marshal(m.Attachments)
	if m.Attachments == nil {
		atts = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ticket_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TicketID, m.ConversationID, m.DeskID, string(m.Direction), boolInt(m.Internal), m.FromName,
		m.FromAddress, string(recipients), string(cc), m.HTML, m.Text, formatTime(m.CreatedAt),
		formatTime(m.SentAt), formatTime(m.ReceivedAt), string(atts))
	if err != nil {
		return errors.Wrap(err, "ticket store: save message")
	}
	return nil
}

func (s *SQLiteStore) Message(ctx context.Context, id string) (protocol.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM ticket_messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.Message{}, errors.Mark(errors.Newf("message %q not found", id), errs.ErrNotFound)
		}
		return protocol.Message{}, errors.Wrap(err, "ticket store: get message")
	}
	return m, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, ref protocol.TicketRef) ([]protocol.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM ticket_messages
		WHERE (? != '' AND ticket_id = ?) OR (? != '' AND conversation_id = ?)
		ORDER BY created_at, id
	`, ref.ID, ref.ID, ref.ConversationID, ref.ConversationID)
	if err != nil {
		return nil, errors.Wrap(err, "ticket store: load messages")
	}
	defer rows.Close()

	msgs := []protocol.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "ticket store: scan message")
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) PutAttachment(ctx context.Context, deskID string, a protocol.Attachment, data []byte) error {
	if a.StorageKey == "" {
		return errors.Mark(errors.New("ticket store: storage key is required"), errs.ErrBadParameter)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO attachments (desk_id, storage_key, filename, content_type, data)
		VALUES (?, ?, ?, ?, ?)
	`, deskID, a.StorageKey, a.Filename, a.ContentType, data)
	return errors.Wrap(err, "ticket store: put attachment")
}

func (s *SQLiteStore) Attachment(ctx context.Context, key, deskID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM attachments WHERE desk_id = ? AND storage_key = ?`, deskID, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Mark(errors.Newf("attachment %q not found", key), errs.ErrNotFound)
		}
		return nil, errors.Wrap(err, "ticket store: get attachment")
	}
	return data, nil
}

func (s *SQLiteStore) RecordMailEvent(ctx context.Context, kind, refID, deskID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO mail_events (kind, ref_id, desk_id, created_at) VALUES (?, ?, ?, ?)`,
		kind, refID, deskID, formatTime(time.Now().UTC()))
	return errors.Wrap(err, "ticket store: record mail event")
}

func (s *SQLiteStore) MailEvents(ctx context.Context, kind string) ([]MailEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, ref_id, desk_id FROM mail_events WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, errors.Wrap(err, "ticket store: mail events")
	}
	defer rows.Close()
	var out []MailEvent
	for rows.Next() {
		var e MailEvent
		if err := rows.Scan(&e.Kind, &e.RefID, &e.DeskID); err != nil {
			return nil, errors.Wrap(err, "ticket store: scan mail event")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(s scannable) (protocol.Ticket, error) {
	var t protocol.Ticket
	var status, lastActivity, createdAt string
	var unread int
	err := s.Scan(&t.ID, &t.Number, &t.DeskID, &t.ConversationID, &status, &t.Subject, &t.CustomerName,
		&t.CustomerEmail, &t.Preview, &unread, &t.MessageCount, &lastActivity, &createdAt)
	if err != nil {
		return protocol.Ticket{}, err
	}
	t.Status = protocol.TicketStatus(status)
	t.Unread = unread != 0
	t.LastActivityAt = parseTime(lastActivity)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

func scanMessage(s scannable) (protocol.Message, error) {
	var m protocol.Message
	var direction, recipients, cc, createdAt, sentAt, receivedAt, atts string
	var internal int
	err := s.Scan(&m.ID, &m.TicketID, &m.ConversationID, &m.DeskID, &direction, &internal, &m.FromName,
		&m.FromAddress, &recipients, &cc, &m.HTML, &m.Text, &createdAt, &sentAt, &receivedAt, &atts)
	if err != nil {
		return protocol.Message{}, err
	}
	m.Direction = protocol.Direction(direction)
	m.Internal = internal != 0
	json.Unmarshal([]byte(recipients), &m.To)
	json.Unmarshal([]byte(cc), &m.CC)
	json.Unmarshal([]byte(atts), &m.Attachments)
	m.CreatedAt = parseTime(createdAt)
	m.SentAt = parseTime(sentAt)
	m.ReceivedAt = parseTime(receivedAt)
	if len(m.To) == 0 {
		m.To = nil
	}
	if len(m.CC) == 0 {
		m.CC = nil
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return m, nil
}

// timeLayout has a fixed-width fraction so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
