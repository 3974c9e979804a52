// Package backend declares the request/response collaborators of the sync
// engine: the ticket API, the mail provider API and the attachment store.
// Implementations live in the rest, minio and ticket packages.
package backend

import (
	"context"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// TicketAPI reads and writes tickets.
type TicketAPI interface {
	TicketsByStatus(ctx context.Context, deskID string, status protocol.TicketStatus) ([]protocol.Ticket, error)
	Ticket(ctx context.Context, id string) (protocol.Ticket, error)
	// TicketMessages returns the thread of ref, looked up by ticket id or
	// by the legacy conversation id when the ticket id is empty.
	TicketMessages(ctx context.Context, ref protocol.TicketRef) ([]protocol.Message, error)
	UpdateTicket(ctx context.Context, id string, patch TicketPatch) (protocol.Ticket, error)
	RequestFeedback(ctx context.Context, ticketID string) error
}

// TicketPatch lists the fields an update changes. Nil fields are left
// alone.
type TicketPatch struct {
	Status  *protocol.TicketStatus `json:"status,omitempty"`
	Subject *string                `json:"subject,omitempty"`
	Unread  *bool                  `json:"unread,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p TicketPatch) IsEmpty() bool {
	return p.Status == nil && p.Subject == nil && p.Unread == nil
}

// MailAPI talks to the email provider behind a desk.
type MailAPI interface {
	Reply(ctx context.Context, req ReplyRequest) (protocol.SentMessage, error)
	MarkAsRead(ctx context.Context, messageID, deskID string) error
	SendResolutionNotice(ctx context.Context, messageID, deskID string) error
}

// ReplyRequest is an agent reply on a ticket thread. MessageID is the
// message being answered.
type ReplyRequest struct {
	TicketID    string                `json:"ticket_id"`
	MessageID   string                `json:"message_id"`
	DeskID      string                `json:"desk_id"`
	HTML        string                `json:"html"`
	CC          []string              `json:"cc,omitempty"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
}

// AttachmentFetcher downloads attachment bytes kept in desk storage.
type AttachmentFetcher interface {
	DownloadByStorageKey(ctx context.Context, key, deskID string) ([]byte, error)
}

// Backend bundles the three APIs a session needs.
type Backend struct {
	Tickets     TicketAPI
	Mail        MailAPI
	Attachments AttachmentFetcher
}
