// Package wsbus carries scoped change streams over WebSocket. The Client
// implements bus.Bus against a remote Hub; the Hub serves any local
// bus.Bus to remote clients. Each handle uses its own connection.
//
// Frames are JSON objects:
//
//	client -> hub   {"type":"subscribe","scope":{...}}
//	                {"type":"unsubscribe"}
//	hub -> client   {"type":"subscribed","handle":"..."}
//	                {"type":"change","change":{...}}
//	                {"type":"error","code":"...","message":"..."}
package wsbus

import (
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSubscribed  = "subscribed"
	frameChange      = "change"
	frameError       = "error"
)

// Error codes sent by the hub.
const (
	CodeUnauthorized = "unauthorized"
	CodeBadFilter    = "bad_filter"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal"
)

type frame struct {
	Type    string           `json:"type"`
	Scope   *bus.Scope       `json:"scope,omitempty"`
	Handle  string           `json:"handle,omitempty"`
	Change  *protocol.Change `json:"change,omitempty"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}
