package socket

import "github.com/jsherman999/livefeed/internal/live"

// Client message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Server message types.
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypeEvent        = "event"
)

// Error conditions carried by TypeError messages.
const (
	CondBadRequest = "bad-request"
	CondConflict   = "conflict"
	CondNotFound   = "item-not-found"
	CondInternal   = "internal-server-error"
)

// ClientMessage is a command from the client. ID correlates the ack.
type ClientMessage struct {
	Type  string    `json:"type"`
	ID    string    `json:"id"`
	URI   string    `json:"uri"`
	Mode  live.Mode `json:"mode,omitempty"`
	Since string    `json:"since,omitempty"`
}

// ServerMessage is an ack, an error or an unsolicited event. Events carry
// no correlation id.
type ServerMessage struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	URI       string            `json:"uri,omitempty"`
	Mode      live.Mode         `json:"mode,omitempty"`
	Event     string            `json:"event,omitempty"`
	Condition string            `json:"condition,omitempty"`
	Text      string            `json:"text,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
}
