package ports

import (
	"context"
	"wagate/internal/types"
)

type EventKind int

const (
	EventPairingCode EventKind = iota + 1
	EventReady
	EventDisconnected
	EventAuthUpdated
	EventMessage
)

var eventKindText = map[EventKind]string{
	EventPairingCode:  "pairing_code",
	EventReady:        "ready",
	EventDisconnected: "disconnected",
	EventAuthUpdated:  "auth_updated",
	EventMessage:      "message",
}

func (k EventKind) String() string {
	if t, ok := eventKindText[k]; ok {
		return t
	}
	return "unknown"
}

// Event is one notification from an engine client. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Payload string // pairing code
	Reason  string // disconnect reason
	Auth    []byte // refreshed auth material
	From    string // inbound message sender
	Body    string // inbound message body
}

// Engine creates protocol clients. It is the only way the core obtains a connection.
type Engine interface {
	NewClient(ctx context.Context, deviceID string, auth []byte) (EngineClient, error)
}

// EngineClient is one device's live protocol connection.
// Events MUST be available from construction, delivered in emission order, and the channel
// MUST be closed once the client is closed.
type EngineClient interface {
	Events() <-chan Event

	// Start hands off asynchronous initialization and returns without waiting for Ready.
	Start(ctx context.Context) error

	SendText(ctx context.Context, target, body string) error
	SendMedia(ctx context.Context, target string, media types.Media, caption string) error
	ListChats(ctx context.Context) ([]types.Chat, error)

	Close() error
}
