package mqttengine

import (
	"fmt"

	"wagate/internal/ports"
	"wagate/internal/types"
)

const (
	cmdStart          = "start"
	cmdStop           = "stop"
	cmdSendText       = "send_text"
	cmdSendMedia      = "send_media"
	cmdListGroupChats = "list_group_chats"

	evQR           = "qr"
	evReady        = "ready"
	evDisconnected = "disconnected"
	evAuth         = "auth"
	evMessage      = "message"
)

// command is published on <prefix>/<id>/command. Byte slices travel base64 encoded.
type command struct {
	Type          string     `json:"type"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Auth          []byte     `json:"auth,omitempty"`
	Target        string     `json:"target,omitempty"`
	Body          string     `json:"body,omitempty"`
	Media         *wireMedia `json:"media,omitempty"`
	Caption       string     `json:"caption,omitempty"`
}

type wireMedia struct {
	Mime     string `json:"mime"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data"`
}

// event arrives on <prefix>/<id>/event.
type event struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Auth    []byte `json:"auth,omitempty"`
	From    string `json:"from,omitempty"`
	Body    string `json:"body,omitempty"`
}

// result arrives on <prefix>/<id>/result and answers the command with the same correlation id.
type result struct {
	CorrelationID string       `json:"correlation_id"`
	OK            bool         `json:"ok"`
	Error         string       `json:"error,omitempty"`
	Chats         []types.Chat `json:"chats,omitempty"`
}

func (e event) toPort() (ports.Event, error) {
	switch e.Type {
	case evQR:
		return ports.Event{Kind: ports.EventPairingCode, Payload: e.Payload}, nil
	case evReady:
		return ports.Event{Kind: ports.EventReady}, nil
	case evDisconnected:
		return ports.Event{Kind: ports.EventDisconnected, Reason: e.Reason}, nil
	case evAuth:
		return ports.Event{Kind: ports.EventAuthUpdated, Auth: e.Auth}, nil
	case evMessage:
		return ports.Event{Kind: ports.EventMessage, From: e.From, Body: e.Body}, nil
	}
	return ports.Event{}, fmt.Errorf("unknown engine event type %q", e.Type)
}
