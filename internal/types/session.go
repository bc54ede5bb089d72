package types

// SessionEntry is one record of the session cache: the auth material an engine needs to
// reconnect a device without pairing again. Auth is opaque and engine-specific.
type SessionEntry struct {
	ID   string
	Name string
	Auth []byte
}

// ConnState is the lifecycle state of a device's live connection.
type ConnState int32

const (
	StateUninitialized ConnState = iota
	StateInitializing
	StateAwaitingPairing
	StateReady
	StateDisconnected // terminal for the handle
)

var connStateText = map[ConnState]string{
	StateUninitialized:   "uninitialized",
	StateInitializing:    "initializing",
	StateAwaitingPairing: "awaiting_pairing",
	StateReady:           "ready",
	StateDisconnected:    "disconnected",
}

func (s ConnState) String() string {
	if t, ok := connStateText[s]; ok {
		return t
	}
	return "unknown"
}

// Terminal reports whether a handle in this state can no longer become Ready.
func (s ConnState) Terminal() bool {
	return s == StateDisconnected
}

// Media is an outbound attachment.
type Media struct {
	MimeType string
	Filename string
	Data     []byte
}

// Chat is a conversation as reported by the engine.
type Chat struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"is_group"`
}
