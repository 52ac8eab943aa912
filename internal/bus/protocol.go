package bus

// Frame types on the client wire.
const (
	frameHello   = "HELLO"
	frameWelcome = "WELCOME"
	frameMessage = "MESSAGE"
	frameError   = "ERROR"
)

// Client lifecycle states.
const (
	StateConnected  = "connected"
	StateIdentified = "identified"
)

// Upper bound for a single frame line. Anything larger kills the connection.
const maxFrameBytes = 64 * 1024

// frame is one newline-delimited JSON message on a client connection.
type frame struct {
	Type      string            `json:"type"`
	ClientID  string            `json:"client_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Event types published on the internal event bus.
const (
	EventClientConnected  = "bus.client.connected"
	EventClientIdentified = "bus.client.identified"
	EventClientClosed     = "bus.client.closed"
)

// ClientEvent is the Data payload for the client lifecycle events.
type ClientEvent struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name,omitempty"`
	State    string `json:"state"`
}
