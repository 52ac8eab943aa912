package api

import (
	"time"

	"busgate/internal/bridge"
	"busgate/internal/bus"
)

// Caller is the bridge surface the dispatcher needs.
type Caller interface {
	Broadcast(messageID string, args map[string]string, deadline time.Duration) bridge.Outcome
	Send(clientID, messageID string, args map[string]string, deadline time.Duration) bridge.Outcome
}

// StatusSource provides the read-only bus view used for status responses and
// client counts. It must never block on the bus loop.
type StatusSource interface {
	Snapshot() bus.Snapshot
}

// Renderer renders a named HTML page. Nil disables the template routes.
type Renderer interface {
	Render(name string, data map[string]any) (string, error)
}

// Envelope is the message payload handed to the bus: a message id plus
// string key/value args, passed through opaquely.
type Envelope struct {
	MessageID string
	Args      map[string]string
}

// TargetSpec is the result of address resolution: either a broadcast or a
// unicast to one client.
type TargetSpec struct {
	Broadcast bool
	ClientID  string
}
