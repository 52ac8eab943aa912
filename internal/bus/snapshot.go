package bus

import "time"

// ClientInfo is a read-only view of one registered client.
type ClientInfo struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	State    string `json:"state"`
}

// Snapshot is a point-in-time view of the bus published by the loop.
// It is safe to read from any goroutine and is never mutated after publish.
type Snapshot struct {
	Running    bool
	Host       string
	Port       int
	Clients    []ClientInfo
	Identified int
	StartedAt  time.Time
}

// Snapshot returns the last view published by the loop.
func (s *Server) Snapshot() Snapshot {
	v := s.snap.Load()
	if v == nil {
		return Snapshot{}
	}
	snap, ok := v.(Snapshot)
	if !ok {
		return Snapshot{}
	}
	return snap
}
