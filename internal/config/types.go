package config

import (
	"fmt"
	"net"
	"strings"
)

// Config is the root configuration for the busgate daemon.
//
// The file may be YAML or JSON; YAML is coerced to JSON before strict
// decoding, so unknown keys are rejected for both formats.
// All durations are Go duration strings (e.g. "500ms", "2s", "1m").
type Config struct {
	Bus      BusConfig      `json:"bus"`
	API      APIConfig      `json:"api"`
	Logging  LoggingConfig  `json:"logging"`
	History  *HistoryConfig `json:"history,omitempty"`
	Announce AnnounceConfig `json:"announce,omitempty"`
	Pprof    *PprofConfig   `json:"pprof,omitempty"`
}

// BusConfig controls the bus listener and its per-client queues.
type BusConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// SendBuffer is the per-client outgoing frame queue size.
	// Frames to a client whose queue is full are dropped.
	SendBuffer int `json:"send_buffer,omitempty"`
}

// APIConfig controls the HTTP gateway in front of the bus.
type APIConfig struct {
	Enabled bool `json:"enabled"`

	// Addr defaults to bus.host:bus.port+1000 when empty.
	Addr string `json:"addr,omitempty"`

	// BroadcastTimeout bounds how long /bc and /api/broadcast block on the
	// bus loop. MessageTimeout does the same for /api/message.
	BroadcastTimeout string `json:"broadcast_timeout,omitempty"` // default "2s"
	MessageTimeout   string `json:"message_timeout,omitempty"`   // default "1s"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HistoryConfig controls the optional message history store.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./busgate.db" }
//
// If the whole section is omitted or the driver is ""/"none", history is
// disabled.
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AnnounceConfig controls the periodic status broadcast.
type AnnounceConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule is a cron spec (robfig/cron v3), e.g. "@every 1m" or
	// "*/5 * * * *".
	Schedule  string `json:"schedule,omitempty"`
	MessageID string `json:"message_id,omitempty"` // default "busStatus"
}

// PprofConfig controls the optional profiling endpoint.
// Omitting the section disables it.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060

	// Token gates the endpoints; required (or allow_insecure) for
	// non-loopback binds.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Normalize fills defaults that don't require parsing.
func (c *Config) Normalize() {
	if c.Bus.Host == "" {
		c.Bus.Host = "127.0.0.1"
	}
	if c.Bus.Port == 0 {
		c.Bus.Port = 54500
	}
	if c.Bus.SendBuffer <= 0 {
		c.Bus.SendBuffer = 64
	}
	if c.Announce.Schedule == "" {
		c.Announce.Schedule = "@every 1m"
	}
	if c.Announce.MessageID == "" {
		c.Announce.MessageID = "busStatus"
	}
}

// APIAddr resolves the effective API listen address.
func (c *Config) APIAddr() string {
	if addr := strings.TrimSpace(c.API.Addr); addr != "" {
		return addr
	}
	port := c.Bus.Port + 1000
	if c.Bus.Port <= 0 {
		port = 9080
	}
	return net.JoinHostPort(c.Bus.Host, fmt.Sprint(port))
}
