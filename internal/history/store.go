package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "busgate/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the history store.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Kinds of recorded sends.
const (
	KindBroadcast = "broadcast"
	KindUnicast   = "unicast"
)

// Entry records one API-originated send.
// Keep it compact and schema-stable.
type Entry struct {
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	MessageID  string    `json:"message_id"`
	Target     string    `json:"target,omitempty"`
	ArgsJSON   string    `json:"args,omitempty"`
	Outcome    string    `json:"outcome"`
	Recipients int       `json:"recipients"`
}

// Store is the persistence API used by the dispatcher.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
