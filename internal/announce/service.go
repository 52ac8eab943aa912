// Package announce periodically broadcasts a status message over the bus.
//
// The announcer is a second in-process bridge consumer next to the HTTP API:
// its cron goroutine is just another worker thread from the bus loop's point
// of view, so every send goes through the same bounded bridge path.
package announce

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"busgate/internal/bridge"
	"busgate/internal/bus"
	logx "busgate/pkg/logx"
)

const announceDeadline = 2 * time.Second

// Caller is the bridge surface the announcer needs.
type Caller interface {
	Broadcast(messageID string, args map[string]string, deadline time.Duration) bridge.Outcome
}

// StatusSource provides the snapshot included in announcements.
type StatusSource interface {
	Snapshot() bus.Snapshot
}

// Config controls the announcer.
type Config struct {
	Enabled   bool
	Schedule  string // cron spec, e.g. "@every 1m"
	MessageID string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "@every 1m"
	}
	if strings.TrimSpace(c.MessageID) == "" {
		c.MessageID = "busStatus"
	}
	return c
}

// ValidateSchedule rejects malformed cron specs before they reach Start.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	_, err := cron.ParseStandard(spec)
	return err
}

type Service struct {
	caller Caller
	status StatusSource
	log    logx.Logger

	mu sync.Mutex
	cfg Config
	cr  *cron.Cron
}

func New(cfg Config, caller Caller, status StatusSource, log logx.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), caller: caller, status: status, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Service) startLocked() {
	if s.cr != nil || !s.cfg.Enabled {
		return
	}
	cr := cron.New()
	if _, err := cr.AddFunc(s.cfg.Schedule, s.tick); err != nil {
		s.log.Warn("announce schedule rejected", logx.String("schedule", s.cfg.Schedule), logx.Err(err))
		return
	}
	cr.Start()
	s.cr = cr
	s.log.Info("announce started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("message_id", s.cfg.MessageID),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cr := s.cr
	s.cr = nil
	s.mu.Unlock()

	if cr == nil {
		return
	}
	// Stop returns a context that is done when running jobs finish.
	jobs := cr.Stop()
	select {
	case <-jobs.Done():
	case <-ctx.Done():
		s.log.Warn("announce stop deadline reached")
	}
	s.log.Info("announce stopped")
}

// Apply reconfigures the announcer at runtime (config hot reload).
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	restart := s.cr != nil && (prev.Schedule != cfg.Schedule || prev.MessageID != cfg.MessageID || !cfg.Enabled)
	start := s.cr == nil && cfg.Enabled
	s.mu.Unlock()

	if restart {
		s.Stop(ctx)
	}
	if restart && cfg.Enabled || start {
		s.mu.Lock()
		s.startLocked()
		s.mu.Unlock()
	}
}

// tick broadcasts one status message through the bridge.
func (s *Service) tick() {
	s.mu.Lock()
	messageID := s.cfg.MessageID
	s.mu.Unlock()

	snap := s.status.Snapshot()
	uptime := 0
	if !snap.StartedAt.IsZero() {
		uptime = int(time.Since(snap.StartedAt).Seconds())
	}
	args := map[string]string{
		"host":           snap.Host,
		"port":           fmt.Sprint(snap.Port),
		"clients":        fmt.Sprint(len(snap.Clients)),
		"identified":     fmt.Sprint(snap.Identified),
		"uptime_seconds": fmt.Sprint(uptime),
	}

	out := s.caller.Broadcast(messageID, args, announceDeadline)
	switch out.Kind {
	case bridge.KindDelivered:
		s.log.Debug("status announced", logx.Int("recipients", out.Recipients))
	default:
		s.log.Warn("status announce failed", logx.String("outcome", out.String()))
	}
}
