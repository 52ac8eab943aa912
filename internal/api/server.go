package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"busgate/internal/history"
	logx "busgate/pkg/logx"
)

// Config controls the HTTP gateway.
type Config struct {
	Enabled bool
	Addr    string

	// BroadcastTimeout bounds /bc and /api/broadcast bridge calls;
	// MessageTimeout bounds /api/message.
	BroadcastTimeout time.Duration
	MessageTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:9080"
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = 2 * time.Second
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = time.Second
	}
	return c
}

// Service runs the HTTP listener. Start/Stop are safe to call from the app
// lifecycle; handler state itself is immutable after New.
type Service struct {
	cfg    Config
	log    logx.Logger
	caller Caller
	status StatusSource
	pages  Renderer      // nil disables template routes
	store  history.Store // nil disables history recording

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, caller Caller, status StatusSource, pages Renderer, store history.Store, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		caller: caller,
		status: status,
		pages:  pages,
		store:  store,
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Addr reports the actual listen address if running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped with error", logx.Err(err))
		}
	}()

	s.log.Info("api started", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("api shutdown error", logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("api stopped")
}
