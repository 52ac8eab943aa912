package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"busgate/internal/eventbus"
	logx "busgate/pkg/logx"
)

// Config controls the bus listener.
type Config struct {
	Host string
	Port int

	// SendBuffer is the per-client outgoing queue size.
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = "127.0.0.1"
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Server is the bus. See the package doc for the ownership model.
type Server struct {
	cfg    Config
	log    logx.Logger
	events eventbus.Bus

	ln      net.Listener
	tasks   chan func(context.Context)
	join    chan net.Conn
	part    chan *client
	inbound chan inboundFrame

	loopCtx  context.Context
	loopStop context.CancelFunc
	wg       sync.WaitGroup

	running atomic.Bool
	snap    atomic.Value // Snapshot

	// clients is owned by the loop goroutine exclusively.
	clients map[string]*client

	host  string
	port  int
	start time.Time

	// dropWarn throttles slow-consumer warnings so one stuck client
	// can't flood the log.
	dropWarn *rate.Limiter
}

func New(cfg Config, log logx.Logger, events eventbus.Bus) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		log:      log,
		events:   events,
		tasks:    make(chan func(context.Context), 256),
		join:     make(chan net.Conn),
		part:     make(chan *client, 16),
		inbound:  make(chan inboundFrame, 256),
		clients:  map[string]*client{},
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Start binds the listener and starts the loop and accept goroutines.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("bus already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bus listen %s: %w", addr, err)
	}
	s.ln = ln
	s.host = s.cfg.Host
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.start = time.Now()

	s.loopCtx, s.loopStop = context.WithCancel(ctx)
	s.running.Store(true)
	s.publishSnapshot()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.loop(s.loopCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.acceptLoop(s.loopCtx)
	}()

	s.log.Info("bus started", logx.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the listener and loop down, waiting up to ctx for goroutines.
func (s *Server) Stop(ctx context.Context) {
	if !s.running.Swap(false) {
		return
	}
	s.loopStop()
	if s.ln != nil {
		_ = s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("bus stop deadline reached", logx.Err(ctx.Err()))
	}

	// The loop has stopped publishing; record the final state.
	s.snap.Store(Snapshot{Running: false, Host: s.host, Port: s.port, StartedAt: s.start})
	s.log.Info("bus stopped")
}

// Enqueue hands fn to the loop goroutine. It is safe to call from any
// goroutine and returns false when the loop is not running or when ctx
// expires before the task queue can admit fn, so a flooded queue never
// blocks a caller past its own deadline. fn executes on the loop and may
// use the loop-only operations (Broadcast, SendToClient).
func (s *Server) Enqueue(ctx context.Context, fn func(ctx context.Context)) bool {
	if fn == nil || !s.running.Load() {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case s.tasks <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-s.loopCtx.Done():
		return false
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Warn("bus accept failed", logx.Err(err))
			return
		}
		select {
		case s.join <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// loop is the single goroutine that owns the registry.
func (s *Server) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, c := range s.clients {
				c.close()
			}
			s.clients = map[string]*client{}
			return
		case conn := <-s.join:
			s.register(ctx, conn)
		case c := <-s.part:
			s.deregister(c)
		case in := <-s.inbound:
			s.handleFrame(in.c, in.f)
		case fn := <-s.tasks:
			fn(ctx)
		}
	}
}

func (s *Server) register(ctx context.Context, conn net.Conn) {
	c := &client{
		id:     uuid.NewString(),
		state:  StateConnected,
		conn:   conn,
		out:    make(chan frame, s.cfg.SendBuffer),
		closed: make(chan struct{}),
	}
	s.clients[c.id] = c

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx, c)
	}()
	go func() {
		defer s.wg.Done()
		s.writeLoop(ctx, c)
	}()

	s.log.Debug("client connected",
		logx.String("client_id", c.id),
		logx.String("remote", conn.RemoteAddr().String()),
	)
	s.publishEvent(EventClientConnected, c)
	s.publishSnapshot()
}

func (s *Server) deregister(c *client) {
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	delete(s.clients, c.id)
	c.close()

	s.log.Debug("client closed", logx.String("client_id", c.id), logx.String("name", c.name))
	s.publishEvent(EventClientClosed, c)
	s.publishSnapshot()
}

func (s *Server) handleFrame(c *client, f frame) {
	switch f.Type {
	case frameHello:
		name := strings.TrimSpace(f.Name)
		if name == "" {
			name = "unknown"
		}
		c.name = name
		c.state = StateIdentified
		c.enqueue(frame{Type: frameWelcome, ClientID: c.id, Name: c.name})

		s.log.Info("client identified", logx.String("client_id", c.id), logx.String("name", c.name))
		s.publishEvent(EventClientIdentified, c)
		s.publishSnapshot()

	case frameMessage:
		if c.state != StateIdentified {
			c.enqueue(frame{Type: frameError, Error: "identify first"})
			return
		}
		// Relay to every other identified client; receivers filter.
		for _, peer := range s.clients {
			if peer == c || peer.state != StateIdentified {
				continue
			}
			s.deliver(peer, frame{Type: frameMessage, ClientID: c.id, MessageID: f.MessageID, Args: f.Args})
		}

	default:
		s.log.Debug("ignoring frame", logx.String("type", f.Type), logx.String("client_id", c.id))
	}
}

// Broadcast delivers a message to every identified client.
// Loop-only: call it from inside an Enqueue'd task.
// Returns the number of identified recipients.
func (s *Server) Broadcast(_ context.Context, messageID string, args map[string]string) (int, error) {
	n := 0
	for _, c := range s.clients {
		if c.state != StateIdentified {
			continue
		}
		n++
		s.deliver(c, frame{Type: frameMessage, MessageID: messageID, Args: args})
	}
	s.log.Debug("broadcast", logx.String("message_id", messageID), logx.Int("recipients", n))
	return n, nil
}

// SendToClient delivers a message to one client by id.
// Loop-only: call it from inside an Enqueue'd task.
// Returns false when the client is unknown.
func (s *Server) SendToClient(_ context.Context, clientID, messageID string, args map[string]string) (bool, error) {
	c, ok := s.clients[clientID]
	if !ok {
		return false, nil
	}
	s.deliver(c, frame{Type: frameMessage, MessageID: messageID, Args: args})
	return true, nil
}

func (s *Server) deliver(c *client, f frame) {
	if c.enqueue(f) {
		return
	}
	if s.dropWarn.Allow() {
		s.log.Warn("dropping frame for slow client",
			logx.String("client_id", c.id),
			logx.String("name", c.name),
			logx.Int("queue_cap", cap(c.out)),
		)
	}
}

func (s *Server) publishEvent(typ string, c *client) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventbus.Event{
		Type: typ,
		Data: ClientEvent{ClientID: c.id, Name: c.name, State: c.state},
	})
}

// publishSnapshot refreshes the read-only view. Loop-only.
func (s *Server) publishSnapshot() {
	clients := make([]ClientInfo, 0, len(s.clients))
	ident := 0
	for _, c := range s.clients {
		clients = append(clients, ClientInfo{ClientID: c.id, Name: c.name, State: c.state})
		if c.state == StateIdentified {
			ident++
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })

	s.snap.Store(Snapshot{
		Running:    s.running.Load(),
		Host:       s.host,
		Port:       s.port,
		Clients:    clients,
		Identified: ident,
		StartedAt:  s.start,
	})
}
