package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"busgate/internal/eventbus"
	logx "busgate/pkg/logx"
)

func startTestBus(t *testing.T) *Server {
	t.Helper()
	s := New(Config{Host: "127.0.0.1", Port: 0, SendBuffer: 8}, logx.Nop(), eventbus.New())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func busAddr(s *Server) string {
	snap := s.Snapshot()
	return net.JoinHostPort(snap.Host, fmt.Sprint(snap.Port))
}

type testConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialBus(t *testing.T, s *Server) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", busAddr(s))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(t *testing.T, f frame) {
	t.Helper()
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testConn) recv(t *testing.T) frame {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return f
}

// identify completes the HELLO handshake and returns the assigned client id.
func (c *testConn) identify(t *testing.T, name string) string {
	t.Helper()
	c.send(t, frame{Type: frameHello, Name: name})
	w := c.recv(t)
	if w.Type != frameWelcome {
		t.Fatalf("handshake reply = %v", w)
	}
	if w.ClientID == "" || w.Name != name {
		t.Fatalf("welcome = %+v", w)
	}
	return w.ClientID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHelloWelcome(t *testing.T) {
	s := startTestBus(t)
	c := dialBus(t, s)
	id := c.identify(t, "alice")

	waitFor(t, "identified client in snapshot", func() bool {
		snap := s.Snapshot()
		return snap.Identified == 1 && len(snap.Clients) == 1 &&
			snap.Clients[0].ClientID == id && snap.Clients[0].Name == "alice"
	})
	if !s.Snapshot().Running {
		t.Fatal("snapshot not running")
	}
}

func TestBroadcastReachesIdentifiedOnly(t *testing.T) {
	s := startTestBus(t)
	c1 := dialBus(t, s)
	c1.identify(t, "alice")
	dialBus(t, s) // connected, never identifies

	waitFor(t, "both clients registered", func() bool {
		snap := s.Snapshot()
		return len(snap.Clients) == 2 && snap.Identified == 1
	})

	res := make(chan int, 1)
	ok := s.Enqueue(context.Background(), func(ctx context.Context) {
		n, _ := s.Broadcast(ctx, "ping", map[string]string{"k": "v"})
		res <- n
	})
	if !ok {
		t.Fatal("enqueue rejected")
	}
	select {
	case n := <-res:
		if n != 1 {
			t.Fatalf("recipients = %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast task never ran")
	}

	f := c1.recv(t)
	if f.Type != frameMessage || f.MessageID != "ping" || f.Args["k"] != "v" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestSendToClient(t *testing.T) {
	s := startTestBus(t)
	c := dialBus(t, s)
	id := c.identify(t, "alice")

	type result struct {
		ok  bool
		err error
	}
	run := func(clientID string) result {
		res := make(chan result, 1)
		if !s.Enqueue(context.Background(), func(ctx context.Context) {
			ok, err := s.SendToClient(ctx, clientID, "direct", map[string]string{"x": "1"})
			res <- result{ok, err}
		}) {
			t.Fatal("enqueue rejected")
		}
		select {
		case r := <-res:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("send task never ran")
			return result{}
		}
	}

	if r := run(id); !r.ok || r.err != nil {
		t.Fatalf("known client: %+v", r)
	}
	f := c.recv(t)
	if f.Type != frameMessage || f.MessageID != "direct" {
		t.Fatalf("frame = %+v", f)
	}

	if r := run("no-such-client"); r.ok || r.err != nil {
		t.Fatalf("unknown client: %+v", r)
	}
}

func TestMessageBeforeHelloRejected(t *testing.T) {
	s := startTestBus(t)
	c := dialBus(t, s)

	c.send(t, frame{Type: frameMessage, MessageID: "too-early"})
	f := c.recv(t)
	if f.Type != frameError || f.Error != "identify first" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestRelayBetweenClients(t *testing.T) {
	s := startTestBus(t)
	c1 := dialBus(t, s)
	id1 := c1.identify(t, "alice")
	c2 := dialBus(t, s)
	c2.identify(t, "bob")

	waitFor(t, "two identified clients", func() bool {
		return s.Snapshot().Identified == 2
	})

	c1.send(t, frame{Type: frameMessage, MessageID: "chat", Args: map[string]string{"text": "hi"}})
	f := c2.recv(t)
	if f.Type != frameMessage || f.MessageID != "chat" || f.ClientID != id1 || f.Args["text"] != "hi" {
		t.Fatalf("relayed frame = %+v", f)
	}
}

func TestDisconnectDropsClient(t *testing.T) {
	s := startTestBus(t)
	c := dialBus(t, s)
	c.identify(t, "alice")

	waitFor(t, "client registered", func() bool { return len(s.Snapshot().Clients) == 1 })
	_ = c.conn.Close()
	waitFor(t, "client deregistered", func() bool { return len(s.Snapshot().Clients) == 0 })
}

func TestEnqueueAfterStop(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, logx.Nop(), eventbus.New())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if s.Enqueue(context.Background(), func(context.Context) {}) {
		t.Fatal("enqueue accepted after stop")
	}
	if s.Snapshot().Running {
		t.Fatal("snapshot still running after stop")
	}
}

func TestEnqueueBoundedWhenQueueFull(t *testing.T) {
	s := startTestBus(t)

	// Stall the loop so nothing drains from the task queue.
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	if !s.Enqueue(context.Background(), func(context.Context) {
		close(started)
		<-release
	}) {
		t.Fatal("blocker rejected")
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never picked up the blocker")
	}

	// Fill every queue slot; with the loop stalled these all sit untouched.
	for i := 0; i < cap(s.tasks); i++ {
		if !s.Enqueue(context.Background(), func(context.Context) {}) {
			t.Fatalf("fill %d rejected", i)
		}
	}

	// One past capacity must give up at the caller's deadline, not block
	// until the loop drains a slot.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	accepted := s.Enqueue(ctx, func(context.Context) {})
	elapsed := time.Since(start)

	if accepted {
		t.Fatal("enqueue accepted past capacity while the loop was stalled")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("enqueue blocked %v beyond its 50ms budget", elapsed)
	}
}
