package bus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"
)

const writeDeadline = 10 * time.Second

// client is one registered connection. All fields except out/conn/closed are
// owned by the loop goroutine; the reader and writer goroutines only use the
// channels and the socket.
type client struct {
	id    string
	name  string
	state string

	conn net.Conn
	out  chan frame

	closeOnce sync.Once
	closed    chan struct{}
}

// enqueue places f on the client's outgoing queue without blocking.
// Returns false when the queue is full (slow consumer).
func (c *client) enqueue(f frame) bool {
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

type inboundFrame struct {
	c *client
	f frame
}

// readLoop decodes frames off the socket and hands them to the loop.
// It never touches client state itself.
func (s *Server) readLoop(ctx context.Context, c *client) {
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 4096), maxFrameBytes)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.enqueue(frame{Type: frameError, Error: "malformed frame"})
			continue
		}
		select {
		case s.inbound <- inboundFrame{c: c, f: f}:
		case <-ctx.Done():
			return
		}
	}

	// Socket closed or scan error: ask the loop to deregister us.
	select {
	case s.part <- c:
	case <-ctx.Done():
	}
}

// writeLoop drains the outgoing queue onto the socket.
func (s *Server) writeLoop(ctx context.Context, c *client) {
	enc := json.NewEncoder(c.conn)
	for {
		select {
		case <-ctx.Done():
			c.close()
			return
		case <-c.closed:
			return
		case f := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := enc.Encode(f); err != nil {
				c.close()
				select {
				case s.part <- c:
				case <-ctx.Done():
				}
				return
			}
		}
	}
}
