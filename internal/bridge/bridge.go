// Package bridge lets goroutines outside the bus loop invoke bus operations
// and wait a bounded time for the result.
//
// The bus loop owns all client state; worker goroutines (HTTP handlers, the
// announcer) must not touch it. Bridge.submit hands a task to the loop and
// blocks the caller up to a deadline. The deadline covers the whole call,
// including admission to the loop's task queue: a flooded queue makes the
// caller time out, never block. On expiry the caller detaches: the loop-side
// task still runs to completion and may mutate bus state, but nobody is
// waiting for it anymore. That race is accepted; a detached failure is logged
// and never retried.
package bridge

import (
	"context"
	"fmt"
	"time"

	logx "busgate/pkg/logx"
)

// detachObserveWindow bounds how long a detached call's observer waits for
// the task to finish before giving up on it. Tasks the loop discards at
// shutdown would otherwise pin the observer forever.
var detachObserveWindow = time.Minute

// Loop is the surface the bus exposes to the bridge.
//
// Enqueue schedules fn on the loop goroutine and reports whether the loop
// accepted it; it must give up and return false once ctx is done, so a full
// task queue can never block the caller past its deadline. Broadcast and
// SendToClient are loop-only operations: the bridge calls them exclusively
// from inside enqueued tasks.
type Loop interface {
	Enqueue(ctx context.Context, fn func(ctx context.Context)) bool
	Broadcast(ctx context.Context, messageID string, args map[string]string) (int, error)
	SendToClient(ctx context.Context, clientID, messageID string, args map[string]string) (bool, error)
}

type Bridge struct {
	loop Loop
	log  logx.Logger
}

func New(loop Loop, log logx.Logger) *Bridge {
	return &Bridge{loop: loop, log: log}
}

// Broadcast schedules a bus broadcast and waits up to deadline.
func (b *Bridge) Broadcast(messageID string, args map[string]string, deadline time.Duration) Outcome {
	return b.submit("broadcast", func(ctx context.Context) Outcome {
		n, err := b.loop.Broadcast(ctx, messageID, args)
		if err != nil {
			return Failed(err)
		}
		return Delivered(n)
	}, deadline)
}

// Send schedules a unicast to clientID and waits up to deadline.
// An unknown client yields NotFound.
func (b *Bridge) Send(clientID, messageID string, args map[string]string, deadline time.Duration) Outcome {
	return b.submit("send", func(ctx context.Context) Outcome {
		ok, err := b.loop.SendToClient(ctx, clientID, messageID, args)
		if err != nil {
			return Failed(err)
		}
		if !ok {
			return NotFound()
		}
		return Delivered(1)
	}, deadline)
}

// submit is the cross-context primitive. Safe for concurrent use; each call
// owns its completion channel, so callers never interfere with each other.
// The deadline starts before the enqueue, so admission and execution share
// one budget.
func (b *Bridge) submit(what string, op func(ctx context.Context) Outcome, deadline time.Duration) Outcome {
	if b == nil || b.loop == nil {
		return Unavailable()
	}
	if deadline <= 0 {
		deadline = time.Second
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	// Buffered so the loop-side send never blocks, even after the caller
	// has detached.
	done := make(chan Outcome, 1)

	accepted := b.loop.Enqueue(waitCtx, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				select {
				case done <- Failed(fmt.Errorf("bus task panic: %v", r)):
				default:
				}
			}
		}()
		done <- op(ctx)
	})
	if !accepted {
		if waitCtx.Err() != nil {
			// The queue couldn't admit the task within the deadline.
			return TimedOut()
		}
		return Unavailable()
	}

	select {
	case out := <-done:
		return out
	case <-waitCtx.Done():
		// Detach. The task is not cancelled; observe its eventual outcome
		// only to log failures nobody else will see. The loop may also
		// discard the task at shutdown, so the watch is bounded.
		go func() {
			select {
			case out := <-done:
				if out.Err != nil {
					b.log.Warn("detached bus task failed",
						logx.String("op", what),
						logx.Err(out.Err),
					)
				}
			case <-time.After(detachObserveWindow):
			}
		}()
		return TimedOut()
	}
}
