package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	logx "busgate/pkg/logx"
)

// fakeLoop runs enqueued tasks on its own goroutine after an optional delay,
// standing in for the bus loop.
type fakeLoop struct {
	accept bool
	delay  time.Duration

	recipients int
	err        error
	known      map[string]bool

	mu   sync.Mutex
	runs int
}

func (l *fakeLoop) Enqueue(_ context.Context, fn func(ctx context.Context)) bool {
	if !l.accept {
		return false
	}
	go func() {
		if l.delay > 0 {
			time.Sleep(l.delay)
		}
		fn(context.Background())
		l.mu.Lock()
		l.runs++
		l.mu.Unlock()
	}()
	return true
}

func (l *fakeLoop) Broadcast(_ context.Context, messageID string, _ map[string]string) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	// Recipients encoded in the message id let concurrent callers verify
	// they got their own result back.
	if n, err := strconv.Atoi(messageID); err == nil {
		return n, nil
	}
	return l.recipients, nil
}

func (l *fakeLoop) SendToClient(_ context.Context, clientID, _ string, _ map[string]string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	return l.known[clientID], nil
}

func (l *fakeLoop) completedRuns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs
}

func TestBroadcastDelivered(t *testing.T) {
	b := New(&fakeLoop{accept: true, recipients: 4}, logx.Nop())
	out := b.Broadcast("ping", nil, time.Second)
	if out.Kind != KindDelivered || out.Recipients != 4 {
		t.Fatalf("outcome = %v", out)
	}
}

func TestSendNotFound(t *testing.T) {
	b := New(&fakeLoop{accept: true, known: map[string]bool{"alice": true}}, logx.Nop())
	if out := b.Send("alice", "m", nil, time.Second); out.Kind != KindDelivered || out.Recipients != 1 {
		t.Fatalf("known client: outcome = %v", out)
	}
	if out := b.Send("ghost", "m", nil, time.Second); out.Kind != KindNotFound {
		t.Fatalf("unknown client: outcome = %v", out)
	}
}

func TestFailedWrapsLoopError(t *testing.T) {
	boom := errors.New("boom")
	b := New(&fakeLoop{accept: true, err: boom}, logx.Nop())
	out := b.Broadcast("ping", nil, time.Second)
	if out.Kind != KindFailed || !errors.Is(out.Err, boom) {
		t.Fatalf("outcome = %v err = %v", out, out.Err)
	}
}

func TestTimeoutDetaches(t *testing.T) {
	loop := &fakeLoop{accept: true, delay: 200 * time.Millisecond, recipients: 1}
	b := New(loop, logx.Nop())

	start := time.Now()
	out := b.Broadcast("ping", nil, 20*time.Millisecond)
	elapsed := time.Since(start)

	if out.Kind != KindTimedOut {
		t.Fatalf("outcome = %v", out)
	}
	if elapsed > 150*time.Millisecond {
		t.Fatalf("caller blocked for %v after detaching", elapsed)
	}

	// The detached task must still run to completion.
	deadline := time.Now().Add(time.Second)
	for loop.completedRuns() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("detached task never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnavailable(t *testing.T) {
	if out := New(nil, logx.Nop()).Broadcast("ping", nil, time.Second); out.Kind != KindUnavailable {
		t.Fatalf("nil loop: outcome = %v", out)
	}
	if out := New(&fakeLoop{accept: false}, logx.Nop()).Broadcast("ping", nil, time.Second); out.Kind != KindUnavailable {
		t.Fatalf("rejected enqueue: outcome = %v", out)
	}
}

func TestZeroDeadlineUsesDefault(t *testing.T) {
	b := New(&fakeLoop{accept: true, recipients: 2}, logx.Nop())
	if out := b.Broadcast("ping", nil, 0); out.Kind != KindDelivered {
		t.Fatalf("outcome = %v", out)
	}
}

// congestedLoop models a bus whose task queue is full and whose loop is
// stalled: Enqueue honors the caller's context but can never admit the task.
type congestedLoop struct {
	tasks chan func(context.Context)
}

func newCongestedLoop(slots int) *congestedLoop {
	l := &congestedLoop{tasks: make(chan func(context.Context), slots)}
	for i := 0; i < slots; i++ {
		l.tasks <- func(context.Context) {}
	}
	return l
}

func (l *congestedLoop) Enqueue(ctx context.Context, fn func(ctx context.Context)) bool {
	select {
	case l.tasks <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *congestedLoop) Broadcast(context.Context, string, map[string]string) (int, error) {
	return 0, nil
}

func (l *congestedLoop) SendToClient(context.Context, string, string, map[string]string) (bool, error) {
	return false, nil
}

func TestFullQueueTimesOutWithinDeadline(t *testing.T) {
	b := New(newCongestedLoop(4), logx.Nop())

	start := time.Now()
	out := b.Broadcast("ping", nil, 50*time.Millisecond)
	elapsed := time.Since(start)

	if out.Kind != KindTimedOut {
		t.Fatalf("outcome = %v, want timed out when the queue can't admit the task", out)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("caller blocked %v on a full queue, far beyond its 50ms deadline", elapsed)
	}
}

func TestDetachObserverIsBounded(t *testing.T) {
	prev := detachObserveWindow
	detachObserveWindow = 50 * time.Millisecond
	t.Cleanup(func() { detachObserveWindow = prev })

	// The loop accepts the task but never runs it, like a shutdown that
	// drains nothing from the queue.
	swallow := &congestedLoop{tasks: make(chan func(context.Context), 1)}
	b := New(swallow, logx.Nop())

	before := runtime.NumGoroutine()
	if out := b.Broadcast("ping", nil, 20*time.Millisecond); out.Kind != KindTimedOut {
		t.Fatalf("outcome = %v", out)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("observer still running: %d goroutines, started with %d",
				runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrentSubmissionsIsolated(t *testing.T) {
	b := New(&fakeLoop{accept: true}, logx.Nop())

	const workers = 32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out := b.Broadcast(strconv.Itoa(n), nil, time.Second)
			if out.Kind != KindDelivered || out.Recipients != n {
				errs <- fmt.Errorf("worker %d got %v (recipients %d)", n, out, out.Recipients)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[string]Outcome{
		"delivered(1)": Delivered(1),
		"not_found":    NotFound(),
		"timed_out":    TimedOut(),
		"failed(x)":    Failed(errors.New("x")),
		"unavailable":  Unavailable(),
	}
	for want, out := range cases {
		if got := out.String(); got != want {
			t.Fatalf("String() = %q, want %q", got, want)
		}
	}
}
