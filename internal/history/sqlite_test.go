package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "busgate/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAppendAndRecent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	entries := []Entry{
		{Kind: KindBroadcast, MessageID: "first", Target: "broadcast", Outcome: "sent", Recipients: 3},
		{Kind: KindUnicast, MessageID: "second", Target: "alice", ArgsJSON: `{"k":"v"}`, Outcome: "sent", Recipients: 1},
		{Kind: KindUnicast, MessageID: "third", Target: "ghost", Outcome: "not_found"},
	}
	for _, e := range entries {
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.MessageID, err)
		}
	}

	got, err := st.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("recent returned %d rows, want 2", len(got))
	}
	// Newest first.
	if got[0].MessageID != "third" || got[1].MessageID != "second" {
		t.Fatalf("order = %q, %q", got[0].MessageID, got[1].MessageID)
	}
	if got[1].ArgsJSON != `{"k":"v"}` || got[1].Recipients != 1 {
		t.Fatalf("row = %+v", got[1])
	}
	if got[0].At.IsZero() {
		t.Fatal("timestamp not defaulted on append")
	}
}

func TestRecentDefaultLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		if err := st.Append(ctx, Entry{Kind: KindBroadcast, MessageID: "m", Outcome: "sent"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := st.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 {
		t.Fatalf("default limit returned %d rows", len(got))
	}
}

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "history.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
