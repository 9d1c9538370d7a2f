package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/pkg/notify"
)

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	store, err := NewEventStore(filepath.Join(t.TempDir(), "warden.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventStore failed: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func macroDone(id, name, instanceUUID string) notify.Notification {
	return notify.Notification{
		ID:    id,
		Level: notify.LevelInfo,
		State: notify.StateDone,
		StartValue: notify.StartValue{
			Kind:     notify.StartMacroRun,
			MacroRun: &notify.MacroRun{MacroName: name, InstanceUUID: instanceUUID},
		},
		Message:   "macro " + name + " finished",
		Timestamp: time.Now(),
	}
}

func TestWriteAndListRecent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, n := range []notify.Notification{
		macroDone("1", "backup", "i-1"),
		macroDone("2", "restart", "i-2"),
		macroDone("3", "prune", "i-1"),
	} {
		if err := store.Write(ctx, n); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	recs, err := store.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}

	// Newest first.
	if recs[0].Notification.ID != "3" || recs[2].Notification.ID != "1" {
		t.Fatalf("unexpected order: %s ... %s", recs[0].Notification.ID, recs[2].Notification.ID)
	}

	got := recs[0].Notification
	if got.State != notify.StateDone || got.Level != notify.LevelInfo {
		t.Fatalf("fields lost on round trip: %+v", got)
	}
	if got.StartValue.MacroRun == nil || got.StartValue.MacroRun.MacroName != "prune" {
		t.Fatalf("start value lost on round trip: %+v", got.StartValue)
	}
}

func TestProgressionUpdatesAreSkipped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Determinate ongoing updates are transient and never hit disk.
	progression := notify.Notification{
		ID:       "1",
		Level:    notify.LevelInfo,
		State:    notify.StateOngoing,
		Progress: 3,
		Total:    10,
	}
	if err := store.Write(ctx, progression); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Indeterminate ongoing notifications are durable events.
	instantaneous := notify.Notification{
		ID:      "2",
		Level:   notify.LevelWarning,
		State:   notify.StateOngoing,
		Message: "player joined",
	}
	if err := store.Write(ctx, instantaneous); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	recs, err := store.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Notification.ID != "2" {
		t.Fatalf("wrong record persisted: %s", recs[0].Notification.ID)
	}
}

func TestListByInstance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_ = store.Write(ctx, macroDone("1", "backup", "i-1"))
	_ = store.Write(ctx, macroDone("2", "restart", "i-2"))
	_ = store.Write(ctx, macroDone("3", "prune", "i-1"))

	recs, err := store.ListByInstance(ctx, "i-1", 10)
	if err != nil {
		t.Fatalf("ListByInstance failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.InstanceUUID != "i-1" {
			t.Fatalf("record for wrong instance: %s", rec.InstanceUUID)
		}
	}
}

func TestDrainPersistsBusTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newTestStore(t)

	bus := notify.NewBus(zerolog.Nop())
	sub := bus.Subscribe(notify.SubscribeOptions{})

	drained := make(chan struct{})
	go func() {
		store.Drain(ctx, sub)
		close(drained)
	}()

	bus.Publish(macroDone("1", "backup", "i-1"))
	bus.Publish(notify.Notification{
		ID:       "2",
		Level:    notify.LevelInfo,
		State:    notify.StateOngoing,
		Progress: 1,
		Total:    4,
	})

	waitForRecords(t, store, 1)

	sub.Close()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("Drain did not stop when the subscription closed")
	}
}

func waitForRecords(t *testing.T, store *EventStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := store.ListRecent(context.Background(), 10)
		if err != nil {
			t.Fatalf("ListRecent failed: %v", err)
		}
		if len(recs) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never saw %d records", want)
}

func TestInitIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")

	first, err := NewEventStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventStore failed: %v", err)
	}
	if err := first.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	_ = first.Write(context.Background(), macroDone("1", "backup", "i-1"))
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening runs migrations again as a no-op and keeps the data.
	second, err := NewEventStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventStore failed: %v", err)
	}
	if err := second.Init(context.Background()); err != nil {
		t.Fatalf("reopen Init failed: %v", err)
	}
	defer second.Close()

	recs, err := second.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("data lost across reopen: %d records", len(recs))
	}
}
