package notify

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func ongoing(id string, progress, total uint64) Notification {
	return Notification{
		ID:       id,
		Level:    LevelInfo,
		State:    StateOngoing,
		Progress: progress,
		Total:    total,
	}
}

func done(id string) Notification {
	return Notification{ID: id, Level: LevelInfo, State: StateDone}
}

func collect(sub *Subscription, n int, timeout time.Duration) ([]Notification, error) {
	out := make([]Notification, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case notif, ok := <-sub.C():
			if !ok {
				return out, fmt.Errorf("channel closed after %d notifications", len(out))
			}
			out = append(out, notif)
		case <-deadline:
			return out, fmt.Errorf("timed out after %d notifications", len(out))
		}
	}
	return out, nil
}

func TestPerIDOrdering(t *testing.T) {
	b := NewBus(zerolog.Nop())
	sub := b.Subscribe(SubscribeOptions{Buffer: 256})

	const perID = 20
	var wg sync.WaitGroup
	for _, id := range []string{"1", "2", "3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for p := uint64(0); p < perID; p++ {
				b.Publish(ongoing(id, p, perID))
			}
			b.Publish(done(id))
		}(id)
	}
	wg.Wait()

	got, err := collect(sub, 3*(perID+1), time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	last := make(map[string]uint64)
	doneSeen := make(map[string]bool)
	for _, n := range got {
		if doneSeen[n.ID] {
			t.Fatalf("notification for %s after its done", n.ID)
		}
		if n.State == StateDone {
			doneSeen[n.ID] = true
			continue
		}
		if prev, ok := last[n.ID]; ok && n.Progress < prev {
			t.Fatalf("progress for %s went backwards: %d after %d", n.ID, n.Progress, prev)
		}
		last[n.ID] = n.Progress
	}
	for _, id := range []string{"1", "2", "3"} {
		if !doneSeen[id] {
			t.Fatalf("no done notification for %s", id)
		}
	}
}

func TestOngoingAfterDoneIsDropped(t *testing.T) {
	b := NewBus(zerolog.Nop())
	sub := b.Subscribe(SubscribeOptions{})

	b.Publish(ongoing("1", 0, 10))
	b.Publish(done("1"))
	b.Publish(ongoing("1", 5, 10))
	b.Publish(done("2"))

	got, err := collect(sub, 3, time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	doneCount := 0
	for _, n := range got {
		if n.ID == "1" && n.State == StateDone {
			doneCount++
		}
		if n.ID == "1" && n.State == StateOngoing && n.Progress == 5 {
			t.Fatal("stale ongoing delivered after done")
		}
	}
	if doneCount != 1 {
		t.Fatalf("expected exactly one done for id 1, got %d", doneCount)
	}

	// Nothing further should arrive.
	select {
	case n, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBus(zerolog.Nop())
	sub := b.Subscribe(SubscribeOptions{Buffer: 4})

	const total = 20
	for p := uint64(0); p < total; p++ {
		b.Publish(ongoing("1", p, total))
	}

	if sub.Lagged() != total-4 {
		t.Fatalf("expected %d lagged, got %d", total-4, sub.Lagged())
	}

	got, err := collect(sub, 4, time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	// The survivors are the newest publishes, in order.
	for i, n := range got {
		want := uint64(total - 4 + i)
		if n.Progress != want {
			t.Fatalf("position %d: expected progress %d, got %d", i, want, n.Progress)
		}
	}
}

func TestLagHook(t *testing.T) {
	b := NewBus(zerolog.Nop())

	var mu sync.Mutex
	var hookTotal uint64
	sub := b.Subscribe(SubscribeOptions{
		Buffer: 2,
		OnLag: func(n uint64) {
			mu.Lock()
			hookTotal += n
			mu.Unlock()
		},
	})

	for p := uint64(0); p < 10; p++ {
		b.Publish(ongoing("1", p, 10))
	}

	mu.Lock()
	defer mu.Unlock()
	if hookTotal != sub.Lagged() {
		t.Fatalf("hook saw %d drops, counter has %d", hookTotal, sub.Lagged())
	}
	if hookTotal == 0 {
		t.Fatal("expected drops for a full buffer")
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBus(zerolog.Nop())
	slow := b.Subscribe(SubscribeOptions{Buffer: 1})
	fast := b.Subscribe(SubscribeOptions{Buffer: 64})

	for p := uint64(0); p < 32; p++ {
		b.Publish(ongoing("1", p, 32))
	}

	got, err := collect(fast, 32, time.Second)
	if err != nil {
		t.Fatalf("fast subscriber starved: %v", err)
	}
	for i, n := range got {
		if n.Progress != uint64(i) {
			t.Fatalf("fast subscriber lost order at %d: %d", i, n.Progress)
		}
	}
	if slow.Lagged() == 0 {
		t.Fatal("slow subscriber should have lagged")
	}
}

func TestReplayOnSubscribe(t *testing.T) {
	b := NewBus(zerolog.Nop())

	// Three in-flight operations, one finished.
	b.Publish(ongoing("1", 1, 10))
	b.Publish(ongoing("1", 3, 10))
	b.Publish(ongoing("2", 0, 0))
	b.Publish(ongoing("3", 5, 5))
	b.Publish(done("3"))

	sub := b.Subscribe(SubscribeOptions{})

	got, err := collect(sub, 2, time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	// Latest ongoing per in-flight id, oldest first; finished ids absent.
	if got[0].ID != "1" || got[0].Progress != 3 {
		t.Fatalf("unexpected first replay: %+v", got[0])
	}
	if got[1].ID != "2" {
		t.Fatalf("unexpected second replay: %+v", got[1])
	}

	select {
	case n := <-sub.C():
		t.Fatalf("unexpected replay: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoReplayOption(t *testing.T) {
	b := NewBus(zerolog.Nop())
	b.Publish(ongoing("1", 1, 10))

	sub := b.Subscribe(SubscribeOptions{NoReplay: true})
	select {
	case n := <-sub.C():
		t.Fatalf("unexpected replay: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForgetDropsReplayState(t *testing.T) {
	b := NewBus(zerolog.Nop())
	b.Publish(ongoing("1", 1, 10))
	b.Publish(done("2"))
	b.Forget("1")
	b.Forget("2")

	sub := b.Subscribe(SubscribeOptions{})
	select {
	case n := <-sub.C():
		t.Fatalf("unexpected replay after forget: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}

	// A forgotten done id no longer suppresses ongoing publishes.
	b.Publish(ongoing("2", 1, 4))
	got, err := collect(sub, 1, time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got[0].ID != "2" {
		t.Fatalf("unexpected notification: %+v", got[0])
	}
}

func TestCloseHooksAndChannels(t *testing.T) {
	b := NewBus(zerolog.Nop())

	closed := 0
	sub := b.Subscribe(SubscribeOptions{OnClose: func() { closed++ }})
	other := b.Subscribe(SubscribeOptions{})

	sub.Close()
	if closed != 1 {
		t.Fatalf("expected one close callback, got %d", closed)
	}
	sub.Close()
	if closed != 1 {
		t.Fatalf("close callback fired twice: %d", closed)
	}

	b.Close()
	if _, ok := <-other.C(); ok {
		t.Fatal("channel still open after bus close")
	}

	// Subscribing to a closed bus yields a closed subscription.
	late := b.Subscribe(SubscribeOptions{})
	if _, ok := <-late.C(); ok {
		t.Fatal("late subscription not closed")
	}
}
