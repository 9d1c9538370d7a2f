package macro

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeMacro(t *testing.T, dir, name, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+scriptExt), []byte(source), 0o644); err != nil {
		t.Fatalf("write macro: %v", err)
	}
}

func TestStoreLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeMacro(t, dir, "backup", `print("backup")`)
	writeMacro(t, dir, "restart", `print("restart")`)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	store, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	names := store.List()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "backup" || names[1] != "restart" {
		t.Fatalf("unexpected macros: %v", names)
	}

	src, ok := store.Get("backup")
	if !ok || src != `print("backup")` {
		t.Fatalf("unexpected source: %q ok=%v", src, ok)
	}
	if _, ok := store.Get("notes"); ok {
		t.Fatal("non-macro file loaded")
	}
}

func TestStoreMissingDirectory(t *testing.T) {
	if _, err := NewStore(filepath.Join(t.TempDir(), "absent"), zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestWatchPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- store.Watch(ctx) }()

	// Give the watcher a moment to attach.
	time.Sleep(100 * time.Millisecond)

	writeMacro(t, dir, "fresh", `print("fresh")`)
	waitFor(t, func() bool {
		_, ok := store.Get("fresh")
		return ok
	})

	writeMacro(t, dir, "fresh", `print("updated")`)
	waitFor(t, func() bool {
		src, _ := store.Get("fresh")
		return src == `print("updated")`
	})

	if err := os.Remove(filepath.Join(dir, "fresh"+scriptExt)); err != nil {
		t.Fatalf("remove macro: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := store.Get("fresh")
		return !ok
	})

	cancel()
	select {
	case err := <-watchDone:
		if err != nil {
			t.Fatalf("Watch returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop on cancellation")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
