package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write at short intervals until the watcher produces an event;
	// filesystem notification readiness varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(path, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config change event")
		}
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := config.NewWatcher(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	sibling := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(sibling, []byte("unrelated"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for sibling file: %+v", ev)
	case <-time.After(300 * time.Millisecond):
		// Expected: no event.
	}
}

func TestWatcher_ClosesOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := config.NewWatcher(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			// A queued event may still arrive; the channel must close after.
			select {
			case _, ok2 := <-w.Events():
				if ok2 {
					t.Fatal("events channel did not close after cancel")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for events channel to close")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
}
