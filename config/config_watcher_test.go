package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"WProject/global"
)

func TestWatcherLoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan global.AppConfig, 4)
	stop, err := StartFileWatcher(path, func(cfg global.AppConfig) { changes <- cfg })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	select {
	case cfg := <-changes:
		if cfg.LogLevel != "debug" {
			t.Fatalf("initial load level = %q", cfg.LogLevel)
		}
	case <-time.After(time.Second):
		t.Fatal("initial load not delivered")
	}
	if Get().LogLevel != "debug" {
		t.Fatalf("Get() level = %q", Get().LogLevel)
	}

	if err := os.WriteFile(path, []byte("log_level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changes:
		if cfg.LogLevel != "warn" {
			t.Fatalf("reloaded level = %q", cfg.LogLevel)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not delivered")
	}
}

func TestWatcherSurvivesMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	stop, err := StartFileWatcher(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	// The file appearing later is picked up as a create event.
	if err := os.WriteFile(path, []byte("log_level: error\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for Get().LogLevel != "error" {
		if time.Now().After(deadline) {
			t.Fatalf("created file not loaded, level = %q", Get().LogLevel)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
