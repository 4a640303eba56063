package global

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("missing file should surface an error")
	}
	if cfg != Default() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadPartialYAMLFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "gateway_url: ws://example.test/ws\ntyping_idle_ms: 500\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GatewayURL != "ws://example.test/ws" || cfg.TypingIdleMS != 500 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.PingIntervalMS != Default().PingIntervalMS {
		t.Fatal("unset fields should keep their default")
	}
}

func TestLoadBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(":\nnot yaml ["), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err == nil {
		t.Fatal("broken yaml should error")
	}
	if cfg != Default() {
		t.Fatal("broken yaml should fall back to defaults")
	}
}

func TestStorageKeysAreRoleScoped(t *testing.T) {
	if SnapshotKey("client") == SnapshotKey("operator") {
		t.Fatal("snapshot keys must differ per role")
	}
	if IdentityKey("client") == SnapshotKey("client") {
		t.Fatal("identity and snapshot keys must differ")
	}
}
