package wizard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opswire/socksgate/internal/config"
)

func TestNew_DefaultPath(t *testing.T) {
	w := New("")
	if w.configPath != "./config.yaml" {
		t.Errorf("configPath = %q, want ./config.yaml", w.configPath)
	}
}

func TestWriteConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := config.Default()
	cfg.SOCKS5.Address = "127.0.0.1:1085"
	cfg.Metrics.Enabled = true

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.SOCKS5.Address != "127.0.0.1:1085" {
		t.Errorf("Address = %q, want 127.0.0.1:1085", loaded.SOCKS5.Address)
	}
	if !loaded.Metrics.Enabled {
		t.Error("Metrics.Enabled lost in round trip")
	}
}

func TestWriteConfig_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := WriteConfig(config.Default(), path); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestWriteConfig_BadPath(t *testing.T) {
	if err := WriteConfig(config.Default(), "/nonexistent/dir/config.yaml"); err == nil {
		t.Error("WriteConfig() should fail for unwritable path")
	}
}
