package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/shopsync")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("SYNC_INTERVAL_SECONDS", "")
	t.Setenv("SYNC_TIMEOUT_SECONDS", "0")
	t.Setenv("REALTIME_FLUSH_MS", "")
	t.Setenv("REALTIME_MODE", "")
	t.Setenv("REALTIME_URL", "")
	t.Setenv("BACKEND_DATABASE_URL", "")

	cfg := Load()
	if cfg.DatabasePath != filepath.Join("/var/lib/shopsync", "shopsync.db") {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.SyncInterval != 15*time.Second {
		t.Fatalf("expected 15s interval, got %s", cfg.SyncInterval)
	}
	if cfg.SyncTimeout != 15*time.Second {
		t.Fatalf("expected 15s timeout, got %s", cfg.SyncTimeout)
	}
	if cfg.RealtimeFlush != time.Second {
		t.Fatalf("expected 1s flush, got %s", cfg.RealtimeFlush)
	}
	if cfg.RealtimeMode != RealtimeNone {
		t.Fatalf("expected realtime disabled without a backend, got %q", cfg.RealtimeMode)
	}
}

func TestLoadInfersRealtimeMode(t *testing.T) {
	t.Setenv("REALTIME_MODE", "")
	t.Setenv("REALTIME_URL", "")
	t.Setenv("BACKEND_DATABASE_URL", "postgres://localhost/shop")
	if got := Load().RealtimeMode; got != RealtimePG {
		t.Fatalf("expected pg mode, got %q", got)
	}

	t.Setenv("REALTIME_URL", "wss://relay.example/changes")
	if got := Load().RealtimeMode; got != RealtimeWS {
		t.Fatalf("expected ws mode, got %q", got)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shopsync.yaml")
	if err := os.WriteFile(path, []byte("SHOP_ID: shop-from-file\nPORT: \"9911\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SHOPSYNC_CONFIG", path)
	t.Setenv("SHOP_ID", "")
	t.Setenv("PORT", "")

	cfg := Load()
	if cfg.ShopID != "shop-from-file" {
		t.Fatalf("expected shop id from file, got %q", cfg.ShopID)
	}
	if cfg.Address() != ":9911" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}
