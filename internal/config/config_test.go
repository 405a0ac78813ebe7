package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "speakeasy.hjson")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	path := writeConfig(t, `{
		storage: {
			backend: postgres
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != "postgres" {
		t.Fatalf("backend = %q, want postgres", cfg.Storage.Backend)
	}
	if cfg.Storage.BlobRoot != "blobs" {
		t.Fatalf("blob root default not applied, got %q", cfg.Storage.BlobRoot)
	}
	if cfg.Timeouts.MissedHeartbeats != 3 {
		t.Fatalf("missed heartbeats default not applied, got %d", cfg.Timeouts.MissedHeartbeats)
	}
}

func TestLoadParsesHJSONCommentsAndDurations(t *testing.T) {
	path := writeConfig(t, `{
		// plugin directory lives next to the binary in dev
		plugins: {
			dir: ./dev-plugins
			trusted_signers: [alice, bob]
		}
		timeouts: {
			handshake: 15s
			heartbeat_period: 20s
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Plugins.Dir != "./dev-plugins" {
		t.Fatalf("plugins dir = %q", cfg.Plugins.Dir)
	}
	if len(cfg.Plugins.TrustedSigners) != 2 || cfg.Plugins.TrustedSigners[1] != "bob" {
		t.Fatalf("trusted signers = %v", cfg.Plugins.TrustedSigners)
	}
	if cfg.Timeouts.Handshake.Value() != 15*time.Second {
		t.Fatalf("handshake = %s, want 15s", cfg.Timeouts.Handshake.Value())
	}
	if cfg.Timeouts.HeartbeatPeriod.Value() != 20*time.Second {
		t.Fatalf("heartbeat period = %s, want 20s", cfg.Timeouts.HeartbeatPeriod.Value())
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.hjson")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, `{
		timeouts: { handshake: "not-a-duration" }
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a malformed duration string")
	}
}
