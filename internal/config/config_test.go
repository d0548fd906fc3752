package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ossgate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
regions:
  - id: primary
    endpoint: http://127.0.0.1:7480
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Transfer.ChunkSize != 5*1024*1024 {
		t.Errorf("Transfer.ChunkSize = %d, want 5 MiB", cfg.Transfer.ChunkSize)
	}
	if cfg.Transfer.DownloadWindow != 1024*1024 {
		t.Errorf("Transfer.DownloadWindow = %d, want 1 MiB", cfg.Transfer.DownloadWindow)
	}
	if cfg.RateLimit.MaxPerSecond != 30 || cfg.RateLimit.MaxBlocks != 2 || cfg.RateLimit.BlockTTL != 2*time.Hour {
		t.Errorf("RateLimit defaults = %+v", cfg.RateLimit)
	}
	r, ok := cfg.Region("primary")
	if !ok {
		t.Fatal("Region(primary) not found")
	}
	if r.Type != "s3" || r.Region != "us-east-1" || r.Name != "primary" || !r.IsEnabled() {
		t.Errorf("region defaults = %+v", r)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
auth:
  token_ttl: 30m
replication:
  poll_interval: 250ms
  reconcile_interval: 5m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.TokenTTL != 30*time.Minute {
		t.Errorf("TokenTTL = %v, want 30m", cfg.Auth.TokenTTL)
	}
	if cfg.Replication.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.Replication.PollInterval)
	}
	if cfg.Replication.ReconcileInterval != 5*time.Minute {
		t.Errorf("ReconcileInterval = %v, want 5m", cfg.Replication.ReconcileInterval)
	}
}

func TestLoadRejectsInvalidRegions(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing id", "regions:\n  - type: s3\n"},
		{"duplicate id", "regions:\n  - id: a\n  - id: a\n"},
		{"unknown type", "regions:\n  - id: a\n    type: gcs\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("Load succeeded, want error")
			}
		})
	}
}

func TestLoadDisabledRegion(t *testing.T) {
	cfg, err := Load(writeConfig(t, "regions:\n  - id: old\n    enabled: false\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, _ := cfg.Region("old")
	if r.IsEnabled() {
		t.Error("IsEnabled() = true, want false")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope", "missing.yaml")); err == nil {
		t.Fatal("Load succeeded for missing file")
	}
}
