package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
replica_id: replica-7
data_dir: /var/lib/speedex
num_assets: 8
clearing:
  tax_rate: 6
  smooth_mult: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReplicaID != "replica-7" {
		t.Fatalf("ReplicaID = %q, want replica-7", cfg.ReplicaID)
	}
	if cfg.NumAssets != 8 {
		t.Fatalf("NumAssets = %d, want 8", cfg.NumAssets)
	}
	if cfg.Clearing.TaxRate != 6 || cfg.Clearing.SmoothMult != 2 {
		t.Fatalf("Clearing = %+v, unexpected", cfg.Clearing)
	}
	if cfg.Tatonnement.MaxRounds != Default().Tatonnement.MaxRounds {
		t.Fatalf("expected unset field to keep its default, got %d", cfg.Tatonnement.MaxRounds)
	}
}

func TestValidateRejectsMissingReplicaID(t *testing.T) {
	cfg := Default()
	cfg.ReplicaID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty replica_id")
	}
}

func TestValidateRejectsZeroAssets(t *testing.T) {
	cfg := Default()
	cfg.NumAssets = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero num_assets")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
