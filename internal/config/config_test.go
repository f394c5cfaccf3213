package config

import "testing"

func TestValidateIngestRetentionDays(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("loading default config: %v", err)
	}

	cfg.Ingest.RetentionDays = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero retention disables the bound, got %v", err)
	}

	cfg.Ingest.RetentionDays = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative retention must be rejected")
	}
}
