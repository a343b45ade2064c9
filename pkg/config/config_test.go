package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Provider.Kind != ProviderDRS || cfg.Storage.Driver != "sqlite" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drorch.yaml")
	content := `
storage:
  driver: postgres
  url: postgres://drorch:secret@db:5432/drorch
provider:
  kind: simulated
  simulated:
    polls_to_launch: 1
    fail_servers: [s-bad]
quota:
  max_concurrent_jobs: 3
dispatcher:
  interval: 5s
policy:
  paths: [/etc/drorch/policies]
  settings:
    max_waves: 4
catalog:
  paths: [a, b]
  watch: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.MaxOpenConns != 25 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Provider.Kind != ProviderSimulated || cfg.Provider.Simulated.PollsToLaunch != 1 || len(cfg.Provider.Simulated.FailServers) != 1 {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Quota.MaxConcurrentJobs != 3 || cfg.Quota.MaxServersPerJob != 100 {
		t.Errorf("quota = %+v", cfg.Quota)
	}
	if cfg.Dispatcher.Interval != 5*time.Second || cfg.Dispatcher.MaxConcurrency != 16 {
		t.Errorf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Policy.Settings.MaxWaves != 4 || cfg.Policy.Settings.DrillOnlyLabel == "" || len(cfg.Policy.Paths) != 1 {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if !cfg.Catalog.Watch || len(cfg.Catalog.Paths) != 2 {
		t.Errorf("catalog = %+v", cfg.Catalog)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DRORCH_DISPATCHER_INTERVAL", "10s")
	t.Setenv("DRORCH_PROVIDER_DRS_REGION", "eu-west-1")
	t.Setenv("DRORCH_QUOTA_MAX_TOTAL_SERVERS", "42")
	t.Setenv("DRORCH_CATALOG_PATHS", "x,y")

	path := filepath.Join(t.TempDir(), "drorch.yaml")
	if err := os.WriteFile(path, []byte("dispatcher:\n  interval: 1m\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Dispatcher.Interval != 10*time.Second {
		t.Errorf("interval = %s, want the environment value", cfg.Dispatcher.Interval)
	}
	if cfg.Provider.DRS.Region != "eu-west-1" || cfg.Quota.MaxTotalServers != 42 {
		t.Errorf("provider = %+v, quota = %+v", cfg.Provider.DRS, cfg.Quota)
	}
	if len(cfg.Catalog.Paths) != 2 || cfg.Catalog.Paths[1] != "y" {
		t.Errorf("catalog paths = %v", cfg.Catalog.Paths)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown provider", "provider:\n  kind: azure\n"},
		{"drs without region", "provider:\n  kind: drs\n  drs:\n    region: \"\"\n"},
		{"postgres without url", "storage:\n  driver: postgres\n"},
		{"zero job quota", "quota:\n  max_concurrent_jobs: 0\n"},
		{"poll intervals inverted", "poller:\n  min_interval: 5m\n  max_interval: 1m\n"},
		{"archive without bucket", "archive:\n  endpoint: minio:9000\n  bucket: \"\"\n"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "drorch.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(New(), path); err == nil {
				t.Error("Load() error = nil")
			}
		})
	}
}

func TestLoad_SimulatedSkipsDRSValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drorch.yaml")
	content := "provider:\n  kind: simulated\n  drs:\n    region: \"\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(New(), path); err != nil {
		t.Errorf("Load() error = %v", err)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing explicit file = nil error")
	}
}

func TestRedactedAndYAML(t *testing.T) {
	cfg := Default()
	cfg.Storage.URL = "postgres://drorch:hunter2@db/drorch"
	cfg.Archive.SecretKey = "s3cr3t"

	red := cfg.Redacted()
	if strings.Contains(red.Storage.URL, "hunter2") || red.Archive.SecretKey != "****" {
		t.Errorf("redacted = %s, %s", red.Storage.URL, red.Archive.SecretKey)
	}
	if cfg.Archive.SecretKey != "s3cr3t" {
		t.Error("Redacted() modified the original")
	}

	data, err := red.YAML()
	if err != nil {
		t.Fatalf("YAML() error = %v", err)
	}
	out := string(data)
	for _, want := range []string{"dispatcher:", "interval: 30s", "max_concurrent_jobs: 20", "kind: drs"} {
		if !strings.Contains(out, want) {
			t.Errorf("YAML() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hunter2") {
		t.Error("YAML() leaked the password")
	}
}
