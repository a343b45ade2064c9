package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/drorch/pkg/engine"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "weekend.rego"), weekendRego)
	writeFile(t, filepath.Join(dir, "nested", "quiet.json"), `{
		"name": "quiet-hours",
		"description": "warn at night",
		"severity": "warning",
		"rego": "package drorch.admission.quiet\nimport rego.v1\ndeny contains \"late\" if input.now.hour < 6"
	}`)
	writeFile(t, filepath.Join(dir, "off.json"), `{"name": "off", "rego": "package off", "enabled": false}`)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	byName := make(map[string]Policy)
	for _, p := range policies {
		byName[p.Name] = p
	}
	if len(byName) != 3 {
		t.Fatalf("policies = %v", byName)
	}
	if q := byName["quiet-hours"]; q.Severity != SeverityWarning || !q.Enabled || q.Source == "" {
		t.Errorf("quiet-hours = %+v", q)
	}
	if off := byName["off"]; off.Enabled || off.Severity != SeverityError {
		t.Errorf("off = %+v", off)
	}
	if w := byName["weekend"]; w.Description != "No failover rehearsals on weekends." {
		t.Errorf("weekend description = %q", w.Description)
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	ctx := context.Background()

	if _, err := loader.LoadFromPaths(ctx, []string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("missing path loaded")
	}

	bad := t.TempDir()
	writeFile(t, filepath.Join(bad, "bad.json"), `{"rego": "package x"}`)
	if _, err := loader.LoadFromPaths(ctx, []string{bad}); err == nil {
		t.Error("JSON policy without a name loaded")
	}

	a, b := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(a, "same.rego"), "package a")
	writeFile(t, filepath.Join(b, "same.rego"), "package b")
	if _, err := loader.LoadFromPaths(ctx, []string{a, b}); err == nil {
		t.Error("duplicate policy names loaded")
	}
}

func TestEngineWatch_Reloads(t *testing.T) {
	saturday := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := newTestEngine(t, WithClock(func() time.Time { return saturday }))
	eng.loader.reloadDelay = 10 * time.Millisecond

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	req := request(engine.ExecutionTypeDrill, "ops", 1)
	if err := eng.Admit(ctx, req); err != nil {
		t.Fatalf("Admit() before the policy exists = %v", err)
	}

	writeFile(t, filepath.Join(dir, "weekend.rego"), weekendRego)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := eng.Admit(ctx, req); engine.HasCode(err, engine.ErrCodePolicyDenied) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("policy written to the watched directory was never loaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A broken edit keeps the previous policy set.
	writeFile(t, filepath.Join(dir, "weekend.rego"), "package drorch.admission.weekend\ndeny contains")
	time.Sleep(200 * time.Millisecond)
	if err := eng.Admit(ctx, req); !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("Admit() after a broken edit = %v, want the previous denial", err)
	}
}
