package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/drorch/pkg/engine"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return eng
}

func request(execType engine.ExecutionType, startedBy string, waves int) engine.AdmissionRequest {
	plan := &engine.RecoveryPlan{ID: "payments", Name: "Payments"}
	var groups []*engine.ProtectionGroup
	var servers []string
	for i := 0; i < waves; i++ {
		gid := "g" + string(rune('a'+i))
		plan.Waves = append(plan.Waves, engine.Wave{Index: i, GroupID: gid})
		srv := "s-" + gid
		groups = append(groups, &engine.ProtectionGroup{ID: gid, ServerIDs: []string{srv}})
		servers = append(servers, srv)
	}
	return engine.AdmissionRequest{Plan: plan, Type: execType, StartedBy: startedBy, ServerIDs: servers, Groups: groups}
}

func TestNewEngine_Builtins(t *testing.T) {
	eng := newTestEngine(t)

	want := []string{"drill-only-plan", "empty-group", "max-waves", "recovery-requires-operator"}
	got := eng.ListPolicies()
	if len(got) != len(want) {
		t.Fatalf("policies = %d, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.Name != want[i] || !p.Builtin || !p.Enabled {
			t.Errorf("policy %d = %+v, want enabled built-in %s", i, p, want[i])
		}
	}
}

func TestAdmit_Builtins(t *testing.T) {
	eng := newTestEngine(t, WithSettings(Settings{MaxWaves: 3, DrillOnlyLabel: "drorch.io/drill-only"}))
	ctx := context.Background()

	drillOnly := request(engine.ExecutionTypeRecovery, "ops", 1)
	drillOnly.Plan.Labels = map[string]string{"drorch.io/drill-only": "true"}

	tests := []struct {
		name   string
		req    engine.AdmissionRequest
		denied string
	}{
		{"drill by anyone", request(engine.ExecutionTypeDrill, "", 2), ""},
		{"recovery with operator", request(engine.ExecutionTypeRecovery, "ops", 2), ""},
		{"anonymous recovery", request(engine.ExecutionTypeRecovery, "  ", 2), "recovery-requires-operator"},
		{"too many waves", request(engine.ExecutionTypeDrill, "ops", 4), "max-waves"},
		{"recovery of drill-only plan", drillOnly, "drill-only-plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.Admit(ctx, tt.req)
			if tt.denied == "" {
				if err != nil {
					t.Fatalf("Admit() error = %v, want admitted", err)
				}
				return
			}
			if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
				t.Fatalf("Admit() error = %v, want POLICY_DENIED", err)
			}
			if !strings.Contains(err.Error(), tt.denied) {
				t.Errorf("Admit() error = %v, want mention of %s", err, tt.denied)
			}
		})
	}
}

func TestEvaluate_WarningsDoNotBlock(t *testing.T) {
	eng := newTestEngine(t)
	req := request(engine.ExecutionTypeDrill, "ops", 2)
	req.Groups[1].ServerIDs = nil

	decision, err := eng.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed", decision)
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0].Policy != "empty-group" {
		t.Errorf("warnings = %+v", decision.Warnings)
	}
	if len(decision.EvaluatedPolicies) != 4 {
		t.Errorf("evaluated = %v", decision.EvaluatedPolicies)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.DisablePolicy("recovery-requires-operator"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	if err := eng.Admit(context.Background(), request(engine.ExecutionTypeRecovery, "", 1)); err != nil {
		t.Errorf("Admit() with the policy disabled = %v", err)
	}
	if err := eng.EnablePolicy("recovery-requires-operator"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	if err := eng.Admit(context.Background(), request(engine.ExecutionTypeRecovery, "", 1)); err == nil {
		t.Error("Admit() after re-enabling = nil")
	}
	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("DisablePolicy(missing) = nil")
	}
}

const weekendRego = `package drorch.admission.weekend

import rego.v1

# No failover rehearsals on weekends.
deny contains msg if {
	input.type == "DRILL"
	input.now.weekday in {"Saturday", "Sunday"}
	msg := "drills are not allowed on weekends"
}
`

func TestLoadPolicies_UserPolicy(t *testing.T) {
	saturday := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := newTestEngine(t, WithClock(func() time.Time { return saturday }))

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "weekend.rego"), []byte(weekendRego), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	p, err := eng.GetPolicy("weekend")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Description != "No failover rehearsals on weekends." || p.Severity != SeverityError {
		t.Errorf("policy = %+v", p)
	}

	err = eng.Admit(context.Background(), request(engine.ExecutionTypeDrill, "ops", 1))
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) || !strings.Contains(err.Error(), "weekends") {
		t.Fatalf("Admit() error = %v, want the weekend denial", err)
	}

	// Loading an empty directory drops the user policy but keeps built-ins.
	if err := eng.LoadPolicies(context.Background(), []string{t.TempDir()}); err != nil {
		t.Fatalf("LoadPolicies(empty) error = %v", err)
	}
	if _, err := eng.GetPolicy("weekend"); err == nil {
		t.Error("user policy survived a reload without it")
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("policies after reload = %d, want the 4 built-ins", len(eng.ListPolicies()))
	}
}

func TestReplacePolicies_Rejections(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.ReplacePolicies(ctx, []Policy{{Name: "broken", Rego: "package x\n deny contains", Severity: SeverityError, Enabled: true}}); err == nil {
		t.Error("ReplacePolicies(broken rego) = nil")
	}

	shadow := Policy{Name: "max-waves", Rego: "package x\nimport rego.v1\ndeny contains 1 if false", Enabled: true}
	if err := eng.ReplacePolicies(ctx, []Policy{shadow}); err == nil {
		t.Error("ReplacePolicies() shadowing a built-in = nil")
	}
	p, _ := eng.GetPolicy("max-waves")
	if !p.Builtin {
		t.Error("built-in policy was replaced")
	}
}

func TestAdmit_ContextCancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eng.Admit(ctx, request(engine.ExecutionTypeDrill, "ops", 1))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Admit() error = %v, want context.Canceled", err)
	}
}
