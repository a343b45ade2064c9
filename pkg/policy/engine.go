package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/drorch/pkg/engine"
)

// Engine evaluates admission policies before an execution starts. It
// implements engine.LaunchPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	settings Settings
	logger   zerolog.Logger
	now      func() time.Time
	loader   *Loader
}

var _ engine.LaunchPolicy = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSettings sets the values built-in policies read.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.settings = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		settings: DefaultSettings(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loader = NewLoader(e.logger)

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")

	return e, nil
}

// Admit implements engine.LaunchPolicy.
func (e *Engine) Admit(ctx context.Context, req engine.AdmissionRequest) error {
	decision, err := e.Evaluate(ctx, req)
	if err != nil {
		return err
	}

	for _, w := range decision.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("plan_id", planID(req)).Msg(w.Message)
	}
	if decision.Allowed {
		return nil
	}

	reasons := make([]string, 0, len(decision.Violations))
	for _, v := range decision.Violations {
		reasons = append(reasons, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewPolicyDeniedError(reasons)
}

// Evaluate runs every enabled policy against the request. A policy that
// fails to evaluate counts as a violation at its own severity.
func (e *Engine) Evaluate(ctx context.Context, req engine.AdmissionRequest) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	input := e.buildInput(req)

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			violations = []Violation{{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: cp.policy.Severity,
			}}
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Duration = time.Since(start)
	e.logger.Debug().
		Str("plan_id", input.Plan.ID).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Admission evaluated")

	return decision, nil
}

func (e *Engine) buildInput(req engine.AdmissionRequest) Input {
	now := e.now().UTC()
	in := Input{
		Type:      string(req.Type),
		StartedBy: req.StartedBy,
		Servers:   append([]string{}, req.ServerIDs...),
		Groups:    []GroupInput{},
		Settings:  e.settings,
		Now: TimeInput{
			RFC3339: now.Format(time.RFC3339),
			Weekday: now.Weekday().String(),
			Hour:    now.Hour(),
		},
	}
	if p := req.Plan; p != nil {
		in.Plan = PlanInput{
			ID:            p.ID,
			Name:          p.Name,
			FailurePolicy: string(p.FailurePolicy.OrDefault()),
			Labels:        p.Labels,
			Waves:         make([]WaveInput, 0, len(p.Waves)),
		}
		for _, w := range p.Waves {
			in.Plan.Waves = append(in.Plan.Waves, WaveInput{
				Index:           w.Index,
				GroupID:         w.GroupID,
				PauseBeforeWave: w.PauseBeforeWave,
			})
		}
	}
	if in.Plan.Labels == nil {
		in.Plan.Labels = map[string]string{}
	}
	for _, g := range req.Groups {
		if g == nil {
			continue
		}
		in.Groups = append(in.Groups, GroupInput{
			ID:      g.ID,
			Name:    g.Name,
			Servers: append([]string{}, g.ServerIDs...),
		})
	}
	return in
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from a deny entry, which is either a
// string or an object with message and severity.
func createViolation(policy *Policy, result interface{}) Violation {
	v := Violation{Policy: policy.Name, Severity: policy.Severity}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compileAndStorePolicy prepares the policy's deny query and stores it.
// Callers hold e.mu or own e exclusively.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	cp, err := compilePolicy(ctx, policy)
	if err != nil {
		return err
	}
	e.policies[policy.Name] = cp
	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

// LoadPolicies loads .rego and .json policy files from paths, replacing
// every previously loaded non-builtin policy. Nothing changes when any
// policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies swaps the set of non-builtin policies.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := compilePolicy(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// Watch reloads policies whenever files under paths change, until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func planID(req engine.AdmissionRequest) string {
	if req.Plan == nil {
		return ""
	}
	return req.Plan.ID
}
