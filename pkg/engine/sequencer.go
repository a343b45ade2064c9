package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/drorch/pkg/engine"

// SequencerConfig configures the wave sequencer.
type SequencerConfig struct {
	// LaunchLease is how long a launch claim is honoured before another
	// worker may retry a launch that never recorded a job.
	LaunchLease time.Duration `mapstructure:"launch_lease" validate:"min=0"`

	// MaxWriteRetries bounds the read-modify-write loop on version conflicts.
	MaxWriteRetries int `mapstructure:"max_write_retries" validate:"min=0"`

	// PauseTTL is the lifetime of pause tokens.
	PauseTTL time.Duration `mapstructure:"pause_ttl" validate:"min=0"`

	// JobTags are copied onto every provider job.
	JobTags map[string]string `mapstructure:"job_tags"`
}

// DefaultSequencerConfig returns the default sequencer configuration.
func DefaultSequencerConfig() SequencerConfig {
	return SequencerConfig{
		LaunchLease:     2 * time.Minute,
		MaxWriteRetries: 5,
		PauseTTL:        DefaultPauseTTL,
	}
}

// Sequencer drives executions through their waves. It holds no per-execution
// state in memory: every decision is taken on a fresh read of the execution
// and written back with an optimistic version check.
type Sequencer struct {
	plans     PlanStore
	store     ExecutionStore
	provider  ProviderClient
	conflicts ConflictRegistry
	quota     QuotaGuard
	policy    LaunchPolicy
	callbacks *CallbackRegistry
	observer  Observer
	config    SequencerConfig
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// SequencerOption customizes a Sequencer.
type SequencerOption func(*Sequencer)

// WithLaunchPolicy sets the admission policy consulted by Start.
func WithLaunchPolicy(p LaunchPolicy) SequencerOption {
	return func(s *Sequencer) { s.policy = p }
}

// WithObserver sets the observer notified after every write.
func WithObserver(o Observer) SequencerOption {
	return func(s *Sequencer) { s.observer = o }
}

// WithLogger sets the sequencer logger.
func WithLogger(l zerolog.Logger) SequencerOption {
	return func(s *Sequencer) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SequencerOption {
	return func(s *Sequencer) { s.now = now }
}

// WithIDGenerator replaces the execution ID generator.
func WithIDGenerator(gen func() string) SequencerOption {
	return func(s *Sequencer) { s.newID = gen }
}

// NewSequencer creates a sequencer.
func NewSequencer(
	plans PlanStore,
	store ExecutionStore,
	provider ProviderClient,
	conflicts ConflictRegistry,
	quota QuotaGuard,
	config SequencerConfig,
	opts ...SequencerOption,
) *Sequencer {
	defaults := DefaultSequencerConfig()
	if config.LaunchLease <= 0 {
		config.LaunchLease = defaults.LaunchLease
	}
	if config.MaxWriteRetries <= 0 {
		config.MaxWriteRetries = defaults.MaxWriteRetries
	}

	s := &Sequencer{
		plans:     plans,
		store:     store,
		provider:  provider,
		conflicts: conflicts,
		quota:     quota,
		callbacks: NewCallbackRegistry(config.PauseTTL),
		observer:  NopObserver{},
		config:    config,
		logger:    log.With().Str("component", "sequencer").Logger(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock returns the current time in UTC at the precision every store keeps.
func (s *Sequencer) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// errNoChange aborts a mutation without writing.
var errNoChange = errors.New("no change")

// mutation edits a fresh copy of the execution in place.
type mutation func(t *transition) error

// mutate runs fn against a fresh read and writes the result with a version
// check, re-running fn on a version conflict. It returns the execution as
// last read or written.
func (s *Sequencer) mutate(ctx context.Context, executionID string, fn mutation) (*Execution, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}

		t := &transition{s: s, exec: current.Clone(), now: s.clock()}
		if err := fn(t); err != nil {
			if errors.Is(err, errNoChange) {
				return current, nil
			}
			return current, err
		}

		next := t.exec
		next.UpdatedAt = t.now
		err = s.store.UpdateExecution(ctx, next, current.Version, t.events)
		if err == nil {
			s.afterWrite(ctx, current, next, t.events)
			return next, nil
		}
		if !HasCode(err, ErrCodeVersionConflict) || attempt >= s.config.MaxWriteRetries {
			return nil, err
		}
		s.logger.Debug().
			Str("execution_id", executionID).
			Int("attempt", attempt).
			Msg("Version conflict, re-reading execution")
	}
}

// afterWrite notifies observers and releases locks once an execution settles.
func (s *Sequencer) afterWrite(ctx context.Context, before, after *Execution, events []AuditEvent) {
	if after.Status.IsTerminal() && !before.Status.IsTerminal() {
		if err := s.conflicts.ReleaseAll(ctx, after.ID); err != nil {
			s.logger.Error().Err(err).
				Str("execution_id", after.ID).
				Msg("Failed to release conflict locks")
		}
	}
	for _, ev := range events {
		s.observer.OnEvent(ctx, after, ev)
	}
}

// Start validates a plan and creates a PENDING execution for it. Rejections
// from validation, policy, quota or the conflict registry leave no records
// and no locks behind.
func (s *Sequencer) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	ctx, span := s.tracer.Start(ctx, "sequencer.Start",
		trace.WithAttributes(
			attribute.String("plan.id", req.PlanID),
			attribute.String("execution.type", string(req.Type)),
		))
	defer span.End()

	exec, err := s.start(ctx, req)
	if err != nil {
		s.observer.OnStartRejected(ctx, req, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("execution.id", exec.ID))
	return exec, nil
}

func (s *Sequencer) start(ctx context.Context, req StartRequest) (*Execution, error) {
	if err := req.Type.Validate(); err != nil {
		return nil, NewPermanentError("invalid start request", err).WithCode(ErrCodeValidation)
	}
	if strings.TrimSpace(req.PlanID) == "" {
		return nil, NewInvalidPlanError("", "plan id is required")
	}

	plan, err := s.plans.GetPlan(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewInvalidPlanError(req.PlanID, "plan does not exist")
		}
		return nil, fmt.Errorf("failed to load plan %s: %w", req.PlanID, err)
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	groups := make([]*ProtectionGroup, len(plan.Waves))
	jobs := make([][]string, len(plan.Waves))
	owner := make(map[string]string)
	var union []string
	for i, w := range plan.Waves {
		g, err := s.plans.GetGroup(ctx, w.GroupID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, NewInvalidPlanError(plan.ID,
					fmt.Sprintf("wave %d references missing group %s", i, w.GroupID))
			}
			return nil, fmt.Errorf("failed to load group %s: %w", w.GroupID, err)
		}
		if len(g.ServerIDs) == 0 {
			return nil, NewInvalidPlanError(plan.ID, fmt.Sprintf("group %s has no servers", g.ID))
		}
		for _, id := range g.ServerIDs {
			if other, ok := owner[id]; ok && other != g.ID {
				return nil, NewInvalidPlanError(plan.ID,
					fmt.Sprintf("server %s belongs to groups %s and %s", id, other, g.ID))
			}
			owner[id] = g.ID
			union = append(union, id)
		}
		groups[i] = g
		jobs[i] = append([]string(nil), g.ServerIDs...)
	}

	if s.policy != nil {
		if err := s.policy.Admit(ctx, AdmissionRequest{
			Plan:      plan,
			Type:      req.Type,
			StartedBy: req.StartedBy,
			ServerIDs: union,
			Groups:    groups,
		}); err != nil {
			return nil, err
		}
	}

	if err := s.quota.ValidateJobs(ctx, jobs); err != nil {
		return nil, err
	}

	id := s.newID()
	if err := s.conflicts.Acquire(ctx, id, union); err != nil {
		return nil, err
	}

	now := s.clock()
	exec := &Execution{
		ID:            id,
		PlanID:        plan.ID,
		Type:          req.Type,
		Status:        ExecutionStatusPending,
		FailurePolicy: plan.FailurePolicy.OrDefault(),
		StartedBy:     req.StartedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
		Waves:         make([]WaveExecution, len(plan.Waves)),
	}
	for i, w := range plan.Waves {
		exec.Waves[i] = WaveExecution{
			Index:           w.Index,
			GroupID:         w.GroupID,
			ServerIDs:       jobs[i],
			PauseBeforeWave: w.PauseBeforeWave,
			DependsOn:       append([]int(nil), w.DependsOn...),
			Status:          WaveStatusPending,
		}
	}

	created := s.newEvent(exec, AuditKindExecutionCreated, nil, "", string(ExecutionStatusPending), now,
		fmt.Sprintf("%s of plan %s with %d waves and %d servers", req.Type, plan.ID, len(plan.Waves), len(union)))
	if err := s.store.CreateExecution(ctx, exec, []AuditEvent{created}); err != nil {
		if relErr := s.conflicts.Release(context.WithoutCancel(ctx), id, union); relErr != nil {
			s.logger.Error().Err(relErr).Str("execution_id", id).Msg("Failed to roll back conflict locks")
		}
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	s.logger.Info().
		Str("execution_id", id).
		Str("plan_id", plan.ID).
		Str("type", string(req.Type)).
		Int("waves", len(plan.Waves)).
		Int("servers", len(union)).
		Msg("Execution started")
	s.observer.OnEvent(ctx, exec, created)
	return exec, nil
}

// Advance moves the execution's current wave forward: it pauses the wave when
// a manual confirmation is required, otherwise it launches the wave's provider
// job. Executions that are paused, terminal or already waiting on a job are
// left unchanged.
func (s *Sequencer) Advance(ctx context.Context, executionID string) (*Execution, error) {
	ctx, span := s.tracer.Start(ctx, "sequencer.Advance",
		trace.WithAttributes(attribute.String("execution.id", executionID)))
	defer span.End()

	var (
		launchIdx = -1
		claim     time.Time
	)
	exec, err := s.mutate(ctx, executionID, func(t *transition) error {
		launchIdx = -1
		e := t.exec
		if e.Status.IsTerminal() || e.Status == ExecutionStatusPaused {
			return errNoChange
		}

		idx := e.CurrentWave()
		if idx < 0 {
			return t.finish("all waves settled")
		}
		w := &e.Waves[idx]

		switch w.Status {
		case WaveStatusPending:
			if unmet := e.UnmetDependencies(idx); len(unmet) > 0 {
				return t.skipWave(idx, unmet)
			}
			if NeedsPause(w) {
				if _, err := s.callbacks.Mint(w, t.now); err != nil {
					return err
				}
				t.note(AuditKindPauseTokenIssued, &idx,
					fmt.Sprintf("wave %d awaits confirmation until %s", idx, w.PauseTokenExpiry.Format(time.RFC3339)))
				return t.execution(ExecutionStatusPaused, fmt.Sprintf("paused before wave %d", idx))
			}
			if err := s.quota.Validate(ctx, w.ServerIDs); err != nil {
				if !HasCode(err, ErrCodeQuotaExceeded) {
					return err
				}
				return t.recordError(idx, fmt.Sprintf("wave %d deferred: %v", idx, err))
			}
			if err := t.wave(idx, WaveStatusLaunching, "launch claimed"); err != nil {
				return err
			}
			if err := t.execution(ExecutionStatusLaunching, fmt.Sprintf("launching wave %d", idx)); err != nil {
				return err
			}

		case WaveStatusLaunching:
			if w.JobID != "" || w.LaunchStartedAt == nil || t.now.Sub(*w.LaunchStartedAt) < s.config.LaunchLease {
				return errNoChange
			}
			t.note(AuditKindError, &idx, fmt.Sprintf("launch of wave %d did not record a job, retrying", idx))
			if e.Status != ExecutionStatusLaunching {
				if err := t.execution(ExecutionStatusLaunching, fmt.Sprintf("relaunching wave %d", idx)); err != nil {
					return err
				}
			}

		default:
			return errNoChange
		}

		w.LaunchStartedAt = &t.now
		claim = t.now
		launchIdx = idx
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return exec, err
	}
	if launchIdx < 0 {
		return exec, nil
	}
	return s.launch(ctx, exec, launchIdx, claim)
}

// launch starts the provider job for a claimed wave and records the outcome.
// The result is discarded when the execution was cancelled meanwhile or the
// claim was superseded by a later one.
func (s *Sequencer) launch(ctx context.Context, exec *Execution, idx int, claim time.Time) (*Execution, error) {
	w := exec.Waves[idx]
	logger := s.logger.With().Str("execution_id", exec.ID).Int("wave", idx).Logger()

	callCtx, cancel := context.WithTimeout(ctx, s.config.LaunchLease/2)
	started := time.Now()
	jobID, callErr := s.provider.StartJob(callCtx, w.ServerIDs, JobParams{
		ExecutionID: exec.ID,
		WaveIndex:   idx,
		Drill:       exec.Type.IsDrill(),
		Tags:        s.config.JobTags,
	})
	cancel()
	s.observer.OnProviderCall(ctx, "start_job", time.Since(started), callErr)

	if callErr != nil {
		logger.Warn().Err(callErr).Msg("Provider rejected job start")
	} else {
		logger.Info().Str("job_id", jobID).Int("servers", len(w.ServerIDs)).Msg("Provider job started")
	}

	return s.mutate(ctx, exec.ID, func(t *transition) error {
		e := t.exec
		cw := &e.Waves[idx]
		if e.Status.IsTerminal() {
			if callErr == nil {
				logger.Warn().Str("job_id", jobID).Str("status", string(e.Status)).
					Msg("Execution settled while the job was starting, discarding job")
			}
			return errNoChange
		}
		if cw.Status != WaveStatusLaunching || cw.JobID != "" ||
			cw.LaunchStartedAt == nil || !cw.LaunchStartedAt.Equal(claim) {
			if callErr == nil {
				logger.Warn().Str("job_id", jobID).Msg("Launch claim superseded, discarding job")
			}
			return errNoChange
		}

		if callErr == nil {
			cw.JobID = jobID
			cw.LastError = ""
			e.LastError = ""
			t.note(AuditKindWaveTransition, &idx, fmt.Sprintf("provider job %s started", jobID))
			return t.execution(ExecutionStatusPolling, fmt.Sprintf("polling wave %d", idx))
		}

		if IsProviderFatal(callErr) {
			return t.failWave(idx, fmt.Sprintf("job start failed: %v", callErr))
		}
		return t.recordError(idx, fmt.Sprintf("job start for wave %d will be retried: %v", idx, callErr))
	})
}

// OnJobUpdate applies a provider job status to the wave that owns the job.
// Updates for a job that is no longer the wave's in-flight job are ignored,
// so repeated or concurrent polls produce a single transition.
func (s *Sequencer) OnJobUpdate(ctx context.Context, executionID string, idx int, status *JobStatus) (*Execution, error) {
	if status == nil || !status.State.IsTerminal() {
		return s.store.GetExecution(ctx, executionID)
	}
	return s.mutate(ctx, executionID, func(t *transition) error {
		e := t.exec
		if e.Status.IsTerminal() || idx < 0 || idx >= len(e.Waves) {
			return errNoChange
		}
		w := &e.Waves[idx]
		if w.Status != WaveStatusLaunching || w.JobID == "" || w.JobID != status.JobID {
			return errNoChange
		}
		w.RecoveryInstanceIDs = status.RecoveryInstanceIDs()

		if status.State == JobStateFailed {
			return t.failWave(idx, describeFailedJob(status))
		}
		if err := t.wave(idx, WaveStatusCompleted, fmt.Sprintf("job %s launched", status.JobID)); err != nil {
			return err
		}
		w.LastError = ""
		return t.settle()
	})
}

// FailJob fails the wave owning jobID after the provider reported an
// unrecoverable error for the job itself.
func (s *Sequencer) FailJob(ctx context.Context, executionID string, idx int, jobID string, cause error) (*Execution, error) {
	return s.mutate(ctx, executionID, func(t *transition) error {
		e := t.exec
		if e.Status.IsTerminal() || idx < 0 || idx >= len(e.Waves) {
			return errNoChange
		}
		w := &e.Waves[idx]
		if w.Status != WaveStatusLaunching || w.JobID != jobID {
			return errNoChange
		}
		return t.failWave(idx, fmt.Sprintf("job %s: %v", jobID, cause))
	})
}

// Resume consumes the pause token of a paused execution and launches the
// paused wave. An invalid or expired token leaves the execution untouched.
func (s *Sequencer) Resume(ctx context.Context, executionID, token string) (*Execution, error) {
	ctx, span := s.tracer.Start(ctx, "sequencer.Resume",
		trace.WithAttributes(attribute.String("execution.id", executionID)))
	defer span.End()

	_, err := s.mutate(ctx, executionID, func(t *transition) error {
		idx, err := s.callbacks.Consume(t.exec, token, t.now)
		if err != nil {
			return err
		}
		t.note(AuditKindPauseTokenConsumed, &idx, fmt.Sprintf("wave %d confirmed", idx))
		return t.execution(ExecutionStatusLaunching, fmt.Sprintf("resumed before wave %d", idx))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.logger.Info().Str("execution_id", executionID).Msg("Execution resumed")
	return s.Advance(ctx, executionID)
}

// Cancel stops an active execution and releases its locks. Jobs already
// started at the provider are not aborted.
func (s *Sequencer) Cancel(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := s.mutate(ctx, executionID, func(t *transition) error {
		e := t.exec
		if !e.Status.IsCancellable() {
			return NewInvalidStateError(e.ID, "cancel", e.Status)
		}
		for i := range e.Waves {
			e.Waves[i].PauseToken = ""
			e.Waves[i].PauseTokenExpiry = nil
		}
		return t.execution(ExecutionStatusCancelled, "cancelled by operator")
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("execution_id", executionID).Msg("Execution cancelled")
	return exec, nil
}

// TerminateInstances removes the recovery instances launched by an execution.
// It works on executions in any status and never changes their status;
// provider failures are logged and reported.
func (s *Sequencer) TerminateInstances(ctx context.Context, executionID string) (*TerminationReport, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With().Str("execution_id", executionID).Logger()

	seen := make(map[string]struct{})
	var ids []string
	add := func(list []string) {
		for _, id := range list {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	for _, w := range exec.Waves {
		add(w.RecoveryInstanceIDs)
		if len(w.RecoveryInstanceIDs) > 0 || w.JobID == "" {
			continue
		}
		// Jobs that were still running when the execution stopped being
		// polled may have launched instances since.
		started := time.Now()
		status, err := s.provider.DescribeJob(ctx, w.JobID)
		s.observer.OnProviderCall(ctx, "describe_job", time.Since(started), err)
		if err != nil {
			logger.Warn().Err(err).Str("job_id", w.JobID).Msg("Could not look up job instances")
			continue
		}
		add(status.RecoveryInstanceIDs())
	}

	report := &TerminationReport{ExecutionID: executionID, InstanceIDs: ids}
	if len(ids) == 0 {
		logger.Info().Msg("No recovery instances to terminate")
		return report, nil
	}

	started := time.Now()
	err = s.provider.TerminateInstances(ctx, ids)
	s.observer.OnProviderCall(ctx, "terminate_instances", time.Since(started), err)
	msg := fmt.Sprintf("termination requested for %d instances", len(ids))
	if err != nil {
		report.Error = err.Error()
		msg = fmt.Sprintf("termination of %d instances failed: %v", len(ids), err)
		logger.Error().Err(err).Int("instances", len(ids)).Msg("Failed to terminate recovery instances")
	} else {
		logger.Info().Int("instances", len(ids)).Msg("Recovery instances terminated")
	}

	if _, noteErr := s.mutate(ctx, executionID, func(t *transition) error {
		t.note(AuditKindInstancesTerminated, nil, msg)
		return nil
	}); noteErr != nil {
		logger.Warn().Err(noteErr).Msg("Failed to record termination in audit trail")
	}
	return report, nil
}

// GetStatus returns the execution with its waves, last error and, while
// paused, the outstanding pause token.
func (s *Sequencer) GetStatus(ctx context.Context, executionID string) (*Execution, error) {
	return s.store.GetExecution(ctx, executionID)
}

// List returns executions matching filter.
func (s *Sequencer) List(ctx context.Context, filter ListFilter) ([]*Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// Events returns the audit trail of an execution.
func (s *Sequencer) Events(ctx context.Context, executionID string) ([]AuditEvent, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, executionID)
}

// RecordPollError stores a non-fatal polling problem on the execution.
func (s *Sequencer) RecordPollError(ctx context.Context, executionID string, idx int, cause error) error {
	_, err := s.mutate(ctx, executionID, func(t *transition) error {
		if t.exec.Status.IsTerminal() {
			return errNoChange
		}
		return t.recordError(idx, fmt.Sprintf("polling wave %d: %v", idx, cause))
	})
	return err
}

// RecordPauseExpired notes once that a paused wave can no longer be resumed.
func (s *Sequencer) RecordPauseExpired(ctx context.Context, executionID string) error {
	_, err := s.mutate(ctx, executionID, func(t *transition) error {
		e := t.exec
		idx := e.CurrentWave()
		if e.Status != ExecutionStatusPaused || idx < 0 || !TokenExpired(&e.Waves[idx], t.now) {
			return errNoChange
		}
		return t.recordError(idx, fmt.Sprintf("pause token for wave %d expired, cancel the execution", idx))
	})
	return err
}

func (s *Sequencer) newEvent(exec *Execution, kind AuditKind, wave *int, from, to string, at time.Time, msg string) AuditEvent {
	var w *int
	if wave != nil {
		v := *wave
		w = &v
	}
	return AuditEvent{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		Kind:        kind,
		WaveIndex:   w,
		From:        from,
		To:          to,
		Message:     msg,
		CreatedAt:   at,
	}
}

// finalStatus derives the terminal status from the wave outcomes.
func finalStatus(e *Execution) ExecutionStatus {
	completed := e.CountWaves(WaveStatusCompleted)
	switch {
	case completed == len(e.Waves):
		return ExecutionStatusCompleted
	case completed > 0:
		return ExecutionStatusPartial
	default:
		return ExecutionStatusFailed
	}
}

func formatIndexes(idx []int) string {
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func describeFailedJob(status *JobStatus) string {
	var failed []string
	for _, srv := range status.Servers {
		if !strings.EqualFold(srv.LaunchStatus, "LAUNCHED") {
			failed = append(failed, fmt.Sprintf("%s=%s", srv.ServerID, srv.LaunchStatus))
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("job %s failed", status.JobID)
	}
	return fmt.Sprintf("job %s failed: %s", status.JobID, strings.Join(failed, ", "))
}

// transition accumulates the changes and audit events of one mutation.
type transition struct {
	s      *Sequencer
	exec   *Execution
	now    time.Time
	events []AuditEvent
}

// execution moves the execution to status to. Moving to the current status is a no-op.
func (t *transition) execution(to ExecutionStatus, msg string) error {
	from := t.exec.Status
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return NewInvalidStateError(t.exec.ID, "transition to "+string(to), from)
	}
	t.exec.Status = to
	if to.IsTerminal() {
		at := t.now
		t.exec.CompletedAt = &at
	}
	t.events = append(t.events, t.s.newEvent(t.exec, AuditKindExecutionTransition, nil, string(from), string(to), t.now, msg))
	return nil
}

// wave moves wave idx to status to, enforcing PENDING -> LAUNCHING -> terminal.
func (t *transition) wave(idx int, to WaveStatus, msg string) error {
	w := &t.exec.Waves[idx]
	from := w.Status
	if !from.CanTransitionTo(to) {
		return NewPermanentError(fmt.Sprintf("wave %d cannot move from %s to %s", idx, from, to), nil).
			WithCode(ErrCodeInvalidState).
			WithExecution(t.exec.ID)
	}
	w.Status = to
	if to.IsTerminal() {
		at := t.now
		w.CompletedAt = &at
	}
	t.events = append(t.events, t.s.newEvent(t.exec, AuditKindWaveTransition, &idx, string(from), string(to), t.now, msg))
	return nil
}

// note appends an audit entry without a status change.
func (t *transition) note(kind AuditKind, wave *int, msg string) {
	t.events = append(t.events, t.s.newEvent(t.exec, kind, wave, "", "", t.now, msg))
}

// recordError stores msg as the last error. Repeating the current error is not written.
func (t *transition) recordError(idx int, msg string) error {
	if t.exec.LastError == msg {
		return errNoChange
	}
	t.exec.LastError = msg
	if idx >= 0 && idx < len(t.exec.Waves) {
		t.exec.Waves[idx].LastError = msg
	}
	t.note(AuditKindError, &idx, msg)
	return nil
}

// failWave marks the wave FAILED and applies the execution's failure policy.
func (t *transition) failWave(idx int, msg string) error {
	if err := t.wave(idx, WaveStatusFailed, msg); err != nil {
		return err
	}
	t.exec.Waves[idx].LastError = msg
	t.exec.LastError = msg
	return t.settle()
}

// skipWave fails a PENDING wave whose dependencies did not complete. The
// provider is never contacted for it.
func (t *transition) skipWave(idx int, unmet []int) error {
	msg := fmt.Sprintf("wave %d skipped, unmet dependencies: %s", idx, formatIndexes(unmet))
	t.exec.Waves[idx].LastError = msg
	t.exec.LastError = msg
	if err := t.wave(idx, WaveStatusFailed, msg); err != nil {
		return err
	}
	return t.finish("")
}

// settle decides what follows a wave reaching a terminal status. A failed
// wave ends the execution in the same write. Otherwise the execution ends
// when no wave is left, or returns to POLLING so the next tick launches the
// next wave.
func (t *transition) settle() error {
	e := t.exec
	if e.CountWaves(WaveStatusFailed) > 0 || e.CurrentWave() < 0 {
		return t.finish("")
	}
	return t.execution(ExecutionStatusPolling, "")
}

// finish moves the execution to its terminal status.
func (t *transition) finish(msg string) error {
	to := finalStatus(t.exec)
	if msg == "" {
		msg = fmt.Sprintf("%d of %d waves completed", t.exec.CountWaves(WaveStatusCompleted), len(t.exec.Waves))
	}
	return t.execution(to, msg)
}
