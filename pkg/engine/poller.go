package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PollerConfig configures job polling.
type PollerConfig struct {
	// BackoffBase is the first retry delay after a transient describe error.
	BackoffBase time.Duration `mapstructure:"backoff_base" validate:"min=0"`

	// BackoffMultiplier grows the delay between retries.
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" validate:"gte=1"`

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max" validate:"min=0"`

	// MaxAttempts bounds describe calls within one poll.
	MaxAttempts uint `mapstructure:"max_attempts" validate:"min=1"`

	// CallTimeout bounds a single describe call.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"min=0"`

	// MinInterval is the poll interval while a job is making progress.
	MinInterval time.Duration `mapstructure:"min_interval" validate:"min=0"`

	// MaxInterval is the longest interval between polls of an idle job.
	MaxInterval time.Duration `mapstructure:"max_interval" validate:"min=0"`
}

// DefaultPollerConfig returns the default poller configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        60 * time.Second,
		MaxAttempts:       4,
		CallTimeout:       30 * time.Second,
		MinInterval:       15 * time.Second,
		MaxInterval:       2 * time.Minute,
	}
}

// pollState is the adaptive schedule of one job.
type pollState struct {
	nextAt    time.Time
	interval  time.Duration
	signature string
}

// JobPoller checks in-flight provider jobs and feeds definitive results to the
// sequencer. The adaptive schedule is kept in memory only; losing it on
// restart just means the next poll happens immediately.
type JobPoller struct {
	provider  ProviderClient
	sequencer *Sequencer
	config    PollerConfig
	observer  Observer
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.Mutex
	schedule map[string]*pollState
}

// PollerOption customizes a JobPoller.
type PollerOption func(*JobPoller)

// WithPollerObserver sets the observer notified of provider calls.
func WithPollerObserver(o Observer) PollerOption {
	return func(p *JobPoller) { p.observer = o }
}

// WithPollerLogger sets the poller logger.
func WithPollerLogger(l zerolog.Logger) PollerOption {
	return func(p *JobPoller) { p.logger = l }
}

// WithPollerClock replaces time.Now.
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *JobPoller) { p.now = now }
}

// NewJobPoller creates a poller. Zero config fields take their defaults.
func NewJobPoller(provider ProviderClient, sequencer *Sequencer, config PollerConfig, opts ...PollerOption) *JobPoller {
	defaults := DefaultPollerConfig()
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = defaults.BackoffMax
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if config.MinInterval <= 0 {
		config.MinInterval = defaults.MinInterval
	}
	if config.MaxInterval < config.MinInterval {
		config.MaxInterval = config.MinInterval
	}

	p := &JobPoller{
		provider:  provider,
		sequencer: sequencer,
		config:    config,
		observer:  NopObserver{},
		logger:    log.With().Str("component", "poller").Logger(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		schedule:  make(map[string]*pollState),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Due reports whether the job's adaptive interval has elapsed.
func (p *JobPoller) Due(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.schedule[jobID]
	return !ok || !p.now().Before(st.nextAt)
}

// nextInterval returns the current adaptive interval of a job, zero if unknown.
func (p *JobPoller) nextInterval(jobID string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.schedule[jobID]; ok {
		return st.interval
	}
	return 0
}

// PollOnce describes the wave's job and applies a definitive result. Waves
// that are not waiting on a job are left alone, so re-polling a settled wave
// is a no-op. Transient provider errors are retried with capped exponential
// backoff; when retries run out a POLL_ERROR is recorded on the execution and
// returned, and the next tick tries again.
func (p *JobPoller) PollOnce(ctx context.Context, exec *Execution, idx int) (*Execution, error) {
	if idx < 0 || idx >= len(exec.Waves) {
		return exec, nil
	}
	w := exec.Waves[idx]
	if exec.Status.IsTerminal() || w.Status != WaveStatusLaunching || w.JobID == "" {
		return exec, nil
	}

	ctx, span := p.tracer.Start(ctx, "poller.PollOnce", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.Int("wave.index", idx),
		attribute.String("job.id", w.JobID),
	))
	defer span.End()

	logger := p.logger.With().Str("execution_id", exec.ID).Int("wave", idx).Str("job_id", w.JobID).Logger()

	status, err := backoff.Retry(ctx, func() (*JobStatus, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
		defer cancel()
		started := time.Now()
		st, err := p.provider.DescribeJob(callCtx, w.JobID)
		p.observer.OnProviderCall(ctx, "describe_job", time.Since(started), err)
		if err != nil {
			if IsProviderFatal(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return st, nil
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.config.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug().Err(err).Dur("retry_in", next).Msg("Describe job failed, retrying")
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if IsProviderFatal(err) {
			logger.Error().Err(err).Msg("Job can no longer be described, failing wave")
			p.forget(w.JobID)
			return p.sequencer.FailJob(ctx, exec.ID, idx, w.JobID, err)
		}
		pollErr := NewTransientError("job status unavailable", err).
			WithCode(ErrCodePollFailed).
			WithExecution(exec.ID).
			WithOperation("describe_job").
			WithDetail("job_id", w.JobID)
		logger.Warn().Err(err).Msg("Polling failed, will retry on next tick")
		if recErr := p.sequencer.RecordPollError(ctx, exec.ID, idx, err); recErr != nil {
			logger.Warn().Err(recErr).Msg("Failed to record poll error")
		}
		return exec, pollErr
	}

	if status.JobID == "" {
		status.JobID = w.JobID
	}
	span.SetAttributes(attribute.String("job.state", string(status.State)))

	if !status.State.IsTerminal() {
		interval := p.observe(w.JobID, status)
		logger.Debug().Str("state", string(status.State)).Dur("next_poll", interval).Msg("Job in progress")
		return exec, nil
	}

	last := p.nextInterval(w.JobID)
	p.forget(w.JobID)
	logger.Info().Str("state", string(status.State)).Dur("last_interval", last).Msg("Job finished")
	return p.sequencer.OnJobUpdate(ctx, exec.ID, idx, status)
}

func (p *JobPoller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.BackoffBase
	b.Multiplier = p.config.BackoffMultiplier
	b.MaxInterval = p.config.BackoffMax
	b.RandomizationFactor = 0
	return b
}

// observe updates the job's adaptive interval: progress resets it to the
// minimum, an unchanged job doubles it up to the maximum.
func (p *JobPoller) observe(jobID string, status *JobStatus) time.Duration {
	sig := jobSignature(status)

	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.schedule[jobID]
	switch {
	case !ok || st.signature != sig:
		st = &pollState{interval: p.config.MinInterval, signature: sig}
		p.schedule[jobID] = st
	default:
		st.interval *= 2
		if st.interval > p.config.MaxInterval {
			st.interval = p.config.MaxInterval
		}
	}
	st.nextAt = p.now().Add(st.interval)
	return st.interval
}

func (p *JobPoller) forget(jobID string) {
	p.mu.Lock()
	delete(p.schedule, jobID)
	p.mu.Unlock()
}

func jobSignature(status *JobStatus) string {
	parts := make([]string, 0, len(status.Servers)+1)
	for _, s := range status.Servers {
		parts = append(parts, fmt.Sprintf("%s=%s/%s", s.ServerID, s.LaunchStatus, s.RecoveryInstanceID))
	}
	sort.Strings(parts)
	return string(status.State) + "|" + strings.Join(parts, ",")
}
