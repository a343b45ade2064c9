package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DispatcherConfig configures the periodic dispatcher.
type DispatcherConfig struct {
	// Interval is the fixed tick period.
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`

	// MaxConcurrency bounds how many executions are processed at once.
	MaxConcurrency int `mapstructure:"max_concurrency" validate:"min=1"`

	// BatchSize bounds how many active executions one tick picks up.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`

	// ExecutionTimeout bounds the work done for one execution in one tick.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" validate:"min=0"`
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:         30 * time.Second,
		MaxConcurrency:   16,
		BatchSize:        1000,
		ExecutionTimeout: 5 * time.Minute,
	}
}

// TickResult summarizes one dispatcher tick.
type TickResult struct {
	Executions int
	Failed     int
	Duration   time.Duration
}

// Dispatcher periodically picks up every active execution and lets the
// sequencer and poller move it forward. All progress lives in the store, so a
// restarted dispatcher continues where the previous one stopped.
type Dispatcher struct {
	store     ExecutionStore
	sequencer *Sequencer
	poller    *JobPoller
	config    DispatcherConfig
	logger    zerolog.Logger
	onTick    func(TickResult)
	now       func() time.Time
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTickHook registers a callback invoked after each tick.
func WithTickHook(fn func(TickResult)) DispatcherOption {
	return func(d *Dispatcher) { d.onTick = fn }
}

// WithDispatcherClock replaces time.Now.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher. Zero config fields take their defaults.
func NewDispatcher(store ExecutionStore, sequencer *Sequencer, poller *JobPoller, config DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = defaults.ExecutionTimeout
	}

	d := &Dispatcher{
		store:     store,
		sequencer: sequencer,
		poller:    poller,
		config:    config,
		logger:    log.With().Str("component", "dispatcher").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Dur("interval", d.config.Interval).
		Int("max_concurrency", d.config.MaxConcurrency).
		Msg("Dispatcher started")

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("Dispatcher tick failed")
		}
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick processes every active execution once, concurrently. A failure on one
// execution is logged and never affects the others. Overlapping ticks are
// safe: every write is version checked.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	started := time.Now()
	execs, err := d.store.ListExecutions(ctx, ListFilter{
		Statuses: ActiveExecutionStatuses,
		Limit:    d.config.BatchSize,
	})
	if err != nil {
		return TickResult{}, err
	}

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.MaxConcurrency)
	for _, exec := range execs {
		id := exec.ID
		g.Go(func() error {
			execCtx, cancel := context.WithTimeout(gctx, d.config.ExecutionTimeout)
			defer cancel()
			if err := d.Process(execCtx, id); err != nil {
				failed.Add(1)
				d.logger.Warn().Err(err).Str("execution_id", id).Msg("Failed to process execution")
			}
			return nil
		})
	}
	_ = g.Wait()

	result := TickResult{
		Executions: len(execs),
		Failed:     int(failed.Load()),
		Duration:   time.Since(started),
	}
	if len(execs) > 0 {
		d.logger.Debug().
			Int("executions", result.Executions).
			Int("failed", result.Failed).
			Dur("duration", result.Duration).
			Msg("Dispatcher tick finished")
	}
	if d.onTick != nil {
		d.onTick(result)
	}
	return result, nil
}

// Process decides what an execution needs right now: launch or pause the
// current wave, poll its job, or note an expired pause.
func (d *Dispatcher) Process(ctx context.Context, executionID string) error {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	switch exec.Status {
	case ExecutionStatusCompleted, ExecutionStatusPartial, ExecutionStatusFailed, ExecutionStatusCancelled:
		return nil
	case ExecutionStatusPaused:
		idx := exec.CurrentWave()
		if idx >= 0 && TokenExpired(&exec.Waves[idx], d.now()) {
			return d.sequencer.RecordPauseExpired(ctx, executionID)
		}
		return nil
	}

	idx := exec.CurrentWave()
	if idx < 0 {
		_, err := d.sequencer.Advance(ctx, executionID)
		return err
	}

	w := exec.Waves[idx]
	switch w.Status {
	case WaveStatusPending:
		_, err = d.sequencer.Advance(ctx, executionID)
	case WaveStatusLaunching:
		if w.JobID == "" {
			_, err = d.sequencer.Advance(ctx, executionID)
		} else if d.poller.Due(w.JobID) {
			_, err = d.poller.PollOnce(ctx, exec, idx)
		}
	}
	return err
}
