package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/openfroyo/drorch/pkg/engine"
)

// Config controls where finished executions are archived. Archiving is off
// when Endpoint is empty.
type Config struct {
	Endpoint  string        `mapstructure:"endpoint"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	Region    string        `mapstructure:"region"`
	Bucket    string        `mapstructure:"bucket" validate:"required_with=Endpoint"`
	Prefix    string        `mapstructure:"prefix"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	QueueSize int           `mapstructure:"queue_size" validate:"min=0"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"min=0"`
	MaxTries  uint          `mapstructure:"max_tries"`
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// DefaultConfig returns archiving disabled with sensible limits.
func DefaultConfig() Config {
	return Config{
		Bucket:    "drorch-executions",
		Prefix:    "executions",
		UseSSL:    true,
		QueueSize: 256,
		Timeout:   30 * time.Second,
		MaxTries:  5,
	}
}

// Source reads the execution and its audit trail.
type Source interface {
	GetExecution(ctx context.Context, executionID string) (*engine.Execution, error)
	ListEvents(ctx context.Context, executionID string) ([]engine.AuditEvent, error)
}

// Record is the archived document.
type Record struct {
	Execution  *engine.Execution   `json:"execution"`
	Events     []engine.AuditEvent `json:"events"`
	ArchivedAt time.Time           `json:"archived_at"`
}

// Archiver writes a JSON record of every execution that reaches a terminal
// status to object storage. It implements engine.Observer. Uploads run on a
// background worker.
type Archiver struct {
	engine.NopObserver

	store  ObjectStore
	source Source
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	newBackOff func() backoff.BackOff

	queue   chan string
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	closed  bool
}

var _ engine.Observer = (*Archiver)(nil)

// New creates an archiver. Call Start to run the upload worker.
func New(store ObjectStore, source Source, cfg Config, logger zerolog.Logger) *Archiver {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	return &Archiver{
		store:  store,
		source: source,
		cfg:    cfg,
		logger: logger.With().Str("component", "archiver").Logger(),
		now:    time.Now,
		queue:  make(chan string, cfg.QueueSize),

		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Key returns the object key of an execution's record.
func (a *Archiver) Key(planID, executionID string) string {
	return path.Join(a.cfg.Prefix, planID, executionID+".json")
}

// Start makes sure the bucket exists and launches the upload worker. The
// worker drains the queue and exits after Close.
func (a *Archiver) Start(ctx context.Context) error {
	if err := a.store.EnsureBucket(ctx, a.cfg.Bucket, a.cfg.Region); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("archiver already started")
	}
	a.started = true

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for id := range a.queue {
			if _, err := a.Archive(context.WithoutCancel(ctx), id); err != nil {
				a.logger.Error().Err(err).Str("execution_id", id).Msg("Failed to archive execution")
			}
		}
	}()

	a.logger.Info().Str("bucket", a.cfg.Bucket).Str("prefix", a.cfg.Prefix).Msg("Execution archiving enabled")
	return nil
}

// Close stops accepting work and waits for queued uploads.
func (a *Archiver) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}

// OnEvent queues the execution when it turns terminal, and again when its
// instances are terminated so the record reflects the teardown.
func (a *Archiver) OnEvent(_ context.Context, exec *engine.Execution, event engine.AuditEvent) {
	terminal := event.Kind == engine.AuditKindExecutionTransition && engine.ExecutionStatus(event.To).IsTerminal()
	if terminal || event.Kind == engine.AuditKindInstancesTerminated {
		a.enqueue(exec.ID)
	}
}

func (a *Archiver) enqueue(executionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- executionID:
	default:
		a.logger.Warn().Str("execution_id", executionID).Msg("Archive queue full, dropping execution")
	}
}

// Archive uploads the current record of one execution and returns its key.
func (a *Archiver) Archive(ctx context.Context, executionID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	exec, err := a.source.GetExecution(ctx, executionID)
	if err != nil {
		return "", fmt.Errorf("failed to load execution: %w", err)
	}
	events, err := a.source.ListEvents(ctx, executionID)
	if err != nil {
		return "", fmt.Errorf("failed to load events: %w", err)
	}

	data, err := json.MarshalIndent(Record{Execution: exec, Events: events, ArchivedAt: a.now().UTC()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}

	key := a.Key(exec.PlanID, exec.ID)
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, a.store.Put(ctx, a.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), "application/json")
	},
		backoff.WithBackOff(a.newBackOff()),
		backoff.WithMaxTries(a.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn().Err(err).Str("key", key).Dur("retry_in", next).Msg("Archive upload failed, retrying")
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.logger.Debug().Str("execution_id", exec.ID).Str("key", key).Msg("Execution archived")
	return key, nil
}
