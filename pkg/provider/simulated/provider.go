// Package simulated provides a deterministic in-process recovery provider for
// local runs and end-to-end tests.
package simulated

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/drorch/pkg/engine"
)

// Config controls how simulated jobs progress.
type Config struct {
	// PollsToLaunch is how many DescribeJob calls a job takes to finish.
	PollsToLaunch int `mapstructure:"polls_to_launch" validate:"min=0"`

	// FailServers always fail to launch.
	FailServers []string `mapstructure:"fail_servers"`

	// Replicating is reported as the region-wide replicating server count.
	Replicating int `mapstructure:"replicating" validate:"min=0"`

	// Latency is added to every call.
	Latency time.Duration `mapstructure:"latency" validate:"min=0"`
}

// DefaultConfig returns a provider that launches every job on its second poll.
func DefaultConfig() Config {
	return Config{PollsToLaunch: 2}
}

type job struct {
	id      string
	servers []string
	drill   bool
	polls   int
}

// Provider implements engine.ProviderClient and engine.CapacityReporter.
type Provider struct {
	mu         sync.Mutex
	cfg        Config
	fail       map[string]struct{}
	jobs       map[string]*job
	terminated map[string]struct{}
	logger     zerolog.Logger
}

// New creates a simulated provider.
func New(cfg Config) *Provider {
	fail := make(map[string]struct{}, len(cfg.FailServers))
	for _, id := range cfg.FailServers {
		fail[id] = struct{}{}
	}
	return &Provider{
		cfg:        cfg,
		fail:       fail,
		jobs:       make(map[string]*job),
		terminated: make(map[string]struct{}),
		logger:     log.With().Str("component", "simulated-provider").Logger(),
	}
}

// StartJob records a new job.
func (p *Provider) StartJob(ctx context.Context, serverIDs []string, params engine.JobParams) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	if len(serverIDs) == 0 {
		return "", engine.NewPermanentError("no servers to recover", nil).WithCode(engine.ErrCodeInvalidServer)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	j := &job{
		id:      "simjob-" + uuid.NewString()[:8],
		servers: append([]string(nil), serverIDs...),
		drill:   params.Drill,
	}
	p.jobs[j.id] = j
	p.logger.Debug().Str("job_id", j.id).Str("execution_id", params.ExecutionID).
		Int("wave", params.WaveIndex).Int("servers", len(serverIDs)).Msg("Job started")
	return j.id, nil
}

// DescribeJob advances the job by one poll and reports its state.
func (p *Provider) DescribeJob(ctx context.Context, jobID string) (*engine.JobStatus, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[jobID]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("job %s not found", jobID), nil).
			WithCode(engine.ErrCodeProviderFatal)
	}
	if j.polls < p.cfg.PollsToLaunch {
		j.polls++
	}

	status := &engine.JobStatus{JobID: j.id, State: engine.JobStateLaunched}
	if j.polls < p.cfg.PollsToLaunch {
		status.State = engine.JobStateInProgress
	}

	for _, id := range j.servers {
		srv := engine.ServerLaunchStatus{ServerID: id, LaunchStatus: string(status.State)}
		if status.State == engine.JobStateLaunched {
			if _, bad := p.fail[id]; bad {
				srv.LaunchStatus = string(engine.JobStateFailed)
				status.State = engine.JobStateFailed
			} else {
				srv.RecoveryInstanceID = instanceID(j.id, id)
			}
		}
		status.Servers = append(status.Servers, srv)
	}
	return status, nil
}

// TerminateInstances marks instances as terminated.
func (p *Provider) TerminateInstances(ctx context.Context, instanceIDs []string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range instanceIDs {
		p.terminated[id] = struct{}{}
	}
	return nil
}

// ReplicatingServers returns the configured replicating count.
func (p *Provider) ReplicatingServers(ctx context.Context) (int, error) {
	if err := p.wait(ctx); err != nil {
		return 0, err
	}
	return p.cfg.Replicating, nil
}

// Terminated returns every terminated instance ID in sorted order.
func (p *Provider) Terminated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.terminated))
	for id := range p.terminated {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Jobs returns the number of jobs started.
func (p *Provider) Jobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func (p *Provider) wait(ctx context.Context) error {
	if p.cfg.Latency > 0 {
		t := time.NewTimer(p.cfg.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return engine.NewTransientError("simulated call interrupted", err).WithCode(engine.ErrCodeProviderTransient)
	}
	return nil
}

func instanceID(jobID, serverID string) string {
	return "i-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(jobID+"/"+serverID)).String()[:17]
}
