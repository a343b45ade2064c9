// Package quota checks prospective recovery jobs against provider capacity
// limits before they are launched. The aggregates come from the execution
// store and may be slightly stale; the provider's own limits remain the hard
// backstop.
package quota

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/drorch/pkg/engine"
)

// Limits are the provider capacity limits.
type Limits struct {
	// MaxServersPerJob caps the servers of a single provider job.
	MaxServersPerJob int `mapstructure:"max_servers_per_job" validate:"min=1"`

	// MaxConcurrentJobs caps jobs in flight across all executions.
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs" validate:"min=1"`

	// MaxTotalServers caps servers across all jobs in flight.
	MaxTotalServers int `mapstructure:"max_total_servers" validate:"min=1"`

	// MaxReplicatingServers is the region-wide replicating-server ceiling.
	// Zero disables the check.
	MaxReplicatingServers int `mapstructure:"max_replicating_servers" validate:"min=0"`
}

// DefaultLimits mirrors the AWS Elastic Disaster Recovery service quotas.
func DefaultLimits() Limits {
	return Limits{
		MaxServersPerJob:      100,
		MaxConcurrentJobs:     20,
		MaxTotalServers:       500,
		MaxReplicatingServers: 300,
	}
}

// SnapshotSource provides the in-flight aggregates.
type SnapshotSource interface {
	QuotaSnapshot(ctx context.Context) (*engine.QuotaSnapshot, error)
}

// Guard implements engine.QuotaGuard.
type Guard struct {
	limits   Limits
	source   SnapshotSource
	capacity engine.CapacityReporter
	logger   zerolog.Logger
}

// Option customizes a Guard.
type Option func(*Guard)

// WithCapacityReporter enables the replicating-server check.
func WithCapacityReporter(c engine.CapacityReporter) Option {
	return func(g *Guard) { g.capacity = c }
}

// WithLogger sets the guard logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// NewGuard creates a guard.
func NewGuard(limits Limits, source SnapshotSource, opts ...Option) (*Guard, error) {
	if limits.MaxServersPerJob < 1 || limits.MaxConcurrentJobs < 1 || limits.MaxTotalServers < 1 {
		return nil, fmt.Errorf("quota limits must be positive: %+v", limits)
	}
	if limits.MaxReplicatingServers < 0 {
		return nil, fmt.Errorf("max replicating servers must not be negative")
	}
	g := &Guard{
		limits: limits,
		source: source,
		logger: log.With().Str("component", "quota").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Limits returns the configured limits.
func (g *Guard) Limits() Limits {
	return g.limits
}

// Validate checks one prospective job.
func (g *Guard) Validate(ctx context.Context, serverIDs []string) error {
	return g.ValidateJobs(ctx, [][]string{serverIDs})
}

// ValidateJobs checks, in order: (a) every job's size against the per-job
// limit, (b) the jobs in flight against the concurrency limit, (c) servers
// in flight plus the requested servers against the total limit, and (d) the
// replicating servers plus the requested servers against the region ceiling.
// The first violated rule is returned as a QUOTA_EXCEEDED error.
func (g *Guard) ValidateJobs(ctx context.Context, jobs [][]string) error {
	requested := 0
	for _, job := range jobs {
		n := countDistinct(job)
		if n > g.limits.MaxServersPerJob {
			return g.reject(engine.QuotaRuleServersPerJob, n, g.limits.MaxServersPerJob)
		}
		requested += n
	}

	snap, err := g.source.QuotaSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read quota snapshot: %w", err)
	}
	if snap.ActiveJobs >= g.limits.MaxConcurrentJobs {
		return g.reject(engine.QuotaRuleConcurrentJobs, snap.ActiveJobs, g.limits.MaxConcurrentJobs)
	}
	if total := snap.ActiveJobServers + requested; total > g.limits.MaxTotalServers {
		return g.reject(engine.QuotaRuleTotalServers, total, g.limits.MaxTotalServers)
	}

	if g.capacity != nil && g.limits.MaxReplicatingServers > 0 {
		replicating, err := g.capacity.ReplicatingServers(ctx)
		if err != nil {
			return fmt.Errorf("failed to read replicating server count: %w", err)
		}
		if total := replicating + requested; total > g.limits.MaxReplicatingServers {
			return g.reject(engine.QuotaRuleReplicatingServers, total, g.limits.MaxReplicatingServers)
		}
	}
	return nil
}

func (g *Guard) reject(rule engine.QuotaRule, current, limit int) error {
	g.logger.Info().
		Str("rule", string(rule)).
		Int("current", current).
		Int("limit", limit).
		Msg("Quota check rejected job")
	return engine.NewQuotaExceededError(rule, current, limit)
}

func countDistinct(ids []string) int {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}
