// Package drs implements the recovery provider client on AWS Elastic Disaster
// Recovery.
package drs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/drs"
	"github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/drorch/pkg/engine"
)

const tracerName = "github.com/openfroyo/drorch/pkg/provider/drs"

// Tag keys attached to every recovery job.
const (
	TagExecutionID = "drorch:execution-id"
	TagWaveIndex   = "drorch:wave-index"
)

// API is the subset of the DRS client used here.
type API interface {
	StartRecovery(ctx context.Context, in *drs.StartRecoveryInput, optFns ...func(*drs.Options)) (*drs.StartRecoveryOutput, error)
	DescribeJobs(ctx context.Context, in *drs.DescribeJobsInput, optFns ...func(*drs.Options)) (*drs.DescribeJobsOutput, error)
	TerminateRecoveryInstances(ctx context.Context, in *drs.TerminateRecoveryInstancesInput, optFns ...func(*drs.Options)) (*drs.TerminateRecoveryInstancesOutput, error)
	DescribeSourceServers(ctx context.Context, in *drs.DescribeSourceServersInput, optFns ...func(*drs.Options)) (*drs.DescribeSourceServersOutput, error)
}

// Config selects the AWS account and region.
type Config struct {
	Region   string `mapstructure:"region" validate:"required"`
	Profile  string `mapstructure:"profile"`
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`

	// MaxAttempts bounds the SDK's own retries. The poller retries on top.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=0"`
}

// Client implements engine.ProviderClient and engine.CapacityReporter.
type Client struct {
	api    API
	logger zerolog.Logger
	tracer trace.Tracer
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New wraps an existing DRS API.
func New(api API, opts ...Option) *Client {
	c := &Client{
		api:    api,
		logger: log.With().Str("component", "drs").Logger(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig loads AWS credentials from the default chain and builds a client.
func NewFromConfig(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.MaxAttempts > 0 {
		loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	api := drs.NewFromConfig(awsCfg, func(o *drs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(api, opts...), nil
}

// StartJob starts a recovery (or drill) for the servers and returns the job ID.
func (c *Client) StartJob(ctx context.Context, serverIDs []string, params engine.JobParams) (string, error) {
	ctx, span := c.tracer.Start(ctx, "drs.StartRecovery", trace.WithAttributes(
		attribute.String("execution.id", params.ExecutionID),
		attribute.Int("wave.index", params.WaveIndex),
		attribute.Int("servers", len(serverIDs)),
		attribute.Bool("drill", params.Drill),
	))
	defer span.End()

	servers := make([]types.StartRecoveryRequestSourceServer, 0, len(serverIDs))
	for _, id := range serverIDs {
		servers = append(servers, types.StartRecoveryRequestSourceServer{SourceServerID: aws.String(id)})
	}
	tags := make(map[string]string, len(params.Tags)+2)
	for k, v := range params.Tags {
		tags[k] = v
	}
	tags[TagExecutionID] = params.ExecutionID
	tags[TagWaveIndex] = strconv.Itoa(params.WaveIndex)

	out, err := c.api.StartRecovery(ctx, &drs.StartRecoveryInput{
		SourceServers: servers,
		IsDrill:       aws.Bool(params.Drill),
		Tags:          tags,
	})
	if err != nil {
		err = classify("StartRecovery", err)
		recordError(span, err)
		return "", err
	}
	if out.Job == nil || aws.ToString(out.Job.JobID) == "" {
		err := engine.NewPermanentError("start recovery returned no job", nil).WithCode(engine.ErrCodeProviderFatal)
		recordError(span, err)
		return "", err
	}

	jobID := aws.ToString(out.Job.JobID)
	span.SetAttributes(attribute.String("job.id", jobID))
	return jobID, nil
}

// DescribeJob returns the job state folded into the engine's job states.
func (c *Client) DescribeJob(ctx context.Context, jobID string) (*engine.JobStatus, error) {
	ctx, span := c.tracer.Start(ctx, "drs.DescribeJobs", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	out, err := c.api.DescribeJobs(ctx, &drs.DescribeJobsInput{
		Filters: &types.DescribeJobsRequestFilters{JobIDs: []string{jobID}},
	})
	if err != nil {
		err = classify("DescribeJobs", err)
		recordError(span, err)
		return nil, err
	}
	if len(out.Items) == 0 {
		err := engine.NewPermanentError(fmt.Sprintf("job %s not found", jobID), nil).WithCode(engine.ErrCodeProviderFatal)
		recordError(span, err)
		return nil, err
	}

	status, err := c.jobStatus(out.Items[0])
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("job.state", string(status.State)))
	return status, nil
}

// TerminateInstances terminates recovery instances.
func (c *Client) TerminateInstances(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "drs.TerminateRecoveryInstances",
		trace.WithAttributes(attribute.Int("instances", len(instanceIDs))))
	defer span.End()

	_, err := c.api.TerminateRecoveryInstances(ctx, &drs.TerminateRecoveryInstancesInput{
		RecoveryInstanceIDs: instanceIDs,
	})
	if err != nil {
		err = classify("TerminateRecoveryInstances", err)
		recordError(span, err)
		return err
	}
	return nil
}

// ReplicatingServers counts source servers whose replication is active.
func (c *Client) ReplicatingServers(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "drs.DescribeSourceServers")
	defer span.End()

	count := 0
	pages := drs.NewDescribeSourceServersPaginator(c.api, &drs.DescribeSourceServersInput{
		Filters: &types.DescribeSourceServersRequestFilters{},
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			err = classify("DescribeSourceServers", err)
			recordError(span, err)
			return 0, err
		}
		for _, srv := range page.Items {
			if isReplicating(srv) {
				count++
			}
		}
	}
	span.SetAttributes(attribute.Int("replicating", count))
	return count, nil
}

func (c *Client) jobStatus(job types.Job) (*engine.JobStatus, error) {
	status := &engine.JobStatus{JobID: aws.ToString(job.JobID)}
	for _, p := range job.ParticipatingServers {
		status.Servers = append(status.Servers, engine.ServerLaunchStatus{
			ServerID:           aws.ToString(p.SourceServerID),
			LaunchStatus:       string(p.LaunchStatus),
			RecoveryInstanceID: aws.ToString(p.RecoveryInstanceID),
		})
	}

	state, err := jobState(job)
	if err != nil {
		c.logger.Warn().Str("job_id", status.JobID).Str("status", string(job.Status)).Msg("Unrecognized job status")
		return nil, engine.NewTransientError(err.Error(), nil).WithCode(engine.ErrCodeProviderTransient)
	}
	status.State = state
	return status, nil
}

// jobState folds the DRS job status and the launch status of every
// participating server into one engine job state. A completed job is
// LAUNCHED only when every server launched.
func jobState(job types.Job) (engine.JobState, error) {
	switch job.Status {
	case types.JobStatusPending:
		return engine.JobStatePending, nil
	case types.JobStatusStarted:
		return engine.JobStateInProgress, nil
	case types.JobStatusCompleted:
		if len(job.ParticipatingServers) == 0 {
			return engine.JobStateFailed, nil
		}
		for _, p := range job.ParticipatingServers {
			if p.LaunchStatus != types.LaunchStatusLaunched {
				return engine.JobStateFailed, nil
			}
		}
		return engine.JobStateLaunched, nil
	default:
		return "", fmt.Errorf("unknown drs job status %q", string(job.Status))
	}
}

func isReplicating(srv types.SourceServer) bool {
	if srv.DataReplicationInfo == nil {
		return false
	}
	switch srv.DataReplicationInfo.DataReplicationState {
	case types.DataReplicationStateStopped, types.DataReplicationStateDisconnected, "":
		return false
	default:
		return true
	}
}

// classify maps DRS API errors onto the engine's provider error codes.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError(op+" interrupted", err).
			WithCode(engine.ErrCodeProviderTransient).WithOperation(op)
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return engine.NewTransientError(op+" failed", err).
			WithCode(engine.ErrCodeProviderTransient).WithOperation(op)
	}

	code := apiErr.ErrorCode()
	switch {
	case code == "ThrottlingException" || code == "TooManyRequestsException":
		return engine.NewThrottledError(op+" throttled", err).
			WithCode(engine.ErrCodeProviderThrottled).WithOperation(op)
	case code == "AccessDeniedException" || code == "UnrecognizedClientException" ||
		code == "UninitializedAccountException" || strings.HasPrefix(code, "ExpiredToken"):
		return engine.NewPermanentError(op+" unauthorized", err).
			WithCode(engine.ErrCodeProviderUnauthorized).WithOperation(op)
	case code == "ResourceNotFoundException" || code == "ValidationException":
		return engine.NewPermanentError(op+" rejected the request", err).
			WithCode(engine.ErrCodeInvalidServer).WithOperation(op)
	case code == "ServiceQuotaExceededException" || code == "ConflictException":
		return engine.NewPermanentError(op+" refused", err).
			WithCode(engine.ErrCodeProviderFatal).WithOperation(op)
	case apiErr.ErrorFault() == smithy.FaultServer:
		return engine.NewTransientError(op+" failed", err).
			WithCode(engine.ErrCodeProviderTransient).WithOperation(op)
	default:
		return engine.NewPermanentError(op+" failed", err).
			WithCode(engine.ErrCodeProviderFatal).WithOperation(op)
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
