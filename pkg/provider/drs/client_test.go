package drs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/drs"
	"github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/drorch/pkg/engine"
)

type fakeAPI struct {
	startIn     *drs.StartRecoveryInput
	startErr    error
	jobs        map[string]types.Job
	describeErr error
	terminated  []string
	servers     [][]types.SourceServer
	pageCalls   int
}

func (f *fakeAPI) StartRecovery(ctx context.Context, in *drs.StartRecoveryInput, _ ...func(*drs.Options)) (*drs.StartRecoveryOutput, error) {
	f.startIn = in
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &drs.StartRecoveryOutput{Job: &types.Job{JobID: aws.String("drsjob-1"), Status: types.JobStatusPending}}, nil
}

func (f *fakeAPI) DescribeJobs(ctx context.Context, in *drs.DescribeJobsInput, _ ...func(*drs.Options)) (*drs.DescribeJobsOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	out := &drs.DescribeJobsOutput{}
	for _, id := range in.Filters.JobIDs {
		if job, ok := f.jobs[id]; ok {
			out.Items = append(out.Items, job)
		}
	}
	return out, nil
}

func (f *fakeAPI) TerminateRecoveryInstances(ctx context.Context, in *drs.TerminateRecoveryInstancesInput, _ ...func(*drs.Options)) (*drs.TerminateRecoveryInstancesOutput, error) {
	f.terminated = append(f.terminated, in.RecoveryInstanceIDs...)
	return &drs.TerminateRecoveryInstancesOutput{}, nil
}

func (f *fakeAPI) DescribeSourceServers(ctx context.Context, in *drs.DescribeSourceServersInput, _ ...func(*drs.Options)) (*drs.DescribeSourceServersOutput, error) {
	page := 0
	if in.NextToken != nil {
		fmt.Sscanf(*in.NextToken, "page-%d", &page)
	}
	f.pageCalls++
	out := &drs.DescribeSourceServersOutput{Items: f.servers[page]}
	if page+1 < len(f.servers) {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return out, nil
}

func participating(id string, status types.LaunchStatus, instance string) types.ParticipatingServer {
	p := types.ParticipatingServer{SourceServerID: aws.String(id), LaunchStatus: status}
	if instance != "" {
		p.RecoveryInstanceID = aws.String(instance)
	}
	return p
}

func TestClient_StartJob(t *testing.T) {
	api := &fakeAPI{}
	c := New(api)

	jobID, err := c.StartJob(context.Background(), []string{"s-1", "s-2"}, engine.JobParams{
		ExecutionID: "e-1",
		WaveIndex:   2,
		Drill:       true,
		Tags:        map[string]string{"plan": "payments"},
	})
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if jobID != "drsjob-1" {
		t.Errorf("jobID = %s", jobID)
	}

	in := api.startIn
	if len(in.SourceServers) != 2 || aws.ToString(in.SourceServers[1].SourceServerID) != "s-2" {
		t.Errorf("source servers = %+v", in.SourceServers)
	}
	if !aws.ToBool(in.IsDrill) {
		t.Error("IsDrill = false for a drill")
	}
	if in.Tags[TagExecutionID] != "e-1" || in.Tags[TagWaveIndex] != "2" || in.Tags["plan"] != "payments" {
		t.Errorf("tags = %v", in.Tags)
	}
}

func TestClient_DescribeJobStates(t *testing.T) {
	tests := []struct {
		name      string
		job       types.Job
		want      engine.JobState
		instances int
	}{
		{
			name: "pending",
			job:  types.Job{Status: types.JobStatusPending},
			want: engine.JobStatePending,
		},
		{
			name: "started",
			job: types.Job{Status: types.JobStatusStarted, ParticipatingServers: []types.ParticipatingServer{
				participating("s-1", types.LaunchStatusInProgress, ""),
			}},
			want: engine.JobStateInProgress,
		},
		{
			name: "all launched",
			job: types.Job{Status: types.JobStatusCompleted, ParticipatingServers: []types.ParticipatingServer{
				participating("s-1", types.LaunchStatusLaunched, "i-1"),
				participating("s-2", types.LaunchStatusLaunched, "i-2"),
			}},
			want:      engine.JobStateLaunched,
			instances: 2,
		},
		{
			name: "one server failed",
			job: types.Job{Status: types.JobStatusCompleted, ParticipatingServers: []types.ParticipatingServer{
				participating("s-1", types.LaunchStatusLaunched, "i-1"),
				participating("s-2", types.LaunchStatusFailed, ""),
			}},
			want:      engine.JobStateFailed,
			instances: 1,
		},
		{
			name: "completed with no servers",
			job:  types.Job{Status: types.JobStatusCompleted},
			want: engine.JobStateFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.job.JobID = aws.String("j-1")
			c := New(&fakeAPI{jobs: map[string]types.Job{"j-1": tt.job}})
			got, err := c.DescribeJob(context.Background(), "j-1")
			if err != nil {
				t.Fatalf("DescribeJob() error = %v", err)
			}
			if got.State != tt.want {
				t.Errorf("State = %s, want %s", got.State, tt.want)
			}
			if n := len(got.RecoveryInstanceIDs()); n != tt.instances {
				t.Errorf("instances = %d, want %d", n, tt.instances)
			}
		})
	}
}

func TestClient_DescribeJobUnknownStatus(t *testing.T) {
	c := New(&fakeAPI{jobs: map[string]types.Job{"j-1": {JobID: aws.String("j-1"), Status: "EXPLODED"}}})
	_, err := c.DescribeJob(context.Background(), "j-1")
	if !engine.HasCode(err, engine.ErrCodeProviderTransient) {
		t.Errorf("DescribeJob() error = %v, want PROVIDER_TRANSIENT", err)
	}

	_, err = c.DescribeJob(context.Background(), "missing")
	if !engine.IsProviderFatal(err) {
		t.Errorf("DescribeJob(missing) error = %v, want provider fatal", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    string
		retry   bool
		isFatal bool
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException"}, engine.ErrCodeProviderThrottled, true, false},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, engine.ErrCodeProviderUnauthorized, false, true},
		{"bad server", &smithy.GenericAPIError{Code: "ValidationException"}, engine.ErrCodeInvalidServer, false, true},
		{"conflict", &smithy.GenericAPIError{Code: "ConflictException"}, engine.ErrCodeProviderFatal, false, true},
		{"server fault", &smithy.GenericAPIError{Code: "InternalServerException", Fault: smithy.FaultServer}, engine.ErrCodeProviderTransient, true, false},
		{"network", errors.New("connection reset by peer"), engine.ErrCodeProviderTransient, true, false},
		{"deadline", context.DeadlineExceeded, engine.ErrCodeProviderTransient, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("StartRecovery", tt.err)
			if !engine.HasCode(err, tt.code) {
				t.Errorf("classify() = %v, want %s", err, tt.code)
			}
			if engine.IsRetryable(err) != tt.retry {
				t.Errorf("IsRetryable() = %v, want %v", engine.IsRetryable(err), tt.retry)
			}
			if engine.IsProviderFatal(err) != tt.isFatal {
				t.Errorf("IsProviderFatal() = %v, want %v", engine.IsProviderFatal(err), tt.isFatal)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error does not wrap the original")
			}
		})
	}
}

func TestClient_StartJobError(t *testing.T) {
	c := New(&fakeAPI{startErr: &smithy.GenericAPIError{Code: "ThrottlingException"}})
	_, err := c.StartJob(context.Background(), []string{"s-1"}, engine.JobParams{ExecutionID: "e-1"})
	if !engine.IsThrottled(err) {
		t.Errorf("StartJob() error = %v, want throttled", err)
	}
}

func TestClient_ReplicatingServers(t *testing.T) {
	state := func(s types.DataReplicationState) types.SourceServer {
		return types.SourceServer{DataReplicationInfo: &types.DataReplicationInfo{DataReplicationState: s}}
	}
	api := &fakeAPI{servers: [][]types.SourceServer{
		{state(types.DataReplicationStateContinuous), state(types.DataReplicationStateStopped), {}},
		{state(types.DataReplicationStateInitialSync), state(types.DataReplicationStateDisconnected)},
	}}

	n, err := New(api).ReplicatingServers(context.Background())
	if err != nil {
		t.Fatalf("ReplicatingServers() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ReplicatingServers() = %d, want 2", n)
	}
	if api.pageCalls != 2 {
		t.Errorf("pages fetched = %d, want 2", api.pageCalls)
	}
}

func TestClient_TerminateInstances(t *testing.T) {
	api := &fakeAPI{}
	c := New(api)
	if err := c.TerminateInstances(context.Background(), nil); err != nil {
		t.Fatalf("TerminateInstances(nil) error = %v", err)
	}
	if err := c.TerminateInstances(context.Background(), []string{"i-1", "i-2"}); err != nil {
		t.Fatalf("TerminateInstances() error = %v", err)
	}
	if len(api.terminated) != 2 {
		t.Errorf("terminated = %v", api.terminated)
	}
}
