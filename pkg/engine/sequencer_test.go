package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestSequencer_StartCreatesPendingExecution(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"s1", "s2"}, []string{"s3"})

	exec := h.start(t, "p1", ExecutionTypeDrill)

	if exec.Status != ExecutionStatusPending {
		t.Errorf("Status = %s, want PENDING", exec.Status)
	}
	if exec.Version != 1 {
		t.Errorf("Version = %d, want 1", exec.Version)
	}
	if len(exec.Waves) != 2 {
		t.Fatalf("len(Waves) = %d, want 2", len(exec.Waves))
	}
	for i, w := range exec.Waves {
		if w.Status != WaveStatusPending {
			t.Errorf("wave %d status = %s, want PENDING", i, w.Status)
		}
	}
	if exec.FailurePolicy != FailurePolicyStop {
		t.Errorf("FailurePolicy = %s, want stop", exec.FailurePolicy)
	}
	if got := h.conflicts.held(exec.ID); strings.Join(got, ",") != "s1,s2,s3" {
		t.Errorf("held locks = %v, want [s1 s2 s3]", got)
	}
	n := h.store.countEvents(exec.ID, func(ev AuditEvent) bool { return ev.Kind == AuditKindExecutionCreated })
	if n != 1 {
		t.Errorf("created events = %d, want 1", n)
	}
}

func TestSequencer_StartRejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *harness) StartRequest
		wantCode string
	}{
		{
			name: "missing plan",
			setup: func(h *harness) StartRequest {
				return StartRequest{PlanID: "nope", Type: ExecutionTypeDrill}
			},
			wantCode: ErrCodeInvalidPlan,
		},
		{
			name: "invalid type",
			setup: func(h *harness) StartRequest {
				h.addPlan("p", "", nil, []string{"s1"})
				return StartRequest{PlanID: "p", Type: "REHEARSAL"}
			},
			wantCode: ErrCodeValidation,
		},
		{
			name: "circular dependency",
			setup: func(h *harness) StartRequest {
				p := h.addPlan("p", "", nil, []string{"s1"}, []string{"s2"})
				p.Waves[0].DependsOn = []int{1}
				p.Waves[1].DependsOn = []int{0}
				return StartRequest{PlanID: "p", Type: ExecutionTypeDrill}
			},
			wantCode: ErrCodeInvalidPlan,
		},
		{
			name: "missing group",
			setup: func(h *harness) StartRequest {
				h.store.addPlan(&RecoveryPlan{ID: "p", Waves: []Wave{{Index: 0, GroupID: "ghost"}}})
				return StartRequest{PlanID: "p", Type: ExecutionTypeDrill}
			},
			wantCode: ErrCodeInvalidPlan,
		},
		{
			name: "empty group",
			setup: func(h *harness) StartRequest {
				h.addPlan("p", "", nil, []string{})
				return StartRequest{PlanID: "p", Type: ExecutionTypeDrill}
			},
			wantCode: ErrCodeInvalidPlan,
		},
		{
			name: "server in two groups",
			setup: func(h *harness) StartRequest {
				h.addPlan("p", "", nil, []string{"s1"}, []string{"s1", "s2"})
				return StartRequest{PlanID: "p", Type: ExecutionTypeDrill}
			},
			wantCode: ErrCodeInvalidPlan,
		},
		{
			name: "quota exceeded",
			setup: func(h *harness) StartRequest {
				h.addPlan("p", "", nil, []string{"s1"})
				h.quota.set(NewQuotaExceededError(QuotaRuleServersPerJob, 150, 100))
				return StartRequest{PlanID: "p", Type: ExecutionTypeDrill}
			},
			wantCode: ErrCodeQuotaExceeded,
		},
		{
			name: "server in use",
			setup: func(h *harness) StartRequest {
				h.addPlan("p", "", nil, []string{"s1", "s2"})
				_ = h.conflicts.Acquire(context.Background(), "other", []string{"s2"})
				return StartRequest{PlanID: "p", Type: ExecutionTypeDrill}
			},
			wantCode: ErrCodeServerInUse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := tt.setup(h)

			exec, err := h.seq.Start(context.Background(), req)
			if err == nil {
				t.Fatalf("Start() = %+v, want error", exec)
			}
			if !HasCode(err, tt.wantCode) {
				t.Errorf("Start() error = %v, want code %s", err, tt.wantCode)
			}
			all, _ := h.store.ListExecutions(context.Background(), ListFilter{})
			if len(all) != 0 {
				t.Errorf("executions = %d, want 0", len(all))
			}
			if len(h.observer.rejected) != 1 {
				t.Errorf("rejections observed = %d, want 1", len(h.observer.rejected))
			}
		})
	}
}

func TestSequencer_StartServerInUseNamesOwner(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"s1", "s2"})
	h.addPlan("p2", "", nil, []string{"s2", "s3"})
	first := h.start(t, "p1", ExecutionTypeDrill)

	_, err := h.seq.Start(context.Background(), StartRequest{PlanID: "p2", Type: ExecutionTypeDrill})

	var inUse *ServerInUse
	if !errors.As(err, &inUse) {
		t.Fatalf("Start() error = %v, want ServerInUse", err)
	}
	if inUse.ServerID != "s2" || inUse.OwnerExecutionID != first.ID {
		t.Errorf("ServerInUse = %+v, want s2 owned by %s", inUse, first.ID)
	}
	if got := h.conflicts.held(first.ID); len(got) != 2 {
		t.Errorf("first execution locks = %v, want 2", got)
	}
}

func TestSequencer_StartReleasesLocksWhenCreateFails(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"s1"})
	h.store.createErr = errors.New("disk full")

	if _, err := h.seq.Start(context.Background(), StartRequest{PlanID: "p1", Type: ExecutionTypeDrill}); err == nil {
		t.Fatal("Start() error = nil, want error")
	}
	h.conflicts.mu.Lock()
	defer h.conflicts.mu.Unlock()
	if len(h.conflicts.owners) != 0 {
		t.Errorf("locks left behind: %v", h.conflicts.owners)
	}
}

type denyAll struct{}

func (denyAll) Admit(ctx context.Context, req AdmissionRequest) error {
	return NewPolicyDeniedError([]string{"recovery requires started_by"})
}

func TestSequencer_StartPolicyDenied(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"s1"})
	seq := NewSequencer(h.store, h.store, h.provider, h.conflicts, h.quota, DefaultSequencerConfig(),
		WithLaunchPolicy(denyAll{}))

	_, err := seq.Start(context.Background(), StartRequest{PlanID: "p1", Type: ExecutionTypeRecovery})
	if !HasCode(err, ErrCodePolicyDenied) {
		t.Fatalf("Start() error = %v, want POLICY_DENIED", err)
	}
	if h.quota.calls != 0 {
		t.Errorf("quota consulted %d times after denial", h.quota.calls)
	}
}

func TestSequencer_DrillRunsWavesInOrder(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a1", "a2"}, []string{"b1"}, []string{"c1", "c2", "c3"})
	exec := h.start(t, "p1", ExecutionTypeDrill)

	for wave := 0; wave < 3; wave++ {
		h.tick(t)
		cur := h.get(t, exec.ID)
		checkWaveOrder(t, cur)
		if cur.Status != ExecutionStatusPolling {
			t.Fatalf("wave %d: Status = %s, want POLLING", wave, cur.Status)
		}
		if cur.Waves[wave].JobID == "" {
			t.Fatalf("wave %d has no job", wave)
		}

		// An unfinished job leaves everything as is.
		h.tick(t)
		checkWaveOrder(t, h.get(t, exec.ID))
		if got := h.provider.startCount(); got != wave+1 {
			t.Fatalf("StartJob calls = %d, want %d", got, wave+1)
		}

		h.provider.finish(cur.Waves[wave].JobID, JobStateLaunched)
		h.tick(t)
		checkWaveOrder(t, h.get(t, exec.ID))
	}

	final := h.get(t, exec.ID)
	if final.Status != ExecutionStatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	for i, w := range final.Waves {
		if w.Status != WaveStatusCompleted {
			t.Errorf("wave %d = %s, want COMPLETED", i, w.Status)
		}
		if len(w.RecoveryInstanceIDs) != len(w.ServerIDs) {
			t.Errorf("wave %d instances = %v", i, w.RecoveryInstanceIDs)
		}
	}
	for _, call := range h.provider.starts {
		if !call.params.Drill {
			t.Errorf("job %s started without drill flag", call.jobID)
		}
		if call.params.ExecutionID != exec.ID {
			t.Errorf("job %s params execution = %s", call.jobID, call.params.ExecutionID)
		}
	}
	if got := h.conflicts.held(exec.ID); len(got) != 0 {
		t.Errorf("locks still held after completion: %v", got)
	}
}

func TestSequencer_PauseAndResume(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", []bool{false, true, false}, []string{"a"}, []string{"b"}, []string{"c"})
	exec := h.start(t, "p1", ExecutionTypeRecovery)
	ctx := context.Background()

	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)
	h.tick(t)
	h.tick(t)

	paused := h.get(t, exec.ID)
	if paused.Status != ExecutionStatusPaused {
		t.Fatalf("Status = %s, want PAUSED", paused.Status)
	}
	token := paused.Waves[1].PauseToken
	if token == "" || paused.Waves[1].PauseTokenExpiry == nil {
		t.Fatal("paused wave has no token")
	}
	if paused.Waves[1].Status != WaveStatusPending {
		t.Errorf("paused wave status = %s, want PENDING", paused.Waves[1].Status)
	}
	if got := h.provider.startCount(); got != 1 {
		t.Fatalf("StartJob calls while paused = %d, want 1", got)
	}

	// Ticks leave a paused execution alone.
	h.tick(t)
	if again := h.get(t, exec.ID); again.Version != paused.Version {
		t.Errorf("paused execution rewritten: version %d -> %d", paused.Version, again.Version)
	}

	if _, err := h.seq.Resume(ctx, exec.ID, "not-the-token"); !HasCode(err, ErrCodeTokenInvalid) {
		t.Fatalf("Resume(wrong token) error = %v, want TOKEN_INVALID", err)
	}
	if st := h.get(t, exec.ID); st.Status != ExecutionStatusPaused || st.Version != paused.Version {
		t.Fatalf("wrong token changed execution: %s v%d", st.Status, st.Version)
	}

	resumed, err := h.seq.Resume(ctx, exec.ID, token)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Status != ExecutionStatusPolling {
		t.Errorf("Status after resume = %s, want POLLING", resumed.Status)
	}
	if resumed.Waves[1].JobID == "" {
		t.Error("resumed wave was not launched")
	}
	if resumed.Waves[1].PauseToken != "" || resumed.Waves[1].PauseApprovedAt == nil {
		t.Error("token not consumed")
	}

	if _, err := h.seq.Resume(ctx, exec.ID, token); !HasCode(err, ErrCodeTokenInvalid) {
		t.Errorf("second Resume() error = %v, want TOKEN_INVALID", err)
	}

	h.provider.finish(resumed.Waves[1].JobID, JobStateLaunched)
	h.tick(t)
	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)
	h.tick(t)

	if final := h.get(t, exec.ID); final.Status != ExecutionStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", final.Status)
	}
	if got := h.provider.startCount(); got != 3 {
		t.Errorf("StartJob calls = %d, want 3", got)
	}
}

func TestSequencer_FirstWavePauseIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", []bool{true}, []string{"a"})
	exec := h.start(t, "p1", ExecutionTypeDrill)

	h.tick(t)

	if got := h.get(t, exec.ID); got.Status != ExecutionStatusPolling {
		t.Errorf("Status = %s, want POLLING", got.Status)
	}
}

func TestSequencer_ExpiredPauseToken(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", []bool{false, true}, []string{"a"}, []string{"b"})
	exec := h.start(t, "p1", ExecutionTypeDrill)
	ctx := context.Background()

	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)
	h.tick(t)
	h.tick(t)
	token := h.get(t, exec.ID).Waves[1].PauseToken

	h.clock.Advance(2 * time.Hour)

	if _, err := h.seq.Resume(ctx, exec.ID, token); !HasCode(err, ErrCodeTokenExpired) {
		t.Fatalf("Resume(expired) error = %v, want TOKEN_EXPIRED", err)
	}

	h.tick(t)
	st := h.get(t, exec.ID)
	if st.Status != ExecutionStatusPaused {
		t.Fatalf("Status = %s, want PAUSED", st.Status)
	}
	if !strings.Contains(st.LastError, "expired") {
		t.Errorf("LastError = %q, want expiry note", st.LastError)
	}

	// The expiry is noted once.
	h.tick(t)
	if again := h.get(t, exec.ID); again.Version != st.Version {
		t.Errorf("expiry recorded twice: version %d -> %d", st.Version, again.Version)
	}

	cancelled, err := h.seq.Cancel(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != ExecutionStatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", cancelled.Status)
	}
	if cancelled.Waves[1].PauseToken != "" {
		t.Error("token survived cancel")
	}
}

func TestSequencer_ResumeRequiresPausedExecution(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"})
	exec := h.start(t, "p1", ExecutionTypeDrill)

	_, err := h.seq.Resume(context.Background(), exec.ID, "anything")
	if !HasCode(err, ErrCodeTokenInvalid) {
		t.Errorf("Resume() error = %v, want TOKEN_INVALID", err)
	}
}

func TestSequencer_StopPolicyFailsExecution(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", FailurePolicyStop, nil, []string{"a"}, []string{"b"})
	exec := h.start(t, "p1", ExecutionTypeRecovery)

	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateFailed)
	h.tick(t)
	h.tick(t)

	final := h.get(t, exec.ID)
	if final.Status != ExecutionStatusFailed {
		t.Fatalf("Status = %s, want FAILED", final.Status)
	}
	if final.Waves[0].Status != WaveStatusFailed || final.Waves[1].Status != WaveStatusPending {
		t.Errorf("waves = %s, %s; want FAILED, PENDING", final.Waves[0].Status, final.Waves[1].Status)
	}
	if !strings.Contains(final.LastError, "a=FAILED") {
		t.Errorf("LastError = %q", final.LastError)
	}
	if got := h.provider.startCount(); got != 1 {
		t.Errorf("StartJob calls = %d, want 1", got)
	}
	if got := h.conflicts.held(exec.ID); len(got) != 0 {
		t.Errorf("locks held after failure: %v", got)
	}
}

func TestSequencer_StopPolicyAfterProgressIsPartial(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"}, []string{"b"}, []string{"c"})
	exec := h.start(t, "p1", ExecutionTypeRecovery)

	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)
	h.tick(t)
	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateFailed)
	h.tick(t)

	final := h.get(t, exec.ID)
	if final.Status != ExecutionStatusPartial {
		t.Fatalf("Status = %s, want PARTIAL", final.Status)
	}
	checkWaveOrder(t, final)
	if final.Waves[2].Status != WaveStatusPending {
		t.Errorf("wave 2 = %s, want PENDING", final.Waves[2].Status)
	}
}

func TestSequencer_StartSnapshotsDependencies(t *testing.T) {
	h := newHarness(t)
	plan := h.addPlan("p1", "", nil, []string{"a"}, []string{"b"}, []string{"c"})
	plan.Waves[2].DependsOn = []int{0}
	exec := h.start(t, "p1", ExecutionTypeDrill)

	got := h.get(t, exec.ID)
	if len(got.Waves[2].DependsOn) != 1 || got.Waves[2].DependsOn[0] != 0 {
		t.Errorf("wave 2 DependsOn = %v, want [0]", got.Waves[2].DependsOn)
	}
	if len(got.Waves[0].DependsOn) != 0 {
		t.Errorf("wave 0 DependsOn = %v, want none", got.Waves[0].DependsOn)
	}
}

// TestSequencer_SkipsWaveWithUnmetDependencies covers executions stored
// with a failed wave that did not end them. The next wave is failed without
// contacting the provider and the execution settles.
func TestSequencer_SkipsWaveWithUnmetDependencies(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []WaveStatus
		deps       []int
		wantStatus ExecutionStatus
		wantError  string
	}{
		{
			name:       "declared dependency failed",
			statuses:   []WaveStatus{WaveStatusFailed, WaveStatusPending},
			deps:       []int{0},
			wantStatus: ExecutionStatusFailed,
			wantError:  "wave 1 skipped, unmet dependencies: 0",
		},
		{
			name:       "predecessor failed without declared dependency",
			statuses:   []WaveStatus{WaveStatusCompleted, WaveStatusFailed, WaveStatusPending},
			deps:       nil,
			wantStatus: ExecutionStatusPartial,
			wantError:  "wave 2 skipped, unmet dependencies: 1",
		},
		{
			name:       "declared dependency on an earlier failed wave",
			statuses:   []WaveStatus{WaveStatusFailed, WaveStatusCompleted, WaveStatusPending},
			deps:       []int{0},
			wantStatus: ExecutionStatusPartial,
			wantError:  "wave 2 skipped, unmet dependencies: 0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			now := h.clock.Now()

			exec := &Execution{
				ID:            "e-legacy",
				PlanID:        "p1",
				Type:          ExecutionTypeRecovery,
				Status:        ExecutionStatusPolling,
				FailurePolicy: FailurePolicyStop,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			var servers []string
			for i, st := range tt.statuses {
				id := fmt.Sprintf("s%d", i)
				servers = append(servers, id)
				exec.Waves = append(exec.Waves, WaveExecution{
					Index:     i,
					GroupID:   fmt.Sprintf("g%d", i),
					ServerIDs: []string{id},
					Status:    st,
				})
			}
			last := len(exec.Waves) - 1
			exec.Waves[last].DependsOn = tt.deps
			if err := h.store.CreateExecution(ctx, exec, nil); err != nil {
				t.Fatalf("CreateExecution() error = %v", err)
			}
			if err := h.conflicts.Acquire(ctx, exec.ID, servers); err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}

			if _, err := h.seq.Advance(ctx, exec.ID); err != nil {
				t.Fatalf("Advance() error = %v", err)
			}

			final := h.get(t, exec.ID)
			if got := h.provider.startCount(); got != 0 {
				t.Errorf("StartJob calls = %d, want 0", got)
			}
			if final.Waves[last].Status != WaveStatusFailed || final.Waves[last].JobID != "" {
				t.Errorf("wave %d = %s job %q, want FAILED without a job",
					last, final.Waves[last].Status, final.Waves[last].JobID)
			}
			if final.Waves[last].LastError != tt.wantError {
				t.Errorf("wave error = %q, want %q", final.Waves[last].LastError, tt.wantError)
			}
			if final.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", final.Status, tt.wantStatus)
			}
			if got := h.conflicts.held(exec.ID); len(got) != 0 {
				t.Errorf("locks held after skip: %v", got)
			}
		})
	}
}

func TestSequencer_LocksHeldUntilTerminal(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", []bool{false, true}, []string{"a"}, []string{"b"})
	h.addPlan("p2", "", nil, []string{"a"})
	first := h.start(t, "p1", ExecutionTypeDrill)
	ctx := context.Background()

	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)
	h.tick(t)
	h.tick(t)
	if st := h.get(t, first.ID); st.Status != ExecutionStatusPaused {
		t.Fatalf("Status = %s, want PAUSED", st.Status)
	}

	// Wave 0 is done, but its server stays locked while the execution lives.
	if _, err := h.seq.Start(ctx, StartRequest{PlanID: "p2", Type: ExecutionTypeDrill}); !HasCode(err, ErrCodeServerInUse) {
		t.Fatalf("Start() while paused error = %v, want SERVER_IN_USE", err)
	}

	if _, err := h.seq.Cancel(ctx, first.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, err := h.seq.Start(ctx, StartRequest{PlanID: "p2", Type: ExecutionTypeDrill}); err != nil {
		t.Fatalf("Start() after cancel error = %v", err)
	}
}

// TestSequencer_FailedWaveKeepsLocksUntilTerminal checks that completed
// waves keep their servers locked while a later wave runs, and that the
// failure of that wave releases the whole server set together with the
// terminal transition.
func TestSequencer_FailedWaveKeepsLocksUntilTerminal(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", FailurePolicyStop, nil, []string{"a"}, []string{"b"}, []string{"c"})
	exec := h.start(t, "p1", ExecutionTypeRecovery)

	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)
	h.tick(t)
	h.tick(t)

	running := h.get(t, exec.ID)
	if running.Waves[0].Status != WaveStatusCompleted || running.Waves[1].Status != WaveStatusLaunching {
		t.Fatalf("waves = %s, %s; want COMPLETED, LAUNCHING", running.Waves[0].Status, running.Waves[1].Status)
	}
	if got := h.conflicts.held(exec.ID); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("held while wave 1 runs = %v, want [a b c]", got)
	}

	h.provider.finish(h.provider.lastJob(), JobStateFailed)
	h.tick(t)

	final := h.get(t, exec.ID)
	if final.Status != ExecutionStatusPartial {
		t.Fatalf("Status = %s, want PARTIAL", final.Status)
	}
	want := []WaveStatus{WaveStatusCompleted, WaveStatusFailed, WaveStatusPending}
	for i, w := range final.Waves {
		if w.Status != want[i] {
			t.Errorf("wave %d = %s, want %s", i, w.Status, want[i])
		}
	}
	if got := h.conflicts.held(exec.ID); len(got) != 0 {
		t.Errorf("locks held after the failing tick: %v", got)
	}
	if got := h.provider.startCount(); got != 2 {
		t.Errorf("StartJob calls = %d, want 2", got)
	}
}

func TestSequencer_CancelDuringLaunchDiscardsJob(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"})
	exec := h.start(t, "p1", ExecutionTypeDrill)
	h.provider.onStart = func(params JobParams) {
		if _, err := h.seq.Cancel(context.Background(), params.ExecutionID); err != nil {
			t.Errorf("Cancel() error = %v", err)
		}
	}

	h.tick(t)

	final := h.get(t, exec.ID)
	if final.Status != ExecutionStatusCancelled {
		t.Fatalf("Status = %s, want CANCELLED", final.Status)
	}
	if final.Waves[0].JobID != "" {
		t.Errorf("job %s recorded on cancelled execution", final.Waves[0].JobID)
	}
	if got := h.conflicts.held(exec.ID); len(got) != 0 {
		t.Errorf("locks held after cancel: %v", got)
	}
}

func TestSequencer_CancelTerminalExecution(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"})
	exec := h.start(t, "p1", ExecutionTypeDrill)
	ctx := context.Background()

	if _, err := h.seq.Cancel(ctx, exec.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	_, err := h.seq.Cancel(ctx, exec.ID)
	if !HasCode(err, ErrCodeInvalidState) {
		t.Errorf("second Cancel() error = %v, want INVALID_STATE", err)
	}
	if _, err := h.seq.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(missing) error = %v, want not found", err)
	}
}

func TestSequencer_TransientStartErrorIsRetriedAfterLease(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"})
	exec := h.start(t, "p1", ExecutionTypeDrill)
	h.provider.startErrs = []error{
		NewThrottledError("rate exceeded", nil).WithCode(ErrCodeProviderThrottled),
	}

	h.tick(t)
	st := h.get(t, exec.ID)
	if st.Waves[0].Status != WaveStatusLaunching || st.Waves[0].JobID != "" {
		t.Fatalf("wave = %s job %q, want LAUNCHING without job", st.Waves[0].Status, st.Waves[0].JobID)
	}
	if !strings.Contains(st.LastError, "will be retried") {
		t.Errorf("LastError = %q", st.LastError)
	}

	// Within the lease nothing happens.
	h.tick(t)
	if got := h.get(t, exec.ID); got.Waves[0].JobID != "" {
		t.Fatal("relaunched inside the lease")
	}

	h.tick(t)
	got := h.get(t, exec.ID)
	if got.Waves[0].JobID == "" || got.Status != ExecutionStatusPolling {
		t.Fatalf("after lease: status %s job %q", got.Status, got.Waves[0].JobID)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want cleared", got.LastError)
	}
}

func TestSequencer_FatalStartErrorFailsWave(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"}, []string{"b"})
	exec := h.start(t, "p1", ExecutionTypeDrill)
	h.provider.startErrs = []error{
		NewPermanentError("unknown source server", nil).WithCode(ErrCodeInvalidServer),
	}

	h.tick(t)

	final := h.get(t, exec.ID)
	if final.Status != ExecutionStatusFailed {
		t.Fatalf("Status = %s, want FAILED", final.Status)
	}
	if final.Waves[0].Status != WaveStatusFailed {
		t.Errorf("wave 0 = %s, want FAILED", final.Waves[0].Status)
	}
}

func TestSequencer_QuotaDefersWave(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"})
	exec := h.start(t, "p1", ExecutionTypeDrill)
	h.quota.set(NewQuotaExceededError(QuotaRuleConcurrentJobs, 20, 20))

	h.tick(t)
	st := h.get(t, exec.ID)
	if st.Waves[0].Status != WaveStatusPending || h.provider.startCount() != 0 {
		t.Fatalf("wave launched despite quota: %s", st.Waves[0].Status)
	}
	if !strings.Contains(st.LastError, "deferred") {
		t.Errorf("LastError = %q", st.LastError)
	}

	h.quota.set(nil)
	h.tick(t)
	if got := h.get(t, exec.ID); got.Waves[0].JobID == "" {
		t.Error("wave not launched after quota freed")
	}
}

func TestSequencer_RetriesVersionConflicts(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"})
	exec := h.start(t, "p1", ExecutionTypeDrill)
	ctx := context.Background()

	h.store.failNextUpdates(2)
	if _, err := h.seq.Cancel(ctx, exec.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	h.addPlan("p2", "", nil, []string{"b"})
	other := h.start(t, "p2", ExecutionTypeDrill)
	h.store.failNextUpdates(100)
	_, err := h.seq.Cancel(ctx, other.ID)
	if !HasCode(err, ErrCodeVersionConflict) {
		t.Errorf("Cancel() error = %v, want VERSION_CONFLICT", err)
	}
	h.store.failNextUpdates(0)
}

func TestSequencer_TerminateInstances(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a1", "a2"}, []string{"b1"})
	exec := h.start(t, "p1", ExecutionTypeDrill)
	ctx := context.Background()

	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)
	h.tick(t)
	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)
	h.tick(t)
	before := h.get(t, exec.ID)

	report, err := h.seq.TerminateInstances(ctx, exec.ID)
	if err != nil {
		t.Fatalf("TerminateInstances() error = %v", err)
	}
	if got := strings.Join(report.InstanceIDs, ","); got != "i-a1,i-a2,i-b1" {
		t.Errorf("InstanceIDs = %s", got)
	}
	if report.Error != "" {
		t.Errorf("report.Error = %q", report.Error)
	}
	after := h.get(t, exec.ID)
	if after.Status != before.Status {
		t.Errorf("Status changed %s -> %s", before.Status, after.Status)
	}
	n := h.store.countEvents(exec.ID, func(ev AuditEvent) bool { return ev.Kind == AuditKindInstancesTerminated })
	if n != 1 {
		t.Errorf("termination events = %d, want 1", n)
	}
}

func TestSequencer_TerminateLooksUpUnpolledJobs(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"})
	exec := h.start(t, "p1", ExecutionTypeDrill)
	ctx := context.Background()

	h.tick(t)
	if _, err := h.seq.Cancel(ctx, exec.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)

	report, err := h.seq.TerminateInstances(ctx, exec.ID)
	if err != nil {
		t.Fatalf("TerminateInstances() error = %v", err)
	}
	if len(report.InstanceIDs) != 1 || report.InstanceIDs[0] != "i-a" {
		t.Errorf("InstanceIDs = %v, want [i-a]", report.InstanceIDs)
	}
	if got := h.get(t, exec.ID).Status; got != ExecutionStatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", got)
	}
}

func TestSequencer_TerminateReportsProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"})
	exec := h.start(t, "p1", ExecutionTypeDrill)

	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)
	h.tick(t)
	h.provider.terminateErr = errors.New("access denied")

	report, err := h.seq.TerminateInstances(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("TerminateInstances() error = %v", err)
	}
	if !strings.Contains(report.Error, "access denied") {
		t.Errorf("report.Error = %q", report.Error)
	}
}

func TestSequencer_ObserverSeesEveryEvent(t *testing.T) {
	h := newHarness(t)
	h.addPlan("p1", "", nil, []string{"a"})
	exec := h.start(t, "p1", ExecutionTypeDrill)

	h.tick(t)
	h.provider.finish(h.provider.lastJob(), JobStateLaunched)
	h.tick(t)

	stored, _ := h.store.ListEvents(context.Background(), exec.ID)
	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	if len(h.observer.events) != len(stored) {
		t.Errorf("observed %d events, stored %d", len(h.observer.events), len(stored))
	}
	if len(h.observer.calls) == 0 {
		t.Error("no provider calls observed")
	}
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		waves []WaveStatus
		want  ExecutionStatus
	}{
		{[]WaveStatus{WaveStatusCompleted, WaveStatusCompleted}, ExecutionStatusCompleted},
		{[]WaveStatus{WaveStatusCompleted, WaveStatusFailed}, ExecutionStatusPartial},
		{[]WaveStatus{WaveStatusCompleted, WaveStatusPending}, ExecutionStatusPartial},
		{[]WaveStatus{WaveStatusFailed, WaveStatusPending}, ExecutionStatusFailed},
	}
	for _, tt := range tests {
		e := &Execution{}
		for _, s := range tt.waves {
			e.Waves = append(e.Waves, WaveExecution{Status: s})
		}
		if got := finalStatus(e); got != tt.want {
			t.Errorf("finalStatus(%v) = %s, want %s", tt.waves, got, tt.want)
		}
	}
}
