package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory PlanStore and ExecutionStore with the same
// compare-and-swap semantics as the SQL stores.
type memStore struct {
	mu        sync.Mutex
	plans     map[string]*RecoveryPlan
	groups    map[string]*ProtectionGroup
	execs     map[string]*Execution
	order     []string
	events    map[string][]AuditEvent
	conflicts int
	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		plans:  make(map[string]*RecoveryPlan),
		groups: make(map[string]*ProtectionGroup),
		execs:  make(map[string]*Execution),
		events: make(map[string][]AuditEvent),
	}
}

func (m *memStore) addGroup(id string, servers ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[id] = &ProtectionGroup{ID: id, Name: id, ServerIDs: servers}
}

func (m *memStore) addPlan(plan *RecoveryPlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = plan
}

// failNextUpdates makes the next n updates fail with a version conflict.
func (m *memStore) failNextUpdates(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = n
}

func (m *memStore) GetPlan(ctx context.Context, planID string) (*RecoveryPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return nil, NewNotFoundError("plan", planID)
	}
	return p, nil
}

func (m *memStore) GetGroup(ctx context.Context, groupID string) (*ProtectionGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, NewNotFoundError("group", groupID)
	}
	return g, nil
}

func (m *memStore) CreateExecution(ctx context.Context, exec *Execution, events []AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.execs[exec.ID]; ok {
		return NewConflictError("execution exists", nil).WithCode(ErrCodeAlreadyExists)
	}
	exec.Version = 1
	m.execs[exec.ID] = exec.Clone()
	m.order = append(m.order, exec.ID)
	m.events[exec.ID] = append(m.events[exec.ID], events...)
	return nil
}

func (m *memStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[executionID]
	if !ok {
		return nil, NewNotFoundError("execution", executionID)
	}
	return e.Clone(), nil
}

func (m *memStore) UpdateExecution(ctx context.Context, exec *Execution, expectedVersion int64, events []AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.execs[exec.ID]
	if !ok {
		return NewNotFoundError("execution", exec.ID)
	}
	if m.conflicts > 0 {
		m.conflicts--
		return NewVersionConflictError(exec.ID, expectedVersion)
	}
	if cur.Version != expectedVersion {
		return NewVersionConflictError(exec.ID, expectedVersion)
	}
	exec.Version = expectedVersion + 1
	m.execs[exec.ID] = exec.Clone()
	m.events[exec.ID] = append(m.events[exec.ID], events...)
	return nil
}

func (m *memStore) ListExecutions(ctx context.Context, filter ListFilter) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[ExecutionStatus]bool)
	for _, s := range filter.Statuses {
		want[s] = true
	}
	var out []*Execution
	for i := len(m.order) - 1; i >= 0; i-- {
		e := m.execs[m.order[i]]
		if len(want) > 0 && !want[e.Status] {
			continue
		}
		if filter.PlanID != "" && e.PlanID != filter.PlanID {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) LookupExecutionStatus(ctx context.Context, executionID string) (ExecutionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[executionID]
	if !ok {
		return "", NewNotFoundError("execution", executionID)
	}
	return e.Status, nil
}

func (m *memStore) QuotaSnapshot(ctx context.Context) (*QuotaSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &QuotaSnapshot{}
	for _, e := range m.execs {
		if e.Status.IsTerminal() {
			continue
		}
		for _, w := range e.Waves {
			if w.Status == WaveStatusLaunching {
				snap.ActiveJobs++
				snap.ActiveJobServers += len(w.ServerIDs)
			}
		}
	}
	return snap, nil
}

func (m *memStore) ListEvents(ctx context.Context, executionID string) ([]AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEvent(nil), m.events[executionID]...), nil
}

func (m *memStore) countEvents(executionID string, match func(AuditEvent) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events[executionID] {
		if match(ev) {
			n++
		}
	}
	return n
}

// memConflicts is an in-memory ConflictRegistry.
type memConflicts struct {
	mu     sync.Mutex
	owners map[string]string
}

func newMemConflicts() *memConflicts {
	return &memConflicts{owners: make(map[string]string)}
}

func (c *memConflicts) Acquire(ctx context.Context, executionID string, serverIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range serverIDs {
		if owner, ok := c.owners[id]; ok && owner != executionID {
			return NewServerInUseError(id, owner)
		}
	}
	for _, id := range serverIDs {
		c.owners[id] = executionID
	}
	return nil
}

func (c *memConflicts) Release(ctx context.Context, executionID string, serverIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range serverIDs {
		if c.owners[id] == executionID {
			delete(c.owners, id)
		}
	}
	return nil
}

func (c *memConflicts) ReleaseAll(ctx context.Context, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, owner := range c.owners {
		if owner == executionID {
			delete(c.owners, id)
		}
	}
	return nil
}

func (c *memConflicts) held(executionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, owner := range c.owners {
		if owner == executionID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// fakeQuota accepts everything until err is set.
type fakeQuota struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (q *fakeQuota) set(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *fakeQuota) Validate(ctx context.Context, serverIDs []string) error {
	return q.ValidateJobs(ctx, [][]string{serverIDs})
}

func (q *fakeQuota) ValidateJobs(ctx context.Context, jobs [][]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return q.err
}

type startCall struct {
	jobID     string
	serverIDs []string
	params    JobParams
}

// fakeProvider records calls and keeps job state in memory.
type fakeProvider struct {
	mu            sync.Mutex
	next          int
	starts        []startCall
	startErrs     []error
	onStart       func(params JobParams)
	jobs          map[string]*JobStatus
	describeErrs  []error
	describeFail  map[string]error
	describes     int
	terminated    []string
	terminateErr  error
	terminateCall int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		jobs:         make(map[string]*JobStatus),
		describeFail: make(map[string]error),
	}
}

func (p *fakeProvider) StartJob(ctx context.Context, serverIDs []string, params JobParams) (string, error) {
	p.mu.Lock()
	hook := p.onStart
	p.mu.Unlock()
	if hook != nil {
		hook(params)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.startErrs) > 0 {
		err := p.startErrs[0]
		p.startErrs = p.startErrs[1:]
		if err != nil {
			return "", err
		}
	}
	p.next++
	id := fmt.Sprintf("job-%d", p.next)
	st := &JobStatus{JobID: id, State: JobStatePending}
	for _, s := range serverIDs {
		st.Servers = append(st.Servers, ServerLaunchStatus{ServerID: s, LaunchStatus: "PENDING"})
	}
	p.jobs[id] = st
	p.starts = append(p.starts, startCall{jobID: id, serverIDs: append([]string(nil), serverIDs...), params: params})
	return id, nil
}

func (p *fakeProvider) DescribeJob(ctx context.Context, jobID string) (*JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.describes++
	if err, ok := p.describeFail[jobID]; ok {
		return nil, err
	}
	if len(p.describeErrs) > 0 {
		err := p.describeErrs[0]
		p.describeErrs = p.describeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	st, ok := p.jobs[jobID]
	if !ok {
		return nil, NewNotFoundError("job", jobID)
	}
	c := *st
	c.Servers = append([]ServerLaunchStatus(nil), st.Servers...)
	return &c, nil
}

func (p *fakeProvider) TerminateInstances(ctx context.Context, instanceIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminateCall++
	if p.terminateErr != nil {
		return p.terminateErr
	}
	p.terminated = append(p.terminated, instanceIDs...)
	return nil
}

// finish moves a job to a terminal state. Launched servers get an instance ID.
func (p *fakeProvider) finish(jobID string, state JobState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.jobs[jobID]
	st.State = state
	for i := range st.Servers {
		if state == JobStateLaunched {
			st.Servers[i].LaunchStatus = "LAUNCHED"
			st.Servers[i].RecoveryInstanceID = "i-" + st.Servers[i].ServerID
		} else {
			st.Servers[i].LaunchStatus = "FAILED"
		}
	}
}

func (p *fakeProvider) progress(jobID, serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.jobs[jobID]
	st.State = JobStateInProgress
	for i := range st.Servers {
		if st.Servers[i].ServerID == serverID {
			st.Servers[i].LaunchStatus = "IN_PROGRESS"
		}
	}
}

func (p *fakeProvider) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.starts)
}

func (p *fakeProvider) lastJob() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.starts) == 0 {
		return ""
	}
	return p.starts[len(p.starts)-1].jobID
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingObserver keeps everything it is told.
type recordingObserver struct {
	mu       sync.Mutex
	events   []AuditEvent
	calls    []string
	rejected []error
}

func (o *recordingObserver) OnEvent(ctx context.Context, exec *Execution, event AuditEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *recordingObserver) OnProviderCall(ctx context.Context, operation string, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, operation)
}

func (o *recordingObserver) OnStartRejected(ctx context.Context, req StartRequest, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, err)
}

// harness wires a sequencer, poller and dispatcher over in-memory fakes.
type harness struct {
	store      *memStore
	provider   *fakeProvider
	conflicts  *memConflicts
	quota      *fakeQuota
	clock      *fakeClock
	observer   *recordingObserver
	seq        *Sequencer
	poller     *JobPoller
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(),
		provider:  newFakeProvider(),
		conflicts: newMemConflicts(),
		quota:     &fakeQuota{},
		clock:     newFakeClock(),
		observer:  &recordingObserver{},
	}
	cfg := DefaultSequencerConfig()
	cfg.PauseTTL = time.Hour
	h.seq = NewSequencer(h.store, h.store, h.provider, h.conflicts, h.quota, cfg,
		WithClock(h.clock.Now),
		WithObserver(h.observer),
	)
	pcfg := DefaultPollerConfig()
	pcfg.BackoffBase = time.Millisecond
	pcfg.BackoffMax = 4 * time.Millisecond
	pcfg.MaxAttempts = 3
	h.poller = NewJobPoller(h.provider, h.seq, pcfg, WithPollerClock(h.clock.Now))
	h.dispatcher = NewDispatcher(h.store, h.seq, h.poller, DispatcherConfig{MaxConcurrency: 4},
		WithDispatcherClock(h.clock.Now))
	return h
}

// addPlan registers a plan whose wave i recovers group g<i> with the given servers.
func (h *harness) addPlan(id string, policy FailurePolicy, pauses []bool, servers ...[]string) *RecoveryPlan {
	plan := &RecoveryPlan{ID: id, Name: id, FailurePolicy: policy}
	for i, s := range servers {
		gid := fmt.Sprintf("%s-g%d", id, i)
		h.store.addGroup(gid, s...)
		w := Wave{Index: i, GroupID: gid}
		if i < len(pauses) {
			w.PauseBeforeWave = pauses[i]
		}
		plan.Waves = append(plan.Waves, w)
	}
	h.store.addPlan(plan)
	return plan
}

func (h *harness) start(t *testing.T, planID string, typ ExecutionType) *Execution {
	t.Helper()
	exec, err := h.seq.Start(context.Background(), StartRequest{PlanID: planID, Type: typ, StartedBy: "tester"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return exec
}

// tick runs one dispatcher tick a minute after the previous one.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.clock.Advance(time.Minute)
	if _, err := h.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
}

func (h *harness) get(t *testing.T, id string) *Execution {
	t.Helper()
	exec, err := h.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	return exec
}

// checkWaveOrder asserts that settled waves form a prefix, at most one wave
// is in flight and it is the first unsettled one.
func checkWaveOrder(t *testing.T, exec *Execution) {
	t.Helper()
	cur := exec.CurrentWave()
	for i, w := range exec.Waves {
		switch {
		case cur < 0 || i < cur:
			if !w.Status.IsTerminal() {
				t.Fatalf("wave %d is %s before current wave %d", i, w.Status, cur)
			}
		case i == cur:
			if w.Status.IsTerminal() {
				t.Fatalf("current wave %d is %s", i, w.Status)
			}
		default:
			if w.Status != WaveStatusPending {
				t.Fatalf("wave %d is %s after current wave %d", i, w.Status, cur)
			}
		}
	}
}
