package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/foreman/internal/bus"
	"github.com/nextlevelbuilder/foreman/internal/kanban"
	"github.com/nextlevelbuilder/foreman/internal/steering"
	"github.com/nextlevelbuilder/foreman/internal/store"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

// fakeProcess scripts one subprocess: fixed stdout/stderr, an exit error,
// and an optional block-until-signal.
type fakeProcess struct {
	stdout io.Reader
	stderr io.Reader
	exit   error

	mu       sync.Mutex
	signaled chan struct{}
	blocking bool
}

func newFakeProcess(stdout, stderr string, exit error, blocking bool) *fakeProcess {
	return &fakeProcess{
		stdout:   strings.NewReader(stdout),
		stderr:   strings.NewReader(stderr),
		exit:     exit,
		signaled: make(chan struct{}),
		blocking: blocking,
	}
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeProcess) Wait() error {
	if p.blocking {
		<-p.signaled
	}
	return p.exit
}

func (p *fakeProcess) Signal(os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.signaled:
	default:
		close(p.signaled)
	}
	return nil
}

func (p *fakeProcess) Kill() error { return p.Signal(os.Kill) }

// fakeRunner hands out scripted processes in order.
type fakeRunner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	specs []CommandSpec
	err   error
}

func (r *fakeRunner) Start(_ context.Context, spec CommandSpec) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.procs) == 0 {
		return newFakeProcess("", "", nil, false), nil
	}
	p := r.procs[0]
	r.procs = r.procs[1:]
	return p, nil
}

type testEnv struct {
	store   *store.Store
	queue   *kanban.Queue
	manager *Manager
	runner  *fakeRunner
	project *store.Project
	hub     *bus.Hub
}

func newTestEnv(t *testing.T, maxConcurrent int) *testEnv {
	t.Helper()
	s, err := store.Open(":memory:", "test-secret")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := bus.New()
	q := kanban.New(s, h)
	runner := &fakeRunner{}
	m := NewManager(s, q, steering.New(s), h, Options{
		MaxConcurrent: maxConcurrent,
		WorkspacePath: t.TempDir(),
		Runner:        runner,
	})
	// Git and gh are faked out; worktree and push plumbing is covered by
	// their own tests.
	m.trees.runGit = func(dir string, args ...string) ([]byte, error) { return nil, nil }
	m.pusher.run = func(dir, bin string, args ...string) ([]byte, error) {
		return []byte("https://example.com/pr/1"), nil
	}
	m.pusher.sleep = func(time.Duration) {}

	p := &store.Project{Name: "proj"}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return &testEnv{store: s, queue: q, manager: m, runner: runner, project: p, hub: h}
}

func (e *testEnv) newCard(t *testing.T, title string) *store.Card {
	t.Helper()
	c, err := e.queue.CreateCard(context.Background(), e.project.ID, title, "", nil, 100)
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	return c
}

func (e *testEnv) waitRun(t *testing.T, cardID string) {
	t.Helper()
	e.manager.spawnMu.Lock()
	run, ok := e.manager.agents[cardID]
	e.manager.spawnMu.Unlock()
	if !ok {
		t.Fatalf("no run for card %s", cardID)
	}
	select {
	case <-run.done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

// TestSpawnHappyPath walks spawn through clean exit: card done, usage
// recorded, PR audit present.
func TestSpawnHappyPath(t *testing.T) {
	e := newTestEnv(t, 3)
	ctx := context.Background()
	card := e.newCard(t, "Add health endpoint")

	stdout := `{"type":"assistant","message":"working"}` + "\n" +
		`{"type":"result","session_id":"sess-9","total_cost_usd":0.42,"usage":{"input_tokens":100,"output_tokens":50}}` + "\n"
	e.runner.procs = append(e.runner.procs, newFakeProcess(stdout, "", nil, false))

	proc, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: card.ID, ProjectID: e.project.ID, Agent: store.AgentClaude})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if proc.BranchName != "agent/claude/add-health-endpoint-"+ShortID(card.ID) {
		t.Fatalf("branch = %q", proc.BranchName)
	}
	e.waitRun(t, card.ID)

	got, err := e.store.GetCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Column != store.ColumnDone || got.AgentStatus != store.AgentCompleted {
		t.Fatalf("card state = %s/%s", got.Column, got.AgentStatus)
	}
	if got.LastSessionID != "sess-9" {
		t.Fatalf("session id = %q", got.LastSessionID)
	}

	usage, err := e.store.SummarizeUsage(ctx, e.project.ID, 1)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.InputTokens != 100 || usage.OutputTokens != 50 {
		t.Fatalf("usage = %+v", usage)
	}

	audits, err := e.store.ListAuditForEntity(ctx, card.ID, 100)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	actions := map[string]bool{}
	for _, a := range audits {
		actions[a.Action] = true
	}
	for _, want := range []string{"agent.spawned", "agent.completed", "agent.pr_opened"} {
		if !actions[want] {
			t.Fatalf("missing audit %q in %v", want, actions)
		}
	}
}

// TestSpawnGating covers the typed gate errors.
func TestSpawnGating(t *testing.T) {
	e := newTestEnv(t, 1)
	ctx := context.Background()
	first := e.newCard(t, "first")
	e.runner.procs = append(e.runner.procs, newFakeProcess("", "", nil, true))

	if _, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: first.ID, ProjectID: e.project.ID, Agent: store.AgentClaude}); err != nil {
		t.Fatalf("spawn first: %v", err)
	}

	// Same card again.
	if _, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: first.ID, ProjectID: e.project.ID, Agent: store.AgentClaude}); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("err = %v, want ErrConcurrencyLimit at cap 1", err)
	}

	// Second card on the same project while the first still runs.
	e.manager.maxConcurrent = 3
	second := e.newCard(t, "second")
	if _, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: second.ID, ProjectID: e.project.ID, Agent: store.AgentCodex}); !errors.Is(err, ErrProjectBusy) {
		t.Fatalf("err = %v, want ErrProjectBusy", err)
	}

	if err := e.manager.StopAgent(first.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	e.waitRun(t, first.ID)

	// Unknown card ids surface not-found once nothing is running.
	if _, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: "nope", ProjectID: e.project.ID, Agent: store.AgentClaude}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// TestSpawnFailureMarksCardFailed verifies the non-zero-exit path with the
// stderr tail in the reason.
func TestSpawnFailureMarksCardFailed(t *testing.T) {
	e := newTestEnv(t, 3)
	ctx := context.Background()
	card := e.newCard(t, "doomed")

	e.runner.procs = append(e.runner.procs,
		newFakeProcess("partial output\n", "fatal: model refused\n", errors.New("exit status 1"), false))

	if _, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: card.ID, ProjectID: e.project.ID, Agent: store.AgentClaude}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	e.waitRun(t, card.ID)

	got, _ := e.store.GetCard(ctx, card.ID)
	if got.AgentStatus != store.AgentFailed {
		t.Fatalf("status = %s, want failed", got.AgentStatus)
	}
	if !strings.Contains(got.BlockedReason, "model refused") {
		t.Fatalf("reason = %q", got.BlockedReason)
	}

	logs, err := e.manager.GetAgentLogs(card.ID, 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	joined := strings.Join(logs, "\n")
	if !strings.Contains(joined, "partial output") || !strings.Contains(joined, "[stderr] fatal: model refused") {
		t.Fatalf("logs = %q", joined)
	}
}

// TestPushFailureAuditsEachAttempt verifies an unpushable branch leaves the
// card completed with one audit row per failed attempt plus the final
// failure row.
func TestPushFailureAuditsEachAttempt(t *testing.T) {
	e := newTestEnv(t, 3)
	ctx := context.Background()
	card := e.newCard(t, "unpushable")

	e.manager.pusher.run = func(dir, bin string, args ...string) ([]byte, error) {
		if bin == "git" && len(args) > 0 && args[0] == "push" {
			return nil, errors.New("remote hung up")
		}
		return nil, nil
	}
	e.runner.procs = append(e.runner.procs, newFakeProcess("", "", nil, false))

	if _, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: card.ID, ProjectID: e.project.ID, Agent: store.AgentClaude}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	e.waitRun(t, card.ID)

	got, _ := e.store.GetCard(ctx, card.ID)
	if got.Column != store.ColumnDone || got.AgentStatus != store.AgentCompleted {
		t.Fatalf("card state = %s/%s, want done/completed despite push failure", got.Column, got.AgentStatus)
	}

	audits, err := e.store.ListAuditForEntity(ctx, card.ID, 100)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	retries, failed, prOpened := 0, 0, 0
	for _, a := range audits {
		switch a.Action {
		case "push.retry":
			retries++
		case "agent.push_failed":
			failed++
		case "agent.pr_opened":
			prOpened++
		}
	}
	if retries != 3 {
		t.Fatalf("push.retry audits = %d, want one per failed attempt (3)", retries)
	}
	if failed != 1 {
		t.Fatalf("agent.push_failed audits = %d, want 1", failed)
	}
	if prOpened != 0 {
		t.Fatalf("agent.pr_opened audits = %d, want none", prOpened)
	}
}

// TestTimeoutAuditsFailure verifies the wall-clock kill path: the card lands
// failed, and the audit trail carries agent.timeout followed by agent.failed.
func TestTimeoutAuditsFailure(t *testing.T) {
	e := newTestEnv(t, 3)
	ctx := context.Background()
	card := e.newCard(t, "hanger")
	e.manager.defaultTimeout = 50 * time.Millisecond
	e.runner.procs = append(e.runner.procs, newFakeProcess("", "", nil, true))

	sub := e.hub.Subscribe()
	defer sub.Cancel()

	if _, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: card.ID, ProjectID: e.project.ID, Agent: store.AgentClaude}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	e.waitRun(t, card.ID)

	got, _ := e.store.GetCard(ctx, card.ID)
	if got.AgentStatus != store.AgentFailed || got.BlockedReason != "Timed out" {
		t.Fatalf("card = %s / %q, want failed / Timed out", got.AgentStatus, got.BlockedReason)
	}

	audits, err := e.store.ListAuditForEntity(ctx, card.ID, 100)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	actions := map[string]bool{}
	for _, a := range audits {
		actions[a.Action] = true
	}
	if !actions["agent.timeout"] || !actions["agent.failed"] {
		t.Fatalf("audit actions = %v, want both agent.timeout and agent.failed", actions)
	}

	events := map[string]bool{}
	for {
		select {
		case ev := <-sub.C:
			events[ev.Name] = true
		default:
			if !events[protocol.EventAgentTimeout] || !events[protocol.EventAgentFailed] {
				t.Fatalf("events = %v, want both timeout and failed broadcasts", events)
			}
			return
		}
	}
}

// TestStopAgentSavesSnapshot verifies stop lands the card back at idle with
// a context snapshot.
func TestStopAgentSavesSnapshot(t *testing.T) {
	e := newTestEnv(t, 3)
	ctx := context.Background()
	card := e.newCard(t, "long runner")
	e.runner.procs = append(e.runner.procs, newFakeProcess("thinking...\n", "", nil, true))

	if _, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: card.ID, ProjectID: e.project.ID, Agent: store.AgentClaude}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := e.manager.StopAgent(card.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	e.waitRun(t, card.ID)

	got, _ := e.store.GetCard(ctx, card.ID)
	if got.AgentStatus != store.AgentIdle {
		t.Fatalf("status = %s, want idle", got.AgentStatus)
	}
	if !strings.Contains(got.ContextSnapshot, "stopped by operator") {
		t.Fatalf("snapshot = %q", got.ContextSnapshot)
	}
}

// TestStartFailureLeavesCardFailed verifies a runner start error reverts the
// claim into failed with the cause.
func TestStartFailureLeavesCardFailed(t *testing.T) {
	e := newTestEnv(t, 3)
	ctx := context.Background()
	card := e.newCard(t, "no binary")
	e.runner.err = errors.New("binary not found")

	if _, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: card.ID, ProjectID: e.project.ID, Agent: store.AgentClaude}); err == nil {
		t.Fatal("expected spawn error")
	}
	got, _ := e.store.GetCard(ctx, card.ID)
	if got.AgentStatus != store.AgentFailed || !strings.Contains(got.BlockedReason, "binary not found") {
		t.Fatalf("card = %s / %q", got.AgentStatus, got.BlockedReason)
	}
}

// TestShutdownAllStopsRunners verifies graceful shutdown snapshots and stops
// every live agent.
func TestShutdownAllStopsRunners(t *testing.T) {
	e := newTestEnv(t, 3)
	ctx := context.Background()
	card := e.newCard(t, "shutdown victim")
	e.runner.procs = append(e.runner.procs, newFakeProcess("", "", nil, true))

	if _, err := e.manager.SpawnAgent(ctx, SpawnRequest{CardID: card.ID, ProjectID: e.project.ID, Agent: store.AgentClaude}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	e.manager.ShutdownAll(ctx)
	e.waitRun(t, card.ID)

	got, _ := e.store.GetCard(ctx, card.ID)
	if got.AgentStatus != store.AgentIdle || got.ContextSnapshot == "" {
		t.Fatalf("card = %s snapshot=%q", got.AgentStatus, got.ContextSnapshot)
	}
}
