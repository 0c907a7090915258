package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/foreman/internal/bus"
	"github.com/nextlevelbuilder/foreman/internal/kanban"
	"github.com/nextlevelbuilder/foreman/internal/orchestrator"
	"github.com/nextlevelbuilder/foreman/internal/store"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

// fakeOrch records spawn requests and serves a scripted running set.
type fakeOrch struct {
	mu       sync.Mutex
	running  []orchestrator.AgentProcess
	spawned  []orchestrator.SpawnRequest
	spawnErr error
	trees    *orchestrator.Worktrees
}

func (f *fakeOrch) SpawnAgent(_ context.Context, req orchestrator.SpawnRequest) (*orchestrator.AgentProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.spawned = append(f.spawned, req)
	f.running = append(f.running, orchestrator.AgentProcess{
		CardID:    req.CardID,
		ProjectID: req.ProjectID,
		Agent:     req.Agent,
		Status:    store.AgentRunning,
	})
	return &f.running[len(f.running)-1], nil
}

func (f *fakeOrch) GetRunningAgents() []orchestrator.AgentProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.AgentProcess(nil), f.running...)
}

func (f *fakeOrch) LiveWorktrees() map[string]bool      { return map[string]bool{} }
func (f *fakeOrch) Worktrees() *orchestrator.Worktrees { return f.trees }

type schedEnv struct {
	store *store.Store
	queue *kanban.Queue
	hub   *bus.Hub
	orch  *fakeOrch
	sched *Scheduler
}

func newSchedEnv(t *testing.T, opts Options) *schedEnv {
	t.Helper()
	s, err := store.Open(":memory:", "test-secret")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := bus.New()
	q := kanban.New(s, h)
	orch := &fakeOrch{trees: orchestrator.NewWorktrees(t.TempDir())}
	if opts.ChecklistPath == "" {
		opts.ChecklistPath = t.TempDir() + "/HEARTBEAT.md"
	}
	if opts.Merger == nil {
		opts.Merger = &fakeMerger{}
	}
	return &schedEnv{store: s, queue: q, hub: h, orch: orch, sched: New(s, q, orch, h, opts)}
}

func (e *schedEnv) newProject(t *testing.T, name string) *store.Project {
	t.Helper()
	p := &store.Project{Name: name}
	if err := e.store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// fakeMerger scripts merge outcomes by card title.
type fakeMerger struct {
	mu       sync.Mutex
	calls    [][]store.Card
	failCard string
}

func (f *fakeMerger) Synthesize(_ context.Context, cards []store.Card) ([]MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cards)
	out := make([]MergeResult, 0, len(cards))
	for _, c := range cards {
		out = append(out, MergeResult{CardID: c.ID, Merged: c.Title != f.failCard})
	}
	return out, nil
}

// TestTickSpawnsOnePerProject verifies one agent per idle project per tick.
func TestTickSpawnsOnePerProject(t *testing.T) {
	e := newSchedEnv(t, Options{MaxConcurrent: 3})
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta"} {
		p := e.newProject(t, name)
		if _, err := e.queue.CreateCard(ctx, p.ID, name+" work", "", nil, 100); err != nil {
			t.Fatalf("card: %v", err)
		}
	}

	e.sched.Tick(ctx)
	if len(e.orch.spawned) != 2 {
		t.Fatalf("spawned %d, want 2", len(e.orch.spawned))
	}
	for _, req := range e.orch.spawned {
		if req.Agent != store.AgentClaude {
			t.Fatalf("default agent = %s", req.Agent)
		}
	}
}

// TestTickRespectsGlobalCap verifies the concurrency ceiling stops spawning.
func TestTickRespectsGlobalCap(t *testing.T) {
	e := newSchedEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta"} {
		p := e.newProject(t, name)
		if _, err := e.queue.CreateCard(ctx, p.ID, name+" work", "", nil, 100); err != nil {
			t.Fatalf("card: %v", err)
		}
	}

	e.sched.Tick(ctx)
	if len(e.orch.spawned) != 1 {
		t.Fatalf("spawned %d, want 1", len(e.orch.spawned))
	}
}

// TestTickSkipsBusyProject verifies a project with a live agent is left
// alone.
func TestTickSkipsBusyProject(t *testing.T) {
	e := newSchedEnv(t, Options{MaxConcurrent: 3})
	ctx := context.Background()
	p := e.newProject(t, "busy")
	if _, err := e.queue.CreateCard(ctx, p.ID, "queued", "", nil, 100); err != nil {
		t.Fatalf("card: %v", err)
	}
	e.orch.running = []orchestrator.AgentProcess{{ProjectID: p.ID, Status: store.AgentRunning}}

	e.sched.Tick(ctx)
	if len(e.orch.spawned) != 0 {
		t.Fatalf("spawned %d, want 0", len(e.orch.spawned))
	}
}

// TestTickOverlapSkipped verifies the in-progress guard publishes a skip
// event instead of double-running.
func TestTickOverlapSkipped(t *testing.T) {
	e := newSchedEnv(t, Options{})
	sub := e.hub.Subscribe()
	defer sub.Cancel()

	e.sched.tickInProgress.Store(true)
	e.sched.Tick(context.Background())

	select {
	case ev := <-sub.C:
		if ev.Name != protocol.EventHeartbeatSkipped {
			t.Fatalf("event = %s", ev.Name)
		}
		payload := ev.Payload.(map[string]string)
		if payload["reason"] != protocol.SkipReasonTickInProgress {
			t.Fatalf("reason = %q", payload["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("no skip event")
	}
}

// TestTickChurnsStaleBlockedCards verifies the cooldown requeue.
func TestTickChurnsStaleBlockedCards(t *testing.T) {
	e := newSchedEnv(t, Options{BlockedRetry: 30 * time.Minute})
	ctx := context.Background()
	p := e.newProject(t, "proj")

	card, err := e.queue.CreateCard(ctx, p.ID, "stuck", "", nil, 100)
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	if _, err := e.queue.StartWork(ctx, card.ID, store.AgentClaude); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.queue.UpdateAgentStatus(ctx, card.ID, store.AgentBlocked, "waiting on creds"); err != nil {
		t.Fatalf("block: %v", err)
	}

	// First tick: cooldown not expired, card stays blocked.
	e.sched.Tick(ctx)
	got, _ := e.store.GetCard(ctx, card.ID)
	if got.AgentStatus != store.AgentBlocked {
		t.Fatalf("status = %s before cooldown", got.AgentStatus)
	}

	// Advance the scheduler clock past the cooldown.
	e.sched.now = func() time.Time { return time.Now().Add(time.Hour) }
	e.sched.Tick(ctx)
	got, _ = e.store.GetCard(ctx, card.ID)
	if got.Column != store.ColumnBacklog || got.AgentStatus != store.AgentIdle {
		t.Fatalf("card = %s/%s after churn", got.Column, got.AgentStatus)
	}
}

// TestReconcileRecoversCrashSurvivors verifies running cards land back in
// the backlog with an audit entry.
func TestReconcileRecoversCrashSurvivors(t *testing.T) {
	e := newSchedEnv(t, Options{})
	ctx := context.Background()
	p := e.newProject(t, "proj")

	card, err := e.queue.CreateCard(ctx, p.ID, "survivor", "", nil, 100)
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	if _, err := e.queue.StartWork(ctx, card.ID, store.AgentCodex); err != nil {
		t.Fatalf("start: %v", err)
	}

	e.sched.Reconcile(ctx)

	got, _ := e.store.GetCard(ctx, card.ID)
	if got.Column != store.ColumnBacklog || got.AgentStatus != store.AgentIdle {
		t.Fatalf("card = %s/%s", got.Column, got.AgentStatus)
	}
	audits, err := e.store.ListAuditForEntity(ctx, card.ID, 50)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	found := false
	for _, a := range audits {
		if a.Action == protocol.EventReconcileRecovered {
			found = true
		}
	}
	if !found {
		t.Fatal("no recovery audit entry")
	}
}

// TestSynthesizePersistsVerdicts verifies branch_passed cards get merge
// verdicts and no card is handed to the merger twice.
func TestSynthesizePersistsVerdicts(t *testing.T) {
	merger := &fakeMerger{failCard: "conflicted"}
	e := newSchedEnv(t, Options{Merger: merger})
	ctx := context.Background()
	p := e.newProject(t, "proj")

	var ids []string
	for _, title := range []string{"clean", "conflicted"} {
		c, err := e.queue.CreateCard(ctx, p.ID, title, "", nil, 100)
		if err != nil {
			t.Fatalf("card: %v", err)
		}
		if _, err := e.queue.SetVerification(ctx, c.ID, store.VerifyBranchPassed); err != nil {
			t.Fatalf("verify: %v", err)
		}
		ids = append(ids, c.ID)
	}

	e.sched.Synthesize(ctx)

	if len(merger.calls) != 1 || len(merger.calls[0]) != 2 {
		t.Fatalf("merger calls = %+v", merger.calls)
	}
	clean, _ := e.store.GetCard(ctx, ids[0])
	conflicted, _ := e.store.GetCard(ctx, ids[1])
	if clean.VerificationStatus != store.VerifyMergePassed {
		t.Fatalf("clean = %s", clean.VerificationStatus)
	}
	if conflicted.VerificationStatus != store.VerifyMergeFailed {
		t.Fatalf("conflicted = %s", conflicted.VerificationStatus)
	}

	// Verdicts applied; a second run finds nothing to do.
	e.sched.Synthesize(ctx)
	if len(merger.calls) != 1 {
		t.Fatalf("second run re-merged: %+v", merger.calls)
	}
}

// TestSubmitTaskBrief verifies title derivation and card creation.
func TestSubmitTaskBrief(t *testing.T) {
	e := newSchedEnv(t, Options{})
	ctx := context.Background()
	p := e.newProject(t, "proj")

	card, err := e.sched.SubmitTaskBrief(ctx, p.ID, "Add /health\nReturn build info too.", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if card.Title != "Add /health" {
		t.Fatalf("title = %q", card.Title)
	}
	if card.Column != store.ColumnBacklog || card.Description == "" {
		t.Fatalf("card = %+v", card)
	}
}
