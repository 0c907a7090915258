package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/foreman/internal/bus"
	"github.com/nextlevelbuilder/foreman/internal/kanban"
	"github.com/nextlevelbuilder/foreman/internal/steering"
	"github.com/nextlevelbuilder/foreman/internal/store"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

const (
	// killGrace is the SIGTERM to SIGKILL window for one agent.
	killGrace = 5 * time.Second
	// shutdownGrace bounds how long ShutdownAll waits for agents to wind down.
	shutdownGrace = 30 * time.Second
	// pruneAge keeps finished runs visible in the map for an hour.
	pruneAge = time.Hour
	// stderrTailLines bounds the failure-notification excerpt.
	stderrTailLines = 20
	// maxStreamLine caps one stdout/stderr line; agents can emit huge JSON.
	maxStreamLine = 1 << 20
)

// AgentEvent is the payload broadcast for agent.* events.
type AgentEvent struct {
	CardID    string          `json:"card_id"`
	ProjectID string          `json:"project_id"`
	Agent     store.AgentKind `json:"agent"`
	SpanID    string          `json:"span_id"`
	Line      string          `json:"line,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Options configures a Manager.
type Options struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	WorkspacePath  string
	Runner         Runner
	Notifier       Notifier
}

// Manager runs agent subprocesses against kanban cards.
type Manager struct {
	store    *store.Store
	queue    *kanban.Queue
	steering *steering.Service
	pub      bus.Publisher
	notifier Notifier
	runner   Runner
	trees    *Worktrees
	pusher   *publisher

	maxConcurrent  int
	defaultTimeout time.Duration
	workspacePath  string

	counters metrics

	// spawnMu serializes gating and guards the agents map for writes.
	spawnMu sync.Mutex
	agents  map[string]*agentRun
}

// agentRun is the in-process record for one spawn.
type agentRun struct {
	AgentProcess
	proc       Process
	ring       *logRing
	worktree   string
	done       chan struct{}
	finishedAt time.Time

	stopRequested atomic.Bool
	timedOut      atomic.Bool
}

func NewManager(st *store.Store, q *kanban.Queue, sv *steering.Service, pub bus.Publisher, opts Options) *Manager {
	if opts.Runner == nil {
		opts.Runner = NewExecRunner()
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	return &Manager{
		store:          st,
		queue:          q,
		steering:       sv,
		pub:            pub,
		notifier:       opts.Notifier,
		runner:         opts.Runner,
		trees:          NewWorktrees(opts.WorkspacePath),
		pusher:         newPublisher(),
		maxConcurrent:  opts.MaxConcurrent,
		defaultTimeout: opts.DefaultTimeout,
		workspacePath:  opts.WorkspacePath,
		agents:         make(map[string]*agentRun),
	}
}

// SpawnAgent gates, provisions a worktree, claims the card, and starts the
// subprocess. All checks run under the spawn mutex; a typed error means no
// side effects happened.
func (m *Manager) SpawnAgent(ctx context.Context, req SpawnRequest) (*AgentProcess, error) {
	ctx, span := otel.Tracer("foreman/orchestrator").Start(ctx, "orchestrator.spawn")
	defer span.End()
	span.SetAttributes(attribute.String("card.id", req.CardID), attribute.String("agent", string(req.Agent)))

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	if m.runningCountLocked() >= m.maxConcurrent {
		return nil, ErrConcurrencyLimit
	}
	for _, r := range m.agents {
		if r.Status != store.AgentRunning {
			continue
		}
		if r.CardID == req.CardID {
			return nil, ErrCardBusy
		}
		if r.ProjectID == req.ProjectID {
			return nil, ErrProjectBusy
		}
	}

	card, err := m.store.GetCard(ctx, req.CardID)
	if err != nil {
		return nil, err
	}
	if card.Column != store.ColumnBacklog {
		return nil, fmt.Errorf("%w: card %s is %s", ErrCardBusy, ShortID(card.ID), card.Column)
	}
	project, err := m.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	prompt, err := m.buildPrompt(ctx, project, card)
	if err != nil {
		return nil, err
	}

	branch := BranchName(req.Agent, card.Title, card.ID)
	worktree, err := m.trees.Create(card.ID, branch)
	if err != nil {
		return nil, err
	}

	if _, err := m.queue.StartWork(ctx, card.ID, req.Agent); err != nil {
		_ = m.trees.Remove(worktree)
		return nil, err
	}

	spec, err := commandSpec(req.Agent, prompt, worktree)
	if err != nil {
		m.revertSpawn(ctx, card.ID, worktree, err)
		return nil, err
	}
	proc, err := m.runner.Start(ctx, spec)
	if err != nil {
		m.revertSpawn(ctx, card.ID, worktree, err)
		return nil, fmt.Errorf("start %s: %w", spec.Bin, err)
	}

	run := &agentRun{
		AgentProcess: AgentProcess{
			CardID:     card.ID,
			ProjectID:  project.ID,
			Agent:      req.Agent,
			Status:     store.AgentRunning,
			StartedAt:  time.Now().UTC(),
			BranchName: branch,
			SpanID:     uuid.NewString(),
		},
		proc:     proc,
		ring:     newLogRing(),
		worktree: worktree,
		done:     make(chan struct{}),
	}
	m.agents[card.ID] = run
	m.counters.spawned.Add(1)

	timeout := m.defaultTimeout
	if project.AgentTimeoutMinutes > 0 {
		timeout = time.Duration(project.AgentTimeoutMinutes) * time.Minute
	}
	go m.supervise(run, timeout)

	m.audit(run, "agent.spawned", map[string]string{"branch": branch})
	m.publishEvent(protocol.EventAgentSpawned, run, "", "")
	slog.Info("agent.spawned", "card", ShortID(card.ID), "agent", req.Agent, "branch", branch, "span", run.SpanID)

	snapshot := run.AgentProcess
	return &snapshot, nil
}

// revertSpawn undoes the card claim and worktree after a start failure.
func (m *Manager) revertSpawn(ctx context.Context, cardID, worktree string, cause error) {
	_ = m.trees.Remove(worktree)
	if _, err := m.queue.UpdateAgentStatus(ctx, cardID, store.AgentFailed, cause.Error()); err != nil {
		slog.Error("agent.spawn_revert_failed", "card", ShortID(cardID), "error", err)
	}
}

// buildPrompt gathers project context, board context, and steering into the
// spawn prompt.
func (m *Manager) buildPrompt(ctx context.Context, project *store.Project, card *store.Card) (string, error) {
	docs, err := m.store.ListDocuments(ctx, project.ID, "")
	if err != nil {
		return "", err
	}
	decisions, err := m.store.ListDecisions(ctx, project.ID, 10)
	if err != nil {
		return "", err
	}
	inProgress, err := m.store.ListCardsByColumn(ctx, project.ID, store.ColumnInProgress, 20, 0)
	if err != nil {
		return "", err
	}
	done, err := m.store.ListCardsByColumn(ctx, project.ID, store.ColumnDone, 10, 0)
	if err != nil {
		return "", err
	}
	steeringBlock, err := m.steering.BuildPromptBlock(ctx, project.ID)
	if err != nil {
		return "", err
	}
	return BuildPrompt(PromptInput{
		Project:    project,
		Documents:  docs,
		Decisions:  decisions,
		InProgress: inProgress,
		RecentDone: done,
		Card:       card,
		Steering:   steeringBlock,
	}), nil
}

// supervise owns one run from start to terminal transition.
func (m *Manager) supervise(run *agentRun, timeout time.Duration) {
	defer close(run.done)
	ctx := context.Background()

	timer := time.AfterFunc(timeout, func() {
		run.timedOut.Store(true)
		_ = run.proc.Signal(syscall.SIGTERM)
		time.AfterFunc(killGrace, func() { _ = run.proc.Kill() })
	})
	defer timer.Stop()

	var wg sync.WaitGroup
	var stderrTail tailBuffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.consumeStdout(ctx, run)
	}()
	go func() {
		defer wg.Done()
		m.consumeStderr(run, &stderrTail)
	}()
	wg.Wait()
	err := run.proc.Wait()

	switch {
	case run.stopRequested.Load():
		m.finishStopped(ctx, run)
	case run.timedOut.Load():
		m.finishTimeout(ctx, run)
	case err != nil:
		m.finishFailed(ctx, run, err, stderrTail.Lines())
	default:
		m.finishCompleted(ctx, run)
	}

	m.cleanupWorktree(run)
	m.prune()
}

func (m *Manager) consumeStdout(ctx context.Context, run *agentRun) {
	sc := bufio.NewScanner(run.proc.Stdout())
	sc.Buffer(make([]byte, 64*1024), maxStreamLine)
	for sc.Scan() {
		line := sc.Text()
		run.ring.Append(line)
		m.publishEvent(protocol.EventAgentLog, run, line, "")

		if frame, ok := parseResultFrame(sc.Bytes()); ok {
			usage := frame.tokenUsage(run.CardID, run.ProjectID, run.Agent)
			if err := m.store.InsertTokenUsage(ctx, usage); err != nil {
				slog.Warn("agent.usage_insert_failed", "card", ShortID(run.CardID), "error", err)
			}
			if frame.SessionID != "" {
				_ = m.queue.SaveContext(ctx, run.CardID, "", frame.SessionID)
			}
		}
	}
}

func (m *Manager) consumeStderr(run *agentRun, tail *tailBuffer) {
	sc := bufio.NewScanner(run.proc.Stderr())
	sc.Buffer(make([]byte, 64*1024), maxStreamLine)
	for sc.Scan() {
		line := "[stderr] " + sc.Text()
		run.ring.Append(line)
		tail.Append(sc.Text())
		m.publishEvent(protocol.EventAgentLog, run, line, "")
	}
}

func (m *Manager) finishCompleted(ctx context.Context, run *agentRun) {
	m.publishEvent(protocol.EventAgentLog, run, "completed successfully", "")

	card, err := m.queue.CompleteWork(ctx, run.CardID)
	if err != nil {
		slog.Error("agent.complete_transition_failed", "card", ShortID(run.CardID), "error", err)
		m.setStatus(run, store.AgentFailed)
		return
	}
	m.setStatus(run, store.AgentCompleted)
	m.audit(run, "agent.completed", map[string]string{"branch": run.BranchName})

	// Push and PR. Failure leaves the branch local; the card stays
	// completed and the gap is audited.
	switch {
	case !m.pusher.ghAuthenticated(run.worktree):
		m.audit(run, "agent.push_skipped", map[string]string{"reason": "gh not authenticated"})
		slog.Info("agent.push_skipped", "card", ShortID(run.CardID))
	default:
		failures, err := m.pusher.pushBranch(run.worktree, run.BranchName)
		for i, attemptErr := range failures {
			m.audit(run, "push.retry", map[string]string{
				"branch":  run.BranchName,
				"attempt": strconv.Itoa(i + 1),
				"error":   attemptErr.Error(),
			})
		}
		if err != nil {
			m.audit(run, "agent.push_failed", map[string]string{"branch": run.BranchName, "error": err.Error()})
			slog.Warn("agent.push_failed", "card", ShortID(run.CardID), "error", err)
		} else if url, err := m.pusher.createPR(run.worktree, card, run.BranchName); err != nil {
			m.audit(run, "agent.pr_failed", map[string]string{"error": err.Error()})
			slog.Warn("agent.pr_failed", "card", ShortID(run.CardID), "error", err)
		} else {
			m.audit(run, "agent.pr_opened", map[string]string{"url": url})
			m.notifier.Notify(ctx, fmt.Sprintf("✅ %s finished %q\n%s", run.Agent, card.Title, url))
		}
	}

	m.counters.succeeded.Add(1)
	m.publishEvent(protocol.EventAgentCompleted, run, "", "")
}

func (m *Manager) finishFailed(ctx context.Context, run *agentRun, exitErr error, stderrTail []string) {
	reason := exitErr.Error()
	if len(stderrTail) > 0 {
		reason = reason + ": " + stderrTail[len(stderrTail)-1]
	}
	if _, err := m.queue.UpdateAgentStatus(ctx, run.CardID, store.AgentFailed, reason); err != nil {
		slog.Error("agent.fail_transition_failed", "card", ShortID(run.CardID), "error", err)
	}
	m.setStatus(run, store.AgentFailed)
	m.audit(run, "agent.failed", map[string]string{"reason": reason})
	m.publishEvent(protocol.EventAgentFailed, run, strings.Join(stderrTail, "\n"), reason)
	m.counters.failed.Add(1)
	m.notifier.Notify(ctx, fmt.Sprintf("❌ %s failed on card %s\n%s", run.Agent, ShortID(run.CardID), strings.Join(stderrTail, "\n")))
	slog.Warn("agent.failed", "card", ShortID(run.CardID), "span", run.SpanID, "reason", reason)
}

func (m *Manager) finishTimeout(ctx context.Context, run *agentRun) {
	if _, err := m.queue.UpdateAgentStatus(ctx, run.CardID, store.AgentFailed, "Timed out"); err != nil {
		slog.Error("agent.timeout_transition_failed", "card", ShortID(run.CardID), "error", err)
	}
	m.setStatus(run, store.AgentFailed)
	// A timeout is a terminal failure: the timeout entry records the cause,
	// the failed entry records the outcome.
	m.audit(run, "agent.timeout", nil)
	m.audit(run, "agent.failed", map[string]string{"reason": "Timed out"})
	m.publishEvent(protocol.EventAgentTimeout, run, "", "Timed out")
	m.publishEvent(protocol.EventAgentFailed, run, "", "Timed out")
	m.counters.timedOut.Add(1)
	m.notifier.Notify(ctx, fmt.Sprintf("⏱ %s timed out on card %s", run.Agent, ShortID(run.CardID)))
	slog.Warn("agent.timeout", "card", ShortID(run.CardID), "span", run.SpanID)
}

func (m *Manager) finishStopped(ctx context.Context, run *agentRun) {
	snapshot := fmt.Sprintf("Run stopped by operator at %s. Last output:\n%s",
		time.Now().UTC().Format(time.RFC3339), strings.Join(run.ring.Tail(10), "\n"))
	_ = m.queue.SaveContext(ctx, run.CardID, snapshot, "")
	if _, err := m.queue.UpdateAgentStatus(ctx, run.CardID, store.AgentIdle, ""); err != nil {
		slog.Error("agent.stop_transition_failed", "card", ShortID(run.CardID), "error", err)
	}
	m.setStatus(run, store.AgentIdle)
	m.audit(run, "agent.stopped", nil)
	m.counters.stopped.Add(1)
	m.publishEvent(protocol.EventAgentStopped, run, "", "")
	slog.Info("agent.stopped", "card", ShortID(run.CardID), "span", run.SpanID)
}

func (m *Manager) cleanupWorktree(run *agentRun) {
	if err := m.trees.Remove(run.worktree); err != nil {
		// GC reclaims it on the next pass.
		slog.Warn("agent.worktree_cleanup_failed", "path", run.worktree, "error", err)
	}
}

// StopAgent requests a graceful stop of the card's running agent.
func (m *Manager) StopAgent(cardID string) error {
	m.spawnMu.Lock()
	run, ok := m.agents[cardID]
	m.spawnMu.Unlock()
	if !ok || run.Status != store.AgentRunning {
		return store.ErrNotFound
	}
	run.stopRequested.Store(true)
	_ = run.proc.Signal(syscall.SIGTERM)
	time.AfterFunc(killGrace, func() { _ = run.proc.Kill() })
	m.prune()
	return nil
}

// GetRunningAgents returns handle-free snapshots of every tracked run.
func (m *Manager) GetRunningAgents() []AgentProcess {
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()
	out := make([]AgentProcess, 0, len(m.agents))
	for _, r := range m.agents {
		out = append(out, r.AgentProcess)
	}
	return out
}

// GetAgentLogs returns the tail of a run's log ring.
func (m *Manager) GetAgentLogs(cardID string, limit int) ([]string, error) {
	m.spawnMu.Lock()
	run, ok := m.agents[cardID]
	m.spawnMu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return run.ring.Tail(limit), nil
}

// LiveWorktrees maps short card ids of running agents, for the GC pass.
func (m *Manager) LiveWorktrees() map[string]bool {
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()
	live := make(map[string]bool, len(m.agents))
	for id, r := range m.agents {
		if r.Status == store.AgentRunning {
			live[ShortID(id)] = true
		}
	}
	return live
}

// Worktrees exposes the worktree manager for the scheduler's GC pass.
func (m *Manager) Worktrees() *Worktrees { return m.trees }

// ShutdownAll gracefully stops every running agent: SIGTERM, wait up to 30 s,
// SIGKILL survivors. Each interrupted card gets a context snapshot so the
// next run resumes.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.spawnMu.Lock()
	running := make([]*agentRun, 0, len(m.agents))
	for _, r := range m.agents {
		if r.Status == store.AgentRunning {
			running = append(running, r)
		}
	}
	m.spawnMu.Unlock()
	if len(running) == 0 {
		return
	}
	slog.Info("orchestrator.shutdown", "running", len(running))

	for _, r := range running {
		r.stopRequested.Store(true)
		_ = r.proc.Signal(syscall.SIGTERM)
	}

	deadline := time.After(shutdownGrace)
	for _, r := range running {
		select {
		case <-r.done:
		case <-deadline:
			_ = r.proc.Kill()
			select {
			case <-r.done:
			case <-time.After(killGrace):
			}
		case <-ctx.Done():
			_ = r.proc.Kill()
		}
	}
	m.pub.Publish(bus.Event{Name: protocol.EventShutdown, Payload: nil})
}

// prune drops non-running entries older than an hour. Running agents are
// never pruned.
func (m *Manager) prune() {
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()
	cutoff := time.Now().Add(-pruneAge)
	for id, r := range m.agents {
		if r.Status != store.AgentRunning && !r.finishedAt.IsZero() && r.finishedAt.Before(cutoff) {
			delete(m.agents, id)
		}
	}
}

func (m *Manager) runningCountLocked() int {
	n := 0
	for _, r := range m.agents {
		if r.Status == store.AgentRunning {
			n++
		}
	}
	return n
}

func (m *Manager) setStatus(run *agentRun, status store.AgentStatus) {
	m.spawnMu.Lock()
	run.Status = status
	run.finishedAt = time.Now()
	m.spawnMu.Unlock()
}

func (m *Manager) audit(run *agentRun, action string, meta map[string]string) {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["span_id"] = run.SpanID
	err := m.store.InsertAudit(context.Background(), &store.AuditEntry{
		EntityType: "card",
		EntityID:   run.CardID,
		Action:     action,
		Metadata:   meta,
		Actor:      string(run.Agent),
	})
	if err != nil {
		slog.Warn("agent.audit_failed", "action", action, "error", err)
	}
}

func (m *Manager) publishEvent(name string, run *agentRun, line, reason string) {
	m.pub.Publish(bus.Event{Name: name, Payload: AgentEvent{
		CardID:    run.CardID,
		ProjectID: run.ProjectID,
		Agent:     run.Agent,
		SpanID:    run.SpanID,
		Line:      line,
		Reason:    reason,
	}})
}

// tailBuffer keeps the last N appended lines.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (t *tailBuffer) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > stderrTailLines {
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}
