// Package heartbeat is the periodic engine: the tick job that pulls eligible
// cards and spawns agents, the synthesize job that integrates verified
// branches, startup reconciliation, and the checklist-gated report jobs.
package heartbeat

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel"

	"github.com/nextlevelbuilder/foreman/internal/bus"
	"github.com/nextlevelbuilder/foreman/internal/kanban"
	"github.com/nextlevelbuilder/foreman/internal/orchestrator"
	"github.com/nextlevelbuilder/foreman/internal/store"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

// Fixed cron expressions for the checklist report jobs.
const (
	scheduleDailyDigest       = "0 22 * * *"
	scheduleMorningBriefing   = "0 9 * * *"
	scheduleEveningReflection = "0 20 * * *"
	scheduleDeadlineScan      = "0 */2 * * *"
)

// Orchestrator is the slice of the agent manager the scheduler needs.
type Orchestrator interface {
	SpawnAgent(ctx context.Context, req orchestrator.SpawnRequest) (*orchestrator.AgentProcess, error)
	GetRunningAgents() []orchestrator.AgentProcess
	LiveWorktrees() map[string]bool
	Worktrees() *orchestrator.Worktrees
}

// Options configures a Scheduler.
type Options struct {
	TickSchedule  string
	SynthSchedule string
	ChecklistPath string
	BlockedRetry  time.Duration
	MaxConcurrent int
	DefaultAgent  store.AgentKind
	WorkspacePath string
	Merger        Merger
	Notifier      orchestrator.Notifier
}

// Scheduler fires the periodic jobs off a minute-resolution wall clock.
type Scheduler struct {
	store *store.Store
	queue *kanban.Queue
	orch  Orchestrator
	pub   bus.Publisher
	check *Checklist
	merge Merger
	notif orchestrator.Notifier

	tickSchedule  string
	synthSchedule string
	blockedRetry  time.Duration
	maxConcurrent int
	defaultAgent  store.AgentKind

	tickInProgress  atomic.Bool
	synthInProgress atomic.Bool

	// now is the clock, swapped in tests.
	now func() time.Time
}

func New(st *store.Store, q *kanban.Queue, orch Orchestrator, pub bus.Publisher, opts Options) *Scheduler {
	if opts.TickSchedule == "" {
		opts.TickSchedule = "*/10 * * * *"
	}
	if opts.SynthSchedule == "" {
		opts.SynthSchedule = "19,39 * * * *"
	}
	if opts.BlockedRetry <= 0 {
		opts.BlockedRetry = 30 * time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.DefaultAgent == "" {
		opts.DefaultAgent = store.AgentClaude
	}
	if opts.Merger == nil {
		opts.Merger = NewGitMerger(opts.WorkspacePath)
	}
	if opts.Notifier == nil {
		opts.Notifier = orchestrator.NopNotifier{}
	}
	return &Scheduler{
		store:         st,
		queue:         q,
		orch:          orch,
		pub:           pub,
		check:         NewChecklist(opts.ChecklistPath),
		merge:         opts.Merger,
		notif:         opts.Notifier,
		tickSchedule:  opts.TickSchedule,
		synthSchedule: opts.SynthSchedule,
		blockedRetry:  opts.BlockedRetry,
		maxConcurrent: opts.MaxConcurrent,
		defaultAgent:  opts.DefaultAgent,
		now:           time.Now,
	}
}

// Run reconciles once, then pumps the minute clock until ctx ends. The
// checklist watcher runs for the same span.
func (s *Scheduler) Run(ctx context.Context) {
	s.Reconcile(ctx)

	if stop, err := s.check.Watch(); err == nil {
		defer stop()
	} else {
		slog.Warn("heartbeat.checklist_watch_unavailable", "error", err)
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, s.now())
		}
	}
}

// fire dispatches every job due at the given minute.
func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	if s.due(s.tickSchedule, now) && s.check.Enabled(JobTick) {
		go s.Tick(ctx)
	}
	if s.due(s.synthSchedule, now) && s.check.Enabled(JobSynthesize) {
		go s.Synthesize(ctx)
	}
	for _, job := range []struct {
		name     string
		schedule string
	}{
		{JobDailyDigest, scheduleDailyDigest},
		{JobMorningBriefing, scheduleMorningBriefing},
		{JobEveningReflection, scheduleEveningReflection},
		{JobDeadlineScan, scheduleDeadlineScan},
	} {
		if s.due(job.schedule, now) && s.check.Enabled(job.name) {
			job := job
			go s.runReport(ctx, job.name)
		}
	}
}

func (s *Scheduler) due(expr string, now time.Time) bool {
	ok, err := gronx.New().IsDue(expr, now)
	if err != nil {
		slog.Error("heartbeat.bad_schedule", "expr", expr, "error", err)
		return false
	}
	return ok
}

// Tick is one scheduling pass: churn stale blocked cards, then spawn one
// agent per idle active project until the global cap is hit. Guarded
// against overlap with itself.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.tickInProgress.CompareAndSwap(false, true) {
		s.skip(protocol.SkipReasonTickInProgress)
		return
	}
	defer s.tickInProgress.Store(false)

	ctx, span := otel.Tracer("foreman/heartbeat").Start(ctx, "heartbeat.tick")
	defer span.End()
	started := s.now()

	projects, err := s.store.ListProjects(ctx, store.ProjectActive)
	if err != nil {
		slog.Error("heartbeat.tick_failed", "error", err)
		return
	}

	running := s.orch.GetRunningAgents()
	busyProjects := make(map[string]bool)
	globalRunning := 0
	for _, a := range running {
		if a.Status == store.AgentRunning {
			busyProjects[a.ProjectID] = true
			globalRunning++
		}
	}

	spawned := 0
	for _, p := range projects {
		s.churnBlockedCards(ctx, p.ID)

		if busyProjects[p.ID] {
			continue
		}
		if globalRunning >= s.maxConcurrent {
			break
		}
		card, err := s.queue.GetNext(ctx, p.ID)
		if err != nil {
			slog.Error("heartbeat.get_next_failed", "project", p.ID, "error", err)
			continue
		}
		if card == nil {
			continue
		}

		agent := card.AssignedAgent
		if agent == "" {
			agent = s.defaultAgent
		}
		if _, err := s.orch.SpawnAgent(ctx, orchestrator.SpawnRequest{
			CardID:    card.ID,
			ProjectID: p.ID,
			Agent:     agent,
		}); err != nil {
			// Next tick retries.
			slog.Warn("heartbeat.spawn_failed", "card", card.ID, "error", err)
			continue
		}
		globalRunning++
		spawned++
	}

	s.pub.Publish(bus.Event{Name: protocol.EventHeartbeatTick, Payload: map[string]any{
		"projects": len(projects),
		"spawned":  spawned,
		"duration": s.now().Sub(started).String(),
	}})
	slog.Info("heartbeat.tick", "projects", len(projects), "spawned", spawned)
}

// churnBlockedCards re-queues blocked cards whose cooldown has expired.
func (s *Scheduler) churnBlockedCards(ctx context.Context, projectID string) {
	cards, err := s.store.ListCards(ctx, projectID)
	if err != nil {
		slog.Error("heartbeat.list_cards_failed", "project", projectID, "error", err)
		return
	}
	cutoff := s.now().Add(-s.blockedRetry)
	for i := range cards {
		c := &cards[i]
		if c.AgentStatus != store.AgentBlocked || c.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := s.queue.SkipToBack(ctx, c.ID); err != nil {
			slog.Warn("heartbeat.churn_failed", "card", c.ID, "error", err)
			continue
		}
		slog.Info("heartbeat.blocked_card_requeued", "card", c.ID, "reason", c.BlockedReason)
	}
}

// Reconcile recovers crash survivors and reclaims orphaned worktrees. Runs
// once at startup, before the first tick can fire.
func (s *Scheduler) Reconcile(ctx context.Context) {
	survivors, err := s.store.RunningCards(ctx)
	if err != nil {
		slog.Error("heartbeat.reconcile_failed", "error", err)
		return
	}
	for i := range survivors {
		c := &survivors[i]
		if _, err := s.queue.SkipToBack(ctx, c.ID); err != nil {
			slog.Error("heartbeat.recover_failed", "card", c.ID, "error", err)
			continue
		}
		_ = s.store.InsertAudit(ctx, &store.AuditEntry{
			EntityType: "card",
			EntityID:   c.ID,
			Action:     protocol.EventReconcileRecovered,
			Metadata:   map[string]string{"previous_agent": string(c.AssignedAgent)},
		})
		s.pub.Publish(bus.Event{Name: protocol.EventReconcileRecovered, Payload: c})
		slog.Warn("heartbeat.card_recovered", "card", c.ID)
	}

	removed := s.orch.Worktrees().GC(s.orch.LiveWorktrees())
	if len(removed) > 0 {
		slog.Info("heartbeat.worktrees_reclaimed", "count", len(removed))
	}
}

// SubmitTaskBrief turns free-form text into a backlog card and optionally
// triggers an immediate tick.
func (s *Scheduler) SubmitTaskBrief(ctx context.Context, projectID, text string, immediate bool) (*store.Card, error) {
	title := kanban.DeriveTitle(text)
	card, err := s.queue.CreateCard(ctx, projectID, title, text, nil, 100)
	if err != nil {
		return nil, err
	}
	if immediate {
		go s.Tick(context.WithoutCancel(ctx))
	}
	return card, nil
}

func (s *Scheduler) skip(reason string) {
	s.pub.Publish(bus.Event{Name: protocol.EventHeartbeatSkipped, Payload: map[string]string{"reason": reason}})
	slog.Info("heartbeat.skipped", "reason", reason)
}
