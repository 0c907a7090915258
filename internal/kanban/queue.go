// Package kanban layers the pull-based work queue over the store: card
// creation, scheduling order, and the agent-status state machine. Every
// mutating call holds a per-project critical section so the board invariants
// hold under concurrent API and scheduler traffic.
package kanban

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/foreman/internal/bus"
	"github.com/nextlevelbuilder/foreman/internal/store"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

// ErrIllegalTransition is returned for moves the state machine forbids.
var ErrIllegalTransition = errors.New("illegal transition")

// skipPriorityPenalty is added to a card's priority on SkipToBack so churned
// cards drift behind fresh work (lower priority value = more urgent).
const skipPriorityPenalty = 10

// Queue is the kanban work queue.
type Queue struct {
	store *store.Store
	pub   bus.Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a queue over the store, publishing card events on pub.
func New(st *store.Store, pub bus.Publisher) *Queue {
	return &Queue{store: st, pub: pub, locks: make(map[string]*sync.Mutex)}
}

// projectLock returns the critical-section mutex for one project.
func (q *Queue) projectLock(projectID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		q.locks[projectID] = l
	}
	return l
}

// CreateCard appends a new card to the project's backlog.
func (q *Queue) CreateCard(ctx context.Context, projectID, title, description string, labels []string, priority int) (*store.Card, error) {
	lock := q.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	card := &store.Card{
		ProjectID:   projectID,
		Title:       title,
		Description: description,
		Labels:      labels,
		Priority:    priority,
	}
	if err := q.store.CreateCard(ctx, card); err != nil {
		return nil, err
	}
	q.audit(ctx, card.ID, "card.created", map[string]string{"title": title})
	q.publish(protocol.EventCardStatus, card)
	return card, nil
}

// GetNext returns the most urgent eligible backlog card, or nil when empty.
// Idempotent until StartWork claims the card.
func (q *Queue) GetNext(ctx context.Context, projectID string) (*store.Card, error) {
	return q.store.GetNextEligibleCard(ctx, projectID)
}

// StartWork atomically claims a backlog card for an agent: column →
// in_progress, agent_status → running, started_at stamped. Fails with
// ErrIllegalTransition if the card is not in the backlog, or if another card
// on the project is already running.
func (q *Queue) StartWork(ctx context.Context, cardID string, agent store.AgentKind) (*store.Card, error) {
	card, err := q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}

	lock := q.projectLock(card.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent claim may have won.
	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Column != store.ColumnBacklog {
		return nil, fmt.Errorf("%w: start work on %s card", ErrIllegalTransition, card.Column)
	}
	if running, err := q.runningCardForProject(ctx, card.ProjectID); err != nil {
		return nil, err
	} else if running != nil {
		return nil, fmt.Errorf("%w: card %s already running on project", ErrIllegalTransition, running.ID)
	}

	if err := q.store.MoveCard(ctx, cardID, store.ColumnInProgress, q.columnTail(ctx, card.ProjectID, store.ColumnInProgress)); err != nil {
		return nil, err
	}
	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	card.AssignedAgent = agent
	card.AgentStatus = store.AgentRunning
	card.BlockedReason = ""
	card.StartedAt = &now
	if err := q.store.UpdateCard(ctx, card); err != nil {
		return nil, err
	}

	q.audit(ctx, card.ID, "card.started", map[string]string{"agent": string(agent)})
	q.publish(protocol.EventCardAssigned, card)
	return card, nil
}

// CompleteWork atomically finishes a running card: column → done,
// agent_status → completed, completed_at stamped.
func (q *Queue) CompleteWork(ctx context.Context, cardID string) (*store.Card, error) {
	card, err := q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}

	lock := q.projectLock(card.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Column != store.ColumnInProgress {
		return nil, fmt.Errorf("%w: complete %s card", ErrIllegalTransition, card.Column)
	}

	if err := q.store.MoveCard(ctx, cardID, store.ColumnDone, 0); err != nil {
		return nil, err
	}
	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	card.AgentStatus = store.AgentCompleted
	card.CompletedAt = &now
	if err := q.store.UpdateCard(ctx, card); err != nil {
		return nil, err
	}

	q.audit(ctx, card.ID, "card.completed", nil)
	q.publish(protocol.EventCardStatus, card)
	return card, nil
}

// SkipToBack pushes a card to the end of the backlog with a priority penalty
// and resets its agent state. Used for retry after blocked cooldown and for
// crash recovery.
func (q *Queue) SkipToBack(ctx context.Context, cardID string) (*store.Card, error) {
	card, err := q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}

	lock := q.projectLock(card.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if err := q.store.MoveCard(ctx, cardID, store.ColumnBacklog, q.columnTail(ctx, card.ProjectID, store.ColumnBacklog)); err != nil {
		return nil, err
	}
	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	card.Priority += skipPriorityPenalty
	card.AssignedAgent = ""
	card.AgentStatus = store.AgentIdle
	card.BlockedReason = ""
	card.StartedAt = nil
	if err := q.store.UpdateCard(ctx, card); err != nil {
		return nil, err
	}

	q.audit(ctx, card.ID, "card.skipped_to_back", map[string]string{"priority": fmt.Sprint(card.Priority)})
	q.publish(protocol.EventCardStatus, card)
	return card, nil
}

// SaveContext persists a working-state snapshot so the next agent (or a
// human) resumes mid-thought.
func (q *Queue) SaveContext(ctx context.Context, cardID, snapshot, sessionID string) error {
	card, err := q.store.GetCard(ctx, cardID)
	if err != nil {
		return err
	}

	lock := q.projectLock(card.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return err
	}
	if snapshot != "" {
		card.ContextSnapshot = snapshot
	}
	if sessionID != "" {
		card.LastSessionID = sessionID
	}
	if err := q.store.UpdateCard(ctx, card); err != nil {
		return err
	}
	q.publish(protocol.EventCardContext, card)
	return nil
}

// agentTransitions lists the legal agent-status moves for UpdateAgentStatus.
// Running is only entered through StartWork.
var agentTransitions = map[store.AgentStatus][]store.AgentStatus{
	store.AgentIdle:      {store.AgentBlocked},
	store.AgentRunning:   {store.AgentIdle, store.AgentBlocked, store.AgentCompleted, store.AgentFailed},
	store.AgentBlocked:   {store.AgentIdle, store.AgentFailed},
	store.AgentCompleted: {},
	store.AgentFailed:    {store.AgentIdle},
}

// UpdateAgentStatus applies a narrow agent-status transition. blocked and
// failed set the reason; any other target clears it.
func (q *Queue) UpdateAgentStatus(ctx context.Context, cardID string, status store.AgentStatus, reason string) (*store.Card, error) {
	card, err := q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}

	lock := q.projectLock(card.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(card.AgentStatus, status) {
		return nil, fmt.Errorf("%w: agent status %s -> %s", ErrIllegalTransition, card.AgentStatus, status)
	}

	card.AgentStatus = status
	switch status {
	case store.AgentBlocked, store.AgentFailed:
		card.BlockedReason = reason
	default:
		card.BlockedReason = ""
	}
	if status != store.AgentRunning && card.Column != store.ColumnInProgress {
		card.AssignedAgent = ""
	}
	if err := q.store.UpdateCard(ctx, card); err != nil {
		return nil, err
	}

	meta := map[string]string{"status": string(status)}
	if reason != "" {
		meta["reason"] = reason
	}
	q.audit(ctx, card.ID, "card.agent_status", meta)
	q.publish(protocol.EventCardStatus, card)
	return card, nil
}

// AssignAgent pre-registers an agent on a backlog card before spawn.
func (q *Queue) AssignAgent(ctx context.Context, cardID string, agent store.AgentKind) (*store.Card, error) {
	card, err := q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}

	lock := q.projectLock(card.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.AgentStatus == store.AgentRunning {
		return nil, fmt.Errorf("%w: reassign running card", ErrIllegalTransition)
	}
	card.AssignedAgent = agent
	if err := q.store.UpdateCard(ctx, card); err != nil {
		return nil, err
	}
	q.publish(protocol.EventCardAssigned, card)
	return card, nil
}

// MoveCard relocates a card on the board. Moving a card out of in_progress
// clears its agent assignment and settles agent_status to idle unless it is
// already terminal.
func (q *Queue) MoveCard(ctx context.Context, cardID string, column store.Column, position int) (*store.Card, error) {
	card, err := q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}

	lock := q.projectLock(card.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	leavingInProgress := card.Column == store.ColumnInProgress && column != store.ColumnInProgress

	if err := q.store.MoveCard(ctx, cardID, column, position); err != nil {
		return nil, err
	}
	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if leavingInProgress {
		card.AssignedAgent = ""
		if card.AgentStatus == store.AgentRunning || card.AgentStatus == store.AgentBlocked {
			card.AgentStatus = store.AgentIdle
			card.BlockedReason = ""
		}
	}
	if column == store.ColumnDone && card.CompletedAt == nil {
		now := time.Now().UTC()
		card.CompletedAt = &now
	}
	if err := q.store.UpdateCard(ctx, card); err != nil {
		return nil, err
	}

	q.audit(ctx, card.ID, "card.moved", map[string]string{"column": string(column)})
	q.publish(protocol.EventCardStatus, card)
	return card, nil
}

// SetVerification updates a card's verification status (branch/merge gates).
func (q *Queue) SetVerification(ctx context.Context, cardID string, vs store.VerificationStatus) (*store.Card, error) {
	card, err := q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}

	lock := q.projectLock(card.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	card, err = q.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	card.VerificationStatus = vs
	if err := q.store.UpdateCard(ctx, card); err != nil {
		return nil, err
	}
	q.audit(ctx, card.ID, "card.verification", map[string]string{"status": string(vs)})
	q.publish(protocol.EventCardStatus, card)
	return card, nil
}

// DeriveTitle builds a card title from free-form brief text: first line, or
// the first 60 characters.
func DeriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	if len(text) > 60 {
		cut := 60
		// Never split a multibyte rune.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = strings.TrimSpace(text[:cut])
	}
	if text == "" {
		text = "Untitled task"
	}
	return text
}

func transitionAllowed(from, to store.AgentStatus) bool {
	if from == to {
		return true
	}
	for _, t := range agentTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (q *Queue) runningCardForProject(ctx context.Context, projectID string) (*store.Card, error) {
	cards, err := q.store.ListCardsByColumn(ctx, projectID, store.ColumnInProgress, 1000, 0)
	if err != nil {
		return nil, err
	}
	for i := range cards {
		if cards[i].AgentStatus == store.AgentRunning {
			return &cards[i], nil
		}
	}
	return nil, nil
}

// columnTail returns the next free position at the end of a column.
func (q *Queue) columnTail(ctx context.Context, projectID string, column store.Column) int {
	cards, err := q.store.ListCardsByColumn(ctx, projectID, column, 10000, 0)
	if err != nil {
		return 0
	}
	return len(cards)
}

func (q *Queue) audit(ctx context.Context, cardID, action string, meta map[string]string) {
	err := q.store.InsertAudit(ctx, &store.AuditEntry{
		EntityType: "card",
		EntityID:   cardID,
		Action:     action,
		Metadata:   meta,
	})
	if err != nil {
		// Audit failures never fail the transition; the row change is the
		// source of truth.
		return
	}
}

func (q *Queue) publish(name string, card *store.Card) {
	if q.pub == nil {
		return
	}
	q.pub.Publish(bus.Event{Name: name, Payload: card})
}
