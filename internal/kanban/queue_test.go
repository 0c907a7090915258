package kanban

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nextlevelbuilder/foreman/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:", "test-secret")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func newQueueProject(t *testing.T, s *store.Store) *store.Project {
	t.Helper()
	p := &store.Project{Name: "proj"}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// TestStartWorkClaimsCard walks the happy path: backlog card becomes a
// running in_progress card with a start timestamp.
func TestStartWorkClaimsCard(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	p := newQueueProject(t, s)

	card, err := q.CreateCard(ctx, p.ID, "build the thing", "", nil, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	started, err := q.StartWork(ctx, card.ID, store.AgentClaude)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Column != store.ColumnInProgress {
		t.Fatalf("column = %s, want in_progress", started.Column)
	}
	if started.AgentStatus != store.AgentRunning || started.AssignedAgent != store.AgentClaude {
		t.Fatalf("agent state = %s/%s", started.AgentStatus, started.AssignedAgent)
	}
	if started.StartedAt == nil {
		t.Fatal("started_at not stamped")
	}
}

// TestStartWorkRejectsSecondRunner verifies one running card per project.
func TestStartWorkRejectsSecondRunner(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	p := newQueueProject(t, s)

	first, _ := q.CreateCard(ctx, p.ID, "first", "", nil, 100)
	second, _ := q.CreateCard(ctx, p.ID, "second", "", nil, 100)

	if _, err := q.StartWork(ctx, first.ID, store.AgentClaude); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if _, err := q.StartWork(ctx, second.ID, store.AgentCodex); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second start err = %v, want ErrIllegalTransition", err)
	}
}

// TestStartWorkRequiresBacklog verifies done cards cannot be claimed.
func TestStartWorkRequiresBacklog(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	p := newQueueProject(t, s)

	card, _ := q.CreateCard(ctx, p.ID, "done already", "", nil, 100)
	if _, err := q.MoveCard(ctx, card.ID, store.ColumnDone, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := q.StartWork(ctx, card.ID, store.AgentClaude); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
}

// TestCompleteWork verifies the finish transition and its timestamps.
func TestCompleteWork(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	p := newQueueProject(t, s)

	card, _ := q.CreateCard(ctx, p.ID, "work", "", nil, 100)
	if _, err := q.StartWork(ctx, card.ID, store.AgentClaude); err != nil {
		t.Fatalf("start: %v", err)
	}

	done, err := q.CompleteWork(ctx, card.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Column != store.ColumnDone || done.AgentStatus != store.AgentCompleted {
		t.Fatalf("state = %s/%s", done.Column, done.AgentStatus)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	// Completing twice is illegal.
	if _, err := q.CompleteWork(ctx, card.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("double complete err = %v", err)
	}
}

// TestSkipToBack verifies the retry path: back of the backlog, priority
// penalty, agent state reset.
func TestSkipToBack(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	p := newQueueProject(t, s)

	card, _ := q.CreateCard(ctx, p.ID, "churner", "", nil, 100)
	other, _ := q.CreateCard(ctx, p.ID, "other", "", nil, 100)
	if _, err := q.StartWork(ctx, card.ID, store.AgentClaude); err != nil {
		t.Fatalf("start: %v", err)
	}

	back, err := q.SkipToBack(ctx, card.ID)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if back.Column != store.ColumnBacklog {
		t.Fatalf("column = %s", back.Column)
	}
	if back.Priority != 100+skipPriorityPenalty {
		t.Fatalf("priority = %d, want %d", back.Priority, 100+skipPriorityPenalty)
	}
	if back.AgentStatus != store.AgentIdle || back.AssignedAgent != "" || back.StartedAt != nil {
		t.Fatalf("agent state not reset: %+v", back)
	}

	// The untouched card now schedules first.
	next, err := q.GetNext(ctx, p.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.ID != other.ID {
		t.Fatalf("next = %+v, want %q", next, other.Title)
	}
}

// TestUpdateAgentStatusTransitions exercises the legal and illegal moves of
// the narrow status machine.
func TestUpdateAgentStatusTransitions(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	p := newQueueProject(t, s)

	card, _ := q.CreateCard(ctx, p.ID, "work", "", nil, 100)
	if _, err := q.StartWork(ctx, card.ID, store.AgentClaude); err != nil {
		t.Fatalf("start: %v", err)
	}

	blocked, err := q.UpdateAgentStatus(ctx, card.ID, store.AgentBlocked, "needs credentials")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocked.BlockedReason != "needs credentials" {
		t.Fatalf("reason = %q", blocked.BlockedReason)
	}

	// blocked -> completed is not a legal move.
	if _, err := q.UpdateAgentStatus(ctx, card.ID, store.AgentCompleted, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("blocked->completed err = %v", err)
	}

	idle, err := q.UpdateAgentStatus(ctx, card.ID, store.AgentIdle, "")
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if idle.BlockedReason != "" {
		t.Fatalf("reason survived unblock: %q", idle.BlockedReason)
	}
}

// TestMoveOutOfInProgressClearsAgent verifies a manual board move resets
// agent state.
func TestMoveOutOfInProgressClearsAgent(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	p := newQueueProject(t, s)

	card, _ := q.CreateCard(ctx, p.ID, "work", "", nil, 100)
	if _, err := q.StartWork(ctx, card.ID, store.AgentClaude); err != nil {
		t.Fatalf("start: %v", err)
	}

	moved, err := q.MoveCard(ctx, card.ID, store.ColumnBacklog, 0)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.AssignedAgent != "" || moved.AgentStatus != store.AgentIdle {
		t.Fatalf("agent state survived move: %+v", moved)
	}
}

// TestSaveContext verifies the snapshot and session id land on the card.
func TestSaveContext(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	p := newQueueProject(t, s)

	card, _ := q.CreateCard(ctx, p.ID, "work", "", nil, 100)
	if err := q.SaveContext(ctx, card.ID, "half way through the refactor", "sess-1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContextSnapshot != "half way through the refactor" || got.LastSessionID != "sess-1" {
		t.Fatalf("got %+v", got)
	}
}

// TestDeriveTitle covers the brief-to-title rules.
func TestDeriveTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Fix the login bug\nIt happens when...", "Fix the login bug"},
		{"   padded   ", "padded"},
		{"", "Untitled task"},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaabbbb", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	for _, tc := range cases {
		if got := DeriveTitle(tc.in); got != tc.want {
			t.Fatalf("DeriveTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestDeriveTitleKeepsRuneBoundary verifies truncation never splits a
// multibyte character.
func TestDeriveTitleKeepsRuneBoundary(t *testing.T) {
	// 59 ASCII bytes followed by two-byte runes puts byte 60 mid-rune.
	in := strings.Repeat("a", 59) + "éé"
	got := DeriveTitle(in)
	if !utf8.ValidString(got) {
		t.Fatalf("DeriveTitle produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("a", 59) {
		t.Fatalf("DeriveTitle = %q, want the 59 leading characters", got)
	}
}
