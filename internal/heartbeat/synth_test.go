package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/foreman/internal/store"
)

// TestGitMergerWritesReport scripts git to fail one merge and verifies the
// per-branch verdicts and the committed report.
func TestGitMergerWritesReport(t *testing.T) {
	root := t.TempDir()
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	wt := filepath.Join(root, ".worktrees", "merge-2026-08-25")
	if err := os.MkdirAll(wt, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	var mu sync.Mutex
	var commands [][]string
	g := &GitMerger{repoRoot: root, now: func() time.Time { return fixed }}
	g.run = func(dir string, args ...string) ([]byte, error) {
		mu.Lock()
		commands = append(commands, args)
		mu.Unlock()
		if args[0] == "merge" && len(args) > 1 && strings.Contains(args[len(args)-1], "conflicted") {
			return nil, os.ErrInvalid
		}
		return nil, nil
	}

	cards := []store.Card{
		{ID: "11111111-a", Title: "clean change", AssignedAgent: store.AgentClaude},
		{ID: "22222222-b", Title: "conflicted change", AssignedAgent: store.AgentCodex},
	}
	results, err := g.Synthesize(context.Background(), cards)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(results) != 2 || !results[0].Merged || results[1].Merged {
		t.Fatalf("results = %+v", results)
	}

	report, err := os.ReadFile(filepath.Join(wt, "merge-report.md"))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	text := string(report)
	if !strings.Contains(text, "agent/claude/clean-change-11111111`") || !strings.Contains(text, "merged") {
		t.Fatalf("report missing merged line:\n%s", text)
	}
	if !strings.Contains(text, "CONFLICT") {
		t.Fatalf("report missing conflict line:\n%s", text)
	}

	// The failed merge must be aborted.
	aborted := false
	for _, args := range commands {
		if len(args) == 2 && args[0] == "merge" && args[1] == "--abort" {
			aborted = true
		}
	}
	if !aborted {
		t.Fatal("conflicted merge not aborted")
	}
}

// TestSynthesizeRemovesStaleWorktrees verifies a leftover merge worktree from
// an earlier day is removed before today's is created; it holds the
// integration branch checked out, which would make the worktree add fail.
func TestSynthesizeRemovesStaleWorktrees(t *testing.T) {
	root := t.TempDir()
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	stale := filepath.Join(root, ".worktrees", "merge-2026-08-24")
	today := filepath.Join(root, ".worktrees", "merge-2026-08-25")
	for _, dir := range []string{stale, today} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	var mu sync.Mutex
	var commands [][]string
	g := &GitMerger{repoRoot: root, now: func() time.Time { return fixed }}
	g.run = func(dir string, args ...string) ([]byte, error) {
		mu.Lock()
		commands = append(commands, args)
		mu.Unlock()
		return nil, nil
	}

	cards := []store.Card{{ID: "33333333-c", Title: "clean change", AssignedAgent: store.AgentClaude}}
	if _, err := g.Synthesize(context.Background(), cards); err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	removedStale, removedToday := false, false
	for _, args := range commands {
		if len(args) == 4 && args[0] == "worktree" && args[1] == "remove" {
			switch args[3] {
			case stale:
				removedStale = true
			case today:
				removedToday = true
			}
		}
	}
	if !removedStale {
		t.Fatal("stale merge worktree not removed")
	}
	if removedToday {
		t.Fatal("today's merge worktree was removed")
	}
}

// TestSynthesizeOverlapSkipped verifies the single-flight guard.
func TestSynthesizeOverlapSkipped(t *testing.T) {
	merger := &fakeMerger{}
	e := newSchedEnv(t, Options{Merger: merger})

	e.sched.synthInProgress.Store(true)
	e.sched.Synthesize(context.Background())
	if len(merger.calls) != 0 {
		t.Fatalf("merger ran under guard: %+v", merger.calls)
	}
}
