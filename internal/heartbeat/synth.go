package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/foreman/internal/bus"
	"github.com/nextlevelbuilder/foreman/internal/orchestrator"
	"github.com/nextlevelbuilder/foreman/internal/store"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

// integrationBranch collects verified agent branches.
const integrationBranch = "integration"

// MergeResult is one card's outcome from a synthesis run.
type MergeResult struct {
	CardID string
	Branch string
	Merged bool
	Detail string
}

// Merger integrates verified branches. The git-backed implementation merges
// into the integration branch inside a dated merge-* worktree; tests
// substitute fakes.
type Merger interface {
	Synthesize(ctx context.Context, cards []store.Card) ([]MergeResult, error)
}

// GitMerger is the production Merger.
type GitMerger struct {
	repoRoot string
	run      func(dir string, args ...string) ([]byte, error)
	now      func() time.Time
}

func NewGitMerger(repoRoot string) *GitMerger {
	return &GitMerger{repoRoot: repoRoot, run: runGitCmd, now: time.Now}
}

func runGitCmd(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Synthesize merges each card's branch into the integration branch with
// --no-ff inside a dated merge worktree, then commits a merge report. A
// conflicting branch is aborted and reported failed; the run continues.
func (g *GitMerger) Synthesize(ctx context.Context, cards []store.Card) ([]MergeResult, error) {
	if len(cards) == 0 {
		return nil, nil
	}
	wt := filepath.Join(g.repoRoot, ".worktrees", "merge-"+g.now().Format("2006-01-02"))
	g.pruneStaleWorktrees(wt)

	if _, err := os.Stat(wt); os.IsNotExist(err) {
		args := []string{"worktree", "add", wt, integrationBranch}
		if _, err := g.run(g.repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+integrationBranch); err != nil {
			args = []string{"worktree", "add", "-b", integrationBranch, wt}
		}
		if _, err := g.run(g.repoRoot, args...); err != nil {
			return nil, fmt.Errorf("create merge worktree: %w", err)
		}
	}

	results := make([]MergeResult, 0, len(cards))
	for i := range cards {
		c := &cards[i]
		agent := c.AssignedAgent
		if agent == "" {
			agent = store.AgentClaude
		}
		branch := orchestrator.BranchName(agent, c.Title, c.ID)
		res := MergeResult{CardID: c.ID, Branch: branch}

		if _, err := g.run(wt, "merge", "--no-ff", "--no-edit", branch); err != nil {
			_, _ = g.run(wt, "merge", "--abort")
			res.Detail = err.Error()
		} else {
			res.Merged = true
		}
		results = append(results, res)
	}

	if err := g.writeReport(wt, results); err != nil {
		slog.Warn("synth.report_failed", "error", err)
	}
	return results, nil
}

// pruneStaleWorktrees removes merge worktrees from earlier days. Each holds
// the integration branch checked out, and git refuses a second checkout of
// the same branch, so today's worktree cannot be created until they are gone.
func (g *GitMerger) pruneStaleWorktrees(current string) {
	root := filepath.Join(g.repoRoot, ".worktrees")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "merge-") {
			continue
		}
		path := filepath.Join(root, e.Name())
		if path == current {
			continue
		}
		if _, err := g.run(g.repoRoot, "worktree", "remove", "--force", path); err != nil {
			_ = os.RemoveAll(path)
			_, _ = g.run(g.repoRoot, "worktree", "prune")
		}
		slog.Info("synth.stale_worktree_pruned", "path", path)
	}
}

func (g *GitMerger) writeReport(wt string, results []MergeResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Merge report %s\n\n", g.now().Format(time.RFC3339))
	for _, r := range results {
		status := "merged"
		if !r.Merged {
			status = "CONFLICT: " + r.Detail
		}
		fmt.Fprintf(&b, "- `%s` (card %s): %s\n", r.Branch, orchestrator.ShortID(r.CardID), status)
	}
	path := filepath.Join(wt, "merge-report.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return err
	}
	if _, err := g.run(wt, "add", "merge-report.md"); err != nil {
		return err
	}
	_, err := g.run(wt, "commit", "-m", "Record merge report")
	return err
}

// Synthesize is the scheduler job: collect branch_passed cards across active
// projects (each at most once), run the merger, and persist the verdicts.
func (s *Scheduler) Synthesize(ctx context.Context) {
	if !s.synthInProgress.CompareAndSwap(false, true) {
		s.skip(protocol.SkipReasonSynthInProgress)
		return
	}
	defer s.synthInProgress.Store(false)

	projects, err := s.store.ListProjects(ctx, store.ProjectActive)
	if err != nil {
		slog.Error("synth.list_projects_failed", "error", err)
		return
	}

	seen := make(map[string]bool)
	var candidates []store.Card
	for _, p := range projects {
		cards, err := s.store.ListCards(ctx, p.ID)
		if err != nil {
			slog.Error("synth.list_cards_failed", "project", p.ID, "error", err)
			continue
		}
		for _, c := range cards {
			if c.VerificationStatus == store.VerifyBranchPassed && !seen[c.ID] {
				seen[c.ID] = true
				candidates = append(candidates, c)
			}
		}
	}
	if len(candidates) == 0 {
		return
	}

	results, err := s.merge.Synthesize(ctx, candidates)
	if err != nil {
		slog.Error("synth.failed", "error", err)
		return
	}

	merged, failed := 0, 0
	for _, r := range results {
		status := store.VerifyMergePassed
		if !r.Merged {
			status = store.VerifyMergeFailed
			failed++
		} else {
			merged++
		}
		if _, err := s.queue.SetVerification(ctx, r.CardID, status); err != nil {
			slog.Warn("synth.verdict_failed", "card", r.CardID, "error", err)
		}
	}
	s.pub.Publish(bus.Event{Name: protocol.EventHeartbeatDigest, Payload: map[string]any{
		"job":    JobSynthesize,
		"merged": merged,
		"failed": failed,
	}})
	slog.Info("synth.done", "merged", merged, "failed", failed)
}
