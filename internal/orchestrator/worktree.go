package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/foreman/internal/store"
)

// worktreeDir is the subdirectory of the workspace repo holding agent
// checkouts.
const worktreeDir = ".worktrees"

// smokeDataDir is the throwaway test-data directory agents may create; it is
// removed before the worktree itself so git does not refuse the removal.
const smokeDataDir = ".smoke-data"

// Worktrees provisions and reclaims per-agent git worktrees under
// <repo>/.worktrees/<shortCardID>.
type Worktrees struct {
	repoRoot string
	runGit   func(dir string, args ...string) ([]byte, error)
}

func NewWorktrees(repoRoot string) *Worktrees {
	return &Worktrees{repoRoot: repoRoot, runGit: runGit}
}

func runGit(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Create adds a worktree for the card on the given branch. If the branch
// already exists (a retried card), the worktree attaches to it; otherwise
// the branch is created off the current HEAD. Returns the absolute worktree
// path.
func (w *Worktrees) Create(cardID, branch string) (string, error) {
	path := filepath.Join(w.repoRoot, worktreeDir, ShortID(cardID))
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorktreeFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorktreeFailed, err)
	}
	if _, err := os.Stat(abs); err == nil {
		// Stale checkout from a crashed run; reclaim it first.
		if err := w.Remove(abs); err != nil {
			return "", fmt.Errorf("%w: stale worktree: %v", ErrWorktreeFailed, err)
		}
	}

	args := []string{"worktree", "add", abs, branch}
	if !w.branchExists(branch) {
		args = []string{"worktree", "add", "-b", branch, abs}
	}
	if _, err := w.runGit(w.repoRoot, args...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorktreeFailed, err)
	}
	return abs, nil
}

// Remove force-removes a worktree, falling back to a filesystem delete plus
// prune when git refuses.
func (w *Worktrees) Remove(path string) error {
	_ = os.RemoveAll(filepath.Join(path, smokeDataDir))
	if _, err := w.runGit(w.repoRoot, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove worktree %s: %w", path, rmErr)
		}
		_, _ = w.runGit(w.repoRoot, "worktree", "prune")
	}
	return nil
}

// GC removes every directory under .worktrees not claimed by a live agent.
// Directories named merge-* are integration staging areas and survive.
func (w *Worktrees) GC(live map[string]bool) []string {
	root := filepath.Join(w.repoRoot, worktreeDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var removed []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "merge-") || live[e.Name()] {
			continue
		}
		path := filepath.Join(root, e.Name())
		if err := w.Remove(path); err == nil {
			removed = append(removed, path)
		}
	}
	return removed
}

func (w *Worktrees) branchExists(branch string) bool {
	_, err := w.runGit(w.repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// ShortID returns the first 8 characters of a card id, enough to keep
// worktree paths and branch names unique and readable.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// BranchName derives the agent branch: agent/<type>/<slug(title)>-<id8>.
func BranchName(agent store.AgentKind, title, cardID string) string {
	return fmt.Sprintf("agent/%s/%s-%s", agent, slugify(title), ShortID(cardID))
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	s := nonSlugChars.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		s = "task"
	}
	return s
}
