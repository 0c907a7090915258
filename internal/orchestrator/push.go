package orchestrator

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nextlevelbuilder/foreman/internal/store"
)

const (
	pushRetries = 3
	pushBackoff = 5 * time.Second
)

// publisher pushes agent branches and opens pull requests via the git and gh
// CLIs. Absence of gh (or an unauthenticated gh) degrades to leaving the
// branch local.
type publisher struct {
	run func(dir, bin string, args ...string) ([]byte, error)
	// sleep is swapped in tests so retry backoff does not stall them.
	sleep func(time.Duration)
}

func newPublisher() *publisher {
	return &publisher{run: runTool, sleep: time.Sleep}
}

func runTool(dir, bin string, args ...string) ([]byte, error) {
	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// ghAuthenticated reports whether the gh CLI is present and logged in.
func (p *publisher) ghAuthenticated(dir string) bool {
	_, err := p.run(dir, "gh", "auth", "status")
	return err == nil
}

// pushBranch pushes with upstream tracking, retrying transient failures.
// Every failed attempt is returned so the caller can audit each one.
func (p *publisher) pushBranch(dir, branch string) ([]error, error) {
	var failures []error
	for attempt := 1; attempt <= pushRetries; attempt++ {
		_, err := p.run(dir, "git", "push", "-u", "origin", branch)
		if err == nil {
			return failures, nil
		}
		failures = append(failures, err)
		slog.Warn("push.retry", "branch", branch, "attempt", attempt, "error", err)
		if attempt < pushRetries {
			p.sleep(pushBackoff)
		}
	}
	last := failures[len(failures)-1]
	return failures, fmt.Errorf("push %s after %d attempts: %w", branch, pushRetries, last)
}

// createPR opens a pull request for the branch with card-derived title/body.
func (p *publisher) createPR(dir string, card *store.Card, branch string) (string, error) {
	body := prBody(card)
	out, err := p.run(dir, "gh", "pr", "create",
		"--title", card.Title,
		"--body", body,
		"--head", branch,
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func prBody(card *store.Card) string {
	var b strings.Builder
	if card.Description != "" {
		b.WriteString(strings.TrimSpace(card.Description))
		b.WriteString("\n\n")
	}
	b.WriteString("Automated change for card ")
	b.WriteString(ShortID(card.ID))
	b.WriteString(". See verification-prompt.md on the branch for review steps.")
	return b.String()
}
