package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/foreman/internal/store"
)

// promptBudget is the hard character cap on an assembled prompt.
const promptBudget = 50_000

// docTruncateLimit caps each embedded project document.
const docTruncateLimit = 2_000

const identityBlock = `# Role

You are an autonomous coding agent working on one kanban card in an isolated
git worktree. You own this card alone. Boundaries:

- Work only inside the current directory (your worktree).
- Commit your work locally. Do NOT push and do NOT open a pull request;
  the orchestrating service handles both after you exit.
- If you cannot finish, write what you learned into your final commit message
  so the next run resumes instead of restarting.`

const researchProtocol = `# Research protocol (mandatory, three passes)

Before writing any code, complete three research passes and note findings:

1. Pass one: map the repository. Read the build files, entry points, and the
   packages your card touches. Identify the conventions already in use.
2. Pass two: trace the feature. Follow the exact code paths your change will
   modify, including their tests, callers, and error handling.
3. Pass three: check for prior art. Search the codebase for similar features
   and copy their structure rather than inventing a new one.`

const completionChecklist = `# Completion checklist

Before exiting, in order:

1. Type-check and lint the code you touched; fix what you broke.
2. Run the tests closest to your change.
3. Write verification-prompt.md at the worktree root describing how a
   reviewer should verify this change.
4. Commit everything with a clear message.
5. Do NOT push. Do NOT open a pull request. Exit 0 on success.`

// PromptInput carries the material for one spawn's prompt.
type PromptInput struct {
	Project    *store.Project
	Documents  []store.ProjectDocument
	Decisions  []store.Decision
	InProgress []store.Card
	RecentDone []store.Card
	Card       *store.Card
	Steering   string
}

// BuildPrompt assembles the agent prompt. Sections concatenate in a fixed
// order under the character budget; when over budget the droppable sections
// go in order decisions, board, project. Identity, card brief, research
// protocol, and checklist always survive.
func BuildPrompt(in PromptInput) string {
	projectSec := projectSection(in.Project, in.Documents)
	decisionsSec := decisionsSection(in.Decisions)
	boardSec := boardSection(in.InProgress, in.RecentDone)
	cardSec := cardSection(in.Card)

	sections := []string{identityBlock, projectSec, decisionsSec, boardSec, cardSec, in.Steering, researchProtocol, completionChecklist}
	if promptLen(sections) > promptBudget {
		sections[2] = "" // decisions
	}
	if promptLen(sections) > promptBudget {
		sections[3] = "" // board
	}
	if promptLen(sections) > promptBudget {
		sections[1] = "" // project
	}

	kept := make([]string, 0, len(sections))
	for _, s := range sections {
		if s != "" {
			kept = append(kept, s)
		}
	}
	prompt := strings.Join(kept, "\n\n")
	if len(prompt) > promptBudget {
		prompt = prompt[:promptBudget]
	}
	return prompt
}

func promptLen(sections []string) int {
	n := 0
	for _, s := range sections {
		if s != "" {
			n += len(s) + 2
		}
	}
	return n
}

func projectSection(p *store.Project, docs []store.ProjectDocument) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Project: %s\n\n%s\n", p.Name, strings.TrimSpace(p.Description))
	for _, d := range docs {
		switch d.Type {
		case store.DocBrief, store.DocInstructions, store.DocAssumptions:
			fmt.Fprintf(&b, "\n## %s: %s\n\n%s\n", d.Type, d.Title, truncate(d.Content, docTruncateLimit))
		}
	}
	return strings.TrimSpace(b.String())
}

func decisionsSection(decisions []store.Decision) string {
	if len(decisions) == 0 {
		return ""
	}
	if len(decisions) > 10 {
		decisions = decisions[:10]
	}
	var b strings.Builder
	b.WriteString("# Architecture decisions\n")
	for _, d := range decisions {
		fmt.Fprintf(&b, "\n- **%s**: %s", d.Title, truncate(d.Reasoning, 400))
		if d.Tradeoffs != "" {
			fmt.Fprintf(&b, " (tradeoffs: %s)", truncate(d.Tradeoffs, 200))
		}
	}
	return b.String()
}

func boardSection(inProgress, recentDone []store.Card) string {
	if len(inProgress) == 0 && len(recentDone) == 0 {
		return ""
	}
	if len(recentDone) > 10 {
		recentDone = recentDone[:10]
	}
	var b strings.Builder
	b.WriteString("# Board context\n")
	if len(inProgress) > 0 {
		b.WriteString("\nCards in progress elsewhere (do not touch their scope):\n")
		for _, c := range inProgress {
			fmt.Fprintf(&b, "- %s\n", c.Title)
		}
	}
	if len(recentDone) > 0 {
		b.WriteString("\nRecently finished:\n")
		for _, c := range recentDone {
			fmt.Fprintf(&b, "- %s\n", c.Title)
		}
	}
	return strings.TrimSpace(b.String())
}

func cardSection(c *store.Card) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Your card: %s\n", c.Title)
	if c.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(c.Description))
	}
	if c.ContextSnapshot != "" {
		fmt.Fprintf(&b, "\n## Previous working state\n\nA prior run left off here. Resume, do not restart:\n\n%s\n", strings.TrimSpace(c.ContextSnapshot))
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	// Back off to a rune boundary so a multibyte character is never split.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "…"
}
