package orchestrator

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nextlevelbuilder/foreman/internal/store"
)

func promptCard(title string) *store.Card {
	return &store.Card{Title: title, Description: "do the thing"}
}

// TestBuildPromptSectionOrder verifies all sections appear in order on a
// small input.
func TestBuildPromptSectionOrder(t *testing.T) {
	prompt := BuildPrompt(PromptInput{
		Project:    &store.Project{Name: "acme", Description: "widgets"},
		Documents:  []store.ProjectDocument{{Type: store.DocBrief, Title: "overview", Content: "build widgets"}},
		Decisions:  []store.Decision{{Title: "Use SQLite", Reasoning: "single writer is enough"}},
		InProgress: []store.Card{{Title: "sibling card"}},
		Card:       promptCard("add a widget"),
		Steering:   "## Standing corrections\n\n- never force-push",
	})

	markers := []string{
		"# Role",
		"# Project: acme",
		"# Architecture decisions",
		"# Board context",
		"# Your card: add a widget",
		"Standing corrections",
		"# Research protocol",
		"# Completion checklist",
	}
	last := -1
	for _, m := range markers {
		i := strings.Index(prompt, m)
		if i < 0 {
			t.Fatalf("prompt missing %q", m)
		}
		if i < last {
			t.Fatalf("section %q out of order", m)
		}
		last = i
	}
}

// TestBuildPromptDropOrder verifies over-budget prompts shed decisions, then
// board, then project, and never the card or the protocol.
func TestBuildPromptDropOrder(t *testing.T) {
	big := strings.Repeat("x", 30_000)
	in := PromptInput{
		Project:   &store.Project{Name: "acme", Description: big},
		Documents: []store.ProjectDocument{{Type: store.DocBrief, Title: "b", Content: big}},
		Decisions: []store.Decision{{Title: "d", Reasoning: big}},
		InProgress: []store.Card{
			{Title: strings.Repeat("y", 10_000)},
			{Title: strings.Repeat("z", 10_000)},
		},
		Card: promptCard("the card"),
	}
	prompt := BuildPrompt(in)

	if len(prompt) > promptBudget {
		t.Fatalf("prompt len = %d over budget", len(prompt))
	}
	if strings.Contains(prompt, "# Architecture decisions") {
		t.Fatal("decisions survived the first drop")
	}
	for _, keep := range []string{"# Your card: the card", "# Research protocol", "# Completion checklist", "# Role"} {
		if !strings.Contains(prompt, keep) {
			t.Fatalf("mandatory section %q dropped", keep)
		}
	}
}

// TestTruncateKeepsRuneBoundary verifies the cap never splits a multibyte
// character.
func TestTruncateKeepsRuneBoundary(t *testing.T) {
	// "é" is two bytes, so a limit of 5 lands mid-rune.
	got := truncate(strings.Repeat("é", 10), 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != "éé…" {
		t.Fatalf("truncate = %q, want %q", got, "éé…")
	}
}

// TestBuildPromptTruncatesDocuments verifies the per-document cap.
func TestBuildPromptTruncatesDocuments(t *testing.T) {
	prompt := BuildPrompt(PromptInput{
		Project:   &store.Project{Name: "acme"},
		Documents: []store.ProjectDocument{{Type: store.DocInstructions, Title: "rules", Content: strings.Repeat("a", 5_000)}},
		Card:      promptCard("c"),
	})
	if strings.Contains(prompt, strings.Repeat("a", docTruncateLimit+1)) {
		t.Fatal("document not truncated")
	}
}
