// Package steering turns stored corrections into a prompt block agents read
// before touching code. Corrections are short standing instructions like
// "always run the linter before committing", grouped by domain.
package steering

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/foreman/internal/store"
)

// Service reads steering corrections for prompt assembly.
type Service struct {
	store *store.Store
}

func New(st *store.Store) *Service {
	return &Service{store: st}
}

// BuildPromptBlock renders the active corrections for a project (plus the
// global ones) as a markdown section, grouped by domain. Returns "" when
// there is nothing to say.
func (s *Service) BuildPromptBlock(ctx context.Context, projectID string) (string, error) {
	corrections, err := s.store.ListActiveCorrections(ctx, projectID)
	if err != nil {
		return "", err
	}
	if len(corrections) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Standing corrections\n\n")
	b.WriteString("Follow these at all times. They override conflicting instructions elsewhere.\n")

	current := ""
	for _, c := range corrections {
		if c.Domain != current {
			current = c.Domain
			b.WriteString("\n### " + current + "\n")
		}
		b.WriteString("- " + strings.TrimSpace(c.Text) + "\n")
	}
	return b.String(), nil
}
