package orchestrator

import (
	"bytes"
	"encoding/json"

	"github.com/nextlevelbuilder/foreman/internal/store"
)

// resultFrame is the terminal JSONL frame claude-class CLIs emit with the
// run's spend. Other agents produce free text; those lines simply miss the
// parse and stay log-only.
type resultFrame struct {
	Type         string                `json:"type"`
	SessionID    string                `json:"session_id"`
	TotalCostUSD float64               `json:"total_cost_usd"`
	Usage        *usageBlock           `json:"usage"`
	ModelUsage   map[string]usageBlock `json:"modelUsage"`
}

type usageBlock struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

// parseResultFrame reports whether the line is a result frame and decodes it.
func parseResultFrame(line []byte) (*resultFrame, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var frame resultFrame
	if err := json.Unmarshal(trimmed, &frame); err != nil || frame.Type != "result" {
		return nil, false
	}
	return &frame, true
}

// tokenUsage flattens a result frame into the persisted record. modelUsage
// entries sum when present; the top-level usage block is the fallback.
func (f *resultFrame) tokenUsage(cardID, projectID string, agent store.AgentKind) *store.TokenUsage {
	u := &store.TokenUsage{
		CardID:    cardID,
		ProjectID: projectID,
		Agent:     agent,
		CostUSD:   f.TotalCostUSD,
	}
	if len(f.ModelUsage) > 0 {
		for _, m := range f.ModelUsage {
			u.InputTokens += m.InputTokens
			u.OutputTokens += m.OutputTokens
			u.CacheReadTokens += m.CacheReadTokens
			u.CacheWriteTokens += m.CacheCreationTokens
		}
		return u
	}
	if f.Usage != nil {
		u.InputTokens = f.Usage.InputTokens
		u.OutputTokens = f.Usage.OutputTokens
		u.CacheReadTokens = f.Usage.CacheReadTokens
		u.CacheWriteTokens = f.Usage.CacheCreationTokens
	}
	return u
}
